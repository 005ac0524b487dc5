package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobStep is one named unit of work inside a job's ordered pipeline.
type JobStep struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ExportJob is the durable record of one export execution.
type ExportJob struct {
	ID         string `gorm:"column:job_id;primaryKey;size:36" json:"jobId"`
	TargetID   string `gorm:"column:target_id;size:36;index" json:"targetId"`
	TargetType string `gorm:"column:target_type;size:32;index" json:"targetType"`
	OwnerID    string `gorm:"column:owner_id;size:36;index" json:"ownerId"`

	Status         JobStatus                    `gorm:"column:status;size:16;index" json:"status"`
	Steps          datatypes.JSONSlice[JobStep] `gorm:"column:steps" json:"steps"`
	StepsCompleted int                          `gorm:"column:steps_completed;default:0" json:"stepsCompleted"`
	StepsTotal     int                          `gorm:"column:steps_total" json:"stepsTotal"`
	Progress       int                          `gorm:"column:progress;default:0" json:"progressPercentage"`
	CurrentStep    string                       `gorm:"column:current_step;size:64" json:"currentStep,omitempty"`
	ErrorMessage   *string                      `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`

	PackagePath          *string    `gorm:"column:package_path;type:text" json:"packagePath,omitempty"`
	PackageSizeBytes     *int64     `gorm:"column:package_size_bytes" json:"packageSizeBytes,omitempty"`
	PackageExpiresAt     *time.Time `gorm:"column:package_expires_at;index" json:"packageExpiresAt,omitempty"`
	PackageRetentionDays int        `gorm:"column:package_retention_days" json:"packageRetentionDays"`
	DownloadCount        int64      `gorm:"column:download_count;default:0" json:"downloadCount"`
	LastDownloadedAt     *time.Time `gorm:"column:last_downloaded_at" json:"lastDownloadedAt,omitempty"`

	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime;index" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completedAt,omitempty"`
	DeletedAt   *time.Time `gorm:"column:deleted_at;index" json:"deletedAt,omitempty"`
}

func (ExportJob) TableName() string {
	return "export_jobs"
}

// PackageExpired reports whether the package retention window has passed.
// Expiry is a logical state: it holds even when the bytes have not been
// reclaimed by the retention sweep yet.
func (j *ExportJob) PackageExpired(now time.Time) bool {
	return j.PackageExpiresAt != nil && j.PackageExpiresAt.Before(now)
}

// Tool is the export target as known to the tool registry. The engine only
// reads it; tool CRUD lives outside this service.
type Tool struct {
	ID          string         `gorm:"column:tool_id;primaryKey;size:36" json:"toolId"`
	Name        string         `gorm:"column:name;size:128" json:"name"`
	Slug        string         `gorm:"column:slug;size:128;uniqueIndex" json:"slug"`
	Type        string         `gorm:"column:type;size:32" json:"type"`
	OwnerID     string         `gorm:"column:owner_id;size:36;index" json:"ownerId"`
	IsPublic    bool           `gorm:"column:is_public;default:false" json:"isPublic"`
	Definition  datatypes.JSON `gorm:"column:definition" json:"definition"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Tool) TableName() string {
	return "tools"
}
