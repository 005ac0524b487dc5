package model

import "time"

// Sortable listing fields, validated at the handler boundary.
const (
	SortByCreatedAt     = "created_at"
	SortByCompletedAt   = "completed_at"
	SortByDownloadCount = "download_count"
	SortByPackageSize   = "package_size_bytes"
)

// ListJobsQuery carries pagination, sorting and filters for the job listing.
type ListJobsQuery struct {
	Limit     int    `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset    int    `query:"offset" validate:"omitempty,min=0"`
	SortBy    string `query:"sortBy" validate:"omitempty,oneof=created_at completed_at download_count package_size_bytes"`
	SortDir   string `query:"sortDir" validate:"omitempty,oneof=asc desc"`
	Status    string `query:"status" validate:"omitempty,oneof=pending in_progress completed failed cancelled"`
	TargetType string `query:"targetType" validate:"omitempty,max=32"`

	// Parsed from RFC 3339 `from`/`to` query params by the handler.
	From *time.Time `query:"-"`
	To   *time.Time `query:"-"`

	// Admin only; ignored for regular callers.
	IncludeDeleted bool `query:"includeDeleted"`
}

// Normalize fills defaults so the store never sees zero pagination.
func (q *ListJobsQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.SortBy == "" {
		q.SortBy = SortByCreatedAt
	}
	if q.SortDir == "" {
		q.SortDir = "desc"
	}
}

// JobListResponse is the paginated listing payload.
type JobListResponse struct {
	Jobs       []ExportJob `json:"jobs"`
	Total      int64       `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	Page       int         `json:"page"`
	TotalPages int         `json:"totalPages"`
}

// NewJobListResponse computes the derived pagination fields.
func NewJobListResponse(jobs []ExportJob, total int64, limit, offset int) *JobListResponse {
	pages := int(total) / limit
	if int(total)%limit != 0 {
		pages++
	}
	return &JobListResponse{
		Jobs:       jobs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		Page:       offset/limit + 1,
		TotalPages: pages,
	}
}
