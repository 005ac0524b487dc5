package model

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the non-terminal job statuses. A target may have at most
// one job in an active status at any time.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusInProgress}

// IsTerminal reports whether the status can never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Step status
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Caller roles
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// CallerScope is the requester identity and role attached to every
// orchestrator, query and gateway call. The engine never authenticates;
// it only authorizes against the scope it is given.
type CallerScope struct {
	UserID string
	Role   Role
}

func (s CallerScope) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// CanSee reports whether the scope may observe a job owned by ownerID.
func (s CallerScope) CanSee(ownerID string) bool {
	return s.IsAdmin() || s.UserID == ownerID
}
