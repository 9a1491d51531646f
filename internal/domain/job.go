package domain

import (
	"encoding/json"
	"time"
)

type ExportType string

const (
	ExportTypeHotel   ExportType = "hotel"
	ExportTypeMapping ExportType = "mapping"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusExpired    JobStatus = "expired"
)

// IsTerminal reports whether no further polling should happen for this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusExpired
}

// ExportJob is one asynchronous export request and its lifecycle record.
// The remote system assigns the ID at creation; everything else mutates only
// through status updates merged via ApplyUpdate.
type ExportJob struct {
	ID               string          `json:"job_id"`
	Type             ExportType      `json:"export_type"`
	Status           JobStatus       `json:"status"`
	Progress         int             `json:"progress"`
	ProcessedRecords int             `json:"processed_records"`
	TotalRecords     int             `json:"total_records"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	DownloadURL      string          `json:"download_url,omitempty"`
	Filters          json.RawMessage `json:"filters,omitempty"`
}

// StatusUpdate carries the fields a remote status fetch may change.
type StatusUpdate struct {
	Status           JobStatus
	Progress         int
	ProcessedRecords int
	TotalRecords     int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
	ErrorMessage     string
	DownloadURL      string
}

// ApplyUpdate merges a status update into a copy of the job. Terminal states
// are immutable: once completed, failed or expired the status never changes
// again, with the single exception completed -> expired. Timestamps set once
// are kept on later updates that omit them.
func (j ExportJob) ApplyUpdate(update StatusUpdate) ExportJob {
	merged := j

	if allowsTransition(j.Status, update.Status) {
		merged.Status = update.Status
	}

	if update.Progress > merged.Progress {
		merged.Progress = update.Progress
	}
	if update.ProcessedRecords > 0 {
		merged.ProcessedRecords = update.ProcessedRecords
	}
	if update.TotalRecords > 0 {
		merged.TotalRecords = update.TotalRecords
	}
	if merged.StartedAt == nil && update.StartedAt != nil {
		merged.StartedAt = update.StartedAt
	}
	if merged.CompletedAt == nil && update.CompletedAt != nil {
		merged.CompletedAt = update.CompletedAt
	}
	if merged.ExpiresAt == nil && update.ExpiresAt != nil {
		merged.ExpiresAt = update.ExpiresAt
	}
	if merged.Status == JobStatusFailed && update.ErrorMessage != "" {
		merged.ErrorMessage = update.ErrorMessage
	}
	if merged.Status == JobStatusCompleted && update.DownloadURL != "" {
		merged.DownloadURL = update.DownloadURL
	}
	if merged.Status == JobStatusCompleted {
		merged.Progress = 100
	}
	return merged
}

func allowsTransition(from, to JobStatus) bool {
	if to == "" {
		return false
	}
	if !from.IsTerminal() {
		return true
	}
	return from == JobStatusCompleted && to == JobStatusExpired
}

// Expire marks a completed job whose download window has passed. Returns the
// updated job and whether anything changed.
func (j ExportJob) Expire(now time.Time) (ExportJob, bool) {
	if j.Status != JobStatusCompleted || j.ExpiresAt == nil {
		return j, false
	}
	if now.Before(*j.ExpiresAt) {
		return j, false
	}
	expired := j
	expired.Status = JobStatusExpired
	expired.DownloadURL = ""
	return expired, true
}

// OlderThan reports whether the job was created before now-maxAge. The job
// store drops such jobs entirely on load regardless of status.
func (j ExportJob) OlderThan(now time.Time, maxAge time.Duration) bool {
	return now.Sub(j.CreatedAt) >= maxAge
}
