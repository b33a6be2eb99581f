package models

import "time"

// Status is the externally visible lifecycle state of a scrape job.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Phase is the per-page sub-state of a running job. Informational only.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseFetching   Phase = "fetching"
	PhaseExtracting Phase = "extracting"
	PhaseWriting    Phase = "writing"
	PhaseSleeping   Phase = "sleeping"
)

// Stats are the per-job counters. They only grow during a job.
type Stats struct {
	Scraped        uint64 `json:"total_scraped"`
	Duplicates     uint64 `json:"duplicates"`
	Errors         uint64 `json:"errors"`
	PagesProcessed uint64 `json:"pages_processed"`
}

// JobSnapshot is a point-in-time copy of a job's state.
type JobSnapshot struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	MaxPages    int        `json:"max_pages"`
	CurrentPage int        `json:"current_page"`
	Pagination  bool       `json:"pagination"`
	Status      Status     `json:"status"`
	Phase       Phase      `json:"phase,omitempty"`
	Stats       Stats      `json:"stats"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the job ran, or has been running.
func (s JobSnapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
