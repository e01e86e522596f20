package domain

import "time"

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

// Payload is the durable body of a queued job.
type Payload struct {
	Records   []Record  `json:"records"`
	FileName  string    `json:"fileName"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

type Job struct {
	ID          string
	Payload     Payload
	Attempts    int
	MaxAttempts int
	State       State
	LockedUntil time.Time
	EnqueuedAt  time.Time
	Error       string
	Result      *BatchResult
}

// Handle is returned to the submitter as soon as the job is durably queued.
type Handle struct {
	ID         string
	EnqueuedAt time.Time
}

type RowError struct {
	Row   int    `json:"row"` // 1-based, relative to the full batch
	Error string `json:"error"`
}

// BatchResult is the terminal outcome of one job, published exactly once.
// SuccessCount+FailCount always equals TotalRecords.
type BatchResult struct {
	JobID        string     `json:"jobId"`
	ClientID     string     `json:"clientId"`
	FileName     string     `json:"fileName"`
	TotalRecords int        `json:"totalRecords"`
	SuccessCount int        `json:"successCount"`
	FailCount    int        `json:"failCount"`
	Errors       []RowError `json:"errors,omitempty"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}
