package scheduler

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusRetry      JobStatus = "retry"
	StatusFailed     JobStatus = "failed"
)

// Job is one unit of queued work. ExternalKey makes enqueues idempotent:
// at most one non-terminal job exists per (job_type, external_key). Each row
// carries its own backoff parameters; a zero value falls back to the global
// scheduler config.
type Job struct {
	ID                 string
	WorkspaceID        string
	DocumentID         string
	JobType            string
	Status             JobStatus
	Payload            json.RawMessage
	Retries            int
	MaxRetries         int
	NextRunAt          time.Time
	ExternalKey        string
	Priority           int
	Paused             bool
	LastError          string
	BackoffBaseSeconds int
	BackoffFactor      float64
	JitterSeconds      int
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TypeStats is the per-type slice of the admin stats view.
type TypeStats struct {
	JobType    string `json:"job_type"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Retry      int64  `json:"retry"`
	Failed     int64  `json:"failed"`
}
