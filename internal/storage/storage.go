package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Outcome is how a job ended.
type Outcome string

const (
	OutcomeUploaded  Outcome = "uploaded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// JobRecord is a finished job kept for history.
type JobRecord struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	OwnerName  string    `json:"owner_name"`
	ChannelID  int64     `json:"channel_id"`
	Outcome    Outcome   `json:"outcome"`
	Link       string    `json:"link,omitempty"`
	Size       int64     `json:"size"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type HistoryReadRepository interface {
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]JobRecord, error)
	ListJobsForChannel(ctx context.Context, channelID int64, limit int) ([]JobRecord, error)
}

type HistoryWriteRepository interface {
	RecordJob(ctx context.Context, record JobRecord) error
}
