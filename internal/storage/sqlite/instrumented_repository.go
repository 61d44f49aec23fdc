package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedHistoryRepository) RecordJob(ctx context.Context, record storage.JobRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_job", func(ctx context.Context) error {
		return r.repo.RecordJob(ctx, record)
	})
}

func (r *InstrumentedHistoryRepository) GetJob(ctx context.Context, jobID string) (storage.JobRecord, error) {
	var result storage.JobRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetJob(ctx, jobID)

		return err
	})
	if err != nil {
		return storage.JobRecord{}, err
	}

	return result, nil
}

func (r *InstrumentedHistoryRepository) ListJobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	var result []storage.JobRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_jobs", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListJobs(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedHistoryRepository) ListJobsForChannel(ctx context.Context, channelID int64, limit int) ([]storage.JobRecord, error) {
	var result []storage.JobRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_jobs_for_channel", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListJobsForChannel(ctx, channelID, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
