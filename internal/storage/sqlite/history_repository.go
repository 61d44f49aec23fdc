package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/seedbox_mirror/internal/storage"
)

const selectColumns = `SELECT job_id, name, owner_name, channel_id, outcome, link, size, error, started_at, finished_at FROM job_history`

// HistoryRepository stores finished jobs in SQLite.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// RecordJob inserts record, replacing an earlier record for the same job.
func (r *HistoryRepository) RecordJob(ctx context.Context, record storage.JobRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO job_history
		(job_id, name, owner_name, channel_id, outcome, link, size, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.JobID, record.Name, record.OwnerName, record.ChannelID, string(record.Outcome),
		record.Link, record.Size, record.Error, record.StartedAt.UTC(), record.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", record.JobID, err)
	}

	return nil
}

func (r *HistoryRepository) GetJob(ctx context.Context, jobID string) (storage.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.JobRecord{}, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	return record, nil
}

// ListJobs returns up to limit records, most recently finished first.
func (r *HistoryRepository) ListJobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return scanRecords(rows)
}

func (r *HistoryRepository) ListJobsForChannel(ctx context.Context, channelID int64, limit int) ([]storage.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+` WHERE channel_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for channel %d: %w", channelID, err)
	}

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.JobRecord, error) {
	var (
		record  storage.JobRecord
		outcome string
		link    sql.NullString
		errText sql.NullString
	)

	err := s.Scan(&record.JobID, &record.Name, &record.OwnerName, &record.ChannelID, &outcome,
		&link, &record.Size, &errText, &record.StartedAt, &record.FinishedAt)
	if err != nil {
		return storage.JobRecord{}, err
	}

	record.Outcome = storage.Outcome(outcome)
	record.Link = link.String
	record.Error = errText.String

	return record, nil
}

func scanRecords(rows *sql.Rows) ([]storage.JobRecord, error) {
	defer rows.Close()

	var records []storage.JobRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job records: %w", err)
	}

	return records, nil
}
