package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the history table if
// it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY,
		job_id TEXT UNIQUE,
		name TEXT,
		owner_name TEXT,
		channel_id INTEGER,
		outcome TEXT,
		link TEXT,
		size INTEGER DEFAULT 0,
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create job_history table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS job_history_channel ON job_history (channel_id, finished_at)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create job_history index: %w", err)
	}

	return db, nil
}
