package mirror

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/italolelis/seedbox_mirror/internal/drive"
	"github.com/italolelis/seedbox_mirror/internal/engine"
)

// describe turns a job error into the message shown in the job's channel.
func describe(err error) string {
	if err == nil {
		return "failed"
	}

	var (
		initErr  *drive.SessionInitError
		chunkErr *drive.ChunkError
		apiErr   *drive.APIError
		queryErr *engine.QueryError
	)

	switch {
	case errors.As(err, &initErr):
		return fmt.Sprintf("Failed to start upload: %v", initErr.Err)
	case errors.As(err, &chunkErr):
		return fmt.Sprintf("Upload failed at byte %d: %v", chunkErr.Start, chunkErr.Err)
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Upload failed: storage backend answered HTTP %d", apiErr.StatusCode)
	case errors.As(err, &queryErr):
		return fmt.Sprintf("Download engine error: %v", queryErr.Err)
	default:
		return err.Error()
	}
}

func stack() string {
	return string(debug.Stack())
}

// waitForAdmissions blocks until no admission is registering a job.
func (m *Mirror) waitForAdmissions() {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
}
