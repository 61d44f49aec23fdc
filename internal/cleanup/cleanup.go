package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

// RemoveJobDir deletes a job's working directory. Paths outside root are
// refused.
func RemoveJobDir(ctx context.Context, root, dir string) error {
	logger := logctx.LoggerFromContext(ctx)

	if !within(root, dir) {
		return fmt.Errorf("refusing to delete %s outside of %s", dir, root)
	}

	if err := os.RemoveAll(dir); err != nil {
		logger.ErrorContext(ctx, "failed to delete job directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to delete %s: %w", dir, err)
	}

	logger.DebugContext(ctx, "deleted job directory", "dir", dir)

	return nil
}

// DeleteOrphans removes entries directly under root that are older than
// keepDuration and not claimed by inUse. It returns how many were removed.
func DeleteOrphans(ctx context.Context, root string, keepDuration time.Duration, inUse func(path string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read %s: %w", root, err)
	}

	removed := 0

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())

		if inUse != nil && inUse(path) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.WarnContext(ctx, "failed to stat orphan", "path", path, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.ErrorContext(ctx, "failed to delete orphan", "path", path, "err", err)

			continue
		}

		removed++

		logger.InfoContext(ctx, "deleted orphan", "path", path, "age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return removed, nil
}

// Sweeper periodically deletes orphaned job directories.
type Sweeper struct {
	Root         string
	KeepDuration time.Duration
	Interval     time.Duration
	InUse        func(path string) bool
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	sweep := func() {
		if _, err := DeleteOrphans(ctx, s.Root, s.KeepDuration, s.InUse); err != nil {
			logger.ErrorContext(ctx, "orphan sweep failed", "err", err)
		}
	}

	sweep()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
