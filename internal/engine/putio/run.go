package putio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/progress"
)

const (
	statusError     = "ERROR"
	statusCompleted = "COMPLETED"
	statusSeeding   = "SEEDING"

	defaultPollInterval = 5 * time.Second
	finishedRetention   = time.Hour
	progressInterval    = 64 * 1024 * 1024
	dirPerm             = 0o755
)

// Run polls the tracked transfers until ctx is done. It closes the Events
// channel on return, after any in-flight fetch has stopped.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.events)
	defer e.fetches.Wait()

	logger := logctx.LoggerFromContext(ctx).With("component", "putio_poller")
	logger.InfoContext(ctx, "polling put.io transfers", "interval", e.pollInterval)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

func (e *Engine) poll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.transfers))
	for id := range e.transfers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	slices.Sort(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		e.step(ctx, id)
	}
}

// step advances one transfer and emits the events its new state implies.
func (e *Engine) step(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", id)

	tr, ok := e.lookup(id)
	if !ok {
		return
	}

	if tr.removed {
		e.mu.Lock()
		delete(e.transfers, id)
		e.mu.Unlock()

		e.emit(ctx, engine.Event{Kind: engine.EventStop, ID: id})

		return
	}

	if tr.done || tr.failed {
		if !tr.finished.IsZero() && time.Since(tr.finished) > finishedRetention {
			e.mu.Lock()
			delete(e.transfers, id)
			e.mu.Unlock()
		}

		return
	}

	if tr.fetching {
		return
	}

	t, err := e.get(ctx, "tellStatus", id)
	if err != nil {
		logger.WarnContext(ctx, "failed to poll transfer", "err", err)

		return
	}

	var (
		events []engine.Event
		fetch  bool
		dir    string
	)

	fetchCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	cur, ok := e.transfers[id]
	if ok && !cur.removed {
		if !cur.started && remoteState(t.Status) == engine.StateActive {
			cur.started = true
			events = append(events, engine.Event{Kind: engine.EventStart, ID: id})
		}

		switch {
		case t.Status == statusError:
			cur.failed = true
			cur.finished = time.Now()
			events = append(events, engine.Event{Kind: engine.EventError, ID: id})
		case (t.Status == statusCompleted || t.Status == statusSeeding) && t.FileID != 0:
			cur.fetching = true
			cur.fetchStarted = time.Now()
			cur.cancelFetch = cancel
			fetch = true
			dir = cur.dir
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.emit(ctx, ev)
	}

	if !fetch {
		cancel()

		return
	}

	logger.InfoContext(ctx, "transfer finished on put.io, fetching payload", "name", t.Name, "size", humanize.Bytes(uint64(t.Size)))

	e.fetches.Add(1)

	go func() {
		defer e.fetches.Done()
		defer cancel()

		e.fetch(fetchCtx, id, t.FileID, dir)
	}()
}

// fetch downloads the payload of a finished transfer into dir and reports
// Complete, or Error when any file fails. Removed transfers report nothing.
func (e *Engine) fetch(ctx context.Context, id string, fileID int64, dir string) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", id, "file_id", fileID)

	err := e.fetchAll(ctx, id, fileID, dir)

	e.mu.Lock()
	cur, ok := e.transfers[id]
	if !ok || cur.removed {
		e.mu.Unlock()

		return
	}

	cur.fetching = false
	cur.cancelFetch = nil
	cur.finished = time.Now()

	kind := engine.EventComplete
	if err != nil {
		cur.failed = true
		cur.errMessage = err.Error()
		kind = engine.EventError
	} else {
		cur.done = true
	}
	e.mu.Unlock()

	if err != nil {
		logger.ErrorContext(ctx, "failed to fetch payload", "err", err)
	} else {
		logger.InfoContext(ctx, "payload fetched", "dir", dir)
	}

	e.emit(ctx, engine.Event{Kind: kind, ID: id})
}

func (e *Engine) fetchAll(ctx context.Context, id string, fileID int64, dir string) error {
	files, err := e.remoteFiles(ctx, fileID, "")
	if err != nil {
		return err
	}

	var done int64

	for _, f := range files {
		n, err := e.download(ctx, id, f, dir, done)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", f.Path, err)
		}

		done += n
	}

	return nil
}

type remoteFile struct {
	ID   int64
	Path string
	Size int64
}

func (e *Engine) download(ctx context.Context, id string, f remoteFile, dir string, before int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("path", f.Path)

	url, err := e.client.Files.URL(ctx, f.ID, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get file download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	target := filepath.Join(dir, f.Path)

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	pr := progress.NewReader(resp.Body, f.Size, progressInterval, func(read, total int64) {
		e.setFetched(id, before+read)
		logger.DebugContext(ctx, "fetch progress", "downloaded", humanize.Bytes(uint64(read)), "total", humanize.Bytes(uint64(total)))
	})

	if _, err := io.Copy(out, pr); err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	e.setFetched(id, before+pr.BytesRead())

	return pr.BytesRead(), nil
}

func (e *Engine) setFetched(id string, n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tr, ok := e.transfers[id]; ok {
		tr.fetched = n
	}
}

// remoteFiles lists the files under parentID with paths relative to the
// transfer root.
func (e *Engine) remoteFiles(ctx context.Context, parentID int64, basePath string) ([]remoteFile, error) {
	file, err := e.client.Files.Get(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	if !file.IsDir() {
		return []remoteFile{{ID: file.ID, Path: filepath.Join(basePath, file.Name), Size: file.Size}}, nil
	}

	children, _, err := e.client.Files.List(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	base := filepath.Join(basePath, file.Name)
	result := make([]remoteFile, 0, len(children))

	for _, f := range children {
		if f.IsDir() {
			nested, err := e.remoteFiles(ctx, f.ID, base)
			if err != nil {
				return nil, err
			}

			result = append(result, nested...)

			continue
		}

		result = append(result, remoteFile{ID: f.ID, Path: filepath.Join(base, f.Name), Size: f.Size})
	}

	return result, nil
}

func (e *Engine) emit(ctx context.Context, ev engine.Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}
