package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/seedbox_mirror/internal/archive"
	"github.com/italolelis/seedbox_mirror/internal/cleanup"
	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/registry"
	"github.com/italolelis/seedbox_mirror/internal/status"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

const dirPerm = 0o755

var (
	// ErrFilteredDomain rejects URIs from a blocked domain.
	ErrFilteredDomain = errors.New("downloads from this domain are not allowed")
	// ErrJobNotFound is returned for ids the registry doesn't track.
	ErrJobNotFound = errors.New("job not found")
)

// Uploader stores a completed download and returns its public link.
type Uploader interface {
	UploadTree(ctx context.Context, path, parentID string) (string, error)
	ParentID() string
}

// Archiver decides what gets uploaded for a completed download.
type Archiver interface {
	Decide(ctx context.Context, path, name string, size int64, requested bool) archive.Plan
}

// Publisher shows job progress and notices in the job's channel.
type Publisher interface {
	Update(ctx context.Context, channelID int64) <-chan error
	Notify(ctx context.Context, channelID int64, text string) <-chan error
	FlushCancelled(ctx context.Context)
}

// Outcome is a job that reached a terminal state.
type Outcome struct {
	Job        registry.Job
	Result     storage.Outcome
	Name       string
	Size       int64
	Link       string
	Err        error
	FinishedAt time.Time
}

type Config struct {
	Root               string
	FilteredDomains    []string
	MaxParallelUploads int
	EngineName         string
}

// Mirror drives jobs from admission through download, archival and upload
// to their terminal outcome. Engine events are applied by a single consumer
// in arrival order; uploads run concurrently up to MaxParallelUploads.
type Mirror struct {
	cfg       Config
	registry  *registry.Registry
	engine    engine.Engine
	uploader  Uploader
	archiver  Archiver
	status    Publisher
	history   storage.HistoryWriteRepository
	telemetry *telemetry.Telemetry

	uploads *semaphore.Weighted
	wg      sync.WaitGroup

	// admitMu is held shared while a job is being admitted so events never
	// overtake the registration of their job.
	admitMu  sync.RWMutex
	finishMu sync.Mutex

	// outMu guards closing OnJobFinished against in-flight sends.
	outMu  sync.RWMutex
	closed bool

	OnJobFinished chan Outcome
}

func New(
	cfg Config,
	reg *registry.Registry,
	eng engine.Engine,
	uploader Uploader,
	archiver Archiver,
	publisher Publisher,
	history storage.HistoryWriteRepository,
	tel *telemetry.Telemetry,
) *Mirror {
	if cfg.MaxParallelUploads < 1 {
		cfg.MaxParallelUploads = 1
	}

	return &Mirror{
		cfg:       cfg,
		registry:  reg,
		engine:    eng,
		uploader:  uploader,
		archiver:  archiver,
		status:    publisher,
		history:   history,
		telemetry: tel,
		uploads:   semaphore.NewWeighted(int64(cfg.MaxParallelUploads)),

		OnJobFinished: make(chan Outcome, 16),
	}
}

// Close closes OnJobFinished. Jobs finished afterwards, such as late
// cancellations, are no longer published on it.
func (m *Mirror) Close() {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	close(m.OnJobFinished)
}

// Allowed reports whether uri is outside every filtered domain.
func (m *Mirror) Allowed(uri string) bool {
	for _, domain := range m.cfg.FilteredDomains {
		if domain != "" && strings.Contains(uri, domain) {
			return false
		}
	}

	return true
}

// Admit hands uri to the engine, downloading into a fresh directory under
// the download root, and registers the job.
func (m *Mirror) Admit(ctx context.Context, uri string, req registry.Requester, archive bool) (registry.Job, error) {
	logger := logctx.LoggerFromContext(ctx).With("channel_id", req.ChannelID, "owner", req.OwnerName)

	if !m.Allowed(uri) {
		logger.InfoContext(ctx, "rejected download from filtered domain", "uri", uri)

		return registry.Job{}, ErrFilteredDomain
	}

	dir := filepath.Join(m.cfg.Root, uuid.NewString())
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return registry.Job{}, fmt.Errorf("failed to create job directory: %w", err)
	}

	m.admitMu.RLock()
	defer m.admitMu.RUnlock()

	id, err := m.engine.AddURI(ctx, uri, dir)
	if err != nil {
		os.RemoveAll(dir)

		return registry.Job{}, fmt.Errorf("failed to add download: %w", err)
	}

	job, err := m.registry.Add(id, dir, req, archive)
	if err != nil {
		return registry.Job{}, err
	}

	m.telemetry.RecordJobAdmitted(m.cfg.EngineName)

	logger.InfoContext(ctx, "job admitted", "job_id", id, "dir", dir, "archive", archive)

	m.status.Update(ctx, req.ChannelID)

	return job, nil
}

// Cancel records the cancellation, asks the engine to remove the download
// and then purges the job whatever the engine answered. by names who
// cancelled; empty means the owner.
func (m *Mirror) Cancel(ctx context.Context, id, by string) error {
	job, ok := m.registry.Get(id)
	if !ok {
		return ErrJobNotFound
	}

	ctx = logctx.WithJob(ctx, job.ID, job.ChannelID)
	logger := logctx.LoggerFromContext(ctx)

	notice := job
	if by != "" {
		notice.OwnerName = by
	}

	m.registry.RecordCancelled(notice)

	if err := m.engine.Remove(ctx, id); err != nil {
		logger.WarnContext(ctx, "failed to remove download from engine", "err", err)
		// No stop event follows a failed remove.
		m.registry.ClearCancelledJob(id)
	}

	m.finish(ctx, Outcome{Job: job, Result: storage.OutcomeCancelled})

	logger.InfoContext(ctx, "job cancelled", "by", notice.OwnerName)

	return nil
}

// Run applies engine events until ctx is done or the engine closes its
// event stream, then waits for running uploads.
func (m *Mirror) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "mirror started", "root", m.cfg.Root, "max_parallel_uploads", m.cfg.MaxParallelUploads)

	defer m.wg.Wait()

	events := m.engine.Events()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "mirror shutdown", "reason", "context_cancelled")

			return nil
		case ev, ok := <-events:
			if !ok {
				logger.InfoContext(ctx, "engine event stream closed")

				return nil
			}

			m.handle(ctx, ev)
		}
	}
}

func (m *Mirror) handle(ctx context.Context, ev engine.Event) {
	logger := logctx.LoggerFromContext(ctx).With("event", ev.Kind.String(), "job_id", ev.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "event handler panic", "panic", r, "stack", stack())
			m.telemetry.RecordSystemError("mirror", "panic")
		}
	}()

	m.waitForAdmissions()

	if ev.Kind == engine.EventStop && m.registry.IsCancelled(ev.ID) {
		m.status.FlushCancelled(ctx)
		m.registry.ClearCancelledJob(ev.ID)

		return
	}

	job, ok := m.registry.Get(ev.ID)
	if !ok {
		logger.DebugContext(ctx, "event for unknown job")

		return
	}

	ctx = logctx.WithJob(ctx, job.ID, job.ChannelID)

	switch ev.Kind {
	case engine.EventStart:
		m.registry.MoveToActive(job.ID)
		m.status.Update(ctx, job.ChannelID)
	case engine.EventStop:
		logger.InfoContext(ctx, "download stopped outside of a cancel request")
		m.finish(ctx, Outcome{Job: job, Result: storage.OutcomeCancelled})
	case engine.EventError:
		m.onError(ctx, job)
	case engine.EventComplete:
		m.onComplete(ctx, job)
	}
}

func (m *Mirror) onError(ctx context.Context, job registry.Job) {
	msg, err := m.engine.ErrorMessage(ctx, job.ID)
	if err != nil {
		msg = err.Error()
	}

	if msg == "" {
		msg = "unknown error"
	}

	m.finish(ctx, Outcome{
		Job:    job,
		Result: storage.OutcomeFailed,
		Name:   m.displayName(ctx, job),
		Err:    fmt.Errorf("download failed: %s", msg),
	})
}

func (m *Mirror) onComplete(ctx context.Context, job registry.Job) {
	logger := logctx.LoggerFromContext(ctx)

	meta, next, err := m.engine.IsMetadataOnly(ctx, job.ID)
	if err != nil {
		m.finish(ctx, Outcome{Job: job, Result: storage.OutcomeFailed, Err: err})

		return
	}

	if meta && next != "" {
		if !m.registry.RemapID(job.ID, next) {
			logger.WarnContext(ctx, "failed to follow metadata download", "next_id", next)

			return
		}

		logger.InfoContext(ctx, "metadata resolved, following payload download", "next_id", next)
		m.status.Update(ctx, job.ChannelID)

		return
	}

	m.wg.Add(1)

	go m.upload(ctx, job)
}

func (m *Mirror) upload(ctx context.Context, job registry.Job) {
	defer m.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "upload panic", "panic", r, "stack", stack())
			m.telemetry.RecordSystemError("mirror", "panic")
			m.finish(ctx, Outcome{Job: job, Result: storage.OutcomeFailed, Err: fmt.Errorf("upload panicked: %v", r)})
		}
	}()

	if err := m.uploads.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.uploads.Release(1)

	m.registry.SetUploading(job.ID, true)
	m.status.Update(ctx, job.ChannelID)

	out := m.mirrorJob(ctx, job)

	if ctx.Err() != nil {
		logger.InfoContext(ctx, "upload interrupted by shutdown, keeping job directory")

		return
	}

	m.finish(ctx, out)
}

func (m *Mirror) mirrorJob(ctx context.Context, job registry.Job) Outcome {
	logger := logctx.LoggerFromContext(ctx)

	out := Outcome{Job: job, Result: storage.OutcomeFailed}

	files, err := m.engine.GetFiles(ctx, job.ID)
	if err != nil {
		out.Err = err

		return out
	}

	f, ok := engine.FindFilePath(files)
	if !ok || f.Path == "" {
		out.Err = errors.New("download has no files on disk")

		return out
	}

	path := engine.TopLevelPath(f.Path, job.DestinationDir)
	out.Name = engine.FileName(f, job.DestinationDir)

	size, err := m.engine.GetFileSize(ctx, job.ID)
	if err != nil {
		out.Err = err

		return out
	}

	plan := m.archiver.Decide(ctx, path, out.Name, size, job.Archive)
	out.Name = plan.Name
	out.Size = plan.Size

	logger.InfoContext(ctx, "uploading", "path", plan.Path, "archived", plan.Archived)

	link, err := m.uploader.UploadTree(ctx, plan.Path, m.uploader.ParentID())
	if err != nil {
		out.Err = err

		return out
	}

	out.Result = storage.OutcomeUploaded
	out.Link = link

	return out
}

// finish purges a job that reached its terminal outcome: it tells the
// channel, records history, removes the job directory and drops the job
// from the registry. A job is finished at most once.
func (m *Mirror) finish(ctx context.Context, out Outcome) {
	logger := logctx.LoggerFromContext(ctx)
	job := out.Job

	m.finishMu.Lock()
	if _, ok := m.registry.Get(job.ID); !ok {
		m.finishMu.Unlock()
		logger.DebugContext(ctx, "job already finished")

		return
	}
	m.registry.Delete(job.ID)
	m.finishMu.Unlock()

	out.FinishedAt = time.Now()

	if out.Name == "" {
		out.Name = m.displayName(ctx, job)
	}

	switch out.Result {
	case storage.OutcomeUploaded:
		logger.InfoContext(ctx, "job uploaded", "name", out.Name, "link", out.Link)
		m.status.Notify(ctx, job.ChannelID, fmt.Sprintf("%s (%s): %s", out.Name, status.FormatSize(out.Size), out.Link))
	case storage.OutcomeFailed:
		logger.ErrorContext(ctx, "job failed", "name", out.Name, "err", out.Err)
		m.status.Notify(ctx, job.ChannelID, fmt.Sprintf("%s - %s", out.Name, describe(out.Err)))
	}

	m.record(ctx, out)

	if err := cleanup.RemoveJobDir(ctx, m.cfg.Root, job.DestinationDir); err != nil {
		logger.WarnContext(ctx, "failed to clean up job directory", "err", err)
	}

	m.status.Update(ctx, job.ChannelID)
	m.telemetry.RecordJobFinished(string(out.Result), out.FinishedAt.Sub(job.StartedAt))

	m.publish(ctx, out)
}

func (m *Mirror) publish(ctx context.Context, out Outcome) {
	m.outMu.RLock()
	defer m.outMu.RUnlock()

	if m.closed {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "job finished after close, not published", "job_id", out.Job.ID)

		return
	}

	select {
	case m.OnJobFinished <- out:
	case <-ctx.Done():
	}
}

func (m *Mirror) record(ctx context.Context, out Outcome) {
	if m.history == nil {
		return
	}

	rec := storage.JobRecord{
		JobID:      out.Job.ID,
		Name:       out.Name,
		OwnerName:  out.Job.OwnerName,
		ChannelID:  out.Job.ChannelID,
		Outcome:    out.Result,
		Link:       out.Link,
		Size:       out.Size,
		StartedAt:  out.Job.StartedAt,
		FinishedAt: out.FinishedAt,
	}

	if out.Err != nil {
		rec.Error = out.Err.Error()
	}

	if err := m.history.RecordJob(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record job history", "err", err)
	}
}

func (m *Mirror) displayName(ctx context.Context, job registry.Job) string {
	files, err := m.engine.GetFiles(ctx, job.ID)
	if err != nil {
		return job.ID
	}

	f, ok := engine.FindFilePath(files)
	if !ok {
		return job.ID
	}

	return engine.FileName(f, job.DestinationDir)
}
