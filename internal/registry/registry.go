package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateID is returned by Add when a job with the same id is already tracked.
	ErrDuplicateID = errors.New("job id already registered")

	// ErrClosed is delivered for status updates enqueued after Close.
	ErrClosed = errors.New("registry closed")
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used to stamp Job.StartedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry is the in-memory store of every job the process knows about. All
// methods are safe for concurrent use; readers always get copies.
type Registry struct {
	mu sync.Mutex

	all            map[string]*Job
	active         map[string]*Job
	statuses       map[int64]StatusSlot
	cancelledJobs  map[string]Job
	cancelledNames map[int64][]string
	queues         map[int64]*statusQueue

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		all:            make(map[string]*Job),
		active:         make(map[string]*Job),
		statuses:       make(map[int64]StatusSlot),
		cancelledJobs:  make(map[string]Job),
		cancelledNames: make(map[int64][]string),
		queues:         make(map[int64]*statusQueue),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Add registers a new job under id.
func (r *Registry) Add(id, dir string, req Requester, archive bool) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.all[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	job := &Job{
		ID:             id,
		OwnerID:        req.OwnerID,
		OwnerName:      req.OwnerName,
		ChannelID:      req.ChannelID,
		MessageID:      req.MessageID,
		DestinationDir: dir,
		Archive:        archive,
		StartedAt:      r.now(),
	}
	r.all[id] = job

	return *job, nil
}

// Get returns the job registered under id.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.all[id]
	if !ok {
		return Job{}, false
	}

	return *job, true
}

// GetByOriginMessage finds the job that was requested by the given message.
func (r *Registry) GetByOriginMessage(channelID, messageID int64) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.all {
		if job.ChannelID == channelID && job.MessageID == messageID {
			return *job, true
		}
	}

	return Job{}, false
}

// MoveToActive marks the job as downloading. It reports false if id is unknown.
func (r *Registry) MoveToActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.all[id]
	if !ok {
		return false
	}

	job.IsDownloading = true
	job.IsUploading = false
	r.active[id] = job

	return true
}

// RemapID moves the job at oldID to newID, used when a metadata download is
// followed by the payload download under a new engine id. The job leaves the
// active set until the engine reports the new download as started. It is a
// no-op returning false when oldID is unknown or newID is already taken.
func (r *Registry) RemapID(oldID, newID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.all[oldID]
	if !ok {
		return false
	}

	if _, taken := r.all[newID]; taken && newID != oldID {
		return false
	}

	delete(r.all, oldID)
	delete(r.active, oldID)

	job.ID = newID
	job.IsDownloading = false
	r.all[newID] = job

	return true
}

// SetUploading flips the uploading flag of a job.
func (r *Registry) SetUploading(id string, uploading bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.all[id]
	if !ok {
		return false
	}

	job.IsUploading = uploading
	if uploading {
		job.IsDownloading = false
	}

	return true
}

// Delete forgets the job. Deleting an unknown id does nothing.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.all, id)
	delete(r.active, id)
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.all)
}

// IsActive reports whether the job is in the active set.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.active[id]

	return ok
}

// ForEachJob calls visit with a snapshot of every job. Mutations made while
// visiting are not observed by the running pass.
func (r *Registry) ForEachJob(visit func(Job)) {
	for _, job := range r.snapshot() {
		visit(job)
	}
}

// JobsForChannel returns the jobs reporting to channelID ordered by start time.
func (r *Registry) JobsForChannel(channelID int64) []Job {
	var jobs []Job

	for _, job := range r.snapshot() {
		if job.ChannelID == channelID {
			jobs = append(jobs, job)
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})

	return jobs
}

// Channels returns every channel that has at least one job.
func (r *Registry) Channels() []int64 {
	seen := make(map[int64]struct{})

	var channels []int64

	for _, job := range r.snapshot() {
		if _, ok := seen[job.ChannelID]; ok {
			continue
		}

		seen[job.ChannelID] = struct{}{}
		channels = append(channels, job.ChannelID)
	}

	slices.Sort(channels)

	return channels
}

func (r *Registry) snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]Job, 0, len(r.all))
	for _, job := range r.all {
		jobs = append(jobs, *job)
	}

	return jobs
}

// SetStatus records the status message currently shown in a channel.
func (r *Registry) SetStatus(channelID int64, msg MessageRef, lastStatus string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses[channelID] = StatusSlot{Message: msg, LastStatus: lastStatus}
}

// GetStatus returns the status slot of a channel.
func (r *Registry) GetStatus(channelID int64) (StatusSlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.statuses[channelID]

	return slot, ok
}

// DeleteStatus forgets the status slot of a channel.
func (r *Registry) DeleteStatus(channelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.statuses, channelID)
}

// ForEachStatus calls visit with a snapshot of every status slot.
func (r *Registry) ForEachStatus(visit func(channelID int64, slot StatusSlot)) {
	r.mu.Lock()
	slots := make(map[int64]StatusSlot, len(r.statuses))
	for k, v := range r.statuses {
		slots[k] = v
	}
	r.mu.Unlock()

	for channelID, slot := range slots {
		visit(channelID, slot)
	}
}
