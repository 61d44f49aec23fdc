package registry

import "slices"

// RecordCancelled remembers a cancelled job and the name of its owner in the
// owner's channel. Each name is kept once per channel.
func (r *Registry) RecordCancelled(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelledJobs[job.ID] = job

	names := r.cancelledNames[job.ChannelID]
	if !slices.Contains(names, job.OwnerName) {
		names = append(names, job.OwnerName)
	}

	r.cancelledNames[job.ChannelID] = names
}

// IsCancelled reports whether id was recorded as cancelled and not yet cleared.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.cancelledJobs[id]

	return ok
}

// ForEachCancelledJob calls visit with a snapshot of every cancelled job.
func (r *Registry) ForEachCancelledJob(visit func(Job)) {
	r.mu.Lock()
	jobs := make([]Job, 0, len(r.cancelledJobs))
	for _, job := range r.cancelledJobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	for _, job := range jobs {
		visit(job)
	}
}

// ForEachCancelledChannel calls visit with every channel that has pending
// cancellation notices and the names that cancelled there.
func (r *Registry) ForEachCancelledChannel(visit func(channelID int64, names []string)) {
	r.mu.Lock()
	channels := make(map[int64][]string, len(r.cancelledNames))
	for k, v := range r.cancelledNames {
		channels[k] = slices.Clone(v)
	}
	r.mu.Unlock()

	for channelID, names := range channels {
		visit(channelID, names)
	}
}

// ClearCancelledChannel drops the cancellation notices of a channel.
func (r *Registry) ClearCancelledChannel(channelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cancelledNames, channelID)
}

// ClearCancelledJob drops the cancellation record of a job.
func (r *Registry) ClearCancelledJob(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cancelledJobs, id)
}
