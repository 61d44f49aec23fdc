// Package enginetest provides an in-memory download engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/seedbox_mirror/internal/engine"
)

// ErrUnknownID is returned for ids the fake does not know.
var ErrUnknownID = errors.New("unknown id")

// Added records one AddURI call.
type Added struct {
	URI string
	Dir string
	ID  string
}

// Fake is an engine.Engine whose answers are set by the test.
type Fake struct {
	mu sync.Mutex

	statuses map[string]*engine.Status
	followed map[string]string
	errors   map[string]string
	failing  map[string]error

	addErr    error
	removeErr error
	nextID    int
	added     []Added
	removed   []string

	events chan engine.Event
}

func New() *Fake {
	return &Fake{
		statuses: make(map[string]*engine.Status),
		followed: make(map[string]string),
		errors:   make(map[string]string),
		failing:  make(map[string]error),
		events:   make(chan engine.Event, 16),
	}
}

// SetStatus sets the status reported for id.
func (f *Fake) SetStatus(id string, st engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st.ID = id
	f.statuses[id] = &st
}

// SetFollowedBy marks id as a metadata download followed by next.
func (f *Fake) SetFollowedBy(id, next string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.followed[id] = next
}

func (f *Fake) SetErrorMessage(id, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errors[id] = msg
}

// FailQueries makes every query for id fail with err.
func (f *Fake) FailQueries(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failing[id] = err
}

func (f *Fake) FailAdd(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addErr = err
}

func (f *Fake) FailRemove(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeErr = err
}

// Emit delivers ev to the consumer of Events.
func (f *Fake) Emit(ev engine.Event) {
	f.events <- ev
}

// Added returns every AddURI call so far.
func (f *Fake) Added() []Added {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Added(nil), f.added...)
}

// Removed returns every id passed to Remove so far.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.removed...)
}

func (f *Fake) AddURI(_ context.Context, uri, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return "", &engine.QueryError{Operation: "add_uri", Err: f.addErr}
	}

	f.nextID++
	id := fmt.Sprintf("gid%d", f.nextID)

	f.added = append(f.added, Added{URI: uri, Dir: dir, ID: id})
	f.statuses[id] = &engine.Status{
		ID:    id,
		State: engine.StateWaiting,
		Dir:   dir,
		Files: []engine.File{{Index: 1, URIs: []string{uri}}},
	}

	return id, nil
}

func (f *Fake) status(op, id string) (*engine.Status, error) {
	if err, ok := f.failing[id]; ok {
		return nil, &engine.QueryError{Operation: op, ID: id, Err: err}
	}

	st, ok := f.statuses[id]
	if !ok {
		return nil, &engine.QueryError{Operation: op, ID: id, Err: ErrUnknownID}
	}

	return st, nil
}

func (f *Fake) TellStatus(_ context.Context, id string) (*engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.status("tell_status", id)
	if err != nil {
		return nil, err
	}

	cp := *st
	cp.Files = append([]engine.File(nil), st.Files...)

	return &cp, nil
}

func (f *Fake) GetFiles(_ context.Context, id string) ([]engine.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.status("get_files", id)
	if err != nil {
		return nil, err
	}

	return append([]engine.File(nil), st.Files...), nil
}

func (f *Fake) GetFileSize(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.status("get_file_size", id)
	if err != nil {
		return 0, err
	}

	return st.TotalLength, nil
}

func (f *Fake) IsMetadataOnly(_ context.Context, id string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.status("is_metadata_only", id); err != nil {
		return false, "", err
	}

	next, ok := f.followed[id]

	return ok, next, nil
}

func (f *Fake) ErrorMessage(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.status("error_message", id); err != nil {
		return "", err
	}

	return f.errors[id], nil
}

func (f *Fake) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, id)

	if f.removeErr != nil {
		return &engine.QueryError{Operation: "remove", ID: id, Err: f.removeErr}
	}

	if st, ok := f.statuses[id]; ok {
		st.State = engine.StateRemoved
	}

	return nil
}

func (f *Fake) Events() <-chan engine.Event {
	return f.events
}

// Run blocks until ctx is done and then closes Events.
func (f *Fake) Run(ctx context.Context) error {
	<-ctx.Done()
	close(f.events)

	return nil
}
