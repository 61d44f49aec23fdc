package engine

import (
	"context"
	"fmt"
)

// EventKind is the type of a download engine notification.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventStop
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is an immutable notification about one download.
type Event struct {
	Kind EventKind
	ID   string
}

// State is the engine-side state of a download.
type State string

const (
	StateActive   State = "active"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateComplete State = "complete"
	StateRemoved  State = "removed"
)

// File is one file of a download.
type File struct {
	Index           int
	Path            string
	Length          int64
	CompletedLength int64
	Selected        bool
	URIs            []string
}

// Status is a snapshot of a download. Only active downloads carry
// meaningful speed and progress.
type Status struct {
	ID              string
	State           State
	Dir             string
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	Files           []File
}

// Engine is the download engine boundary. Every query is read-only and must
// tolerate ids the caller no longer tracks.
type Engine interface {
	// AddURI queues uri for download into dir and returns the new download id.
	AddURI(ctx context.Context, uri, dir string) (string, error)
	TellStatus(ctx context.Context, id string) (*Status, error)
	GetFiles(ctx context.Context, id string) ([]File, error)
	GetFileSize(ctx context.Context, id string) (int64, error)
	// IsMetadataOnly reports whether id only fetched metadata and, if so,
	// the id of the payload download that follows it.
	IsMetadataOnly(ctx context.Context, id string) (bool, string, error)
	ErrorMessage(ctx context.Context, id string) (string, error)
	Remove(ctx context.Context, id string) error
	// Events delivers notifications in arrival order. The channel is closed
	// when Run returns.
	Events() <-chan Event
	// Run receives notifications until ctx is done.
	Run(ctx context.Context) error
}

// QueryError is a failure talking to the download engine.
type QueryError struct {
	Operation string
	ID        string
	Err       error
}

func (e *QueryError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("engine %s failed: %v", e.Operation, e.Err)
	}

	return fmt.Sprintf("engine %s failed for %s: %v", e.Operation, e.ID, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
