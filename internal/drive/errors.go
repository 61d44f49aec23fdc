package drive

import (
	"errors"
	"fmt"
)

var (
	errMissingLocation = errors.New("no session url in Location header")
	errNoProgress      = errors.New("backend stopped acknowledging bytes")
	errNoFileID        = errors.New("upload finished without a file id")
)

// SessionInitError means no usable upload session could be obtained, either
// because credentials failed or the backend did not return a session URL.
type SessionInitError struct {
	File       string // Name of the file being uploaded
	StatusCode int    // HTTP status of the init request, 0 when none was received
	Err        error  // Underlying error
}

func (e *SessionInitError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("failed to start upload session for %s (HTTP %d): %v", e.File, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("failed to start upload session for %s: %v", e.File, e.Err)
}

func (e *SessionInitError) Unwrap() error {
	return e.Err
}

// ChunkError is a failure sending one chunk. Chunks are not retried.
type ChunkError struct {
	File  string
	Start int64
	End   int64
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("failed to upload bytes %d-%d of %s: %v", e.Start, e.End, e.File, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// APIError is an unexpected response from the storage backend.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("drive %s failed with HTTP %d", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("drive %s failed with HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}
