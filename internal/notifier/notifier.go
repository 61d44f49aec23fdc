package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds requests of notifiers built without an HTTP client.
const DefaultTimeout = 10 * time.Second

func defaultClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// Completion describes how a job ended.
type Completion struct {
	Successful  bool
	Name        string
	DriveURL    string
	Size        string
	OriginGroup int64
}

// Notifier announces finished jobs.
type Notifier interface {
	NotifyCompletion(ctx context.Context, c Completion) error
}

// Multi fans a completion out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyCompletion(ctx context.Context, c Completion) error {
	var errs []error

	for _, n := range m {
		if err := n.NotifyCompletion(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// StatusError is a non-2xx answer from a notification endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook failed with status %d", e.StatusCode)
	}

	return fmt.Sprintf("webhook failed with status %d: %s", e.StatusCode, e.Body)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
