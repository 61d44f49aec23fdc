package drive

import (
	"context"
	"fmt"

	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

// SessionStore persists upload session URLs so an interrupted upload of the
// same file can resume instead of starting over.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (string, bool, error)
	PutSession(ctx context.Context, key, sessionURL string) error
	DeleteSession(ctx context.Context, key string) error
}

// SessionKey identifies an upload of one file version into one folder.
func SessionKey(path string, size int64, parentID string) string {
	return fmt.Sprintf("%s|%d|%s", path, size, parentID)
}

// resume looks up a stored session for key and asks the backend how far it
// got. It returns the session URL and the offset to continue from, or the
// file id when the stored session had already finished. Unusable sessions
// are dropped and reported as absent.
func (c *Client) resume(ctx context.Context, key string, size int64) (string, int64, string) {
	if c.sessions == nil {
		return "", 0, ""
	}

	logger := logctx.LoggerFromContext(ctx).With("session_key", key)

	sessionURL, ok, err := c.sessions.GetSession(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "failed to read upload session", "err", err)

		return "", 0, ""
	}

	if !ok {
		return "", 0, ""
	}

	res, err := c.queryStatus(ctx, sessionURL, size)
	if err != nil {
		logger.InfoContext(ctx, "stored upload session is no longer usable", "err", err)
		c.forgetSession(ctx, key)

		return "", 0, ""
	}

	if res.id != "" {
		c.forgetSession(ctx, key)

		return "", 0, res.id
	}

	if !res.acked {
		return sessionURL, 0, ""
	}

	return sessionURL, res.ack + 1, ""
}

func (c *Client) saveSession(ctx context.Context, key, sessionURL string) {
	if c.sessions == nil {
		return
	}

	if err := c.sessions.PutSession(ctx, key, sessionURL); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to store upload session", "session_key", key, "err", err)
	}
}

func (c *Client) forgetSession(ctx context.Context, key string) {
	if c.sessions == nil {
		return
	}

	if err := c.sessions.DeleteSession(ctx, key); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete upload session", "session_key", key, "err", err)
	}
}
