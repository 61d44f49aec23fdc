package aria2

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

var notificationKinds = map[string]engine.EventKind{
	"aria2.onDownloadStart":    engine.EventStart,
	"aria2.onDownloadStop":     engine.EventStop,
	"aria2.onDownloadComplete": engine.EventComplete,
	"aria2.onDownloadError":    engine.EventError,
}

type notification struct {
	Method string `json:"method"`
	Params []struct {
		GID string `json:"gid"`
	} `json:"params"`
}

// Run reads notifications from the WebSocket endpoint until ctx is done,
// reconnecting whenever the stream drops. Events are pushed to the bounded
// inbox; a slow consumer blocks the reader instead of dropping events.
// Run must be called once; it closes the Events channel on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	logger := logctx.LoggerFromContext(ctx).With("component", "aria2_notifications")

	for {
		err := c.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		logger.WarnContext(ctx, "notification stream closed, reconnecting", "err", err, "delay", c.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) listen(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.InfoContext(ctx, "listening for aria2 notifications", "url", c.wsURL)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		for _, ev := range parseNotification(data) {
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseNotification turns one WebSocket frame into events. Responses to
// calls and unknown methods yield nothing.
func parseNotification(data []byte) []engine.Event {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}

	kind, ok := notificationKinds[n.Method]
	if !ok {
		return nil
	}

	events := make([]engine.Event, 0, len(n.Params))

	for _, p := range n.Params {
		if p.GID == "" {
			continue
		}

		events = append(events, engine.Event{Kind: kind, ID: p.GID})
	}

	return events
}
