package notifier

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/registry"
)

// LogMessenger writes status messages to the log. It stands in for a
// messaging platform when none is configured.
type LogMessenger struct {
	next atomic.Int64
}

func (l *LogMessenger) Send(ctx context.Context, channelID int64, text string) (registry.MessageRef, error) {
	ref := registry.MessageRef{ChannelID: channelID, ID: strconv.FormatInt(l.next.Add(1), 10)}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "status message", "channel_id", channelID, "message_id", ref.ID, "text", text)

	return ref, nil
}

func (l *LogMessenger) Edit(ctx context.Context, ref registry.MessageRef, text string) error {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "status message", "channel_id", ref.ChannelID, "message_id", ref.ID, "text", text)

	return nil
}

func (l *LogMessenger) Delete(context.Context, registry.MessageRef) error {
	return nil
}
