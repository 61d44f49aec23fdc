package status

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/registry"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
)

// NoJobsMessage is shown for a channel without jobs.
const NoJobsMessage = "No active or queued downloads"

const defaultInterval = 4 * time.Second

// Messenger sends, edits and deletes messages on the messaging platform.
type Messenger interface {
	Send(ctx context.Context, channelID int64, text string) (registry.MessageRef, error)
	Edit(ctx context.Context, ref registry.MessageRef, text string) error
	Delete(ctx context.Context, ref registry.MessageRef) error
}

// Coordinator keeps one status message per channel in sync with the jobs of
// that channel. Every message it publishes goes through the channel's update
// queue, so renders and notices of a channel never interleave.
type Coordinator struct {
	registry  *registry.Registry
	engine    engine.Engine
	messenger Messenger
	telemetry *telemetry.Telemetry
	interval  time.Duration
}

func NewCoordinator(reg *registry.Registry, eng engine.Engine, messenger Messenger, tel *telemetry.Telemetry, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Coordinator{
		registry:  reg,
		engine:    eng,
		messenger: messenger,
		telemetry: tel,
		interval:  interval,
	}
}

// ComputeAggregateStatus renders every job of channelID, oldest first,
// separated by a blank line.
func (c *Coordinator) ComputeAggregateStatus(ctx context.Context, channelID int64) string {
	jobs := c.registry.JobsForChannel(channelID)
	if len(jobs) == 0 {
		return NoJobsMessage
	}

	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		lines = append(lines, JobLine(ctx, c.engine, job).Text)
	}

	return strings.Join(lines, "\n\n")
}

// Update queues a render of the channel's status message. Unchanged text is
// not republished.
func (c *Coordinator) Update(ctx context.Context, channelID int64) <-chan error {
	logger := logctx.LoggerFromContext(ctx)

	return c.registry.EnqueueStatusUpdate(channelID, func(qctx context.Context) error {
		return c.render(logctx.WithLogger(qctx, logger), channelID)
	})
}

func (c *Coordinator) render(ctx context.Context, channelID int64) error {
	return c.telemetry.InstrumentStatusRender(ctx, func(ctx context.Context) (string, error) {
		logger := logctx.LoggerFromContext(ctx).With("channel_id", channelID)

		text := c.ComputeAggregateStatus(ctx, channelID)

		slot, ok := c.registry.GetStatus(channelID)
		if ok && slot.LastStatus == text {
			return "unchanged", nil
		}

		if ok {
			err := c.messenger.Edit(ctx, slot.Message, text)
			if err == nil {
				c.registry.SetStatus(channelID, slot.Message, text)

				return "edited", nil
			}

			logger.WarnContext(ctx, "failed to edit status message, sending a new one", "err", err)
			c.registry.DeleteStatus(channelID)
		}

		ref, err := c.messenger.Send(ctx, channelID, text)
		if err != nil {
			return "", fmt.Errorf("failed to send status message: %w", err)
		}

		c.registry.SetStatus(channelID, ref, text)

		return "sent", nil
	})
}

// Notify queues text as a standalone message to channelID.
func (c *Coordinator) Notify(ctx context.Context, channelID int64, text string) <-chan error {
	logger := logctx.LoggerFromContext(ctx)

	return c.registry.EnqueueStatusUpdate(channelID, func(qctx context.Context) error {
		if _, err := c.messenger.Send(qctx, channelID, text); err != nil {
			logger.WarnContext(qctx, "failed to send notice", "channel_id", channelID, "err", err)

			return fmt.Errorf("failed to send notice: %w", err)
		}

		return nil
	})
}

// Clear queues removal of the channel's status message. The message stays
// if the channel got a job again before the removal ran.
func (c *Coordinator) Clear(ctx context.Context, channelID int64) <-chan error {
	logger := logctx.LoggerFromContext(ctx)

	return c.registry.EnqueueStatusUpdate(channelID, func(qctx context.Context) error {
		if len(c.registry.JobsForChannel(channelID)) > 0 {
			return nil
		}

		slot, ok := c.registry.GetStatus(channelID)
		if !ok {
			return nil
		}

		c.registry.DeleteStatus(channelID)

		if err := c.messenger.Delete(qctx, slot.Message); err != nil {
			logger.WarnContext(qctx, "failed to delete status message", "channel_id", channelID, "err", err)

			return fmt.Errorf("failed to delete status message: %w", err)
		}

		return nil
	})
}

// FlushCancelled sends one notice per channel naming everyone who cancelled
// a job there since the last flush.
func (c *Coordinator) FlushCancelled(ctx context.Context) {
	c.registry.ForEachCancelledChannel(func(channelID int64, names []string) {
		c.registry.ClearCancelledChannel(channelID)

		if len(names) == 0 {
			return
		}

		c.Notify(ctx, channelID, "Download cancelled by "+strings.Join(names, ", "))
	})
}

// Tick refreshes every channel with jobs, clears the status of channels
// without any and flushes pending cancellation notices.
func (c *Coordinator) Tick(ctx context.Context) {
	channels := c.registry.Channels()

	for _, channelID := range channels {
		c.Update(ctx, channelID)
	}

	c.registry.ForEachStatus(func(channelID int64, _ registry.StatusSlot) {
		if !slices.Contains(channels, channelID) {
			c.Clear(ctx, channelID)
		}
	})

	c.FlushCancelled(ctx)
}

// Run ticks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "status coordinator started", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "status coordinator stopped")

			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
