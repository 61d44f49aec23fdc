package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/italolelis/seedbox_mirror/internal/registry"
)

// Discord talks to Discord through channel webhooks. Each channel id maps to
// the webhook of that channel; channels without one use WebhookURL.
type Discord struct {
	WebhookURL string
	Webhooks   map[int64]string
	Client     *http.Client
}

func NewDiscord(webhookURL string, webhooks map[int64]string, client *http.Client) *Discord {
	if client == nil {
		client = defaultClient()
	}

	return &Discord{WebhookURL: webhookURL, Webhooks: webhooks, Client: client}
}

func (d *Discord) webhook(channelID int64) (string, error) {
	if u, ok := d.Webhooks[channelID]; ok && u != "" {
		return u, nil
	}

	if d.WebhookURL == "" {
		return "", fmt.Errorf("webhook URL is not set for channel %d", channelID)
	}

	return d.WebhookURL, nil
}

type discordMessage struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// Send posts text and returns a reference to the created message.
func (d *Discord) Send(ctx context.Context, channelID int64, text string) (registry.MessageRef, error) {
	webhook, err := d.webhook(channelID)
	if err != nil {
		return registry.MessageRef{}, err
	}

	var created discordMessage

	if err := d.do(ctx, http.MethodPost, webhook+"?wait=true", text, &created); err != nil {
		return registry.MessageRef{}, err
	}

	return registry.MessageRef{ChannelID: channelID, ID: created.ID}, nil
}

// Edit replaces the content of a message sent earlier.
func (d *Discord) Edit(ctx context.Context, ref registry.MessageRef, text string) error {
	webhook, err := d.webhook(ref.ChannelID)
	if err != nil {
		return err
	}

	return d.do(ctx, http.MethodPatch, webhook+"/messages/"+ref.ID, text, nil)
}

func (d *Discord) Delete(ctx context.Context, ref registry.MessageRef) error {
	webhook, err := d.webhook(ref.ChannelID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, webhook+"/messages/"+ref.ID, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return checkResponse(resp)
}

// NotifyCompletion announces a finished job in its origin channel.
func (d *Discord) NotifyCompletion(ctx context.Context, c Completion) error {
	content := fmt.Sprintf("Upload failed: %s", c.Name)
	if c.Successful {
		content = fmt.Sprintf("Uploaded %s (%s): %s", c.Name, c.Size, c.DriveURL)
	}

	_, err := d.Send(ctx, c.OriginGroup, content)

	return err
}

func (d *Discord) do(ctx context.Context, method, url, content string, out any) error {
	body, err := json.Marshal(discordMessage{Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
