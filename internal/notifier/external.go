package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

type externalFile struct {
	Name     string `json:"name,omitempty"`
	DriveURL string `json:"driveURL,omitempty"`
	Size     string `json:"size,omitempty"`
}

type externalPayload struct {
	Successful  bool         `json:"successful"`
	File        externalFile `json:"file"`
	OriginGroup int64        `json:"originGroup"`
}

// External posts completions as JSON to a configured endpoint.
type External struct {
	URL    string
	Client *http.Client
}

func NewExternal(url string, client *http.Client) *External {
	if client == nil {
		client = defaultClient()
	}

	return &External{URL: url, Client: client}
}

// NotifyCompletion posts c once. Placeholder names and sizes are left out.
func (e *External) NotifyCompletion(ctx context.Context, c Completion) error {
	payload := externalPayload{
		Successful:  c.Successful,
		File:        externalFile{DriveURL: c.DriveURL},
		OriginGroup: c.OriginGroup,
	}

	if c.Name != engine.MetadataName {
		payload.File.Name = c.Name
	}

	if c.Size != "0B" {
		payload.File.Size = c.Size
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "external notification sent", "successful", c.Successful)

	return nil
}
