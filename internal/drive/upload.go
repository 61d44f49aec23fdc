package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

// statusResumeIncomplete is the backend's "keep sending" response.
const statusResumeIncomplete = 308

// maxStalls bounds consecutive responses that acknowledge no new bytes.
const maxStalls = 3

// Upload sends the file at filePath into parentID and returns the new file
// id. Chunks go strictly in order; a response acknowledging a different end
// than requested replaces the remaining plan with a fresh one starting right
// after the acknowledged byte. Transport failures are not retried.
func (c *Client) Upload(ctx context.Context, filePath, mimeType, parentID string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	name := filepath.Base(filePath)

	if info.Size() == 0 {
		return c.create(ctx, name, mimeType, parentID)
	}

	var id string

	err = c.telemetry.InstrumentUpload(ctx, info.Size(), func(ctx context.Context) error {
		var err error

		id, err = c.upload(ctx, f, name, mimeType, parentID, info.Size())

		return err
	})

	return id, err
}

func (c *Client) upload(ctx context.Context, f *os.File, name, mimeType, parentID string, size int64) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("file", name, "size", humanize.Bytes(uint64(size)))

	key := SessionKey(f.Name(), size, parentID)

	sessionURL, offset, id := c.resume(ctx, key, size)
	if id != "" {
		logger.InfoContext(ctx, "stored upload session already complete", "file_id", id)

		return id, nil
	}

	if sessionURL == "" {
		var err error

		sessionURL, err = c.initSession(ctx, name, mimeType, parentID, size)
		if err != nil {
			return "", err
		}

		c.saveSession(ctx, key, sessionURL)
	} else {
		logger.InfoContext(ctx, "resuming upload session", "offset", offset)
	}

	id, err := c.sendChunks(ctx, f, name, sessionURL, mimeType, offset, size)
	if err != nil {
		return "", err
	}

	c.forgetSession(ctx, key)

	logger.InfoContext(ctx, "upload complete", "file_id", id)

	return id, nil
}

func (c *Client) initSession(ctx context.Context, name, mimeType, parentID string, size int64) (string, error) {
	payload, err := json.Marshal(fileMetadata{Name: name, MimeType: mimeType, Parents: parents(parentID)})
	if err != nil {
		return "", &SessionInitError{File: name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL+"?uploadType=resumable", bytes.NewReader(payload))
	if err != nil {
		return "", &SessionInitError{File: name, Err: err}
	}

	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Upload-Content-Type", mimeType)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SessionInitError{File: name, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &SessionInitError{
			File:       name,
			StatusCode: resp.StatusCode,
			Err:        &APIError{Operation: "create_session", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))},
		}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &SessionInitError{File: name, StatusCode: resp.StatusCode, Err: errMissingLocation}
	}

	return location, nil
}

func (c *Client) sendChunks(ctx context.Context, f *os.File, name, sessionURL, mimeType string, offset, size int64) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("file", name)

	plan := Plan(offset, size, c.plan)
	stalls := 0

	for i := 0; i < len(plan); {
		chunk := plan[i]

		res, err := c.putChunk(ctx, f, sessionURL, mimeType, chunk)
		if err != nil {
			c.telemetry.RecordChunk("error")

			return "", &ChunkError{File: name, Start: chunk.Start, End: chunk.End, Err: err}
		}

		c.telemetry.RecordChunk("ok")

		if res.id != "" {
			return res.id, nil
		}

		if res.acked && res.ack != chunk.End {
			if res.ack < chunk.Start {
				stalls++
				if stalls >= maxStalls {
					return "", &ChunkError{File: name, Start: chunk.Start, End: chunk.End, Err: errNoProgress}
				}
			} else {
				stalls = 0
			}

			logger.DebugContext(ctx, "backend acknowledged a different range, replanning",
				"requested_end", chunk.End, "acknowledged_end", res.ack)
			c.telemetry.RecordReplan()

			plan = Plan(res.ack+1, size, c.plan)
			i = 0

			continue
		}

		stalls = 0
		i++
	}

	return "", &APIError{Operation: "upload_chunk", StatusCode: statusResumeIncomplete, Body: errNoFileID.Error()}
}

type chunkResult struct {
	id    string
	ack   int64
	acked bool
}

func (c *Client) putChunk(ctx context.Context, f *os.File, sessionURL, mimeType string, chunk Chunk) (chunkResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The timeout is an inactivity limit: it restarts whenever bytes move.
	idle := time.AfterFunc(chunk.Timeout, cancel)
	defer idle.Stop()

	body := &idleReader{r: io.NewSectionReader(f, chunk.Start, chunk.Length), timer: idle, timeout: chunk.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, body)
	if err != nil {
		return chunkResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.ContentLength = chunk.Length
	req.Header.Set("Content-Range", chunk.ContentRange)
	req.Header.Set("Content-Type", mimeType)

	return c.doSessionRequest(req, "upload_chunk")
}

// queryStatus asks a stored session how many bytes it holds.
func (c *Client) queryStatus(ctx context.Context, sessionURL string, size int64) (chunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, http.NoBody)
	if err != nil {
		return chunkResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.ContentLength = 0
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	return c.doSessionRequest(req, "query_session")
}

func (c *Client) doSessionRequest(req *http.Request, operation string) (chunkResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chunkResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return chunkResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, statusResumeIncomplete:
	default:
		return chunkResult{}, &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var res chunkResult

	if r := resp.Header.Get("Range"); r != "" {
		ack, err := parseRange(r)
		if err != nil {
			return chunkResult{}, err
		}

		res.ack, res.acked = ack, true
	}

	if len(bytes.TrimSpace(data)) > 0 {
		var file struct {
			ID string `json:"id"`
		}

		if err := json.Unmarshal(data, &file); err != nil {
			return chunkResult{}, fmt.Errorf("failed to decode response: %w", err)
		}

		res.id = file.ID
	}

	return res, nil
}

// parseRange reads the last acknowledged byte from a "bytes=0-N" header.
func parseRange(header string) (int64, error) {
	span := header
	if _, after, found := strings.Cut(header, "="); found {
		span = after
	}

	_, last, ok := strings.Cut(span, "-")

	if !ok {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}

	n, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", header, err)
	}

	return n, nil
}

type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}

	return n, err
}
