package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

const defaultReconnectDelay = 3 * time.Second

// Client talks to an aria2 daemon: queries and commands over JSON-RPC on
// HTTP, notifications over the daemon's WebSocket endpoint.
type Client struct {
	rpcURL string
	wsURL  string
	secret string

	httpClient     *http.Client
	dialer         *websocket.Dialer
	events         chan engine.Event
	nextID         atomic.Uint64
	reconnectDelay time.Duration
}

var _ engine.Engine = (*Client)(nil)

// NewClient creates an aria2 client. inboxSize bounds the number of
// notifications buffered for the consumer.
func NewClient(rpcURL, wsURL, secret string, timeout time.Duration, inboxSize int) *Client {
	if inboxSize < 1 {
		inboxSize = 1
	}

	return &Client{
		rpcURL:         rpcURL,
		wsURL:          wsURL,
		secret:         secret,
		httpClient:     &http.Client{Timeout: timeout},
		dialer:         websocket.DefaultDialer,
		events:         make(chan engine.Event, inboxSize),
		reconnectDelay: defaultReconnectDelay,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by aria2.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	if c.secret != "" {
		params = append([]any{"token:" + c.secret}, params...)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      strconv.FormatUint(c.nextID.Add(1), 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "aria2 request failed", "err", err)

		return err
	}
	defer resp.Body.Close()

	// aria2 reports RPC errors with a 400 and an error object, so the body
	// is decoded before the status is judged.
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		return fmt.Errorf("failed to decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}

	return nil
}

// AddURI implements engine.Engine.
func (c *Client) AddURI(ctx context.Context, uri, dir string) (string, error) {
	var gid string

	if err := c.call(ctx, "aria2.addUri", []any{[]string{uri}, map[string]string{"dir": dir}}, &gid); err != nil {
		return "", &engine.QueryError{Operation: "addUri", Err: err}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download added", "gid", gid, "dir", dir)

	return gid, nil
}

type uriResponse struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

type fileResponse struct {
	Index           string        `json:"index"`
	Path            string        `json:"path"`
	Length          string        `json:"length"`
	CompletedLength string        `json:"completedLength"`
	Selected        string        `json:"selected"`
	URIs            []uriResponse `json:"uris"`
}

type statusResponse struct {
	GID             string         `json:"gid"`
	Status          string         `json:"status"`
	Dir             string         `json:"dir"`
	TotalLength     string         `json:"totalLength"`
	CompletedLength string         `json:"completedLength"`
	DownloadSpeed   string         `json:"downloadSpeed"`
	ErrorMessage    string         `json:"errorMessage"`
	FollowedBy      []string       `json:"followedBy"`
	Files           []fileResponse `json:"files"`
}

func (c *Client) tellStatus(ctx context.Context, gid string, keys ...string) (*statusResponse, error) {
	var res statusResponse

	if err := c.call(ctx, "aria2.tellStatus", []any{gid, keys}, &res); err != nil {
		return nil, &engine.QueryError{Operation: "tellStatus", ID: gid, Err: err}
	}

	return &res, nil
}

// TellStatus implements engine.Engine.
func (c *Client) TellStatus(ctx context.Context, id string) (*engine.Status, error) {
	res, err := c.tellStatus(ctx, id, "gid", "status", "dir", "totalLength", "completedLength", "downloadSpeed", "files")
	if err != nil {
		return nil, err
	}

	return &engine.Status{
		ID:              id,
		State:           engine.State(res.Status),
		Dir:             res.Dir,
		TotalLength:     parseInt(res.TotalLength),
		CompletedLength: parseInt(res.CompletedLength),
		DownloadSpeed:   parseInt(res.DownloadSpeed),
		Files:           convertFiles(res.Files),
	}, nil
}

// GetFiles implements engine.Engine.
func (c *Client) GetFiles(ctx context.Context, id string) ([]engine.File, error) {
	var files []fileResponse

	if err := c.call(ctx, "aria2.getFiles", []any{id}, &files); err != nil {
		return nil, &engine.QueryError{Operation: "getFiles", ID: id, Err: err}
	}

	return convertFiles(files), nil
}

// GetFileSize implements engine.Engine.
func (c *Client) GetFileSize(ctx context.Context, id string) (int64, error) {
	res, err := c.tellStatus(ctx, id, "totalLength")
	if err != nil {
		return 0, err
	}

	return parseInt(res.TotalLength), nil
}

// IsMetadataOnly implements engine.Engine.
func (c *Client) IsMetadataOnly(ctx context.Context, id string) (bool, string, error) {
	res, err := c.tellStatus(ctx, id, "followedBy")
	if err != nil {
		return false, "", err
	}

	if len(res.FollowedBy) == 0 {
		return false, "", nil
	}

	return true, res.FollowedBy[0], nil
}

// ErrorMessage implements engine.Engine.
func (c *Client) ErrorMessage(ctx context.Context, id string) (string, error) {
	res, err := c.tellStatus(ctx, id, "errorMessage")
	if err != nil {
		return "", err
	}

	return res.ErrorMessage, nil
}

// Remove implements engine.Engine.
func (c *Client) Remove(ctx context.Context, id string) error {
	if err := c.call(ctx, "aria2.remove", []any{id}, nil); err != nil {
		return &engine.QueryError{Operation: "remove", ID: id, Err: err}
	}

	return nil
}

// Events implements engine.Engine.
func (c *Client) Events() <-chan engine.Event {
	return c.events
}

func convertFiles(in []fileResponse) []engine.File {
	files := make([]engine.File, 0, len(in))

	for _, f := range in {
		uris := make([]string, 0, len(f.URIs))
		for _, u := range f.URIs {
			uris = append(uris, u.URI)
		}

		files = append(files, engine.File{
			Index:           int(parseInt(f.Index)),
			Path:            f.Path,
			Length:          parseInt(f.Length),
			CompletedLength: parseInt(f.CompletedLength),
			Selected:        f.Selected == "true",
			URIs:            uris,
		})
	}

	return files
}

// parseInt reads aria2's decimal string numbers. Missing fields read as 0.
func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
