package putio

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

// Engine runs downloads as put.io transfers. put.io has no push channel, so
// Run polls the tracked transfers and synthesises engine events from state
// changes. A finished transfer is fetched into its local directory before
// Complete is emitted, so callers see the same layout as a local engine.
type Engine struct {
	client       *putio.Client
	folderID     int64
	pollInterval time.Duration
	httpClient   *http.Client
	events       chan engine.Event

	mu        sync.Mutex
	transfers map[string]*tracked
	fetches   sync.WaitGroup
}

type tracked struct {
	id      int64
	dir     string
	started bool

	fetching     bool
	fetchStarted time.Time
	fetched      int64
	done         bool
	failed       bool
	removed      bool
	errMessage   string
	finished     time.Time
	cancelFetch  context.CancelFunc
}

var _ engine.Engine = (*Engine)(nil)

// New creates a put.io engine authenticated with token. Transfers are saved
// under folderID (0 is the account root).
func New(token string, folderID int64, pollInterval time.Duration, inboxSize int) *Engine {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return NewWithClient(putio.NewClient(oauthClient), folderID, pollInterval, inboxSize)
}

// NewWithClient creates an engine on an existing put.io client.
func NewWithClient(client *putio.Client, folderID int64, pollInterval time.Duration, inboxSize int) *Engine {
	if inboxSize < 1 {
		inboxSize = 1
	}

	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Engine{
		client:       client,
		folderID:     folderID,
		pollInterval: pollInterval,
		httpClient:   &http.Client{},
		events:       make(chan engine.Event, inboxSize),
		transfers:    make(map[string]*tracked),
	}
}

// Authenticate checks the token against the account endpoint.
func (e *Engine) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := e.client.Account.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with put.io", "user", user.Username)

	return nil
}

// AddURI implements engine.Engine.
func (e *Engine) AddURI(ctx context.Context, uri, dir string) (string, error) {
	t, err := e.client.Transfers.Add(ctx, uri, e.folderID, "")
	if err != nil {
		return "", &engine.QueryError{Operation: "addUri", Err: err}
	}

	id := strconv.FormatInt(t.ID, 10)

	e.mu.Lock()
	e.transfers[id] = &tracked{id: t.ID, dir: dir}
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer added to put.io", "transfer_id", id, "dir", dir)

	return id, nil
}

func (e *Engine) get(ctx context.Context, op, id string) (putio.Transfer, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return putio.Transfer{}, &engine.QueryError{Operation: op, ID: id, Err: fmt.Errorf("invalid transfer id: %w", err)}
	}

	t, err := e.client.Transfers.Get(ctx, n)
	if err != nil {
		return putio.Transfer{}, &engine.QueryError{Operation: op, ID: id, Err: err}
	}

	return t, nil
}

func (e *Engine) lookup(id string) (tracked, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.transfers[id]
	if !ok {
		return tracked{}, false
	}

	return *tr, true
}

// TellStatus implements engine.Engine. While the payload is being fetched
// locally the progress is that of the local copy.
func (e *Engine) TellStatus(ctx context.Context, id string) (*engine.Status, error) {
	t, err := e.get(ctx, "tellStatus", id)
	if err != nil {
		return nil, err
	}

	tr, _ := e.lookup(id)

	st := &engine.Status{
		ID:              id,
		State:           remoteState(t.Status),
		Dir:             tr.dir,
		TotalLength:     int64(t.Size),
		CompletedLength: int64(t.Downloaded),
		DownloadSpeed:   int64(t.DownloadSpeed),
		Files:           []engine.File{transferFile(t, tr.dir)},
	}

	switch {
	case tr.failed:
		st.State = engine.StateError
	case tr.done:
		st.State = engine.StateComplete
		st.CompletedLength = st.TotalLength
		st.DownloadSpeed = 0
	case tr.fetching:
		st.State = engine.StateActive
		st.CompletedLength = tr.fetched
		st.DownloadSpeed = 0

		if elapsed := time.Since(tr.fetchStarted).Seconds(); elapsed >= 1 {
			st.DownloadSpeed = int64(float64(tr.fetched) / elapsed)
		}
	}

	return st, nil
}

// GetFiles implements engine.Engine. Fetched transfers list the local files.
func (e *Engine) GetFiles(ctx context.Context, id string) ([]engine.File, error) {
	if tr, ok := e.lookup(id); ok && tr.done {
		files, err := localFiles(tr.dir)
		if err != nil {
			return nil, &engine.QueryError{Operation: "getFiles", ID: id, Err: err}
		}

		return files, nil
	}

	t, err := e.get(ctx, "getFiles", id)
	if err != nil {
		return nil, err
	}

	tr, _ := e.lookup(id)

	return []engine.File{transferFile(t, tr.dir)}, nil
}

// GetFileSize implements engine.Engine.
func (e *Engine) GetFileSize(ctx context.Context, id string) (int64, error) {
	t, err := e.get(ctx, "getFileSize", id)
	if err != nil {
		return 0, err
	}

	return int64(t.Size), nil
}

// IsMetadataOnly implements engine.Engine. put.io resolves magnet metadata
// itself, so a transfer is never followed by another.
func (e *Engine) IsMetadataOnly(context.Context, string) (bool, string, error) {
	return false, "", nil
}

// ErrorMessage implements engine.Engine.
func (e *Engine) ErrorMessage(ctx context.Context, id string) (string, error) {
	if tr, ok := e.lookup(id); ok && tr.errMessage != "" {
		return tr.errMessage, nil
	}

	t, err := e.get(ctx, "errorMessage", id)
	if err != nil {
		return "", err
	}

	return t.ErrorMessage, nil
}

// Remove implements engine.Engine. The Stop event is emitted by the next poll.
func (e *Engine) Remove(ctx context.Context, id string) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &engine.QueryError{Operation: "remove", ID: id, Err: fmt.Errorf("invalid transfer id: %w", err)}
	}

	e.mu.Lock()
	if tr, ok := e.transfers[id]; ok {
		tr.removed = true

		if tr.cancelFetch != nil {
			tr.cancelFetch()
		}
	}
	e.mu.Unlock()

	if err := e.client.Transfers.Cancel(ctx, n); err != nil {
		return &engine.QueryError{Operation: "remove", ID: id, Err: err}
	}

	return nil
}

// Events implements engine.Engine.
func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

func remoteState(status string) engine.State {
	switch status {
	case "IN_QUEUE", "WAITING", "PREPARING_DOWNLOAD":
		return engine.StateWaiting
	case statusError:
		return engine.StateError
	default:
		return engine.StateActive
	}
}

func transferFile(t putio.Transfer, dir string) engine.File {
	f := engine.File{Length: int64(t.Size), CompletedLength: int64(t.Downloaded), Selected: true}

	if t.Name != "" {
		f.Path = filepath.Join(dir, t.Name)
	}

	if t.Source != "" {
		f.URIs = []string{t.Source}
	}

	return f
}

func localFiles(dir string) ([]engine.File, error) {
	var files []engine.File

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		files = append(files, engine.File{
			Index:           len(files) + 1,
			Path:            path,
			Length:          info.Size(),
			CompletedLength: info.Size(),
			Selected:        true,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	return files, nil
}
