package putio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/engine"
	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutio struct {
	mu        sync.Mutex
	transfer  string
	added     url.Values
	cancelled url.Values
}

func (f *fakePutio) setTransfer(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transfer = body
}

func (f *fakePutio) forms() (url.Values, url.Values) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.added, f.cancelled
}

func newFakePutio(t *testing.T) (*fakePutio, *Engine) {
	t.Helper()

	fake := &fakePutio{transfer: `{"id":42,"name":"pack","status":"IN_QUEUE","size":11}`}

	var server *httptest.Server

	mux := http.NewServeMux()

	mux.HandleFunc("/v2/transfers/add", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		fake.mu.Lock()
		fake.added = r.PostForm
		fake.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","transfer":{"id":42,"name":"pack","status":"IN_QUEUE","size":11}}`)
	})

	mux.HandleFunc("/v2/transfers/cancel", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		fake.mu.Lock()
		fake.cancelled = r.PostForm
		fake.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK"}`)
	})

	mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
		fake.mu.Lock()
		body := fake.transfer
		fake.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"OK","transfer":%s}`, body)
	})

	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/v2/files/")
		w.Header().Set("Content-Type", "application/json")

		switch path {
		case "100":
			fmt.Fprint(w, `{"file":{"id":100,"name":"pack","size":11,"file_type":"FOLDER","content_type":"application/x-directory"}}`)
		case "list":
			fmt.Fprint(w, `{"files":[
				{"id":101,"name":"a.txt","size":5,"file_type":"TEXT","content_type":"text/plain"},
				{"id":102,"name":"b.txt","size":6,"file_type":"TEXT","content_type":"text/plain"}
			],"parent":{"id":100,"name":"pack","file_type":"FOLDER","content_type":"application/x-directory"}}`)
		case "101/url", "102/url":
			fmt.Fprintf(w, `{"url":"%s/download/%s"}`, server.URL, strings.TrimSuffix(path, "/url"))
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		}
	})

	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/download/") {
		case "101":
			fmt.Fprint(w, "hello")
		case "102":
			fmt.Fprint(w, "world!")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := putio.NewClient(nil)
	u, _ := url.Parse(server.URL)
	client.BaseURL = u

	return fake, NewWithClient(client, 7, time.Hour, 8)
}

func nextEvent(t *testing.T, e *Engine) engine.Event {
	t.Helper()

	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")

		return engine.Event{}
	}
}

func assertNoEvent(t *testing.T, e *Engine) {
	t.Helper()

	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestEngine_TransferLifecycle(t *testing.T) {
	ctx := context.Background()
	fake, e := newFakePutio(t)
	dir := t.TempDir()

	id, err := e.AddURI(ctx, "magnet:?xt=urn:btih:abc&dn=pack", dir)
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	added, _ := fake.forms()
	assert.Equal(t, "magnet:?xt=urn:btih:abc&dn=pack", added.Get("url"))
	assert.Equal(t, "7", added.Get("save_parent_id"))

	e.poll(ctx)
	assertNoEvent(t, e)

	st, err := e.TellStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StateWaiting, st.State)

	fake.setTransfer(`{"id":42,"name":"pack","status":"DOWNLOADING","size":11,"downloaded":4,"down_speed":2}`)
	e.poll(ctx)
	assert.Equal(t, engine.Event{Kind: engine.EventStart, ID: "42"}, nextEvent(t, e))

	st, err = e.TellStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, st.State)
	assert.Equal(t, int64(4), st.CompletedLength)
	assert.Equal(t, int64(11), st.TotalLength)
	require.Len(t, st.Files, 1)
	assert.Equal(t, filepath.Join(dir, "pack"), st.Files[0].Path)

	fake.setTransfer(`{"id":42,"name":"pack","status":"COMPLETED","size":11,"downloaded":11,"file_id":100}`)
	e.poll(ctx)
	assert.Equal(t, engine.Event{Kind: engine.EventComplete, ID: "42"}, nextEvent(t, e))

	a, err := os.ReadFile(filepath.Join(dir, "pack", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(a))

	b, err := os.ReadFile(filepath.Join(dir, "pack", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world!", string(b))

	st, err = e.TellStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StateComplete, st.State)

	files, err := e.GetFiles(ctx, id)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "pack", "a.txt"), files[0].Path)
	first, ok := engine.FindFilePath(files)
	require.True(t, ok)
	assert.Equal(t, "pack", engine.FileName(first, dir))

	e.poll(ctx)
	assertNoEvent(t, e)
}

func TestEngine_ErroredTransfer(t *testing.T) {
	ctx := context.Background()
	fake, e := newFakePutio(t)

	id, err := e.AddURI(ctx, "https://example.com/a.iso", t.TempDir())
	require.NoError(t, err)

	fake.setTransfer(`{"id":42,"name":"pack","status":"ERROR","error_message":"tracker unreachable"}`)
	e.poll(ctx)

	assert.Equal(t, engine.Event{Kind: engine.EventError, ID: "42"}, nextEvent(t, e))
	assertNoEvent(t, e)

	msg, err := e.ErrorMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tracker unreachable", msg)

	st, err := e.TellStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StateError, st.State)
}

func TestEngine_RemoveEmitsStop(t *testing.T) {
	ctx := context.Background()
	fake, e := newFakePutio(t)

	id, err := e.AddURI(ctx, "https://example.com/a.iso", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, e.Remove(ctx, id))
	_, cancelled := fake.forms()
	assert.Equal(t, "42", cancelled.Get("transfer_ids"))

	e.poll(ctx)
	assert.Equal(t, engine.Event{Kind: engine.EventStop, ID: "42"}, nextEvent(t, e))

	e.poll(ctx)
	assertNoEvent(t, e)
}

func TestEngine_InvalidIDIsQueryError(t *testing.T) {
	_, e := newFakePutio(t)

	_, err := e.TellStatus(context.Background(), "not-a-number")

	var qe *engine.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "tellStatus", qe.Operation)

	meta, next, err := e.IsMetadataOnly(context.Background(), "42")
	require.NoError(t, err)
	assert.False(t, meta)
	assert.Empty(t, next)
}

func TestEngine_RunClosesEvents(t *testing.T) {
	_, e := newFakePutio(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, open := <-e.Events()
	assert.False(t, open)
}

func TestRemoteState(t *testing.T) {
	tests := map[string]engine.State{
		"IN_QUEUE":           engine.StateWaiting,
		"WAITING":            engine.StateWaiting,
		"PREPARING_DOWNLOAD": engine.StateWaiting,
		"DOWNLOADING":        engine.StateActive,
		"COMPLETING":         engine.StateActive,
		"SEEDING":            engine.StateActive,
		"COMPLETED":          engine.StateActive,
		"ERROR":              engine.StateError,
	}

	for status, want := range tests {
		t.Run(status, func(t *testing.T) {
			assert.Equal(t, want, remoteState(status))
		})
	}
}
