package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type recorder struct {
	mu       sync.Mutex
	requests []request
	status   int
}

func newRecorder(t *testing.T, status int, respond string) (*recorder, *httptest.Server) {
	t.Helper()

	rec := &recorder{status: status}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rec.mu.Lock()
		rec.requests = append(rec.requests, request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
		rec.mu.Unlock()

		w.WriteHeader(rec.status)
		_, _ = io.WriteString(w, respond)
	}))
	t.Cleanup(srv.Close)

	return rec, srv
}

func (r *recorder) all() []request {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]request(nil), r.requests...)
}

func TestExternal_Payload(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK, "")
	ext := NewExternal(srv.URL+"/hook", srv.Client())

	err := ext.NotifyCompletion(context.Background(), Completion{
		Successful:  true,
		Name:        "movie.mkv",
		DriveURL:    "https://drive.google.com/uc?id=1&export=download",
		Size:        "1.5GB",
		OriginGroup: -100123,
	})
	require.NoError(t, err)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/hook", reqs[0].Path)
	assert.JSONEq(t, `{
		"successful": true,
		"file": {"name": "movie.mkv", "driveURL": "https://drive.google.com/uc?id=1&export=download", "size": "1.5GB"},
		"originGroup": -100123
	}`, reqs[0].Body)
}

func TestExternal_OmitsPlaceholders(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK, "")
	ext := NewExternal(srv.URL, srv.Client())

	err := ext.NotifyCompletion(context.Background(), Completion{Name: "Metadata", Size: "0B", OriginGroup: 1})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.all()[0].Body), &got))

	assert.Equal(t, false, got["successful"])
	assert.Empty(t, got["file"])
}

func TestExternal_ErrorStatus(t *testing.T) {
	_, srv := newRecorder(t, http.StatusBadGateway, "upstream down")
	ext := NewExternal(srv.URL, srv.Client())

	err := ext.NotifyCompletion(context.Background(), Completion{})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
}

func TestDiscord_SendEditDelete(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK, `{"id":"987","content":"hi"}`)
	d := NewDiscord(srv.URL+"/webhooks/1/tok", nil, srv.Client())
	ctx := context.Background()

	ref, err := d.Send(ctx, 42, "hi")
	require.NoError(t, err)
	assert.Equal(t, registry.MessageRef{ChannelID: 42, ID: "987"}, ref)

	require.NoError(t, d.Edit(ctx, ref, "updated"))
	require.NoError(t, d.Delete(ctx, ref))

	reqs := rec.all()
	require.Len(t, reqs, 3)

	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/webhooks/1/tok", reqs[0].Path)
	assert.Equal(t, "wait=true", reqs[0].Query)
	assert.JSONEq(t, `{"content":"hi"}`, reqs[0].Body)

	assert.Equal(t, http.MethodPatch, reqs[1].Method)
	assert.Equal(t, "/webhooks/1/tok/messages/987", reqs[1].Path)
	assert.JSONEq(t, `{"content":"updated"}`, reqs[1].Body)

	assert.Equal(t, http.MethodDelete, reqs[2].Method)
	assert.Equal(t, "/webhooks/1/tok/messages/987", reqs[2].Path)
}

func TestDiscord_PerChannelWebhook(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK, `{"id":"1"}`)
	d := NewDiscord("", map[int64]string{7: srv.URL + "/seven"}, srv.Client())

	_, err := d.Send(context.Background(), 7, "x")
	require.NoError(t, err)
	assert.Equal(t, "/seven", rec.all()[0].Path)

	_, err = d.Send(context.Background(), 8, "x")
	assert.Error(t, err)
}

func TestDiscord_DefaultClientHasTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, NewDiscord("http://example.com", nil, nil).Client.Timeout)
	assert.Equal(t, DefaultTimeout, NewExternal("http://example.com", nil).Client.Timeout)
}

func TestDiscord_HungWebhookTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client := srv.Client()
	client.Timeout = 50 * time.Millisecond
	d := NewDiscord(srv.URL, nil, client)

	start := time.Now()
	_, err := d.Send(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type failing struct{ err error }

func (f failing) NotifyCompletion(context.Context, Completion) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	rec, srv := newRecorder(t, http.StatusOK, "")

	m := Multi{failing{err: boom}, NewExternal(srv.URL, srv.Client())}

	err := m.NotifyCompletion(context.Background(), Completion{Successful: true})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.all(), 1)
}

func TestLogMessenger_AssignsIDs(t *testing.T) {
	var l LogMessenger
	ctx := context.Background()

	a, err := l.Send(ctx, 1, "a")
	require.NoError(t, err)

	b, err := l.Send(ctx, 1, "b")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NoError(t, l.Edit(ctx, a, "c"))
	assert.NoError(t, l.Delete(ctx, b))
}
