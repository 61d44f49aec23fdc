package mirror

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/archive"
	"github.com/italolelis/seedbox_mirror/internal/drive"
	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/engine/enginetest"
	"github.com/italolelis/seedbox_mirror/internal/registry"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = 1 << 30

type fakeUploader struct {
	mu       sync.Mutex
	paths    []string
	tarNames []string
	err      error
	block    chan struct{}
	running  int
	peak     int
}

func (u *fakeUploader) UploadTree(_ context.Context, path, parentID string) (string, error) {
	u.mu.Lock()
	u.paths = append(u.paths, path)
	u.running++
	u.peak = max(u.peak, u.running)
	block, err := u.block, u.err

	if strings.HasSuffix(path, ".tar") {
		u.tarNames = append(u.tarNames, tarEntries(path)...)
	}
	u.mu.Unlock()

	if block != nil {
		<-block
	}

	u.mu.Lock()
	u.running--
	u.mu.Unlock()

	if err != nil {
		return "", err
	}

	return "https://drive.google.com/uc?id=" + filepath.Base(path) + "&export=download", nil
}

func (u *fakeUploader) ParentID() string { return "parent" }

func (u *fakeUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]string(nil), u.paths...)
}

func (u *fakeUploader) maxConcurrent() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.peak
}

func tarEntries(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var names []string

	tr := tar.NewReader(f)

	for {
		hdr, err := tr.Next()
		if err != nil {
			return names
		}

		names = append(names, hdr.Name)
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []int64
	notices []string
	flushes int
}

func (p *fakePublisher) Update(_ context.Context, channelID int64) <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updates = append(p.updates, channelID)

	return closedResult()
}

func (p *fakePublisher) Notify(_ context.Context, _ int64, text string) <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.notices = append(p.notices, text)

	return closedResult()
}

func (p *fakePublisher) FlushCancelled(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.flushes++
}

func (p *fakePublisher) noticesSent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.notices...)
}

func (p *fakePublisher) flushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.flushes
}

func closedResult() <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)

	return ch
}

type fakeHistory struct {
	mu      sync.Mutex
	records []storage.JobRecord
}

func (h *fakeHistory) RecordJob(_ context.Context, rec storage.JobRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, rec)

	return nil
}

func (h *fakeHistory) all() []storage.JobRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]storage.JobRecord(nil), h.records...)
}

type harness struct {
	m        *Mirror
	reg      *registry.Registry
	eng      *enginetest.Fake
	uploader *fakeUploader
	pub      *fakePublisher
	history  *fakeHistory
	policy   *archive.Policy
	root     string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		reg:      registry.New(),
		eng:      enginetest.New(),
		uploader: &fakeUploader{},
		pub:      &fakePublisher{},
		history:  &fakeHistory{},
		root:     t.TempDir(),
	}
	t.Cleanup(h.reg.Close)

	h.policy = &archive.Policy{Root: h.root, FreeSpace: func(string) (uint64, error) { return 10 * gib, nil }}

	cfg.Root = h.root
	h.m = New(cfg, h.reg, h.eng, h.uploader, h.policy, h.pub, h.history, nil)

	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) admit(t *testing.T, uri string, archive bool) registry.Job {
	t.Helper()

	job, err := h.m.Admit(context.Background(), uri, registry.Requester{OwnerName: "alice", ChannelID: 9, MessageID: 1}, archive)
	require.NoError(t, err)

	return job
}

func (h *harness) finished(t *testing.T) Outcome {
	t.Helper()

	select {
	case out := <-h.m.OnJobFinished:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no job finished")

		return Outcome{}
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestAdmit_FilteredDomain(t *testing.T) {
	h := newHarness(t, Config{FilteredDomains: []string{"blocked.example"}})

	_, err := h.m.Admit(context.Background(), "https://cdn.blocked.example/file.iso", registry.Requester{}, false)
	assert.ErrorIs(t, err, ErrFilteredDomain)
	assert.Empty(t, h.eng.Added())
}

func TestAdmit_RegistersJob(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.admit(t, "https://example.com/file.iso", true)

	added := h.eng.Added()
	require.Len(t, added, 1)
	assert.Equal(t, job.ID, added[0].ID)
	assert.Equal(t, h.root, filepath.Dir(added[0].Dir))
	assert.DirExists(t, added[0].Dir)

	got, ok := h.reg.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, added[0].Dir, got.DestinationDir)
	assert.True(t, got.Archive)
	assert.Equal(t, "alice", got.OwnerName)
}

func TestAdmit_EngineFailureRemovesDirectory(t *testing.T) {
	h := newHarness(t, Config{})
	h.eng.FailAdd(errors.New("rpc down"))

	_, err := h.m.Admit(context.Background(), "https://example.com/file.iso", registry.Requester{}, false)
	require.Error(t, err)

	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, h.reg.Len())
}

func TestComplete_UploadsSingleFile(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	job := h.admit(t, "https://example.com/movie.mkv", true)
	file := filepath.Join(job.DestinationDir, "movie.mkv")
	writeFile(t, file, 64)

	h.eng.SetStatus(job.ID, engine.Status{State: engine.StateComplete, Dir: job.DestinationDir, TotalLength: 64, Files: []engine.File{{Path: file, Length: 64}}})
	h.eng.Emit(engine.Event{Kind: engine.EventStart, ID: job.ID})
	h.eng.Emit(engine.Event{Kind: engine.EventComplete, ID: job.ID})

	out := h.finished(t)

	assert.Equal(t, storage.OutcomeUploaded, out.Result)
	assert.Equal(t, "movie.mkv", out.Name)
	assert.Equal(t, "https://drive.google.com/uc?id=movie.mkv&export=download", out.Link)
	assert.Equal(t, []string{file}, h.uploader.uploaded())

	_, ok := h.reg.Get(job.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, job.DestinationDir)

	records := h.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeUploaded, records[0].Outcome)
	assert.Equal(t, int64(9), records[0].ChannelID)

	assert.Contains(t, h.pub.noticesSent(), "movie.mkv (64B): https://drive.google.com/uc?id=movie.mkv&export=download")
}

func completeDirectory(t *testing.T, h *harness, size int64) registry.Job {
	t.Helper()

	job := h.admit(t, "magnet:?xt=urn:btih:abc&dn=g1", true)

	a := filepath.Join(job.DestinationDir, "g1", "a.bin")
	b := filepath.Join(job.DestinationDir, "g1", "b.bin")
	writeFile(t, a, 10)
	writeFile(t, b, 20)

	h.eng.SetStatus(job.ID, engine.Status{
		State:       engine.StateComplete,
		Dir:         job.DestinationDir,
		TotalLength: size,
		Files:       []engine.File{{Path: a}, {Path: b}},
	})
	h.eng.Emit(engine.Event{Kind: engine.EventComplete, ID: job.ID})

	return job
}

func TestComplete_ArchivesWhenSpaceAllows(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	job := completeDirectory(t, h, 2*gib)
	out := h.finished(t)

	require.Equal(t, storage.OutcomeUploaded, out.Result)
	assert.Equal(t, []string{filepath.Join(job.DestinationDir, "g1.tar")}, h.uploader.uploaded())
	assert.Equal(t, "g1.tar", out.Name)

	h.uploader.mu.Lock()
	defer h.uploader.mu.Unlock()
	assert.Contains(t, h.uploader.tarNames, "g1/a.bin")
	assert.Contains(t, h.uploader.tarNames, "g1/b.bin")
}

func TestComplete_SkipsArchiveWithoutSpace(t *testing.T) {
	h := newHarness(t, Config{})
	h.policy.FreeSpace = func(string) (uint64, error) { return 1 * gib, nil }
	h.run(t)

	job := completeDirectory(t, h, 2*gib)
	out := h.finished(t)

	require.Equal(t, storage.OutcomeUploaded, out.Result)
	assert.Equal(t, []string{filepath.Join(job.DestinationDir, "g1")}, h.uploader.uploaded())
	assert.Equal(t, "g1", out.Name)
}

func TestComplete_MetadataRemapsJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	job := h.admit(t, "magnet:?xt=urn:btih:abc", false)

	h.eng.SetStatus(job.ID, engine.Status{State: engine.StateComplete, Files: []engine.File{{Path: "[METADATA]abc"}}})
	h.eng.SetStatus("payload", engine.Status{State: engine.StateActive})
	h.eng.SetFollowedBy(job.ID, "payload")
	h.eng.Emit(engine.Event{Kind: engine.EventComplete, ID: job.ID})

	require.Eventually(t, func() bool {
		_, ok := h.reg.Get("payload")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := h.reg.Get(job.ID)
	assert.False(t, ok)

	remapped, _ := h.reg.Get("payload")
	assert.Equal(t, job.DestinationDir, remapped.DestinationDir)
	assert.Empty(t, h.uploader.uploaded())
	assert.DirExists(t, job.DestinationDir)
}

func TestError_PurgesWithMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	job := h.admit(t, "https://example.com/file.iso", false)
	h.eng.SetErrorMessage(job.ID, "404 Not Found")
	h.eng.Emit(engine.Event{Kind: engine.EventError, ID: job.ID})

	out := h.finished(t)

	assert.Equal(t, storage.OutcomeFailed, out.Result)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "404 Not Found")
	assert.Contains(t, h.pub.noticesSent(), "file.iso - download failed: 404 Not Found")
	assert.Zero(t, h.reg.Len())
	assert.NoDirExists(t, job.DestinationDir)
}

func TestUploadFailure_IsReported(t *testing.T) {
	h := newHarness(t, Config{})
	h.uploader.err = &drive.SessionInitError{File: "movie.mkv", StatusCode: 401, Err: errors.New("unauthorized")}
	h.run(t)

	job := h.admit(t, "https://example.com/movie.mkv", false)
	file := filepath.Join(job.DestinationDir, "movie.mkv")
	writeFile(t, file, 8)

	h.eng.SetStatus(job.ID, engine.Status{State: engine.StateComplete, Dir: job.DestinationDir, TotalLength: 8, Files: []engine.File{{Path: file}}})
	h.eng.Emit(engine.Event{Kind: engine.EventComplete, ID: job.ID})

	out := h.finished(t)

	assert.Equal(t, storage.OutcomeFailed, out.Result)
	assert.Contains(t, h.pub.noticesSent(), "movie.mkv - Failed to start upload: unauthorized")
	assert.Equal(t, "unauthorized", errors.Unwrap(out.Err).Error())
}

func TestCancel_RecordsRemovesAndPurges(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	job := h.admit(t, "https://example.com/file.iso", false)

	require.NoError(t, h.m.Cancel(context.Background(), job.ID, "bob"))

	out := h.finished(t)
	assert.Equal(t, storage.OutcomeCancelled, out.Result)
	assert.Equal(t, []string{job.ID}, h.eng.Removed())
	assert.Zero(t, h.reg.Len())
	assert.True(t, h.reg.IsCancelled(job.ID))

	h.eng.Emit(engine.Event{Kind: engine.EventStop, ID: job.ID})

	require.Eventually(t, func() bool { return !h.reg.IsCancelled(job.ID) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.pub.flushCount())
}

func TestCancel_PurgesEvenWhenEngineFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.eng.FailRemove(errors.New("rpc down"))

	job := h.admit(t, "https://example.com/file.iso", false)

	require.NoError(t, h.m.Cancel(context.Background(), job.ID, ""))
	assert.Zero(t, h.reg.Len())

	var names []string
	h.reg.ForEachCancelledChannel(func(_ int64, n []string) { names = n })
	assert.Equal(t, []string{"alice"}, names)
	assert.False(t, h.reg.IsCancelled(job.ID))
}

func TestCancel_AfterCloseIsNotPublished(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.admit(t, "https://example.com/file.iso", false)

	h.m.Close()

	assert.NotPanics(t, func() {
		require.NoError(t, h.m.Cancel(context.Background(), job.ID, "bob"))
	})
	assert.Zero(t, h.reg.Len())

	_, ok := <-h.m.OnJobFinished
	assert.False(t, ok)
	assert.NotPanics(t, h.m.Close)
}

func TestCancel_UnknownJob(t *testing.T) {
	h := newHarness(t, Config{})

	assert.ErrorIs(t, h.m.Cancel(context.Background(), "nope", ""), ErrJobNotFound)
}

func TestUploads_AreBounded(t *testing.T) {
	h := newHarness(t, Config{MaxParallelUploads: 1})
	h.uploader.block = make(chan struct{})
	h.run(t)

	for range 2 {
		job := h.admit(t, "https://example.com/file.bin", false)
		file := filepath.Join(job.DestinationDir, "file.bin")
		writeFile(t, file, 4)

		h.eng.SetStatus(job.ID, engine.Status{State: engine.StateComplete, Dir: job.DestinationDir, TotalLength: 4, Files: []engine.File{{Path: file}}})
		h.eng.Emit(engine.Event{Kind: engine.EventComplete, ID: job.ID})
	}

	require.Eventually(t, func() bool { return len(h.uploader.uploaded()) == 1 }, 5*time.Second, 10*time.Millisecond)

	close(h.uploader.block)

	h.finished(t)
	h.finished(t)

	assert.Equal(t, 1, h.uploader.maxConcurrent())
}

func TestEvent_UnknownJobIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	h.eng.Emit(engine.Event{Kind: engine.EventComplete, ID: "ghost"})
	h.eng.Emit(engine.Event{Kind: engine.EventStart, ID: "ghost"})

	job := h.admit(t, "https://example.com/file.iso", false)
	h.eng.Emit(engine.Event{Kind: engine.EventStart, ID: job.ID})

	require.Eventually(t, func() bool { return h.reg.IsActive(job.ID) }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.uploader.uploaded())
}
