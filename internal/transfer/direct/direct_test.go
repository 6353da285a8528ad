package direct

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmravec/gdman/internal/eventloop"
	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
)

var payload = bytes.Repeat([]byte("0123456789"), 100)

type rangeServer struct {
	*httptest.Server

	mu     sync.Mutex
	gets   int
	ranges []string
}

func (s *rangeServer) recorded() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gets, append([]string(nil), s.ranges...)
}

// newRangeServer serves payload with full range support.
func newRangeServer(t *testing.T) *rangeServer {
	t.Helper()

	s := &rangeServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			s.mu.Lock()
			s.gets++
			s.ranges = append(s.ranges, r.Header.Get("Range"))
			s.mu.Unlock()
		}

		http.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(s.Close)

	return s
}

func newEnv(t *testing.T) *transfer.Env {
	t.Helper()

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	return &transfer.Env{
		Loop:          loop,
		ScratchDir:    t.TempDir(),
		DescriptorDir: t.TempDir(),
		Tick:          50 * time.Millisecond,
	}
}

type stateLog struct {
	mu      sync.Mutex
	changes []transfer.StateChange
}

func recordStates(tr transfer.Transfer) *stateLog {
	l := &stateLog{}
	tr.OnStateChanged(func(c transfer.StateChange) {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.changes = append(l.changes, c)
	})

	return l
}

func (l *stateLog) states() []transfer.State {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]transfer.State, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.State)
	}

	return out
}

func (l *stateLog) last() transfer.StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.changes) == 0 {
		return transfer.StateChange{}
	}

	return l.changes[len(l.changes)-1]
}

func waitFor(t *testing.T, l *stateLog, want transfer.State) transfer.StateChange {
	t.Helper()

	require.Eventually(t, func() bool { return l.last().State == want }, 5*time.Second, 10*time.Millisecond,
		"expected state %s, got %v", want, l.states())

	return l.last()
}

func TestTransfer_FreshDownload(t *testing.T) {
	srv := newRangeServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "movie.mp4")

	tr := New(env, srv.URL+"/files/movie.mp4", dest)
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), tr.SizeTotal())
	assert.Equal(t, int64(len(payload)), tr.SizeCompleted())
	assert.Equal(t, []transfer.State{transfer.StateRunning, transfer.StateCompleted}, log.states())
	assert.Equal(t, "movie.mp4", tr.Title())

	_, ranges := srv.recorded()
	assert.Equal(t, []string{""}, ranges)
}

func TestTransfer_ResumesFromOffset(t *testing.T) {
	srv := newRangeServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, payload[:400], 0o644))

	tr := New(env, srv.URL+"/movie.mp4", dest, WithProgress(int64(len(payload)), 400))
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	_, ranges := srv.recorded()
	assert.Equal(t, []string{"bytes=400-"}, ranges)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), tr.SizeCompleted())
}

func TestTransfer_AlreadyComplete(t *testing.T) {
	srv := newRangeServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, payload, 0o644))

	tr := New(env, srv.URL+"/movie.mp4", dest)
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	gets, _ := srv.recorded()
	assert.Zero(t, gets, "no body request is made for a complete destination")
	assert.Equal(t, int64(len(payload)), tr.SizeCompleted())
}

func TestTransfer_MismatchStartsOver(t *testing.T) {
	srv := newRangeServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, []byte("garbage"), 0o644))

	tr := New(env, srv.URL+"/movie.mp4", dest, WithProgress(int64(len(payload)), 400))
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	_, ranges := srv.recorded()
	assert.Equal(t, []string{""}, ranges)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTransfer_RestartsWhenRangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1000")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, payload[:400], 0o644))

	tr := New(env, srv.URL+"/movie.mp4", dest, WithProgress(1000, 400))
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "a full response replaces the partial file")
}

type positionLog struct {
	mu      sync.Mutex
	samples []int64
}

// recordPositions samples SizeCompleted on every position change.
func recordPositions(tr transfer.Transfer) *positionLog {
	l := &positionLog{}
	tr.OnPositionChanged(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.samples = append(l.samples, tr.SizeCompleted())
	})

	return l
}

func (l *positionLog) snapshot() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]int64(nil), l.samples...)
}

func TestTransfer_DiscardedProgressIsReported(t *testing.T) {
	tests := []struct {
		name   string
		onDisk []byte
	}{
		{name: "resume mismatch", onDisk: []byte("garbage")},
		{name: "range ignored", onDisk: payload[:400]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			unblock := sync.OnceFunc(func() { close(release) })

			// Ranges are advertised but never honored; the body waits for release.
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Accept-Ranges", "bytes")
				w.Header().Set("Content-Length", "1000")
				if r.Method == http.MethodHead {
					return
				}

				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush()
				<-release
				_, _ = w.Write(payload)
			}))
			t.Cleanup(srv.Close)
			t.Cleanup(unblock)

			env := newEnv(t)
			dest := filepath.Join(t.TempDir(), "movie.mp4")
			require.NoError(t, os.WriteFile(dest, tt.onDisk, 0o644))

			tr := New(env, srv.URL+"/movie.mp4", dest, WithProgress(1000, 400))
			log := recordStates(tr)
			positions := recordPositions(tr)

			require.True(t, tr.Start())
			require.Eventually(t, func() bool {
				return slices.Contains(positions.snapshot(), 0)
			}, 5*time.Second, 10*time.Millisecond, "dropping to zero emits a position change")
			assert.Equal(t, transfer.StateRunning, tr.State())
			assert.Equal(t, int64(0), tr.SizeCompleted())

			unblock()
			waitFor(t, log, transfer.StateCompleted)

			samples := positions.snapshot()
			assert.True(t, slices.IsSorted(samples), "no unreported drop: %v", samples)
			assert.Equal(t, int64(1000), samples[len(samples)-1])

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestTransfer_UnknownSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		for i := 0; i < 10; i++ {
			_, _ = w.Write(payload[i*100 : (i+1)*100])
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)

	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "stream.bin")

	tr := New(env, srv.URL+"/stream.bin", dest)
	assert.Equal(t, int64(-1), tr.SizeTotal())
	assert.Equal(t, int64(-1), tr.TimeRemaining())

	log := recordStates(tr)
	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	assert.Equal(t, int64(len(payload)), tr.SizeCompleted())
	assert.Equal(t, int64(len(payload)), tr.SizeTotal())
}

func TestTransfer_OverflowStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "10")
			return
		}
		_, _ = w.Write(payload[:100])
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(srv.Close)

	env := newEnv(t)
	tr := New(env, srv.URL+"/short", filepath.Join(t.TempDir(), "short"))
	log := recordStates(tr)

	require.True(t, tr.Start())
	change := waitFor(t, log, transfer.StateStopped)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, change.Err, &netErr)
	assert.Equal(t, "network", transfer.Reason(tr.Err()))
	assert.LessOrEqual(t, tr.SizeCompleted(), int64(10))
}

func TestTransfer_HTTPErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	env := newEnv(t)
	tr := New(env, srv.URL+"/missing", filepath.Join(t.TempDir(), "missing"))
	log := recordStates(tr)

	require.True(t, tr.Start())
	change := waitFor(t, log, transfer.StateStopped)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, change.Err, &netErr)
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
}

// newSlowServer sends the first 100 bytes of payload and then holds the
// connection open until the client goes away or the test ends.
func newSlowServer(t *testing.T) *httptest.Server {
	t.Helper()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload[:100])
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	return srv
}

func TestTransfer_PauseJoinsWorker(t *testing.T) {
	srv := newSlowServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "slow.bin")

	tr := New(env, srv.URL+"/slow.bin", dest)
	log := recordStates(tr)

	require.True(t, tr.Start())
	require.Eventually(t, func() bool { return tr.SizeCompleted() == 100 }, 5*time.Second, 10*time.Millisecond)

	require.True(t, tr.Pause())
	assert.Equal(t, transfer.StatePaused, tr.State())
	assert.False(t, tr.Pause(), "pausing twice is refused")

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, tr.SizeCompleted(), info.Size(), "the counter matches the bytes on disk once paused")

	waitFor(t, log, transfer.StatePaused)
	assert.NoError(t, tr.Err())
}

func TestTransfer_CancelRemovesPartial(t *testing.T) {
	srv := newSlowServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "slow.bin")

	tr := New(env, srv.URL+"/slow.bin", dest)
	log := recordStates(tr)

	require.True(t, tr.Start())
	require.Eventually(t, func() bool { return tr.SizeCompleted() == 100 }, 5*time.Second, 10*time.Millisecond)

	require.True(t, tr.Cancel())
	waitFor(t, log, transfer.StateCanceled)

	require.Eventually(t, func() bool {
		_, err := os.Stat(dest)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, tr.Start(), "a canceled transfer cannot be restarted")
	assert.False(t, tr.Queue())
}

func TestTransfer_StopThenRestartResumes(t *testing.T) {
	srv := newSlowServer(t)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "slow.bin")

	tr := New(env, srv.URL+"/slow.bin", dest)
	log := recordStates(tr)

	require.True(t, tr.Start())
	require.Eventually(t, func() bool { return tr.SizeCompleted() == 100 }, 5*time.Second, 10*time.Millisecond)

	require.True(t, tr.Stop())
	waitFor(t, log, transfer.StateStopped)
	assert.NoError(t, tr.Err(), "a requested stop is not a failure")

	require.True(t, tr.Queue())
	assert.Equal(t, transfer.StateQueued, tr.State())
	require.True(t, tr.Start())
	assert.Equal(t, transfer.StateRunning, tr.State())

	require.True(t, tr.Pause())
}

func TestTransfer_StallStops(t *testing.T) {
	srv := newSlowServer(t)
	env := newEnv(t)
	env.StallTimeout = 300 * time.Millisecond

	tr := New(env, srv.URL+"/slow.bin", filepath.Join(t.TempDir(), "slow.bin"))
	log := recordStates(tr)

	require.True(t, tr.Start())
	change := waitFor(t, log, transfer.StateStopped)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, change.Err, &netErr)
	assert.Contains(t, netErr.Message, "no data received")
}

func TestTransfer_ExportWritesDescriptor(t *testing.T) {
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "movie.mp4")

	tr := New(env, "http://example.com/movie.mp4", dest, WithProgress(1000, 400))
	require.NoError(t, tr.Export())

	entries, err := descriptor.Scan(env.DescriptorDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".http", entries[0].Ext)

	rec, err := descriptor.Read(entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, descriptor.Record{
		Source:      "http://example.com/movie.mp4",
		Destination: dest,
		Size:        1000,
		Completed:   400,
	}, rec)
}

func TestTransfer_DirectoryDestination(t *testing.T) {
	env := newEnv(t)
	dir := t.TempDir()

	tr := New(env, "http://example.com/downloads/movie.mp4", dir+"/")
	assert.Equal(t, filepath.Join(dir, "movie.mp4"), tr.Destination())

	tr = New(env, "http://example.com/watch?v=1", dir, WithFileName("video1.flv"))
	assert.Equal(t, filepath.Join(dir, "video1.flv"), tr.Destination())
}

func TestBuffer_PostsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		require.NoError(t, r.ParseForm())
		_, _ = w.Write([]byte("code=" + r.PostForm.Get("captchacode") + ";ref=" + r.Referer()))
	}))
	t.Cleanup(srv.Close)

	env := newEnv(t)
	tr := NewBuffer(env, srv.URL+"/page",
		WithForm(url.Values{"captchacode": {"a b&c"}}),
		WithReferer("http://example.com/?d=ABC"))
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	assert.Equal(t, "code=a b&c;ref=http://example.com/?d=ABC", string(tr.Body()))
	assert.Error(t, tr.Export(), "in-memory transfers have no descriptor")
}
