package hosting

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmravec/gdman/internal/eventloop"
	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
)

const challengePage = `<html><body>
<FORM method="POST" id="captchaform">
<INPUT type="hidden" name="captchacode" value="c0de">
<INPUT type="hidden" name="megavar" value="v4r">
<img src="/gencap.php?x=1">
<INPUT type="text" name="captcha">
</FORM>
</body></html>`

const linkPage = `<html><body><div id="downloadlink"><a href="/files/archive.zip" class="down_butt">Download</a></div></body></html>`

var payload = bytes.Repeat([]byte("abcdefghij"), 300)

func gifImage(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.White, color.Black})
	img.SetColorIndex(0, 0, 1)

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))

	return buf.Bytes()
}

type hostingServer struct {
	*httptest.Server

	mu       sync.Mutex
	form     map[string]string
	referers map[string]string
	posts    int
	ranges   []string
	// holdFile makes a plain GET of the file send half of it and hold the connection.
	holdFile bool
}

func newHostingServer(t *testing.T, page string) *hostingServer {
	t.Helper()

	captcha := gifImage(t, 4, 3)
	s := &hostingServer{form: map[string]string{}, referers: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, r.ParseForm())

			s.mu.Lock()
			s.posts++
			for k := range r.PostForm {
				s.form[k] = r.PostForm.Get(k)
			}
			s.mu.Unlock()

			_, _ = w.Write([]byte(linkPage))
			return
		}

		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/gencap.php", func(w http.ResponseWriter, r *http.Request) {
		s.recordReferer(r)
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write(captcha)
	})
	mux.HandleFunc("/files/archive.zip", func(w http.ResponseWriter, r *http.Request) {
		s.recordReferer(r)

		if r.Method == http.MethodGet {
			rng := r.Header.Get("Range")

			s.mu.Lock()
			s.ranges = append(s.ranges, rng)
			hold := s.holdFile
			s.mu.Unlock()

			if hold && rng == "" {
				w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
				w.Header().Set("Accept-Ranges", "bytes")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(payload[:len(payload)/2])
				w.(http.Flusher).Flush()
				<-r.Context().Done()

				return
			}
		}

		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(payload))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

func (s *hostingServer) recordReferer(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.referers[r.URL.Path] = r.Referer()
}

func (s *hostingServer) holdFileHalf() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdFile = true
}

func (s *hostingServer) fileRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.ranges...)
}

func (s *hostingServer) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.posts
}

func (s *hostingServer) submitted() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.form))
	for k, v := range s.form {
		out[k] = v
	}

	return out
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

func (l *stateLog) snapshot() []transfer.StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]transfer.StateChange(nil), l.changes...)
}

func waitFor(t *testing.T, l *stateLog, want transfer.State) transfer.StateChange {
	t.Helper()

	var last transfer.StateChange
	require.Eventually(t, func() bool {
		changes := l.snapshot()
		if len(changes) == 0 {
			return false
		}
		last = changes[len(changes)-1]
		return last.State == want
	}, 5*time.Second, 10*time.Millisecond, "expected state %s", want)

	return last
}

func TestTransfer_FullPipeline(t *testing.T) {
	srv := newHostingServer(t, challengePage)
	env := newEnv(t)
	destDir := t.TempDir()
	pageURL := srv.URL + "/?d=ABC123"

	challenges := make(chan Challenge, 1)
	tr := New(env, pageURL, destDir, WithPrompter(PrompterFunc(func(_ *Transfer, c Challenge) {
		challenges <- c
	})))
	log := recordStates(tr)

	assert.Equal(t, transfer.KindHosting, tr.Kind())
	assert.Equal(t, "Stage 1 / 4: ABC123", tr.Title())

	require.True(t, tr.Start())

	var ch Challenge
	select {
	case ch = <-challenges:
	case <-time.After(5 * time.Second):
		t.Fatal("no challenge was presented")
	}

	assert.Equal(t, "gif", ch.Format)
	assert.Equal(t, 8, ch.Width)
	assert.Equal(t, 6, ch.Height)

	decoded, err := png.Decode(bytes.NewReader(ch.PNG))
	require.NoError(t, err)
	assert.Equal(t, 8, decoded.Bounds().Dx())

	pending, ok := tr.Challenge()
	require.True(t, ok)
	assert.Equal(t, ch.PNG, pending.PNG)
	assert.True(t, strings.HasPrefix(tr.Title(), "Stage 2 / 4: "))
	assert.Equal(t, transfer.StateRunning, tr.State(), "the pipeline stays running while suspended")

	require.NoError(t, tr.SubmitInput("xyz"))
	assert.ErrorIs(t, tr.SubmitInput("again"), ErrNoChallenge)

	waitFor(t, log, transfer.StateCompleted)

	got, err := os.ReadFile(filepath.Join(destDir, "archive.zip"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, filepath.Join(destDir, "archive.zip"), tr.Destination())
	assert.Equal(t, "Stage 4 / 4: archive.zip", tr.Title())
	assert.Equal(t, int64(len(payload)), tr.SizeCompleted())

	assert.Equal(t, map[string]string{"captcha": "xyz", "captchacode": "c0de", "megavar": "v4r"}, srv.submitted())

	srv.mu.Lock()
	assert.Equal(t, pageURL, srv.referers["/files/archive.zip"])
	srv.mu.Unlock()

	var states []transfer.State
	for _, c := range log.snapshot() {
		states = append(states, c.State)
	}
	assert.Equal(t, []transfer.State{transfer.StateRunning, transfer.StateCompleted}, states,
		"intermediate stage completions are not forwarded")

	for _, name := range []string{"muABC123.html", "muABC123.gif", "muABC123-2.html"} {
		_, err := os.Stat(filepath.Join(env.ScratchDir, name))
		assert.True(t, os.IsNotExist(err), "scratch file %s should be removed", name)
	}
}

func TestTransfer_ParseFailureStops(t *testing.T) {
	srv := newHostingServer(t, "<html><body>File not found</body></html>")
	env := newEnv(t)

	tr := New(env, srv.URL+"/?d=GONE", t.TempDir())
	log := recordStates(tr)

	require.True(t, tr.Start())
	change := waitFor(t, log, transfer.StateStopped)

	var parseErr *transfer.ParseError
	require.ErrorAs(t, change.Err, &parseErr)
	assert.Equal(t, "captchaform", parseErr.Marker)
	assert.Equal(t, "parse", transfer.Reason(tr.Err()))
}

func TestTransfer_SubmitWithoutChallenge(t *testing.T) {
	env := newEnv(t)
	tr := New(env, "http://example.com/?d=X", t.TempDir())

	assert.ErrorIs(t, tr.SubmitInput("abc"), ErrNoChallenge)

	_, ok := tr.Challenge()
	assert.False(t, ok)
}

func TestTransfer_ExportBeforeFinalStage(t *testing.T) {
	env := newEnv(t)
	dest := t.TempDir()

	tr := New(env, "http://example.com/?d=X", dest, WithProgress(1000, 400))
	require.NoError(t, tr.Export())

	entries, err := descriptor.Scan(env.DescriptorDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".hosting", entries[0].Ext)

	rec, err := descriptor.Read(entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, descriptor.Record{
		Source:      "http://example.com/?d=X",
		Destination: dest,
		Size:        1000,
		Completed:   400,
	}, rec)
}

func TestTransfer_CancelRemovesScratch(t *testing.T) {
	srv := newHostingServer(t, challengePage)
	env := newEnv(t)

	challenges := make(chan Challenge, 1)
	tr := New(env, srv.URL+"/?d=C", t.TempDir(), WithPrompter(PrompterFunc(func(_ *Transfer, c Challenge) {
		challenges <- c
	})))
	log := recordStates(tr)

	require.True(t, tr.Start())
	select {
	case <-challenges:
	case <-time.After(5 * time.Second):
		t.Fatal("no challenge was presented")
	}

	require.True(t, tr.Cancel())
	waitFor(t, log, transfer.StateCanceled)

	assert.False(t, tr.Start())
	assert.ErrorIs(t, tr.SubmitInput("late"), ErrNoChallenge, "a canceled pipeline takes no input")
}

// answerChallenges submits text to every challenge tr presents.
func answerChallenges(text string) Option {
	return WithPrompter(PrompterFunc(func(tr *Transfer, _ Challenge) {
		go func() { _ = tr.SubmitInput(text) }()
	}))
}

func TestTransfer_ReloadedPipelineResumesFinalStage(t *testing.T) {
	srv := newHostingServer(t, challengePage)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "archive.zip")
	done := int64(1200)

	require.NoError(t, os.WriteFile(dest, payload[:done], 0o644))

	tr := New(env, srv.URL+"/?d=R", dest, answerChallenges("r1"), WithProgress(int64(len(payload)), done))
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []string{"bytes=1200-"}, srv.fileRanges())
	assert.Equal(t, 1, srv.postCount(), "challenge stages run again before the final stage")
}

func TestTransfer_AlreadyCompleteFinalStageSkipsBody(t *testing.T) {
	srv := newHostingServer(t, challengePage)
	env := newEnv(t)
	dest := filepath.Join(t.TempDir(), "archive.zip")

	require.NoError(t, os.WriteFile(dest, payload, 0o644))

	tr := New(env, srv.URL+"/?d=F", dest, answerChallenges("f1"),
		WithProgress(int64(len(payload)), int64(len(payload))))
	log := recordStates(tr)

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	assert.Empty(t, srv.fileRanges(), "no body request for a complete file")
	assert.Equal(t, int64(len(payload)), tr.SizeCompleted())
}

func TestTransfer_PauseDuringFinalStageThenStart(t *testing.T) {
	srv := newHostingServer(t, challengePage)
	srv.holdFileHalf()

	env := newEnv(t)
	destDir := t.TempDir()
	half := int64(len(payload) / 2)

	tr := New(env, srv.URL+"/?d=P", destDir, answerChallenges("p1"))
	log := recordStates(tr)

	require.True(t, tr.Start())
	require.Eventually(t, func() bool {
		return strings.HasPrefix(tr.Title(), "Stage 4 / 4: ") && tr.SizeCompleted() == half
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, tr.Pause())
	waitFor(t, log, transfer.StatePaused)

	dest := filepath.Join(destDir, "archive.zip")
	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, half, fi.Size(), "nothing is written after pause returns")

	require.True(t, tr.Start())
	waitFor(t, log, transfer.StateCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []string{"", "bytes=" + strconv.FormatInt(half, 10) + "-"}, srv.fileRanges())
	assert.Equal(t, 1, srv.postCount(), "resuming does not repeat the challenge")
}
