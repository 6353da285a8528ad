// Package video implements the two-stage video page pipeline: fetch the video's
// metadata, pick the best format and download it.
package video

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/direct"
)

// DefaultInfoURL is the metadata endpoint queried with the video id.
const DefaultInfoURL = "http://www.youtube.com/get_video_info"

type stage int

const (
	stageInfo stage = iota + 1
	stageFile
)

const stageCount = 2

// Option configures a Transfer.
type Option func(*Transfer)

// WithInfoURL overrides DefaultInfoURL.
func WithInfoURL(u string) Option {
	return func(t *Transfer) { t.infoURL = u }
}

// WithProgress seeds the file stage with the counters recorded in a descriptor.
func WithProgress(size, completed int64) Option {
	return func(t *Transfer) {
		t.seedSize = size
		t.seedCompleted = completed
	}
}

type active struct {
	stage stage
	inner *direct.Transfer
}

// Transfer is a video page pipeline.
type Transfer struct {
	*transfer.Signals

	env *transfer.Env

	source  string
	dest    string
	id      string
	infoURL string

	seedSize      int64
	seedCompleted int64

	state  transfer.AtomicState
	active atomic.Pointer[active]

	mu      sync.Mutex
	between bool
	restart bool

	errMu sync.Mutex
	err   error
}

var _ transfer.Transfer = (*Transfer)(nil)

// FileName returns the name used when the destination of the video id is a directory.
func FileName(id string) string {
	return "video" + id + ".flv"
}

func New(env *transfer.Env, source, dest string, opts ...Option) *Transfer {
	env = env.WithDefaults()

	id := transfer.TokenAfterLastEquals(source)

	t := &Transfer{
		Signals:  transfer.NewSignals(env.Loop),
		env:      env,
		source:   source,
		dest:     env.ResolveDestination(dest, FileName(id)),
		id:       id,
		infoURL:  DefaultInfoURL,
		seedSize: -1,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.active.Store(&active{stage: stageInfo, inner: t.newInner(stageInfo, "")})

	return t
}

func (t *Transfer) metadataURL() string {
	sep := "?"
	if strings.Contains(t.infoURL, "?") {
		sep = ""
	}

	return t.infoURL + sep + "&video_id=" + url.QueryEscape(t.id)
}

func (t *Transfer) newInner(s stage, target string) *direct.Transfer {
	var inner *direct.Transfer

	if s == stageInfo {
		inner = direct.NewBuffer(t.env, t.metadataURL(), direct.WithTitle(t.id))
	} else {
		inner = direct.New(t.env, target, t.dest, direct.WithProgress(t.seedSize, t.seedCompleted))
	}

	inner.OnStateChanged(func(c transfer.StateChange) {
		t.onInnerState(inner, c)
	})
	inner.OnPositionChanged(t.EmitPosition)

	if t.env.Observe != nil {
		t.env.Observe(inner)
	}

	return inner
}

func (t *Transfer) current() *active {
	return t.active.Load()
}

func (t *Transfer) Kind() transfer.Kind {
	return transfer.KindVideo
}

func (t *Transfer) Source() string {
	return t.source
}

func (t *Transfer) Destination() string {
	return t.dest
}

func (t *Transfer) Title() string {
	return fmt.Sprintf("Video %d / %d: %s", int(t.current().stage), stageCount, t.source)
}

func (t *Transfer) SizeTotal() int64 {
	return t.current().inner.SizeTotal()
}

func (t *Transfer) SizeCompleted() int64 {
	return t.current().inner.SizeCompleted()
}

func (t *Transfer) TimeRemaining() int64 {
	return t.current().inner.TimeRemaining()
}

func (t *Transfer) State() transfer.State {
	return t.state.Load()
}

func (t *Transfer) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	return t.err
}

func (t *Transfer) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	t.err = err
}

func (t *Transfer) Queue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state.Load()
	if !st.CanQueue() || !t.state.CompareAndSwap(st, transfer.StateQueued) {
		return false
	}

	t.EmitState(transfer.StateChange{State: transfer.StateQueued})

	return true
}

func (t *Transfer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state.Load()
	if !st.CanStart() || !t.state.CompareAndSwap(st, transfer.StateRunning) {
		return false
	}

	t.setErr(nil)
	t.EmitState(transfer.StateChange{State: transfer.StateRunning})

	switch {
	case t.restart:
		t.restart = false
		t.launch(stageInfo, "")
	case t.between:
		t.advance()
	default:
		t.current().inner.Start()
	}

	return true
}

func (t *Transfer) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.CompareAndSwap(transfer.StateRunning, transfer.StatePaused) &&
		!t.state.CompareAndSwap(transfer.StateQueued, transfer.StatePaused) {
		return false
	}

	t.EmitState(transfer.StateChange{State: transfer.StatePaused})
	t.current().inner.Pause()

	return true
}

func (t *Transfer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.halt(transfer.StateStopped) {
		return false
	}

	t.current().inner.Stop()

	return true
}

func (t *Transfer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.halt(transfer.StateCanceled) {
		return false
	}

	t.current().inner.Cancel()

	return true
}

func (t *Transfer) halt(next transfer.State) bool {
	for {
		st := t.state.Load()
		if st.IsFinal() || st == next {
			return false
		}

		if t.state.CompareAndSwap(st, next) {
			t.EmitState(transfer.StateChange{State: next})

			return true
		}
	}
}

func (t *Transfer) Export() error {
	rec := descriptor.Record{
		Source:      t.source,
		Destination: t.dest,
		Size:        t.seedSize,
		Completed:   t.seedCompleted,
	}

	if cur := t.current(); cur.stage == stageFile {
		rec.Size = cur.inner.SizeTotal()
		rec.Completed = cur.inner.SizeCompleted()
	}

	return direct.ExportRecord(t.env, transfer.KindVideo, rec)
}

func (t *Transfer) onInnerState(inner *direct.Transfer, c transfer.StateChange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current()
	if cur.inner != inner {
		return
	}

	switch c.State {
	case transfer.StateCompleted:
		if cur.stage == stageFile {
			if t.state.CompareAndSwap(transfer.StateRunning, transfer.StateCompleted) {
				t.EmitState(transfer.StateChange{State: transfer.StateCompleted})
			}
			return
		}

		t.between = true
		if t.state.Load() == transfer.StateRunning {
			t.advance()
		}
	case transfer.StateStopped:
		if c.Err != nil {
			t.fail(c.Err)
		}
	}
}

func (t *Transfer) fail(err error) {
	var parseErr *transfer.ParseError
	if errors.As(err, &parseErr) {
		t.restart = true
	}

	if t.state.CompareAndSwap(transfer.StateRunning, transfer.StateStopped) {
		t.setErr(err)
		t.EmitState(transfer.StateChange{State: transfer.StateStopped, Err: err})
		t.env.Logger.Error("video pipeline failed", "source", t.source, "err", err)
	}
}

// advance parses the metadata and starts the file stage. mu must be held.
func (t *Transfer) advance() {
	cur := t.current()
	if cur.stage != stageInfo {
		return
	}

	link, err := selectFormat(string(cur.inner.Body()))
	if err != nil {
		t.fail(err)
		return
	}

	t.env.Logger.Info("video format selected", "source", t.source, "url", link)
	t.launch(stageFile, link)
}

func (t *Transfer) launch(s stage, target string) {
	inner := t.newInner(s, target)

	t.between = false
	t.active.Store(&active{stage: s, inner: inner})

	inner.Start()
}
