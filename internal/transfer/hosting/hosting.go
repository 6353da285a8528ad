// Package hosting implements the four-stage file hosting page pipeline: fetch the
// page, fetch its verification image, submit the operator's answer and download
// the linked file.
package hosting

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/direct"
)

type stage int

const (
	stageFirst stage = iota + 1
	stageSecond
	stageThird
	stageFile
)

const stageCount = 4

func stageName(s stage) string {
	return fmt.Sprintf("stage %d", int(s))
}

// ErrNoChallenge is returned by SubmitInput when the pipeline is not waiting for input.
var ErrNoChallenge = errors.New("no challenge pending")

// Prompter is the human-input collaborator. Prompt is called once per rendered
// challenge; the pipeline stays suspended until SubmitInput is called.
type Prompter interface {
	Prompt(t *Transfer, c Challenge)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(t *Transfer, c Challenge)

func (f PrompterFunc) Prompt(t *Transfer, c Challenge) {
	f(t, c)
}

// Option configures a Transfer.
type Option func(*Transfer)

func WithPrompter(p Prompter) Option {
	return func(t *Transfer) { t.prompter = p }
}

// WithProgress seeds the final stage with the size and completed counters
// recorded in a descriptor.
func WithProgress(size, completed int64) Option {
	return func(t *Transfer) {
		t.seedSize = size
		t.seedCompleted = completed
	}
}

// active is the stage currently backed by inner.
type active struct {
	stage stage
	inner *direct.Transfer
}

// Transfer is a hosting page pipeline. Its state and progress mirror the inner
// transfer of the active stage.
type Transfer struct {
	*transfer.Signals

	env      *transfer.Env
	prompter Prompter

	source string
	page   *url.URL
	dest   string
	token  string

	seedSize      int64
	seedCompleted int64

	state  transfer.AtomicState
	active atomic.Pointer[active]

	mu        sync.Mutex
	between   bool // the active stage finished and the next one has not been launched
	restart   bool
	form      challengeForm
	challenge *Challenge
	input     string
	hasInput  bool

	errMu sync.Mutex
	err   error
}

var _ transfer.Transfer = (*Transfer)(nil)

// New creates a pipeline for the hosting page source. dest follows the usual
// destination rules; when it is a directory the file name comes from the final
// download link.
func New(env *transfer.Env, source, dest string, opts ...Option) *Transfer {
	env = env.WithDefaults()

	t := &Transfer{
		Signals:  transfer.NewSignals(env.Loop),
		env:      env,
		source:   source,
		dest:     env.ResolveDestination(dest, ""),
		token:    sanitizeToken(transfer.TokenAfterLastEquals(source)),
		seedSize: -1,
	}

	if u, err := url.Parse(source); err == nil {
		t.page = u
	}

	for _, opt := range opts {
		opt(t)
	}

	t.active.Store(&active{stage: stageFirst, inner: t.newInner(stageFirst, "")})

	return t
}

func sanitizeToken(token string) string {
	token = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, token)

	if token == "" || token == "." || token == ".." {
		return "page"
	}

	return token
}

// ScratchPatterns match the intermediate artifacts a hosting pipeline leaves in
// the scratch directory.
var ScratchPatterns = []string{"mu*.html", "mu*.gif"}

func (t *Transfer) scratchFile(s stage) string {
	switch s {
	case stageFirst:
		return t.env.ScratchPath("mu" + t.token + ".html")
	case stageSecond:
		return t.env.ScratchPath("mu" + t.token + ".gif")
	case stageThird:
		return t.env.ScratchPath("mu" + t.token + "-2.html")
	default:
		return ""
	}
}

// newInner builds the backing transfer for s. target is the URL for the final stage.
func (t *Transfer) newInner(s stage, target string) *direct.Transfer {
	var inner *direct.Transfer

	switch s {
	case stageFirst:
		inner = direct.New(t.env, t.source, t.freshScratch(s), direct.WithTitle(t.token))
	case stageSecond:
		inner = direct.New(t.env, t.form.ImageURL, t.freshScratch(s), direct.WithReferer(t.source))
	case stageThird:
		form := url.Values{
			"captcha":     {t.input},
			"captchacode": {t.form.CaptchaCode},
			"megavar":     {t.form.MegaVar},
		}
		inner = direct.New(t.env, t.source, t.freshScratch(s),
			direct.WithForm(form), direct.WithReferer(t.source), direct.WithTitle(t.token))
	default:
		inner = direct.New(t.env, target, t.dest,
			direct.WithReferer(t.source), direct.WithProgress(t.seedSize, t.seedCompleted))
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

// freshScratch removes any leftover artifact so a stale file is never taken for a
// complete one.
func (t *Transfer) freshScratch(s stage) string {
	path := t.scratchFile(s)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.env.Logger.Warn("failed to remove stale scratch file", "path", path, "err", err)
	}

	return path
}

func (t *Transfer) removeScratch() {
	for _, s := range []stage{stageFirst, stageSecond, stageThird} {
		path := t.scratchFile(s)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.env.Logger.Warn("failed to remove scratch file", "path", path, "err", err)
		}
	}
}

func (t *Transfer) current() *active {
	return t.active.Load()
}

func (t *Transfer) Kind() transfer.Kind {
	return transfer.KindHosting
}

func (t *Transfer) Source() string {
	return t.source
}

func (t *Transfer) Destination() string {
	if cur := t.current(); cur.stage == stageFile {
		return cur.inner.Destination()
	}

	return t.dest
}

func (t *Transfer) Title() string {
	cur := t.current()

	return fmt.Sprintf("Stage %d / %d: %s", int(cur.stage), stageCount, cur.inner.Title())
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

// Challenge returns the verification image while the pipeline waits for input.
func (t *Transfer) Challenge() (Challenge, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current().stage != stageSecond || t.challenge == nil || t.hasInput {
		return Challenge{}, false
	}

	return *t.challenge, true
}

// SubmitInput supplies the operator's answer to the pending challenge. When the
// transfer is running the form submission stage starts immediately; otherwise it
// starts with the next Start.
func (t *Transfer) SubmitInput(text string) error {
	t.mu.Lock()

	if t.state.Load().IsFinal() || t.current().stage != stageSecond || t.challenge == nil || t.hasInput {
		t.mu.Unlock()

		return ErrNoChallenge
	}

	t.input = text
	t.hasInput = true

	var after func()
	if t.state.Load() == transfer.StateRunning {
		after = t.advance()
	}
	t.mu.Unlock()

	if after != nil {
		after()
	}

	return nil
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

	st := t.state.Load()
	if !st.CanStart() || !t.state.CompareAndSwap(st, transfer.StateRunning) {
		t.mu.Unlock()

		return false
	}

	t.setErr(nil)
	t.EmitState(transfer.StateChange{State: transfer.StateRunning})

	var after func()

	switch {
	case t.restart:
		// Challenge tokens are single use; a failed pipeline starts over.
		t.restart = false
		t.challenge = nil
		t.hasInput = false
		t.launch(stageFirst, "")
	case t.between:
		after = t.advance()
	default:
		// A false return means the stage finished concurrently; its completion
		// event advances the pipeline.
		t.current().inner.Start()
	}
	t.mu.Unlock()

	if after != nil {
		after()
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
	t.removeScratch()

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

// Export writes a descriptor. A reloaded pipeline starts again from the first
// stage and resumes the final stage from the recorded counters.
func (t *Transfer) Export() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := descriptor.Record{
		Source:      t.source,
		Destination: t.dest,
		Size:        t.seedSize,
		Completed:   t.seedCompleted,
	}

	if cur := t.current(); cur.stage == stageFile {
		rec.Destination = cur.inner.Destination()
		rec.Size = cur.inner.SizeTotal()
		rec.Completed = cur.inner.SizeCompleted()
	}

	return direct.ExportRecord(t.env, transfer.KindHosting, rec)
}

// onInnerState runs on the coordinating goroutine for every transition of an
// inner transfer. Only the transitions the inner transfer makes on its own
// matter here; the rest were requested through this pipeline.
func (t *Transfer) onInnerState(inner *direct.Transfer, c transfer.StateChange) {
	t.mu.Lock()

	cur := t.current()
	if cur.inner != inner {
		t.mu.Unlock()

		return
	}

	var after func()

	switch c.State {
	case transfer.StateCompleted:
		if cur.stage == stageFile {
			if t.state.CompareAndSwap(transfer.StateRunning, transfer.StateCompleted) {
				t.EmitState(transfer.StateChange{State: transfer.StateCompleted})
			}
			break
		}

		t.between = true
		if t.state.Load() == transfer.StateRunning {
			after = t.advance()
		}
	case transfer.StateStopped:
		if c.Err != nil {
			t.fail(c.Err)
		}
	}
	t.mu.Unlock()

	if after != nil {
		after()
	}
}

// fail stops the pipeline with err. Parse failures restart from the first stage
// on the next Start.
func (t *Transfer) fail(err error) {
	var parseErr *transfer.ParseError
	if errors.As(err, &parseErr) {
		t.restart = true
	}

	if t.state.CompareAndSwap(transfer.StateRunning, transfer.StateStopped) {
		t.setErr(err)
		t.EmitState(transfer.StateChange{State: transfer.StateStopped, Err: err})
		t.env.Logger.Error("hosting pipeline failed", "source", t.source, "stage", int(t.current().stage), "err", err)
	}
}

// advance moves past a finished stage. It must be called with mu held and the
// pipeline running. The returned callback, if any, must run after mu is released.
func (t *Transfer) advance() func() {
	cur := t.current()

	switch cur.stage {
	case stageFirst:
		form, err := parseScratch(t, stageFirst, func(f *os.File) (challengeForm, error) {
			return parseChallengePage(f, t.page)
		})
		if err != nil {
			t.fail(err)
			return nil
		}

		t.form = form
		t.launch(stageSecond, "")
	case stageSecond:
		var after func()

		if t.challenge == nil {
			path := t.scratchFile(stageSecond)
			data, err := os.ReadFile(path)
			if err == nil {
				_ = os.Remove(path)
			}

			if err != nil {
				t.fail(&transfer.ParseError{Stage: stageName(stageSecond), Marker: "verification image", Err: err})
				return nil
			}

			ch, err := renderChallenge(data)
			if err != nil {
				t.fail(&transfer.ParseError{Stage: stageName(stageSecond), Marker: "verification image", Err: err})
				return nil
			}

			t.challenge = &ch
			t.env.Logger.Info("waiting for challenge input", "source", t.source)

			if p := t.prompter; p != nil {
				after = func() { p.Prompt(t, ch) }
			}
		}

		if !t.hasInput {
			return after
		}

		t.launch(stageThird, "")
	case stageThird:
		link, err := parseScratch(t, stageThird, func(f *os.File) (string, error) {
			return parseDownloadLink(f, t.page)
		})
		if err != nil {
			t.fail(err)
			return nil
		}

		t.env.Logger.Info("download link found", "source", t.source, "link", link)

		t.launch(stageFile, link)
	}

	return nil
}

// launch replaces the inner transfer with a new one for s and starts it.
func (t *Transfer) launch(s stage, target string) {
	inner := t.newInner(s, target)

	t.between = false
	t.active.Store(&active{stage: s, inner: inner})

	inner.Start()
}

// parseScratch parses the artifact of stage s and removes it once parsed.
func parseScratch[T any](t *Transfer, s stage, parse func(*os.File) (T, error)) (T, error) {
	var zero T

	path := t.scratchFile(s)

	f, err := os.Open(path)
	if err != nil {
		return zero, &transfer.ParseError{Stage: stageName(s), Marker: filepath.Base(path), Err: err}
	}

	out, err := parse(f)
	f.Close()

	if err != nil {
		return zero, err
	}

	if err := os.Remove(path); err != nil {
		t.env.Logger.Warn("failed to remove scratch file", "path", path, "err", err)
	}

	return out, nil
}
