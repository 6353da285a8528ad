// Package direct implements the single-stream HTTP(S) transfer: probe, resume
// from offset, streamed write and rate tracking.
package direct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/progress"
)

// Option configures a Transfer.
type Option func(*Transfer)

// WithReferer sets the Referer header sent with every request.
func WithReferer(referer string) Option {
	return func(t *Transfer) { t.referer = referer }
}

// WithForm turns the body request into a form POST. Such transfers are not
// probed and never resume.
func WithForm(form url.Values) Option {
	return func(t *Transfer) { t.form = form }
}

// WithTitle overrides the title derived from the source URL.
func WithTitle(title string) Option {
	return func(t *Transfer) { t.title = title }
}

// WithFileName sets the name appended when the destination is a directory.
func WithFileName(name string) Option {
	return func(t *Transfer) { t.fileName = name }
}

// WithProgress seeds the size and completed counters, as recorded in a descriptor.
// The remote is not probed until Start.
func WithProgress(size, completed int64) Option {
	return func(t *Transfer) {
		t.total.Store(size)
		t.completed.Store(completed)
	}
}

// Transfer downloads one URL to a file, or into memory for NewBuffer.
type Transfer struct {
	*transfer.Signals

	env     *transfer.Env
	limiter *rate.Limiter

	source   string
	dest     string
	referer  string
	title    string
	fileName string
	form     url.Values
	inMemory bool

	state     transfer.AtomicState
	total     atomic.Int64
	completed atomic.Int64
	rate      atomic.Uint64

	// mu serializes controllers with the worker's exit and orders their
	// emissions. Observers delivered synchronously must not call controllers.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	resultMu sync.Mutex
	err      error
	body     []byte
}

var _ transfer.Transfer = (*Transfer)(nil)

// New creates a transfer of source to dest. dest is resolved with
// Env.ResolveDestination.
func New(env *transfer.Env, source, dest string, opts ...Option) *Transfer {
	t := newTransfer(env, source, opts...)

	name := t.fileName
	if name == "" {
		name = transfer.LastSegment(source)
	}

	t.dest = t.env.ResolveDestination(dest, name)

	return t
}

// NewBuffer creates a transfer that keeps the body in memory; see Body.
func NewBuffer(env *transfer.Env, source string, opts ...Option) *Transfer {
	t := newTransfer(env, source, opts...)
	t.inMemory = true

	return t
}

func newTransfer(env *transfer.Env, source string, opts ...Option) *Transfer {
	env = env.WithDefaults()

	t := &Transfer{
		Signals: transfer.NewSignals(env.Loop),
		env:     env,
		limiter: progress.NewLimiter(env.MaxRate),
		source:  source,
	}
	t.total.Store(-1)

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transfer) Kind() transfer.Kind {
	return transfer.KindHTTP
}

func (t *Transfer) Source() string {
	return t.source
}

func (t *Transfer) Destination() string {
	return t.dest
}

func (t *Transfer) Title() string {
	if t.title != "" {
		return t.title
	}

	return transfer.LastSegment(t.source)
}

func (t *Transfer) SizeTotal() int64 {
	return t.total.Load()
}

// SizeCompleted only drops while running when a partial download is discarded;
// a position change is emitted when it does.
func (t *Transfer) SizeCompleted() int64 {
	return t.completed.Load()
}

func (t *Transfer) TimeRemaining() int64 {
	return progress.TimeRemaining(t.total.Load(), t.completed.Load(), math.Float64frombits(t.rate.Load()))
}

func (t *Transfer) State() transfer.State {
	return t.state.Load()
}

func (t *Transfer) Err() error {
	t.resultMu.Lock()
	defer t.resultMu.Unlock()

	return t.err
}

func (t *Transfer) setErr(err error) {
	t.resultMu.Lock()
	defer t.resultMu.Unlock()

	t.err = err
}

// Body returns the downloaded bytes of a completed in-memory transfer.
func (t *Transfer) Body() []byte {
	t.resultMu.Lock()
	defer t.resultMu.Unlock()

	return t.body
}

func (t *Transfer) Queue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		st := t.state.Load()
		if !st.CanQueue() {
			return false
		}

		if t.state.CompareAndSwap(st, transfer.StateQueued) {
			t.EmitState(transfer.StateChange{State: transfer.StateQueued})

			return true
		}
	}
}

func (t *Transfer) Start() bool {
	t.mu.Lock()

	// A stopped worker may still be unwinding; wait for it so the destination
	// keeps a single writer.
	for t.done != nil {
		done := t.done
		t.mu.Unlock()
		<-done
		t.mu.Lock()
	}
	defer t.mu.Unlock()

	st := t.state.Load()
	if !st.CanStart() || !t.state.CompareAndSwap(st, transfer.StateRunning) {
		return false
	}

	ctx, cancel := context.WithCancel(t.env.Context())
	done := make(chan struct{})

	t.cancel = cancel
	t.done = done
	t.setErr(nil)
	t.rate.Store(0)

	t.EmitState(transfer.StateChange{State: transfer.StateRunning})

	go t.run(ctx, done)

	return true
}

func (t *Transfer) Pause() bool {
	t.mu.Lock()

	if !t.state.CompareAndSwap(transfer.StateRunning, transfer.StatePaused) &&
		!t.state.CompareAndSwap(transfer.StateQueued, transfer.StatePaused) {
		t.mu.Unlock()

		return false
	}

	t.EmitState(transfer.StateChange{State: transfer.StatePaused})

	done, cancel := t.done, t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}

	return true
}

func (t *Transfer) Stop() bool {
	return t.halt(transfer.StateStopped)
}

func (t *Transfer) Cancel() bool {
	return t.halt(transfer.StateCanceled)
}

// halt moves the transfer to a non-running state without waiting for the worker.
// The worker observes the new state on its next write.
func (t *Transfer) halt(next transfer.State) bool {
	t.mu.Lock()

	var ok bool
	for {
		st := t.state.Load()
		if st.IsFinal() || st == next {
			break
		}

		if t.state.CompareAndSwap(st, next) {
			ok = true
			break
		}
	}

	if !ok {
		t.mu.Unlock()

		return false
	}

	t.EmitState(transfer.StateChange{State: next})

	idle := t.done == nil
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if next == transfer.StateCanceled && idle {
		t.discardPartial()
	}

	return true
}

func (t *Transfer) discardPartial() {
	if t.inMemory || t.dest == "" {
		return
	}

	if err := os.Remove(t.dest); err != nil && !os.IsNotExist(err) {
		t.env.Logger.Warn("failed to remove canceled download", "path", t.dest, "err", err)
	}
}

// Export writes the descriptor for this transfer.
func (t *Transfer) Export() error {
	return t.ExportAs(transfer.KindHTTP)
}

// ExportAs writes the descriptor with the extension of kind. Pipelines use it to
// persist their final stage under their own kind.
func (t *Transfer) ExportAs(kind transfer.Kind) error {
	if t.inMemory {
		return errors.New("in-memory transfers cannot be exported")
	}

	return ExportRecord(t.env, kind, descriptor.Record{
		Source:      t.source,
		Destination: t.dest,
		Size:        t.total.Load(),
		Completed:   t.completed.Load(),
	})
}

// ExportRecord writes rec to the environment's descriptor directory.
func ExportRecord(env *transfer.Env, kind transfer.Kind, rec descriptor.Record) error {
	if env.DescriptorDir == "" {
		return errors.New("no descriptor directory configured")
	}

	path, err := descriptor.Write(env.DescriptorDir, kind.Extension(), rec)
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", rec.Source, err)
	}

	env.Logger.Debug("descriptor exported", "path", path, "source", rec.Source)

	return nil
}

func (t *Transfer) storeBody(b *bytes.Buffer) {
	t.resultMu.Lock()
	defer t.resultMu.Unlock()

	t.body = b.Bytes()
}
