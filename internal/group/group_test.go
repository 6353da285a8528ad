package group

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmravec/gdman/internal/eventloop"
	"github.com/bmravec/gdman/internal/transfer"
)

// fakeTransfer is a controllable transfer. With a nil poster its signals are
// delivered synchronously.
type fakeTransfer struct {
	*transfer.Signals

	title string
	state transfer.AtomicState

	// onStart, when set, runs after the transfer entered the running state.
	onStart func(*fakeTransfer)
}

func newFake(title string, p transfer.Poster) *fakeTransfer {
	return &fakeTransfer{Signals: transfer.NewSignals(p), title: title}
}

func (f *fakeTransfer) set(s transfer.State) {
	f.state.Store(s)
	f.EmitState(transfer.StateChange{State: s})
}

func (f *fakeTransfer) Kind() transfer.Kind   { return transfer.KindHTTP }
func (f *fakeTransfer) Source() string        { return "http://example.com/" + f.title }
func (f *fakeTransfer) Destination() string   { return "/tmp/" + f.title }
func (f *fakeTransfer) Title() string         { return f.title }
func (f *fakeTransfer) SizeTotal() int64      { return -1 }
func (f *fakeTransfer) SizeCompleted() int64  { return 0 }
func (f *fakeTransfer) TimeRemaining() int64  { return -1 }
func (f *fakeTransfer) State() transfer.State { return f.state.Load() }
func (f *fakeTransfer) Err() error            { return nil }
func (f *fakeTransfer) Export() error         { return nil }

func (f *fakeTransfer) Stop() bool {
	f.set(transfer.StateStopped)
	return true
}

func (f *fakeTransfer) Cancel() bool {
	f.set(transfer.StateCanceled)
	return true
}

func (f *fakeTransfer) Pause() bool {
	f.set(transfer.StatePaused)
	return true
}

func (f *fakeTransfer) Queue() bool {
	if !f.State().CanQueue() {
		return false
	}
	f.set(transfer.StateQueued)
	return true
}

func (f *fakeTransfer) Start() bool {
	if !f.State().CanStart() {
		return false
	}
	f.set(transfer.StateRunning)

	if f.onStart != nil {
		f.onStart(f)
	}

	return true
}

func queue(g *Group, ts ...*fakeTransfer) {
	for _, t := range ts {
		t.Queue()
		g.Queue(t)
	}
}

func TestGroup_AddIsIdempotent(t *testing.T) {
	g := New("example.com", nil)
	a := newFake("a", nil)

	g.Add(a)
	g.Add(a)

	assert.Equal(t, 1, g.Len())
	assert.Equal(t, transfer.StateNone, a.State(), "adding does not change state")
}

func TestGroup_RunsOneAtATimeInArrivalOrder(t *testing.T) {
	g := New("example.com", nil)
	a, b, c := newFake("a", nil), newFake("b", nil), newFake("c", nil)

	queue(g, a, b, c)

	assert.Equal(t, transfer.StateRunning, a.State())
	assert.Equal(t, transfer.StateQueued, b.State())
	assert.Equal(t, transfer.StateQueued, c.State())
	assert.Same(t, a, g.Running())

	a.set(transfer.StateCompleted)
	assert.Equal(t, transfer.StateRunning, b.State())
	assert.Equal(t, transfer.StateQueued, c.State())

	b.set(transfer.StateStopped)
	assert.Equal(t, transfer.StateRunning, c.State())
}

func TestGroup_PauseAdmitsNext(t *testing.T) {
	g := New("example.com", nil)
	a, b := newFake("a", nil), newFake("b", nil)

	queue(g, a, b)
	require.Equal(t, transfer.StateRunning, a.State())

	a.Pause()
	assert.Equal(t, transfer.StateRunning, b.State())

	// Resuming the paused transfer goes to the back of the line.
	queue(g, a)
	assert.Equal(t, transfer.StateQueued, a.State())

	b.set(transfer.StateCompleted)
	assert.Equal(t, transfer.StateRunning, a.State())
}

func TestGroup_QueueIgnoresNonQueued(t *testing.T) {
	g := New("example.com", nil)
	a := newFake("a", nil)

	g.Queue(a)

	assert.Equal(t, 1, g.Len())
	assert.Equal(t, transfer.StateNone, a.State())
}

func TestGroup_RemoveKeepsTransferRunning(t *testing.T) {
	g := New("example.com", nil)
	a, b := newFake("a", nil), newFake("b", nil)

	queue(g, a, b)
	g.Remove(a)

	assert.Equal(t, transfer.StateRunning, a.State())
	assert.Equal(t, []transfer.Transfer{b}, g.Members())

	a.set(transfer.StateCompleted)
	assert.Equal(t, transfer.StateRunning, b.State(), "the removed transfer's exit still frees the slot")
}

func TestGroup_IndependentGroups(t *testing.T) {
	g1 := New("one.example.com", nil)
	g2 := New("two.example.com", nil)
	a, b := newFake("a", nil), newFake("b", nil)

	queue(g1, a)
	queue(g2, b)

	assert.Equal(t, transfer.StateRunning, a.State())
	assert.Equal(t, transfer.StateRunning, b.State())
}

func TestGroup_SerializesConcurrentCompletion(t *testing.T) {
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	g := New("example.com", nil)

	var (
		running    atomic.Int32
		maxRunning atomic.Int32
		mu         sync.Mutex
		order      []string
		done       sync.WaitGroup
	)

	finishLater := func(f *fakeTransfer) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}

		mu.Lock()
		order = append(order, f.title)
		mu.Unlock()

		go func() {
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			f.set(transfer.StateCompleted)
			done.Done()
		}()
	}

	names := []string{"a", "b", "c", "d", "e"}
	fakes := make([]*fakeTransfer, 0, len(names))
	for _, name := range names {
		f := newFake(name, loop)
		f.onStart = finishLater
		fakes = append(fakes, f)
	}

	done.Add(len(fakes))

	var wg sync.WaitGroup
	for _, f := range fakes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, g.Enqueue(f))
		}()
	}
	wg.Wait()

	waited := make(chan struct{})
	go func() {
		done.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("not every transfer completed")
	}

	assert.Equal(t, int32(1), maxRunning.Load(), "at most one member may run at a time")

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, len(names))
}

func TestGroup_EnqueueRefusesFinished(t *testing.T) {
	g := New("example.com", nil)
	a := newFake("a", nil)
	a.set(transfer.StateCompleted)

	assert.False(t, g.Enqueue(a))
	assert.Equal(t, transfer.StateCompleted, a.State())
	assert.Equal(t, 1, g.Len())
}

func TestGroup_EnqueueOfQueuedMemberAdmitsIt(t *testing.T) {
	g := New("example.com", nil)
	a := newFake("a", nil)
	a.Queue()

	assert.True(t, g.Enqueue(a))
	assert.Equal(t, transfer.StateRunning, a.State())
}

func TestGroup_ConcurrentEnqueueOfPausedMembers(t *testing.T) {
	for range 200 {
		g := New("example.com", nil)
		a, b := newFake("a", nil), newFake("b", nil)

		g.Add(a)
		g.Add(b)
		a.set(transfer.StatePaused)
		b.set(transfer.StatePaused)

		var (
			wg    sync.WaitGroup
			ready = make(chan struct{})
		)

		for _, f := range []*fakeTransfer{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-ready
				g.Enqueue(f)
			}()
		}

		close(ready)
		wg.Wait()

		running := g.Running()
		require.NotNil(t, running, "one of two resumed members must be admitted")

		other := a
		if running == transfer.Transfer(a) {
			other = b
		}
		require.Equal(t, transfer.StateQueued, other.State())

		running.(*fakeTransfer).set(transfer.StateCompleted)
		require.Equal(t, transfer.StateRunning, other.State())
	}
}

func TestGroup_SuspendKeepsTheSlot(t *testing.T) {
	g := New("example.com", nil)
	a, b := newFake("a", nil), newFake("b", nil)

	queue(g, a, b)
	require.Equal(t, transfer.StateRunning, a.State())

	err := g.Suspend(a, func() error {
		assert.Equal(t, transfer.StatePaused, a.State())
		assert.Equal(t, transfer.StateQueued, b.State(), "the held slot admits nobody")

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, transfer.StateRunning, a.State())
	assert.Equal(t, transfer.StateQueued, b.State())

	a.set(transfer.StateCompleted)
	assert.Equal(t, transfer.StateRunning, b.State())
}

func TestGroup_SuspendOfIdleMemberOnlyRunsFn(t *testing.T) {
	g := New("example.com", nil)
	a := newFake("a", nil)
	g.Add(a)

	called := false
	require.NoError(t, g.Suspend(a, func() error {
		called = true
		return nil
	}))

	assert.True(t, called)
	assert.Equal(t, transfer.StateNone, a.State())
}

func TestGroup_SuspendAdmitsNextWhenHeldMemberEnds(t *testing.T) {
	g := New("example.com", nil)
	a, b := newFake("a", nil), newFake("b", nil)

	queue(g, a, b)

	err := g.Suspend(a, func() error {
		a.Cancel()
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, transfer.StateCanceled, a.State())
	assert.Equal(t, transfer.StateRunning, b.State())
}
