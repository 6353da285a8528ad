// Package group implements the admission policy that runs the transfers of one
// group strictly one at a time, in arrival order.
package group

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/bmravec/gdman/internal/transfer"
)

// Group is a serialization domain. Groups are independent of each other.
type Group struct {
	name   string
	logger *slog.Logger

	// mu makes each admission scan and the start it decides on one critical
	// section, so two members are never admitted at once.
	mu      sync.Mutex
	members []transfer.Transfer
	hooked  map[transfer.Transfer]struct{}
	// held keeps the admission slot for a member paused by Suspend.
	held transfer.Transfer
}

func New(name string, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}

	return &Group{
		name:   name,
		logger: logger.With("group", name),
		hooked: make(map[transfer.Transfer]struct{}),
	}
}

func (g *Group) Name() string {
	return g.name
}

// Add appends t if it is not already a member. It does not change t's state.
func (g *Group) Add(t transfer.Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.add(t)
}

func (g *Group) add(t transfer.Transfer) {
	if slices.Contains(g.members, t) {
		return
	}

	g.members = append(g.members, t)

	if _, ok := g.hooked[t]; ok {
		return
	}
	g.hooked[t] = struct{}{}

	t.OnStateChanged(func(c transfer.StateChange) {
		if !c.State.IsActive() {
			g.admitNext()
		}
	})
}

// Queue ensures t is a member and starts it when t is queued and no other member
// is queued or running. Otherwise t waits for its turn.
func (g *Group) Queue(t transfer.Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.add(t)

	if t.State() != transfer.StateQueued {
		return
	}

	g.admit(t)
}

// Enqueue moves t to the queued state and runs the admission scan under the same
// lock, so concurrent callers never see each other half queued and both defer.
// It reports false when t can be neither queued nor is already queued.
func (g *Group) Enqueue(t transfer.Transfer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.add(t)

	if !t.Queue() && t.State() != transfer.StateQueued {
		return false
	}

	g.admit(t)

	return true
}

// Suspend pauses a running t while fn runs and then starts it again. The slot
// stays reserved for t meanwhile, so no other member is admitted in between.
// Pause joins the worker, so fn sees a destination nobody is writing to.
func (g *Group) Suspend(t transfer.Transfer, fn func() error) error {
	g.mu.Lock()
	if t.State() != transfer.StateRunning || g.held != nil {
		g.mu.Unlock()

		return fn()
	}
	g.held = t
	g.mu.Unlock()

	paused := t.Pause()
	err := fn()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.held = nil

	if paused && t.Queue() && g.running() == nil && g.start(t) {
		return err
	}

	g.admitLocked()

	return err
}

// admit starts t unless another member is queued or running. g.mu must be held.
func (g *Group) admit(t transfer.Transfer) {
	if g.held != nil && g.held != t {
		g.logger.Debug("transfer deferred", "title", t.Title(), "behind", g.held.Title())
		return
	}

	for _, m := range g.members {
		if m != t && m.State().IsActive() {
			g.logger.Debug("transfer deferred", "title", t.Title(), "behind", m.Title())
			return
		}
	}

	g.start(t)
}

// Remove drops t from the group without stopping it.
func (g *Group) Remove(t transfer.Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.members = slices.DeleteFunc(g.members, func(m transfer.Transfer) bool { return m == t })
}

// Members returns the members in arrival order.
func (g *Group) Members() []transfer.Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.members)
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.members)
}

// Running returns the member currently running, if any.
func (g *Group) Running() transfer.Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.running()
}

func (g *Group) running() transfer.Transfer {
	for _, m := range g.members {
		if m.State() == transfer.StateRunning {
			return m
		}
	}

	return nil
}

// admitNext starts the first queued member unless one is already running.
func (g *Group) admitNext() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.admitLocked()
}

func (g *Group) admitLocked() {
	if g.held != nil || g.running() != nil {
		return
	}

	for _, m := range g.members {
		if m.State() != transfer.StateQueued {
			continue
		}

		if g.start(m) {
			return
		}
	}
}

func (g *Group) start(t transfer.Transfer) bool {
	if !t.Start() {
		g.logger.Warn("queued transfer refused to start", "title", t.Title(), "state", t.State())
		return false
	}

	g.logger.Info("transfer admitted", "title", t.Title())

	return true
}
