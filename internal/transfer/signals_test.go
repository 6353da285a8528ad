package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// queuePoster collects posted callbacks so a test can run them later.
type queuePoster struct {
	queue []func()
}

func (p *queuePoster) Post(fn func()) { p.queue = append(p.queue, fn) }

func (p *queuePoster) drain() {
	for len(p.queue) > 0 {
		fn := p.queue[0]
		p.queue = p.queue[1:]
		fn()
	}
}

func TestSignals_DeliversInEmissionOrder(t *testing.T) {
	poster := &queuePoster{}
	s := NewSignals(poster)

	var got []State
	s.OnStateChanged(func(c StateChange) { got = append(got, c.State) })

	s.EmitState(StateChange{State: StateQueued})
	s.EmitState(StateChange{State: StateRunning})
	s.EmitState(StateChange{State: StateCompleted})

	assert.Empty(t, got, "delivery happens on the poster")

	poster.drain()
	assert.Equal(t, []State{StateQueued, StateRunning, StateCompleted}, got)
}

func TestSignals_ObserversAreSnapshotAtEmission(t *testing.T) {
	poster := &queuePoster{}
	s := NewSignals(poster)

	var first, late int
	s.OnStateChanged(func(StateChange) { first++ })
	s.OnPositionChanged(func() { first++ })

	s.EmitState(StateChange{State: StateRunning})
	s.EmitPosition()

	s.OnStateChanged(func(StateChange) { late++ })
	s.OnPositionChanged(func() { late++ })

	poster.drain()

	assert.Equal(t, 2, first)
	assert.Zero(t, late, "observers added after an emission must not see it")
}

func TestSignals_NilPosterDeliversSynchronously(t *testing.T) {
	s := NewSignals(nil)

	positions := 0
	s.EmitPosition()
	s.OnPositionChanged(func() { positions++ })
	s.EmitPosition()

	assert.Equal(t, 1, positions)
}
