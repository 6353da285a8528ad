package transfer

import (
	"slices"
	"sync"
)

// Poster schedules a callback on the coordinating goroutine.
type Poster interface {
	Post(fn func())
}

// Signals holds the observers of one transfer. Every emission is posted to the
// coordinating goroutine as a single callback, so observers of one transfer see
// its transitions in the order they were emitted.
type Signals struct {
	poster Poster

	mu       sync.Mutex
	state    []func(StateChange)
	position []func()
}

// NewSignals returns Signals delivering through p. A nil p delivers synchronously.
func NewSignals(p Poster) *Signals {
	return &Signals{poster: p}
}

func (s *Signals) OnStateChanged(fn func(StateChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = append(s.state, fn)
}

func (s *Signals) OnPositionChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = append(s.position, fn)
}

func (s *Signals) EmitState(change StateChange) {
	s.mu.Lock()
	observers := slices.Clone(s.state)
	s.mu.Unlock()

	s.deliver(func() {
		for _, fn := range observers {
			fn(change)
		}
	})
}

func (s *Signals) EmitPosition() {
	s.mu.Lock()
	observers := slices.Clone(s.position)
	s.mu.Unlock()

	if len(observers) == 0 {
		return
	}

	s.deliver(func() {
		for _, fn := range observers {
			fn()
		}
	})
}

func (s *Signals) deliver(fn func()) {
	if s.poster == nil {
		fn()
		return
	}

	s.poster.Post(fn)
}
