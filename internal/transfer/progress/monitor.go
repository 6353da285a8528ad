package progress

import (
	"context"
	"time"
)

// Monitor samples a running transfer on a fixed tick. It refreshes the rate
// estimate, raises position-changed at most once per wall-clock second and only
// when something changed, and reports a stall when the counter has not moved for
// StallTimeout.
type Monitor struct {
	Tick         time.Duration
	StallTimeout time.Duration

	Completed  func() int64
	OnRate     func(rate float64)
	OnPosition func()
	OnStall    func()

	Now func() time.Time
}

// Run blocks until ctx is done or a stall is reported.
func (m *Monitor) Run(ctx context.Context) {
	now := m.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(m.Tick)
	defer ticker.Stop()

	start := m.Completed()
	est := NewEstimator(m.Tick, start)

	var (
		lastSecond    int64 = -1
		lastEmitted         = start
		lastEmitRate  float64
		lastCompleted = start
		lastProgress  = now()
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t := now()
		completed := m.Completed()
		rate := est.Sample(completed)

		if m.OnRate != nil {
			m.OnRate(rate)
		}

		if completed != lastCompleted {
			lastCompleted = completed
			lastProgress = t
		}

		if sec := t.Unix(); sec != lastSecond && (completed != lastEmitted || rate != lastEmitRate) {
			lastSecond = sec
			lastEmitted = completed
			lastEmitRate = rate

			if m.OnPosition != nil {
				m.OnPosition()
			}
		}

		if m.StallTimeout > 0 && t.Sub(lastProgress) >= m.StallTimeout {
			if m.OnStall != nil {
				m.OnStall()
			}

			return
		}
	}
}
