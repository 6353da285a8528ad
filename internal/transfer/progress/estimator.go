package progress

import "time"

// Estimator smooths the transfer rate sampled once per tick:
//
//	rate = rate/2 + 3*delta/4
//
// where delta is the growth of the completed counter since the previous sample,
// scaled to bytes per second.
type Estimator struct {
	perSecond float64
	rate      float64
	prev      int64
}

func NewEstimator(tick time.Duration, start int64) *Estimator {
	if tick <= 0 {
		tick = time.Second
	}

	return &Estimator{
		perSecond: float64(time.Second) / float64(tick),
		prev:      start,
	}
}

// Sample folds the counter value observed at this tick into the estimate.
func (e *Estimator) Sample(completed int64) float64 {
	delta := float64(completed-e.prev) * e.perSecond
	e.rate = e.rate/2 + 3*delta/4
	e.prev = completed

	return e.rate
}

func (e *Estimator) Rate() float64 {
	return e.rate
}

// TimeRemaining returns the seconds left at rate, or -1 when the total or the rate is unknown.
func TimeRemaining(total, completed int64, rate float64) int64 {
	if total < 0 || rate < 1 {
		return -1
	}

	left := total - completed
	if left <= 0 {
		return 0
	}

	return int64(float64(left) / rate)
}
