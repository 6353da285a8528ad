// Package progress implements the write path and progress sampling shared by all
// transfer backends.
package progress

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/bmravec/gdman/internal/transfer"
)

// ErrOverflow is returned when the body is longer than the reported size.
var ErrOverflow = errors.New("body exceeds reported size")

// Writer appends to dst and advances a completed counter. Each call checks the
// running predicate first and returns transfer.ErrAborted when it is false, which
// makes io.Copy return promptly instead of buffering.
type Writer struct {
	ctx       context.Context
	dst       io.Writer
	running   func() bool
	completed *atomic.Int64
	remaining int64
	limiter   *rate.Limiter
}

// NewWriter returns a Writer. remaining bounds the bytes accepted, -1 for unbounded.
// limiter may be nil.
func NewWriter(ctx context.Context, dst io.Writer, running func() bool, completed *atomic.Int64, remaining int64, limiter *rate.Limiter) *Writer {
	return &Writer{
		ctx:       ctx,
		dst:       dst,
		running:   running,
		completed: completed,
		remaining: remaining,
		limiter:   limiter,
	}
}

// NewLimiter returns a token bucket for bytesPerSecond, or nil when it is not positive.
func NewLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

func (w *Writer) Write(p []byte) (int, error) {
	if !w.running() {
		return 0, transfer.ErrAborted
	}

	if w.remaining >= 0 && int64(len(p)) > w.remaining {
		return 0, ErrOverflow
	}

	if err := w.wait(len(p)); err != nil {
		return 0, err
	}

	n, err := w.dst.Write(p)
	if n > 0 {
		w.completed.Add(int64(n))

		if w.remaining >= 0 {
			w.remaining -= int64(n)
		}
	}

	return n, err
}

func (w *Writer) wait(n int) error {
	if w.limiter == nil {
		return nil
	}

	burst := w.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := w.limiter.WaitN(w.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}

	return nil
}
