package direct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/progress"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxBufferHint caps the preallocation of in-memory bodies.
	maxBufferHint = 16 << 20
)

type probeResult struct {
	length int64
	ranges bool
}

// plan is the outcome of comparing the destination with the remote.
type plan struct {
	offset   int64
	complete bool
}

func (t *Transfer) run(ctx context.Context, done chan struct{}) {
	logger := logctx.LoggerFromContext(ctx).With("source", t.source)
	ctx = logctx.WithLogger(ctx, logger)

	err := t.transfer(ctx)

	t.mu.Lock()
	defer close(done)
	defer t.mu.Unlock()

	switch {
	case err == nil:
		if t.state.CompareAndSwap(transfer.StateRunning, transfer.StateCompleted) {
			t.EmitPosition()
			t.EmitState(transfer.StateChange{State: transfer.StateCompleted})
			logger.Info("transfer completed", "size", humanize.Bytes(uint64(max(t.completed.Load(), 0))))
		}
	case errors.Is(err, transfer.ErrAborted):
		logger.Debug("transfer aborted", "state", t.state.Load(), "completed", t.completed.Load())
	default:
		if t.state.CompareAndSwap(transfer.StateRunning, transfer.StateStopped) {
			t.setErr(err)
			t.EmitState(transfer.StateChange{State: transfer.StateStopped, Err: err})
			logger.Error("transfer failed", "err", err, "reason", transfer.Reason(err))
		}
	}

	if t.state.Load() == transfer.StateCanceled {
		t.discardPartial()
	}

	if t.done == done {
		t.done = nil
		t.cancel = nil
	}
}

func (t *Transfer) running() bool {
	return t.state.Load() == transfer.StateRunning
}

// transfer runs one attempt. It returns nil on completion and ErrAborted when a
// controller moved the transfer out of the running state.
func (t *Transfer) transfer(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	p := plan{}
	if t.resumable() {
		var err error
		if p, err = t.plan(ctx); err != nil {
			return err
		}

		if p.complete {
			logger.Info("destination already complete", "path", t.dest)
			return nil
		}
	} else {
		t.rewind(0)
	}

	if !t.running() {
		return transfer.ErrAborted
	}

	bodyCtx, cancelBody := context.WithCancel(ctx)
	defer cancelBody()

	resp, err := t.fetch(bodyCtx, p.offset)
	if err != nil {
		return t.abortedOr(ctx, err)
	}
	defer resp.Body.Close()

	if p.offset > 0 && resp.StatusCode != http.StatusPartialContent {
		logger.Warn("server ignored range request, restarting", "offset", p.offset, "status", resp.StatusCode)
		p.offset = 0
		t.rewind(0)
	}

	if total := responseTotal(resp, p.offset); total >= 0 {
		t.total.Store(total)
	} else if !t.resumable() {
		t.total.Store(-1)
	}

	sink, err := t.openSink(p.offset)
	if err != nil {
		return err
	}

	copyErr := t.copyBody(ctx, cancelBody, sink, resp.Body)

	if err := sink.Close(); err != nil && copyErr == nil {
		copyErr = &transfer.WriteError{Path: t.dest, Err: err}
	}

	if copyErr != nil {
		return copyErr
	}

	completed := t.completed.Load()
	if total := t.total.Load(); total >= 0 && completed != total {
		return &transfer.NetworkError{
			Operation: "fetch_body",
			Message:   fmt.Sprintf("body ended after %d of %d bytes", completed, total),
		}
	}

	t.total.Store(completed)

	if buf, ok := sink.(*bufferSink); ok {
		t.storeBody(&buf.Buffer)
	}

	return nil
}

func (t *Transfer) resumable() bool {
	return !t.inMemory && t.form == nil
}

// plan probes the remote and decides between resuming, starting over and
// finishing immediately.
func (t *Transfer) plan(ctx context.Context) (plan, error) {
	logger := logctx.LoggerFromContext(ctx)

	probe, err := t.probe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return plan{}, transfer.ErrAborted
		}

		logger.Warn("probe failed, continuing with unknown size", "err", err)
		probe = probeResult{length: -1, ranges: true}
	}

	if probe.length >= 0 {
		t.total.Store(probe.length)
	}

	total := t.total.Load()
	completed := t.completed.Load()

	existing := int64(-1)
	if info, err := os.Stat(t.dest); err == nil && info.Mode().IsRegular() {
		existing = info.Size()
	}

	switch {
	case existing >= 0 && total >= 0 && existing == total:
		t.completed.Store(total)
		return plan{complete: true}, nil
	case existing > 0 && existing == completed && total > 0 && existing < total && probe.ranges:
		logger.Info("resuming transfer", "offset", humanize.Bytes(uint64(existing)), "total", humanize.Bytes(uint64(total)))
		return plan{offset: existing}, nil
	}

	if existing > 0 || completed > 0 {
		logger.Warn("discarding partial download", "err", &transfer.ResumeMismatchError{
			Path:      t.dest,
			OnDisk:    existing,
			Completed: completed,
			Total:     total,
		})
	}

	t.rewind(0)

	return plan{}, nil
}

// rewind lowers the completed counter when earlier bytes are thrown away and
// reports the new position.
func (t *Transfer) rewind(to int64) {
	if t.completed.Swap(to) > to {
		t.EmitPosition()
	}
}

func (t *Transfer) probe(ctx context.Context) (probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.source, nil)
	if err != nil {
		return probeResult{}, &transfer.MetadataError{URL: t.source, Err: err}
	}
	t.decorate(req)

	resp, err := t.env.Client.Do(req)
	if err != nil {
		return probeResult{}, &transfer.MetadataError{URL: t.source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return probeResult{}, &transfer.MetadataError{
			URL: t.source,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	return probeResult{
		length: resp.ContentLength,
		ranges: !strings.EqualFold(resp.Header.Get("Accept-Ranges"), "none"),
	}, nil
}

func (t *Transfer) fetch(ctx context.Context, offset int64) (*http.Response, error) {
	method := http.MethodGet

	var body io.Reader
	if t.form != nil {
		method = http.MethodPost
		body = strings.NewReader(t.form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, t.source, body)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_body", Message: "invalid request", Err: err}
	}
	t.decorate(req)

	if t.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.env.Client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_body", Message: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()

		return nil, &transfer.NetworkError{
			Operation:  "fetch_body",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	return resp, nil
}

func (t *Transfer) decorate(req *http.Request) {
	req.Header.Set("User-Agent", t.env.UserAgent)

	if t.referer != "" {
		req.Header.Set("Referer", t.referer)
	}
}

// responseTotal returns the full size of the resource from a body response, or -1.
func responseTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if i := strings.LastIndexByte(cr, '/'); i >= 0 {
				if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
					return n
				}
			}
		}

		if resp.ContentLength >= 0 {
			return offset + resp.ContentLength
		}

		return -1
	}

	return resp.ContentLength
}

type sink interface {
	io.Writer
	Close() error
}

type bufferSink struct {
	bytes.Buffer
}

func (*bufferSink) Close() error { return nil }

// fileSink wraps file write failures so they are reported as write errors rather
// than network errors.
type fileSink struct {
	f *os.File
}

func (s fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if err != nil {
		err = &transfer.WriteError{Path: s.f.Name(), Err: err}
	}

	return n, err
}

func (s fileSink) Close() error {
	return s.f.Close()
}

func (t *Transfer) openSink(offset int64) (sink, error) {
	if t.inMemory {
		buf := &bufferSink{}
		if total := t.total.Load(); total > 0 {
			buf.Grow(int(min(total, maxBufferHint)))
		}

		return buf, nil
	}

	if err := os.MkdirAll(filepath.Dir(t.dest), dirPerm); err != nil {
		return nil, &transfer.WriteError{Path: t.dest, Err: err}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(t.dest, flags, filePerm)
	if err != nil {
		return nil, &transfer.WriteError{Path: t.dest, Err: err}
	}

	return fileSink{f: f}, nil
}

// copyBody streams body into dst while a monitor samples progress. A stall
// cancels the body request through cancelBody.
func (t *Transfer) copyBody(ctx context.Context, cancelBody context.CancelFunc, dst io.Writer, body io.Reader) error {
	remaining := int64(-1)
	if total := t.total.Load(); total >= 0 {
		remaining = total - t.completed.Load()
	}

	copyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool

	mon := &progress.Monitor{
		Tick:         t.env.Tick,
		StallTimeout: t.env.StallTimeout,
		Completed:    t.completed.Load,
		OnRate: func(rate float64) {
			t.rate.Store(math.Float64bits(rate))
		},
		OnPosition: t.EmitPosition,
		OnStall: func() {
			stalled.Store(true)
			cancelBody()
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(copyCtx)
	}()

	w := progress.NewWriter(copyCtx, dst, t.running, &t.completed, remaining, t.limiter)
	_, err := io.Copy(w, body)

	cancel()
	wg.Wait()

	if err == nil {
		return nil
	}

	var writeErr *transfer.WriteError

	switch {
	case stalled.Load():
		return &transfer.NetworkError{
			Operation: "fetch_body",
			Message:   fmt.Sprintf("no data received for %s", t.env.StallTimeout),
			Err:       err,
		}
	case errors.As(err, &writeErr):
		return err
	case errors.Is(err, progress.ErrOverflow):
		return &transfer.NetworkError{Operation: "fetch_body", Message: "body exceeds reported size", Err: err}
	default:
		return t.abortedOr(ctx, &transfer.NetworkError{Operation: "fetch_body", Message: "read failed", Err: err})
	}
}

// abortedOr reports ErrAborted when the failure was caused by a controller
// leaving the running state.
func (t *Transfer) abortedOr(ctx context.Context, err error) error {
	if errors.Is(err, transfer.ErrAborted) || !t.running() || ctx.Err() != nil {
		return transfer.ErrAborted
	}

	return err
}
