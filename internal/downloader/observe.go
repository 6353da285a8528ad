package downloader

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/storage"
	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
)

func (r *Registry) transferContext(e *entry) context.Context {
	return logctx.WithTransferID(r.env.Context(), e.id)
}

// onStateChanged runs on the event loop for every transition of a registered transfer.
func (r *Registry) onStateChanged(e *entry, c transfer.StateChange) {
	ctx := r.transferContext(e)
	logger := logctx.LoggerFromContext(ctx)
	kind := string(e.t.Kind())

	logger.DebugContext(ctx, "transfer state changed", "state", c.State.String())

	wasRunning := e.running

	switch {
	case c.State == transfer.StateRunning && !wasRunning:
		e.running = true
		e.startedAt = time.Now()
		e.startBytes = e.t.SizeCompleted()
		r.tel.IncrementActiveTransfers(kind)
	case c.State != transfer.StateRunning && wasRunning:
		e.running = false
		r.tel.DecrementActiveTransfers(kind)
		r.tel.RecordTransferBytes(kind, e.t.SizeCompleted()-e.startBytes)
	}

	switch c.State {
	case transfer.StatePaused, transfer.StateStopped, transfer.StateCompleted, transfer.StateCanceled:
		var elapsed time.Duration
		if wasRunning {
			elapsed = time.Since(e.startedAt)
		}

		r.tel.RecordTransfer(kind, c.State.String(), transfer.Reason(c.Err), elapsed)
	}

	r.updateHistory(ctx, e, c)

	if c.State.IsFinal() || (c.State == transfer.StateStopped && c.Err != nil) {
		r.clearChallenge(e)
	}

	switch {
	case c.State == transfer.StateCompleted:
		logger.InfoContext(ctx, "transfer completed",
			"title", e.t.Title(),
			"destination", e.t.Destination(),
			"size", humanize.Bytes(uint64(max(e.t.SizeCompleted(), 0))))

		r.retireDescriptor(ctx, e)
		r.emit(r.OnTransferFinished, Event{ID: e.id, Transfer: e.t, Change: c})
	case c.State == transfer.StateStopped && c.Err != nil:
		logger.WarnContext(ctx, "transfer failed", "reason", transfer.Reason(c.Err), "err", c.Err)

		r.emit(r.OnTransferFailed, Event{ID: e.id, Transfer: e.t, Change: c})
	}
}

func (r *Registry) onPositionChanged(e *entry) {
	completed, total := e.t.SizeCompleted(), e.t.SizeTotal()
	if !e.progress.observe(completed, total) {
		return
	}

	ctx := r.transferContext(e)
	logger := logctx.LoggerFromContext(ctx)

	if total > 0 {
		logger.DebugContext(ctx, "download progress",
			"title", e.t.Title(),
			"downloaded", humanize.Bytes(uint64(completed)),
			"total", humanize.Bytes(uint64(total)),
			"percent", humanize.FtoaWithDigits(float64(completed)*100/float64(total), 2))
	} else {
		logger.DebugContext(ctx, "download progress", "title", e.t.Title(), "downloaded", humanize.Bytes(uint64(completed)))
	}
}

func (r *Registry) record(e *entry) storage.TransferRecord {
	return storage.TransferRecord{
		Source:      e.source,
		Destination: e.dest,
		Kind:        string(e.t.Kind()),
		Title:       e.t.Title(),
		State:       e.t.State().String(),
		Size:        e.t.SizeTotal(),
		Completed:   e.t.SizeCompleted(),
		Reason:      transfer.Reason(e.t.Err()),
		InstanceID:  r.instanceID,
	}
}

func (r *Registry) track(ctx context.Context, e *entry) {
	if r.repo == nil {
		return
	}

	if err := r.repo.TrackTransfer(ctx, r.record(e)); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record transfer history", "err", err)
	}
}

func (r *Registry) updateHistory(ctx context.Context, e *entry, c transfer.StateChange) {
	if r.repo == nil {
		return
	}

	err := r.repo.UpdateTransferState(ctx, e.source, e.dest, c.State.String(), transfer.Reason(c.Err),
		e.t.SizeTotal(), e.t.SizeCompleted())
	if errors.Is(err, storage.ErrNotFound) {
		r.track(ctx, e)

		return
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to update transfer history", "err", err)
	}
}

// retireDescriptor removes the descriptors of a completed transfer so it is not
// reloaded.
func (r *Registry) retireDescriptor(ctx context.Context, e *entry) {
	logger := logctx.LoggerFromContext(ctx)

	if r.env.DescriptorDir != "" {
		if err := descriptor.Remove(r.env.DescriptorDir, e.t.Source(), e.t.Kind().Extension()); err != nil {
			logger.WarnContext(ctx, "failed to remove descriptor", "err", err)
		}
	}

	e.descMu.Lock()
	defer e.descMu.Unlock()

	if e.descriptorPath == "" {
		return
	}

	if err := os.Remove(e.descriptorPath); err != nil && !os.IsNotExist(err) {
		logger.WarnContext(ctx, "failed to remove descriptor", "path", e.descriptorPath, "err", err)
	}

	e.descriptorPath = ""
}
