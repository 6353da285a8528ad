package downloader

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/storage/descriptor"
	"github.com/bmravec/gdman/internal/transfer"
)

const loadConcurrency = 8

type pendingDescriptor struct {
	kind transfer.Kind
	rec  descriptor.Record
	path string
}

// LoadPending registers a transfer for every descriptor in the descriptor
// directory. Reloaded transfers stay idle until Start unless StartPending is
// set. Files with an unrecognized extension and unreadable descriptors are
// skipped. Transfers are registered in file name order.
func (r *Registry) LoadPending(ctx context.Context) (int, error) {
	if r.env.DescriptorDir == "" {
		return 0, nil
	}

	var loaded int

	err := r.tel.InstrumentRegistryOperation(ctx, "load_pending", func(ctx context.Context) error {
		logger := logctx.LoggerFromContext(ctx)

		entries, err := descriptor.Scan(r.env.DescriptorDir)
		if err != nil {
			return err
		}

		found := make([]*pendingDescriptor, len(entries))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(loadConcurrency)

		for i, de := range entries {
			kind, ok := transfer.KindForExtension(de.Ext)
			if !ok {
				logger.Debug("skipping unrecognized descriptor", "path", de.Path)

				continue
			}

			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				rec, err := descriptor.Read(de.Path)
				if err != nil {
					logger.Warn("skipping unreadable descriptor", "path", de.Path, "err", err)

					return nil
				}

				found[i] = &pendingDescriptor{kind: kind, rec: rec, path: de.Path}

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		for _, p := range found {
			if p == nil {
				continue
			}

			r.register(ctx, p.kind, p.rec.Source, p.rec.Destination, &p.rec, p.path, r.startPending)
			loaded++
		}

		return nil
	})

	if err == nil {
		logctx.LoggerFromContext(ctx).Info("loaded pending transfers", "count", loaded, "dir", r.env.DescriptorDir)
	}

	return loaded, err
}
