package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bmravec/gdman/internal/logctx"
)

// DeleteExpiredScratch removes files in dir matching any of patterns whose
// modification time is older than keepDuration. It returns the number of files removed.
func DeleteExpiredScratch(ctx context.Context, dir string, patterns []string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return removed, err
		}

		for _, filePath := range matches {
			if err := ctx.Err(); err != nil {
				return removed, err
			}

			info, err := os.Stat(filePath)
			if err != nil {
				if os.IsNotExist(err) {
					continue // already deleted
				}

				logger.Error("Failed to stat file", "file", filePath, "err", err)

				return removed, err
			}

			if !info.Mode().IsRegular() || now.Sub(info.ModTime()) <= keepDuration {
				continue
			}

			if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
				logger.Error("Failed to delete expired scratch file", "file", filePath, "err", err)

				return removed, err
			}

			removed++

			logger.Info("Deleted expired scratch file", "file", filePath)
		}
	}

	return removed, nil
}

// Run sweeps dir every interval until ctx is done.
func Run(ctx context.Context, dir string, patterns []string, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			if _, err := DeleteExpiredScratch(ctx, dir, patterns, keepDuration); err != nil {
				logger.Error("failed to delete expired scratch files", "err", err)
			}
		}
	}
}
