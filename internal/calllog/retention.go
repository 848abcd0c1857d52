package calllog

import (
	"context"
	"log/slog"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
)

// RetentionSource reports how long call history is kept. Zero disables
// pruning.
type RetentionSource interface {
	LogRetention(ctx context.Context) (time.Duration, error)
}

// StartRetentionTicker runs a background goroutine that deletes call log
// entries older than the configured retention every interval. It stops when
// ctx is cancelled.
func StartRetentionTicker(ctx context.Context, entries database.CallLogRepository, source RetentionSource, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("subsystem", "calllog_retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				Prune(ctx, entries, source, now, logger)
			}
		}
	}()
}

// Prune removes entries older than the retention window measured back from
// now and returns how many were deleted.
func Prune(ctx context.Context, entries database.CallLogRepository, source RetentionSource, now time.Time, logger *slog.Logger) int64 {
	retention, err := source.LogRetention(ctx)
	if err != nil {
		logger.Error("call log retention: failed to read setting", "error", err)
		return 0
	}
	if retention <= 0 {
		return 0
	}

	n, err := entries.DeleteOlderThan(ctx, now.Add(-retention))
	if err != nil {
		logger.Error("call log retention cleanup failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("call log retention cleanup", "deleted", n, "retention", retention)
	}
	return n
}
