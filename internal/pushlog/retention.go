package pushlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeleteOlderThan removes push attempt rows attempted before cutoff and
// returns how many were deleted.
func (l *Log) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM push_attempts WHERE attempted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired push attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted push attempts: %w", err)
	}
	return n, nil
}

// StartRetentionTicker runs a background goroutine that periodically removes
// push attempt rows older than maxDays. If maxDays is 0 no cleanup is
// performed. The goroutine stops when the provided context is cancelled.
func StartRetentionTicker(ctx context.Context, log *Log, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -maxDays)
				n, err := log.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					slog.Error("push log retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("push log retention cleanup", "deleted", n, "max_days", maxDays)
				}
			}
		}
	}()
}
