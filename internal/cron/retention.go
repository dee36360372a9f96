package cron

import (
	"context"
	"fmt"
	"time"

	"rai/internal/logger"
)

// RetentionJobName is the scheduler name of the session pruning job.
const RetentionJobName = "retention"

// Pruner deletes stored sessions last updated before cutoff.
type Pruner interface {
	PruneSessions(cutoff time.Time) (int64, error)
}

// Retention returns a job that prunes sessions older than maxAge.
func Retention(p Pruner, maxAge time.Duration, now func() time.Time) (JobFunc, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	if now == nil {
		now = time.Now
	}

	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cutoff := now().Add(-maxAge)
		n, err := p.PruneSessions(cutoff)
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		if n > 0 {
			logger.Infof("Retention: pruned %d sessions idle since %s", n, cutoff.Format(time.RFC3339))
		}
		return nil
	}, nil
}
