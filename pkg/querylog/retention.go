package querylog

import (
	"context"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

// RetentionTask periodically deletes query-log rows older than
// retentionDays, in bounded batches, swallowing errors so a maintenance
// failure never crashes the process.
type RetentionTask struct {
	store         storage.Store
	logger        *logging.Logger
	retentionDays int
	interval      time.Duration
	batchSize     int
}

// NewRetentionTask builds a RetentionTask. A retentionDays of 0 disables
// deletion entirely (used by tests and the "keep everything" config).
func NewRetentionTask(store storage.Store, logger *logging.Logger, retentionDays int, interval time.Duration, batchSize int) *RetentionTask {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &RetentionTask{store: store, logger: logger, retentionDays: retentionDays, interval: interval, batchSize: batchSize}
}

// Run daemonizes the retention sweep; it never blocks process shutdown and
// exits as soon as ctx is canceled.
func (t *RetentionTask) Run(ctx context.Context) {
	if t.retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *RetentionTask) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -t.retentionDays)
	total := 0
	for {
		n, err := t.store.DeleteQueryLogsOlderThan(ctx, cutoff, t.batchSize)
		if err != nil {
			t.logger.Error("query log retention sweep failed", "error", err)
			return
		}
		total += n
		if n < t.batchSize {
			break
		}
	}
	if total > 0 {
		t.logger.Info("query log retention sweep complete", "deleted", total, "cutoff", cutoff)
	}
}
