package blocklist

import (
	"context"
	"sync"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/telemetry"
)

// Store is the persistence surface the refresher needs.
type Store interface {
	LoadBlocklists(ctx context.Context) ([]*policy.Blocklist, error)
	ReplaceCategory(ctx context.Context, category, legacyPrefix string, domains []string) (int, error)
	SetBlocklistRefreshResult(ctx context.Context, id string, ruleCount int, refreshErr string) error
}

// Refresher periodically re-downloads every enabled blocklist and rate
// limits manual per-blocklist refresh requests.
type Refresher struct {
	store      Store
	downloader *Downloader
	logger     *logging.Logger
	onRefresh  func() // e.g. policy.Engine.TriggerRefresh
	metrics    *telemetry.Metrics

	mu          sync.Mutex
	lastManual  map[string]time.Time
	manualLimit time.Duration
}

// SetMetrics attaches the instruments refresh attempts/errors are recorded
// against; nil disables recording.
func (r *Refresher) SetMetrics(m *telemetry.Metrics) { r.metrics = m }

// NewRefresher constructs a Refresher. onRefresh is invoked after any
// successful category replace so the policy index rebuilds promptly.
func NewRefresher(store Store, logger *logging.Logger, onRefresh func()) *Refresher {
	if logger == nil {
		logger = logging.Global()
	}
	return &Refresher{
		store:       store,
		downloader:  NewDownloader(),
		logger:      logger,
		onRefresh:   onRefresh,
		lastManual:  map[string]time.Time{},
		manualLimit: 6 * time.Second, // ~10/min per blocklist
	}
}

// Start runs a small startup delay, then refreshes all enabled blocklists
// serially, then re-runs every 24h until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return
	}

	r.refreshAll(ctx)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	lists, err := r.store.LoadBlocklists(ctx)
	if err != nil {
		r.logger.Error("loading blocklists for refresh failed", "error", err)
		return
	}
	for _, bl := range lists {
		if !bl.Enabled {
			continue
		}
		if err := r.RefreshOne(ctx, bl); err != nil {
			r.logger.Error("blocklist refresh failed", "id", bl.ID, "error", err)
		}
	}
}

// RefreshOne downloads, parses, and atomically replaces one blocklist's
// rule category. Download and replace errors are recorded on the blocklist
// row and also returned to the caller.
func (r *Refresher) RefreshOne(ctx context.Context, bl *policy.Blocklist) error {
	if r.metrics != nil {
		r.metrics.BlocklistRefreshTotal.Add(ctx, 1)
	}

	domains, err := r.downloader.Download(ctx, bl.URL)
	if err != nil {
		_ = r.store.SetBlocklistRefreshResult(ctx, bl.ID, bl.LastRuleCount, err.Error())
		r.recordRefreshError(ctx)
		return err
	}

	category := policy.BlocklistScope(bl.ID).String()
	legacyPrefix := category + ":"

	count, err := r.store.ReplaceCategory(ctx, category, legacyPrefix, domains)
	if err != nil {
		_ = r.store.SetBlocklistRefreshResult(ctx, bl.ID, bl.LastRuleCount, err.Error())
		r.recordRefreshError(ctx)
		return err
	}

	if err := r.store.SetBlocklistRefreshResult(ctx, bl.ID, count, ""); err != nil {
		r.recordRefreshError(ctx)
		return err
	}

	if r.onRefresh != nil {
		r.onRefresh()
	}
	return nil
}

func (r *Refresher) recordRefreshError(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.BlocklistRefreshErrors.Add(ctx, 1)
	}
}

// RefreshManual performs a rate-limited on-demand refresh, rejecting
// requests that arrive faster than the per-blocklist manual rate limit.
func (r *Refresher) RefreshManual(ctx context.Context, bl *policy.Blocklist) error {
	r.mu.Lock()
	last, seen := r.lastManual[bl.ID]
	if seen && time.Since(last) < r.manualLimit {
		r.mu.Unlock()
		return ErrRateLimited
	}
	r.lastManual[bl.ID] = time.Now()
	r.mu.Unlock()

	return r.RefreshOne(ctx, bl)
}
