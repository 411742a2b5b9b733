package policy

import (
	"context"
	"sync"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/telemetry"
)

// Source is the read side of persistence the engine needs to rebuild an
// Index. pkg/storage implements it; defining it here (rather than
// depending on pkg/storage) keeps policy free of a persistence import.
type Source interface {
	LoadRules(ctx context.Context) ([]Rule, error)
	LoadBlocklists(ctx context.Context) ([]*Blocklist, error)
	LoadClients(ctx context.Context) ([]*ClientProfile, error)
	LoadRewrites(ctx context.Context) ([]*Rewrite, error)
	LoadProtectionPause(ctx context.Context) (ProtectionPause, error)
}

// Engine owns the published Index and the background refresher that keeps
// it current. Refreshes are coalesced: a refresh already in flight absorbs
// additional triggers instead of racing a second rebuild.
type Engine struct {
	store   *Store
	source  Source
	logger  *logging.Logger
	metrics *telemetry.Metrics

	interval time.Duration
	cooldown time.Duration

	mu            sync.Mutex
	refreshing    bool
	lastRefresh   time.Time
	lastRuleCount int64
	triggerCh     chan struct{}
}

// NewEngine constructs an Engine. Call Start to begin the background
// refresh loop; Refresh may also be called directly (e.g. right after a
// blocklist update) to force an immediate rebuild.
func NewEngine(source Source, interval, cooldown time.Duration, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Global()
	}
	return &Engine{
		store:     NewStore(),
		source:    source,
		logger:    logger,
		interval:  interval,
		cooldown:  cooldown,
		triggerCh: make(chan struct{}, 1),
	}
}

// Index returns the currently published snapshot.
func (e *Engine) Index() *Index { return e.store.Load() }

// SetMetrics attaches the instruments refresh duration, errors, and active
// rule counts are recorded against; nil disables recording.
func (e *Engine) SetMetrics(m *telemetry.Metrics) { e.metrics = m }

// Start runs the periodic refresh loop until ctx is cancelled. An initial
// refresh runs synchronously before the loop begins; if it fails, the error
// is logged and the loop starts anyway.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		e.logger.Error("initial policy refresh failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.refreshCoalesced(ctx)
		case <-e.triggerCh:
			e.refreshCoalesced(ctx)
		}
	}
}

// TriggerRefresh asks for a rebuild at the next opportunity without
// blocking the caller (e.g. invoked right after a blocklist write commits).
func (e *Engine) TriggerRefresh() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

func (e *Engine) refreshCoalesced(ctx context.Context) {
	e.mu.Lock()
	if e.refreshing || time.Since(e.lastRefresh) < e.cooldown {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.lastRefresh = time.Now()
		e.mu.Unlock()
	}()

	if err := e.Refresh(ctx); err != nil {
		e.logger.Error("policy refresh failed", "error", err)
	}
}

// Refresh synchronously rebuilds and publishes a new Index.
func (e *Engine) Refresh(ctx context.Context) error {
	start := time.Now()
	idx, err := e.build(ctx)
	if e.metrics != nil {
		e.metrics.PolicyRefreshDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
		if err != nil {
			e.metrics.PolicyRefreshErrors.Add(ctx, 1)
		}
	}
	if err != nil {
		return err
	}
	e.store.Publish(idx)
	if e.metrics != nil {
		ruleCount := int64(len(idx.BlockedByDomain))
		e.metrics.ActiveBlocklistRules.Add(ctx, ruleCount-e.lastRuleCount)
		e.lastRuleCount = ruleCount
	}
	return nil
}

func (e *Engine) build(ctx context.Context) (*Index, error) {
	rules, err := e.source.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	blocklists, err := e.source.LoadBlocklists(ctx)
	if err != nil {
		return nil, err
	}
	clients, err := e.source.LoadClients(ctx)
	if err != nil {
		return nil, err
	}
	rewrites, err := e.source.LoadRewrites(ctx)
	if err != nil {
		return nil, err
	}
	pause, err := e.source.LoadProtectionPause(ctx)
	if err != nil {
		return nil, err
	}

	return Build(rules, blocklists, clients, rewrites, pause), nil
}

// Decide evaluates the published index for one query.
func (e *Engine) Decide(queryName, clientIP, queryType string, now time.Time) Decision {
	return Decide(e.store.Load(), queryName, clientIP, queryType, now)
}
