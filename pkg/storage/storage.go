// Package storage is Sentinel's persistence adapter: typed CRUD over
// rules, blocklists, clients, settings, and query logs, backed by
// modernc.org/sqlite (pure Go, no cgo).
package storage

import (
	"context"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
)

// QueryLogEntry is one resolved-query record.
type QueryLogEntry struct {
	Timestamp        time.Time
	Domain           string
	Type             string
	Client           string // client id, if resolved
	ClientIP         string
	Status           string // PERMITTED, BLOCKED, SHADOW_BLOCKED, CACHED
	DurationMs       float64
	AnswerIPs        []string
	BlocklistID      string
	ProtectionPaused bool

	// BlockTrace is populated only when decision tracing is enabled; it
	// is diagnostics-only and never influences Status.
	BlockTrace []BlockTraceEntry
}

// BlockTraceEntry annotates a single phase of decision evaluation.
type BlockTraceEntry struct {
	Phase  string
	Detail string
}

// Statistics summarizes query-log activity over a window.
type Statistics struct {
	TotalQueries   int64
	BlockedQueries int64
	CachedQueries  int64
	UniqueClients  int64
	UniqueDomains  int64
}

// DomainStats is one row of a top-domains report.
type DomainStats struct {
	Domain string
	Count  int64
}

// ClientStats is one row of a per-client report.
type ClientStats struct {
	ClientIP string
	Count    int64
	Blocked  int64
}

// TimeseriesBucket is one 5-minute aggregation bucket.
type TimeseriesBucket struct {
	BucketStart time.Time
	Total       int64
	Blocked     int64
}

// Store is the full persistence surface the rest of Sentinel depends on.
// It embeds policy.Source so the policy engine can refresh directly from a
// Store without an adapter shim.
type Store interface {
	policy.Source

	// Rules
	UpsertRule(ctx context.Context, r policy.Rule) (int64, error)
	DeleteRule(ctx context.Context, id int64) error
	ReplaceCategory(ctx context.Context, category string, legacyPrefix string, domains []string) (int, error)
	DeleteRulesNotCategory(ctx context.Context, notLikePrefix string) error
	InsertRulesIgnoreConflict(ctx context.Context, rules []policy.Rule) error

	// Blocklists
	UpsertBlocklist(ctx context.Context, b *policy.Blocklist) error
	DeleteBlocklist(ctx context.Context, id string) error
	SetBlocklistRefreshResult(ctx context.Context, id string, ruleCount int, refreshErr string) error
	TruncateAndReplaceBlocklists(ctx context.Context, blocklists []*policy.Blocklist) error

	// Clients
	UpsertClient(ctx context.Context, c *policy.ClientProfile) error
	DeleteClient(ctx context.Context, id string) error
	ConvergeClients(ctx context.Context, clients []*policy.ClientProfile) error

	// Rewrites
	UpsertRewrite(ctx context.Context, rw *policy.Rewrite) error
	DeleteRewrite(ctx context.Context, id string) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context, excludePrefixes []string) (map[string]string, error)
	// ListSecrets returns every secret:-prefixed setting, keyed by the full
	// prefixed key, still in its at-rest encrypted form.
	ListSecrets(ctx context.Context) (map[string]string, error)

	// Query logs
	AppendQueryLog(ctx context.Context, e QueryLogEntry) error
	AppendQueryLogBatch(ctx context.Context, entries []QueryLogEntry) error
	GetRecentQueryLogs(ctx context.Context, limit int, hours int, domain, status string) ([]QueryLogEntry, error)
	GetStatistics(ctx context.Context, since time.Time) (Statistics, error)
	GetTopDomains(ctx context.Context, since time.Time, limit int, excludeHosts []string) ([]DomainStats, error)
	GetTopBlocked(ctx context.Context, since time.Time, limit int) ([]DomainStats, error)
	GetClientStats(ctx context.Context, since time.Time) ([]ClientStats, error)
	GetTimeseries(ctx context.Context, since time.Time) ([]TimeseriesBucket, error)
	DeleteQueryLogsOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
