package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite-backed store construction parameters.
type Config struct {
	Path             string
	BusyTimeoutMs    int
	WALMode          bool
	CacheSizeKB      int
	BufferSize       int
	FlushInterval    time.Duration
	BatchSize        int
	StatementTimeout time.Duration
	ConnIdleTimeout  time.Duration
	MaxOpenConns     int
}

// SQLiteStore is the modernc.org/sqlite-backed Store implementation.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger
	cfg    Config

	logQueue  chan QueryLogEntry
	flushDone chan struct{}
	closeOnce sync.Once
}

// Open creates the database file (if needed), applies migrations, tunes
// pragmas, and starts the buffered query-log writer goroutine.
func Open(cfg Config, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.Global()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, cfg.BusyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnIdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.ConnIdleTimeout)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeoutMs),
		fmt.Sprintf("PRAGMA cache_size=-%d", cfg.CacheSizeKB),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	s := &SQLiteStore{
		db:        db,
		logger:    logger,
		cfg:       cfg,
		logQueue:  make(chan QueryLogEntry, cfg.BufferSize),
		flushDone: make(chan struct{}),
	}
	go s.flushWorker()

	return s, nil
}

func runMigrations(db *sql.DB) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(data)); err != nil {
			return fmt.Errorf("applying %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// flushWorker batches query-log inserts off the hot resolver path.
func (s *SQLiteStore) flushWorker() {
	defer close(s.flushDone)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]QueryLogEntry, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertQueryLogBatch(context.Background(), batch); err != nil {
			s.logger.Error("query log flush failed", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.logQueue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SQLiteStore) insertQueryLogBatch(ctx context.Context, entries []QueryLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO query_logs (entry, ts) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		data, err := json.Marshal(queryLogJSON(e))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, string(data), e.Timestamp.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// queryLogRow is the JSON shape stored in query_logs.entry.
type queryLogRow struct {
	Domain           string   `json:"domain"`
	Type             string   `json:"type"`
	Client           string   `json:"client,omitempty"`
	ClientIP         string   `json:"clientIp"`
	Status           string   `json:"status"`
	DurationMs       float64  `json:"durationMs"`
	AnswerIPs        []string `json:"answerIps,omitempty"`
	BlocklistID      string   `json:"blocklistId,omitempty"`
	ProtectionPaused bool     `json:"protectionPaused,omitempty"`
}

func queryLogJSON(e QueryLogEntry) queryLogRow {
	return queryLogRow{
		Domain: e.Domain, Type: e.Type, Client: e.Client, ClientIP: e.ClientIP,
		Status: e.Status, DurationMs: e.DurationMs, AnswerIPs: e.AnswerIPs,
		BlocklistID: e.BlocklistID, ProtectionPaused: e.ProtectionPaused,
	}
}

// AppendQueryLog enqueues a single entry for the batched writer. Capacity is
// checked so a logging burst cannot grow memory unbounded; an entry dropped
// under backpressure is traded for resolver latency, never the reverse.
func (s *SQLiteStore) AppendQueryLog(ctx context.Context, e QueryLogEntry) error {
	select {
	case s.logQueue <- e:
		return nil
	default:
		s.logger.Warn("query log queue full, dropping entry", "domain", e.Domain)
		return nil
	}
}

// AppendQueryLogBatch writes entries synchronously, used by the HTTP ingest
// path which already batches server-side.
func (s *SQLiteStore) AppendQueryLogBatch(ctx context.Context, entries []QueryLogEntry) error {
	return s.insertQueryLogBatch(ctx, entries)
}

func (s *SQLiteStore) GetRecentQueryLogs(ctx context.Context, limit int, hours int, domain, status string) ([]QueryLogEntry, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT entry, ts FROM query_logs WHERE 1=1`)
	args := []any{}
	if hours > 0 {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, time.Now().Add(-time.Duration(hours)*time.Hour).UnixMilli())
	}
	if domain != "" {
		sb.WriteString(` AND json_extract(entry, '$.domain') = ?`)
		args = append(args, domain)
	}
	if status != "" {
		sb.WriteString(` AND json_extract(entry, '$.status') = ?`)
		args = append(args, status)
	}
	sb.WriteString(` ORDER BY ts DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryLogEntry
	for rows.Next() {
		var raw string
		var ts int64
		if err := rows.Scan(&raw, &ts); err != nil {
			return nil, err
		}
		var row queryLogRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			continue
		}
		out = append(out, QueryLogEntry{
			Timestamp: time.UnixMilli(ts), Domain: row.Domain, Type: row.Type,
			Client: row.Client, ClientIP: row.ClientIP, Status: row.Status,
			DurationMs: row.DurationMs, AnswerIPs: row.AnswerIPs,
			BlocklistID: row.BlocklistID, ProtectionPaused: row.ProtectionPaused,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStatistics(ctx context.Context, since time.Time) (Statistics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN json_extract(entry,'$.status') IN ('BLOCKED','SHADOW_BLOCKED') THEN 1 ELSE 0 END),
			SUM(CASE WHEN json_extract(entry,'$.status') = 'CACHED' THEN 1 ELSE 0 END),
			COUNT(DISTINCT json_extract(entry,'$.clientIp')),
			COUNT(DISTINCT json_extract(entry,'$.domain'))
		FROM query_logs WHERE ts >= ?`, since.UnixMilli())

	var stats Statistics
	var blocked, cached sql.NullInt64
	if err := row.Scan(&stats.TotalQueries, &blocked, &cached, &stats.UniqueClients, &stats.UniqueDomains); err != nil {
		return Statistics{}, err
	}
	stats.BlockedQueries = blocked.Int64
	stats.CachedQueries = cached.Int64
	return stats, nil
}

func (s *SQLiteStore) GetTopDomains(ctx context.Context, since time.Time, limit int, excludeHosts []string) ([]DomainStats, error) {
	query := `SELECT json_extract(entry,'$.domain') AS d, COUNT(*) AS c
		FROM query_logs WHERE ts >= ?`
	args := []any{since.UnixMilli()}
	for _, h := range excludeHosts {
		query += ` AND json_extract(entry,'$.domain') != ?`
		args = append(args, h)
	}
	query += ` GROUP BY d ORDER BY c DESC LIMIT ?`
	args = append(args, limit)

	return s.queryDomainStats(ctx, query, args)
}

func (s *SQLiteStore) GetTopBlocked(ctx context.Context, since time.Time, limit int) ([]DomainStats, error) {
	query := `SELECT json_extract(entry,'$.domain') AS d, COUNT(*) AS c
		FROM query_logs
		WHERE ts >= ? AND json_extract(entry,'$.status') IN ('BLOCKED','SHADOW_BLOCKED')
		GROUP BY d ORDER BY c DESC LIMIT ?`
	return s.queryDomainStats(ctx, query, []any{since.UnixMilli(), limit})
}

func (s *SQLiteStore) queryDomainStats(ctx context.Context, query string, args []any) ([]DomainStats, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DomainStats
	for rows.Next() {
		var d DomainStats
		if err := rows.Scan(&d.Domain, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetClientStats(ctx context.Context, since time.Time) ([]ClientStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT json_extract(entry,'$.clientIp') AS ip, COUNT(*) AS total,
			SUM(CASE WHEN json_extract(entry,'$.status') IN ('BLOCKED','SHADOW_BLOCKED') THEN 1 ELSE 0 END)
		FROM query_logs WHERE ts >= ? GROUP BY ip ORDER BY total DESC`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientStats
	for rows.Next() {
		var c ClientStats
		var blocked sql.NullInt64
		if err := rows.Scan(&c.ClientIP, &c.Count, &blocked); err != nil {
			return nil, err
		}
		c.Blocked = blocked.Int64
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTimeseries(ctx context.Context, since time.Time) ([]TimeseriesBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT (ts / 300000) * 300000 AS bucket, COUNT(*),
			SUM(CASE WHEN json_extract(entry,'$.status') IN ('BLOCKED','SHADOW_BLOCKED') THEN 1 ELSE 0 END)
		FROM query_logs WHERE ts >= ? GROUP BY bucket ORDER BY bucket ASC`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimeseriesBucket
	for rows.Next() {
		var bucketMs int64
		var b TimeseriesBucket
		var blocked sql.NullInt64
		if err := rows.Scan(&bucketMs, &b.Total, &blocked); err != nil {
			return nil, err
		}
		b.Blocked = blocked.Int64
		b.BucketStart = time.UnixMilli(bucketMs)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteQueryLogsOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	total := 0
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM query_logs WHERE id IN (SELECT id FROM query_logs WHERE ts < ? LIMIT ?)`,
			cutoff.UnixMilli(), batchSize)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// ---- Rules ----

func (s *SQLiteStore) UpsertRule(ctx context.Context, r policy.Rule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (domain, type, category, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(domain, type, category) DO NOTHING`,
		policy.Normalize(r.Domain), string(r.Type), r.Category, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return id, err
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) InsertRulesIgnoreConflict(ctx context.Context, rules []policy.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rules (domain, type, category, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(domain, type, category) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, r := range rules {
		if _, err := stmt.ExecContext(ctx, policy.Normalize(r.Domain), string(r.Type), r.Category, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteRulesNotCategory(ctx context.Context, notLikePrefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE category NOT LIKE ?`, notLikePrefix+"%")
	return err
}

// ReplaceCategory transactionally deletes the given category (and any
// legacy "<category>:%" variant) and bulk-inserts domains in chunks of
// ~5000, matching the blocklist refresh atomicity contract.
func (s *SQLiteStore) ReplaceCategory(ctx context.Context, category string, legacyPrefix string, domains []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE category = ?`, category); err != nil {
		return 0, err
	}
	if legacyPrefix != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE category LIKE ?`, legacyPrefix+"%"); err != nil {
			return 0, err
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rules (domain, type, category, created_at) VALUES (?, 'BLOCKED', ?, ?)
		 ON CONFLICT(domain, type, category) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	const chunkSize = 5000
	inserted := 0
	for i := 0; i < len(domains); i += chunkSize {
		end := i + chunkSize
		if end > len(domains) {
			end = len(domains)
		}
		for _, d := range domains[i:end] {
			if _, err := stmt.ExecContext(ctx, d, category, now); err != nil {
				return 0, err
			}
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ---- Blocklists ----

func (s *SQLiteStore) UpsertBlocklist(ctx context.Context, b *policy.Blocklist) error {
	now := time.Now()
	var lastUpdated any
	if b.LastUpdatedAt != nil {
		lastUpdated = b.LastUpdatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocklists (id, name, url, enabled, mode, last_updated_at, last_error, last_rule_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, url=excluded.url, enabled=excluded.enabled,
			mode=excluded.mode, updated_at=excluded.updated_at`,
		b.ID, b.Name, b.URL, boolToInt(b.Enabled), string(b.Mode), lastUpdated, b.LastError, b.LastRuleCount,
		b.CreatedAt.UnixMilli(), now.UnixMilli())
	return err
}

func (s *SQLiteStore) DeleteBlocklist(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocklists WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SetBlocklistRefreshResult(ctx context.Context, id string, ruleCount int, refreshErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE blocklists SET last_updated_at = ?, last_error = ?, last_rule_count = ?, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), nullIfEmpty(refreshErr), ruleCount, time.Now().UnixMilli(), id)
	return err
}

// TruncateAndReplaceBlocklists implements the cluster-apply step 4:
// truncate and bulk-insert, preserving ids. No id sequence is reset;
// blocklist ids are TEXT keys.
func (s *SQLiteStore) TruncateAndReplaceBlocklists(ctx context.Context, blocklists []*policy.Blocklist) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocklists`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blocklists (id, name, url, enabled, mode, last_updated_at, last_error, last_rule_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range blocklists {
		var lastUpdated any
		if b.LastUpdatedAt != nil {
			lastUpdated = b.LastUpdatedAt.UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx, b.ID, b.Name, b.URL, boolToInt(b.Enabled), string(b.Mode),
			lastUpdated, b.LastError, b.LastRuleCount, b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadBlocklists(ctx context.Context) ([]*policy.Blocklist, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, enabled, mode, last_updated_at, last_error, last_rule_count, created_at, updated_at
		FROM blocklists`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Blocklist
	for rows.Next() {
		var b policy.Blocklist
		var enabled int
		var mode string
		var lastUpdated sql.NullInt64
		var lastErr sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&b.ID, &b.Name, &b.URL, &enabled, &mode, &lastUpdated, &lastErr,
			&b.LastRuleCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		b.Enabled = enabled != 0
		b.Mode = policy.BlocklistMode(mode)
		b.LastError = lastErr.String
		b.CreatedAt = time.UnixMilli(createdAt)
		b.UpdatedAt = time.UnixMilli(updatedAt)
		if lastUpdated.Valid {
			t := time.UnixMilli(lastUpdated.Int64)
			b.LastUpdatedAt = &t
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// ---- Clients ----

// clientRow is the JSON shape stored in clients.profile.
type clientRow struct {
	Type                string            `json:"type"`
	IP                  string            `json:"ip,omitempty"`
	CIDR                string            `json:"cidr,omitempty"`
	IsInternetPaused    bool              `json:"isInternetPaused"`
	UseGlobalSettings   bool              `json:"useGlobalSettings"`
	UseGlobalCategories bool              `json:"useGlobalCategories"`
	UseGlobalApps       bool              `json:"useGlobalApps"`
	AssignedBlocklists  []string          `json:"assignedBlocklists,omitempty"`
	BlockedCategories   []string          `json:"blockedCategories,omitempty"`
	BlockedApps         []string          `json:"blockedApps,omitempty"`
	Schedules           []policy.Schedule `json:"schedules,omitempty"`
	DisplayName         string            `json:"displayName,omitempty"`
	Notes               string            `json:"notes,omitempty"`
}

func toClientRow(c *policy.ClientProfile) clientRow {
	return clientRow{
		Type: string(c.Type), IP: c.IP, CIDR: c.CIDR, IsInternetPaused: c.IsInternetPaused,
		UseGlobalSettings: c.UseGlobalSettings, UseGlobalCategories: c.UseGlobalCategories,
		UseGlobalApps: c.UseGlobalApps, AssignedBlocklists: c.AssignedBlocklists,
		BlockedCategories: c.BlockedCategories, BlockedApps: c.BlockedApps, Schedules: c.Schedules,
		DisplayName: c.DisplayName, Notes: c.Notes,
	}
}

func (r clientRow) toProfile(id string) *policy.ClientProfile {
	return &policy.ClientProfile{
		ID: id, Type: policy.ProfileType(r.Type), IP: r.IP, CIDR: r.CIDR,
		IsInternetPaused: r.IsInternetPaused, UseGlobalSettings: r.UseGlobalSettings,
		UseGlobalCategories: r.UseGlobalCategories, UseGlobalApps: r.UseGlobalApps,
		AssignedBlocklists: r.AssignedBlocklists, BlockedCategories: r.BlockedCategories,
		BlockedApps: r.BlockedApps, Schedules: r.Schedules, DisplayName: r.DisplayName, Notes: r.Notes,
	}
}

func (s *SQLiteStore) UpsertClient(ctx context.Context, c *policy.ClientProfile) error {
	data, err := json.Marshal(toClientRow(c))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, profile, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET profile=excluded.profile, updated_at=excluded.updated_at`,
		c.ID, string(data), now, now)
	return err
}

func (s *SQLiteStore) DeleteClient(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	return err
}

// ConvergeClients implements the cluster-apply step 2: delete rows not in
// the incoming id set, then upsert each incoming profile.
func (s *SQLiteStore) ConvergeClients(ctx context.Context, clients []*policy.ClientProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	keep := make([]string, len(clients))
	for i, c := range clients {
		keep[i] = c.ID
	}
	if len(keep) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM clients`); err != nil {
			return err
		}
	} else {
		placeholders := strings.Repeat("?,", len(keep))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(keep))
		for i, id := range keep {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE id NOT IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clients (id, profile, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET profile=excluded.profile, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, c := range clients {
		data, err := json.Marshal(toClientRow(c))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, c.ID, string(data), now, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadClients(ctx context.Context) ([]*policy.ClientProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, profile FROM clients`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.ClientProfile
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var row clientRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			continue
		}
		out = append(out, row.toProfile(id))
	}
	return out, rows.Err()
}

// ---- Rewrites ----

func (s *SQLiteStore) UpsertRewrite(ctx context.Context, rw *policy.Rewrite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewrites (id, domain, target) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET domain=excluded.domain, target=excluded.target`,
		rw.ID, policy.Normalize(rw.Domain), rw.Target)
	return err
}

func (s *SQLiteStore) DeleteRewrite(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rewrites WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) LoadRewrites(ctx context.Context) ([]*policy.Rewrite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, domain, target FROM rewrites`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Rewrite
	for rows.Next() {
		var rw policy.Rewrite
		if err := rows.Scan(&rw.ID, &rw.Domain, &rw.Target); err != nil {
			return nil, err
		}
		out = append(out, &rw)
	}
	return out, rows.Err()
}

// ---- Settings ----

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) ListSettings(ctx context.Context, excludePrefixes []string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
outer:
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		for _, p := range excludePrefixes {
			if strings.HasPrefix(k, p) {
				continue outer
			}
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSecrets(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE key LIKE ?`, SecretPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ---- policy.Source ----

func (s *SQLiteStore) LoadRules(ctx context.Context) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, domain, type, category, created_at FROM rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var r policy.Rule
		var typ string
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Domain, &typ, &r.Category, &createdAt); err != nil {
			return nil, err
		}
		r.Type = policy.RuleType(typ)
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadProtectionPause(ctx context.Context) (policy.ProtectionPause, error) {
	raw, ok, err := s.GetSetting(ctx, SettingProtectionPause)
	if err != nil {
		return policy.ProtectionPause{Mode: policy.PauseOff}, err
	}
	if !ok {
		return policy.ProtectionPause{Mode: policy.PauseOff}, nil
	}
	var stored struct {
		Mode  string     `json:"mode"`
		Until *time.Time `json:"until"`
	}
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return policy.ProtectionPause{Mode: policy.PauseOff}, nil
	}
	return policy.ProtectionPause{Mode: policy.PauseMode(stored.Mode), Until: stored.Until}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.logQueue)
		<-s.flushDone
		err = s.db.Close()
	})
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
