package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel-test.db")
	store, err := Open(Config{
		Path: path, BusyTimeoutMs: 2000, CacheSizeKB: 2048,
		BufferSize: 10, FlushInterval: 20 * time.Millisecond, BatchSize: 5,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRuleUpsertAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertRule(ctx, policy.Rule{Domain: "blocked.test", Type: policy.RuleBlocked, Category: policy.Manual().String()})
	require.NoError(t, err)

	rules, err := store.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "blocked.test", rules[0].Domain)
}

func TestSQLiteReplaceCategoryReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	n, err := store.ReplaceCategory(ctx, "Blocklist:b1", "Blocklist:b1:", []string{"ads.example.com", "tracker.example.org"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rules, err := store.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	n, err = store.ReplaceCategory(ctx, "Blocklist:b1", "Blocklist:b1:", []string{"onlyone.example.com"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rules, err = store.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "onlyone.example.com", rules[0].Domain)
}

func TestSQLiteClientConverge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertClient(ctx, &policy.ClientProfile{ID: "c1", IP: "10.0.0.1"}))
	require.NoError(t, store.UpsertClient(ctx, &policy.ClientProfile{ID: "c2", IP: "10.0.0.2"}))

	require.NoError(t, store.ConvergeClients(ctx, []*policy.ClientProfile{{ID: "c2", IP: "10.0.0.2"}}))

	clients, err := store.LoadClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "c2", clients[0].ID)
}

func TestSQLiteQueryLogAppendAndRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := QueryLogEntry{Timestamp: time.Now().Add(-48 * time.Hour), Domain: "old.test", ClientIP: "127.0.0.1", Status: "PERMITTED"}
	recent := QueryLogEntry{Timestamp: time.Now(), Domain: "new.test", ClientIP: "127.0.0.1", Status: "PERMITTED"}
	require.NoError(t, store.AppendQueryLogBatch(ctx, []QueryLogEntry{old, recent}))

	deleted, err := store.DeleteQueryLogsOlderThan(ctx, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	logs, err := store.GetRecentQueryLogs(ctx, 10, 0, "", "")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "new.test", logs[0].Domain)
}

func TestSQLiteSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PutSetting(ctx, SettingDNS, `{"forward":{"transport":"udp"}}`))
	value, ok, err := store.GetSetting(ctx, SettingDNS)
	require.NoError(t, err)
	require.True(t, ok)

	decoded, err := DecodeSetting(SettingDNS, value)
	require.NoError(t, err)
	require.Equal(t, "udp", decoded.DNS.Forward.Transport)
}
