package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/cache"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/cluster"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/dnsserver"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/querylog"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

type fakeDecider struct{ status policy.DecisionStatus }

func (f fakeDecider) Decide(queryName, clientIP, queryType string, now time.Time) policy.Decision {
	return policy.Decision{Status: f.status}
}

type fakeStore struct {
	storage.Store
	batched []storage.QueryLogEntry
	rules   []policy.Rule
	stats   storage.Statistics
	entries []storage.QueryLogEntry
}

func (s *fakeStore) AppendQueryLogBatch(ctx context.Context, entries []storage.QueryLogEntry) error {
	s.batched = append(s.batched, entries...)
	return nil
}

func (s *fakeStore) ListSettings(ctx context.Context, excludePrefixes []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *fakeStore) LoadRules(ctx context.Context) ([]policy.Rule, error) { return s.rules, nil }

func (s *fakeStore) LoadBlocklists(ctx context.Context) ([]*policy.Blocklist, error) {
	return nil, nil
}

func (s *fakeStore) LoadClients(ctx context.Context) ([]*policy.ClientProfile, error) {
	return nil, nil
}

func (s *fakeStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (s *fakeStore) GetStatistics(ctx context.Context, since time.Time) (storage.Statistics, error) {
	return s.stats, nil
}

func (s *fakeStore) GetTopDomains(ctx context.Context, since time.Time, limit int, excludeHosts []string) ([]storage.DomainStats, error) {
	return []storage.DomainStats{{Domain: "example.com", Count: 42}}, nil
}

func (s *fakeStore) GetTopBlocked(ctx context.Context, since time.Time, limit int) ([]storage.DomainStats, error) {
	return []storage.DomainStats{{Domain: "ads.example.com", Count: 7}}, nil
}

func (s *fakeStore) GetClientStats(ctx context.Context, since time.Time) ([]storage.ClientStats, error) {
	return []storage.ClientStats{{ClientIP: "10.0.0.5", Count: 10, Blocked: 2}}, nil
}

func (s *fakeStore) GetTimeseries(ctx context.Context, since time.Time) ([]storage.TimeseriesBucket, error) {
	return []storage.TimeseriesBucket{{BucketStart: time.Now(), Total: 5, Blocked: 1}}, nil
}

func (s *fakeStore) GetRecentQueryLogs(ctx context.Context, limit int, hours int, domain, status string) ([]storage.QueryLogEntry, error) {
	return s.entries, nil
}

func (s *fakeStore) ListSecrets(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *fakeStore) AppendQueryLog(ctx context.Context, e storage.QueryLogEntry) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	h := dnsserver.NewHandler(fakeDecider{status: policy.StatusBlocked}, cache.New(0, 0), nil, store, logging.NewDefault())
	s := New(Config{
		Logger:          logging.NewDefault(),
		DNSHandler:      h,
		Ingestor:        querylog.NewIngestor(store),
		Store:           store,
		ClusterVerifier: cluster.NewVerifier("shared-secret", 0, 0, 0),
		ConfiguredRole:  func() cluster.Role { return cluster.RoleStandalone },
		EffectiveRole:   func() cluster.Role { return cluster.RoleStandalone },
	})
	return s, store
}

func TestHandleDNSQueryGETReturnsJSON(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/dns-query?name=blocked.example.com&type=A", nil)
	rr := httptest.NewRecorder()
	s.handleDNSQuery(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp dohJSONResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, dns.RcodeNameError, resp.Status)
}

func TestHandleDNSQueryGETWireParam(t *testing.T) {
	s, _ := newTestServer(t)

	msg := new(dns.Msg)
	msg.SetQuestion("blocked.example.com.", dns.TypeA)
	packed, err := msg.Pack()
	require.NoError(t, err)
	encoded := base64.RawURLEncoding.EncodeToString(packed)

	req := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+encoded, nil)
	req.Header.Set("Accept", "application/dns-message")
	rr := httptest.NewRecorder()
	s.handleDNSQuery(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/dns-message", rr.Header().Get("Content-Type"))
}

func TestHandleDNSQueryHEADIsHealthCheck(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodHead, "/dns-query", nil)
	rr := httptest.NewRecorder()
	s.handleDNSQuery(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleQueryLogIngest(t *testing.T) {
	s, store := newTestServer(t)

	body := `[{"domain":"example.com.","type":"A","status":"PERMITTED"}]`
	req := httptest.NewRequest(http.MethodPost, "/api/query-logs/ingest", bytes.NewReader([]byte(body)))
	rr := httptest.NewRecorder()
	s.handleQueryLogIngest(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, store.batched, 1)
}

func TestHandleClusterSyncExportRejectsUnsigned(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cluster/sync/export", bytes.NewReader([]byte("{}")))
	rr := httptest.NewRecorder()
	s.handleClusterSyncExport(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleClusterSyncExportAcceptsSigned(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"want":"full"}`)
	ts := time.Now().UnixMilli()
	sig := cluster.Sign("shared-secret", http.MethodPost, "/api/cluster/sync/export", ts, "nonce-1", body)

	req := httptest.NewRequest(http.MethodPost, "/api/cluster/sync/export", bytes.NewReader(body))
	req.Header.Set("X-Cluster-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Cluster-Nonce", "nonce-1")
	req.Header.Set("X-Cluster-Signature", sig)
	rr := httptest.NewRecorder()
	s.handleClusterSyncExport(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var snap cluster.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Equal(t, cluster.SnapshotVersion, snap.Version)
}

func TestHandleClusterReadyStandaloneAlwaysOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/cluster/ready", nil)
	rr := httptest.NewRecorder()
	s.handleClusterReady(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleStatsReturnsCounters(t *testing.T) {
	s, store := newTestServer(t)
	store.stats = storage.Statistics{TotalQueries: 100, BlockedQueries: 25, CachedQueries: 10}

	req := httptest.NewRequest(http.MethodGet, "/api/stats?since=1h", nil)
	rr := httptest.NewRecorder()
	s.handleStats(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, int64(100), resp.TotalQueries)
	require.Equal(t, int64(25), resp.BlockedQueries)
	require.InDelta(t, 25.0, resp.BlockRatePct, 0.001)
}

func TestHandleTopDomainsBlockedSwitch(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/top-domains?blocked=true", nil)
	rr := httptest.NewRecorder()
	s.handleTopDomains(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var domains []storage.DomainStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &domains))
	require.Len(t, domains, 1)
	require.Equal(t, "ads.example.com", domains[0].Domain)
}

func TestHandleClientStats(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats/clients", nil)
	rr := httptest.NewRecorder()
	s.handleClientStats(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var clients []storage.ClientStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &clients))
	require.Len(t, clients, 1)
	require.Equal(t, "10.0.0.5", clients[0].ClientIP)
}

func TestHandleStatsGeoRequiresConfiguredReader(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats/geo", nil)
	rr := httptest.NewRecorder()
	s.handleStatsGeo(rr, req)

	require.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestReadOnlyGuardBlocksFollowerMutation(t *testing.T) {
	s, _ := newTestServer(t)
	s.roleFn = func() cluster.Role { return cluster.RoleFollower }

	handled := false
	guarded := s.readOnlyGuardMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handled = true }))

	req := httptest.NewRequest(http.MethodPost, "/api/something/mutating", nil)
	rr := httptest.NewRecorder()
	guarded.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
	require.False(t, handled)
}
