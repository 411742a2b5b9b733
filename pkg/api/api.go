// Package api hosts Sentinel's core-facing HTTP surface: the DNS-over-HTTPS
// endpoint, query-log ingest, the cluster sync/readiness endpoints, and the
// read-only stats/aggregation routes (/api/stats, /api/stats/timeseries,
// /api/stats/clients, /api/stats/geo, /api/top-domains).
//
// Full admin CRUD (clients, rules, blocklists, auth, notifications) is
// represented only as the Go interfaces and structs the core exposes
// (policy.Engine, storage.Store, cluster.Follower) and is not wired to
// additional HTTP routes here.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/apierr"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/cluster"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/dnsserver"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/geoip"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/querylog"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/secrets"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/telemetry"
)

// Server is the core-facing HTTP API: DoH, query-log ingest, and cluster
// sync/readiness.
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger

	dnsHandler *dnsserver.Handler
	ingestor   *querylog.Ingestor
	store      storage.Store
	secrets    *secrets.Store
	metrics    *telemetry.Metrics
	geoReader  *geoip.Reader

	verifier  *cluster.Verifier
	follower  *cluster.Follower
	roleFn    func() cluster.Role
	effRoleFn func() cluster.Role
	freshness time.Duration

	startTime time.Time
	version   string
}

// Config holds the dependencies wired into the core API server.
type Config struct {
	ListenAddress string
	Version       string
	Logger        *logging.Logger

	DNSHandler *dnsserver.Handler
	Ingestor   *querylog.Ingestor
	Store      storage.Store
	Secrets    *secrets.Store
	Metrics    *telemetry.Metrics
	// GeoReader backs /api/stats/geo; nil disables that endpoint.
	GeoReader *geoip.Reader

	// ClusterVerifier authenticates inbound cluster sync requests; nil on
	// a node that never acts as a leader.
	ClusterVerifier *cluster.Verifier
	// Follower drives outbound sync when this node is a follower; nil on
	// a standalone or leader node.
	Follower *cluster.Follower
	// ConfiguredRole returns the node's stored (not VIP-overridden) role.
	ConfiguredRole func() cluster.Role
	// EffectiveRole returns the role after any VIP/override resolution.
	EffectiveRole func() cluster.Role
	// ReadyFreshness bounds how stale a follower's last sync may be before
	// /api/cluster/ready reports unready. Defaults to 20s.
	ReadyFreshness time.Duration
}

// New builds the core API server and its route table.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	s := &Server{
		logger:     cfg.Logger,
		dnsHandler: cfg.DNSHandler,
		ingestor:   cfg.Ingestor,
		store:      cfg.Store,
		secrets:    cfg.Secrets,
		metrics:    cfg.Metrics,
		geoReader:  cfg.GeoReader,
		verifier:   cfg.ClusterVerifier,
		follower:   cfg.Follower,
		roleFn:     cfg.ConfiguredRole,
		effRoleFn:  cfg.EffectiveRole,
		freshness:  cfg.ReadyFreshness,
		startTime:  time.Now(),
		version:    cfg.Version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", s.handleDNSQuery)
	mux.HandleFunc("POST /api/query-logs/ingest", s.handleQueryLogIngest)
	mux.HandleFunc("POST /api/cluster/sync/export", s.handleClusterSyncExport)
	mux.HandleFunc("GET /api/cluster/ready", s.handleClusterReady)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/timeseries", s.handleStatsTimeseries)
	mux.HandleFunc("GET /api/stats/clients", s.handleClientStats)
	mux.HandleFunc("GET /api/stats/geo", s.handleStatsGeo)
	mux.HandleFunc("GET /api/top-domains", s.handleTopDomains)

	handler := s.readOnlyGuardMiddleware(mux)
	handler = s.loggingMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// loggingMiddleware logs method, path, and status for every request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// readOnlyGuardMiddleware rejects mutating requests against a configured
// follower outside the cluster/auth/query-log allowlist.
func (s *Server) readOnlyGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.roleFn != nil && cluster.IsReadOnlyBlocked(s.roleFn(), r.Method, r.URL.Path) {
			writeError(w, apierr.CodeFollowerReadonly, "this node is a read-only cluster follower")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting core api server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code apierr.Code, message string) {
	e := apierr.New(code, message)
	writeJSON(w, e.HTTPStatus(), map[string]string{"code": string(code), "message": message})
}
