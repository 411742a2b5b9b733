package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/apierr"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/querylog"
)

// statsResponse mirrors the core counters behind /api/stats: totals, block
// rate, and cache hit rate over the requested window.
type statsResponse struct {
	Period          string  `json:"period"`
	TotalQueries    int64   `json:"totalQueries"`
	BlockedQueries  int64   `json:"blockedQueries"`
	CachedQueries   int64   `json:"cachedQueries"`
	UniqueClients   int64   `json:"uniqueClients"`
	UniqueDomains   int64   `json:"uniqueDomains"`
	BlockRatePct    float64 `json:"blockRatePct"`
	CacheHitRatePct float64 `json:"cacheHitRatePct"`
}

// handleStats handles GET /api/stats?since=24h.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, apierr.CodeNotConfigured, "storage not available")
		return
	}
	since := parseSinceDuration(r.URL.Query().Get("since"), 24*time.Hour)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.store.GetStatistics(ctx, time.Now().Add(-since))
	if err != nil {
		s.logger.Error("failed to get statistics", "error", err)
		writeError(w, apierr.CodeInternal, "failed to retrieve statistics")
		return
	}

	resp := statsResponse{
		Period: since.String(), TotalQueries: stats.TotalQueries, BlockedQueries: stats.BlockedQueries,
		CachedQueries: stats.CachedQueries, UniqueClients: stats.UniqueClients, UniqueDomains: stats.UniqueDomains,
	}
	if stats.TotalQueries > 0 {
		resp.BlockRatePct = 100 * float64(stats.BlockedQueries) / float64(stats.TotalQueries)
		resp.CacheHitRatePct = 100 * float64(stats.CachedQueries) / float64(stats.TotalQueries)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatsTimeseries handles GET /api/stats/timeseries?since=24h, the
// 5-minute bucketed series behind a dashboard's activity chart.
func (s *Server) handleStatsTimeseries(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, apierr.CodeNotConfigured, "storage not available")
		return
	}
	since := parseSinceDuration(r.URL.Query().Get("since"), 24*time.Hour)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	buckets, err := s.store.GetTimeseries(ctx, time.Now().Add(-since))
	if err != nil {
		s.logger.Error("failed to get timeseries", "error", err)
		writeError(w, apierr.CodeInternal, "failed to retrieve timeseries")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleTopDomains handles GET /api/top-domains?limit=10&blocked=false.
func (s *Server) handleTopDomains(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, apierr.CodeNotConfigured, "storage not available")
		return
	}
	since := parseSinceDuration(r.URL.Query().Get("since"), 24*time.Hour)
	limit := parseLimit(r.URL.Query().Get("limit"), 10, 100)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if r.URL.Query().Get("blocked") == "true" {
		top, err := s.store.GetTopBlocked(ctx, time.Now().Add(-since), limit)
		if err != nil {
			s.logger.Error("failed to get top blocked domains", "error", err)
			writeError(w, apierr.CodeInternal, "failed to retrieve top blocked domains")
			return
		}
		writeJSON(w, http.StatusOK, top)
		return
	}

	top, err := s.store.GetTopDomains(ctx, time.Now().Add(-since), limit, nil)
	if err != nil {
		s.logger.Error("failed to get top domains", "error", err)
		writeError(w, apierr.CodeInternal, "failed to retrieve top domains")
		return
	}
	writeJSON(w, http.StatusOK, top)
}

// handleClientStats handles GET /api/stats/clients?since=24h, the per-client
// query/block breakdown behind a dashboard's client table.
func (s *Server) handleClientStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, apierr.CodeNotConfigured, "storage not available")
		return
	}
	since := parseSinceDuration(r.URL.Query().Get("since"), 24*time.Hour)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.store.GetClientStats(ctx, time.Now().Add(-since))
	if err != nil {
		s.logger.Error("failed to get client stats", "error", err)
		writeError(w, apierr.CodeInternal, "failed to retrieve client stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStatsGeo handles GET /api/stats/geo?since=24h&limit=1000, classifying
// recent answer IPs by country and map grid cell via the GeoIP reader.
func (s *Server) handleStatsGeo(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, apierr.CodeNotConfigured, "storage not available")
		return
	}
	if s.geoReader == nil {
		writeError(w, apierr.CodeNotConfigured, "geoip database not configured")
		return
	}

	hours := int(parseSinceDuration(r.URL.Query().Get("since"), 24*time.Hour).Hours())
	if hours < 1 {
		hours = 1
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 1000, 10000)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entries, err := s.store.GetRecentQueryLogs(ctx, limit, hours, "", "")
	if err != nil {
		s.logger.Error("failed to get recent query logs for geo aggregation", "error", err)
		writeError(w, apierr.CodeInternal, "failed to retrieve recent query logs")
		return
	}

	summary := querylog.AggregateGeo(s.geoReader, entries)
	writeJSON(w, http.StatusOK, summary)
}

func parseSinceDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
