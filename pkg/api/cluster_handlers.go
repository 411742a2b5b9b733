package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/apierr"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/cluster"
)

// maxClusterBodyBytes bounds the signed request body read before HMAC
// verification, independent of the snapshot body the leader later writes.
const maxClusterBodyBytes = 1 << 20

// handleClusterSyncExport is the leader-side endpoint a Follower calls on
// its sync interval. The request must carry a valid HMAC signature over
// its timestamp, nonce, and body.
func (s *Server) handleClusterSyncExport(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, apierr.CodeClusterPSKMissing, "this node is not configured as a cluster leader")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxClusterBodyBytes+1))
	if err != nil {
		writeError(w, apierr.CodeInvalidRequest, "reading request body")
		return
	}
	if len(body) > maxClusterBodyBytes {
		writeError(w, apierr.CodeTooLarge, "request body too large")
		return
	}

	tsMs, err := strconv.ParseInt(r.Header.Get("X-Cluster-Timestamp"), 10, 64)
	if err != nil {
		writeError(w, apierr.CodeUnauthorized, "missing or invalid timestamp header")
		return
	}
	nonce := r.Header.Get("X-Cluster-Nonce")
	signature := r.Header.Get("X-Cluster-Signature")

	if s.metrics != nil {
		s.metrics.ClusterSyncTotal.Add(r.Context(), 1)
	}

	if err := s.verifier.Verify(r.Method, r.URL.Path, tsMs, nonce, signature, body); err != nil {
		if s.metrics != nil {
			s.metrics.ClusterSyncErrors.Add(r.Context(), 1)
		}
		switch {
		case errors.Is(err, cluster.ErrSkew):
			writeError(w, apierr.CodeTimestampSkew, err.Error())
		case errors.Is(err, cluster.ErrReplay):
			writeError(w, apierr.CodeReplay, err.Error())
		default:
			writeError(w, apierr.CodeUnauthorized, err.Error())
		}
		return
	}

	snap, err := cluster.ExportSnapshot(r.Context(), s.store, s.secrets)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ClusterSyncErrors.Add(r.Context(), 1)
		}
		s.logger.Error("cluster snapshot export failed", "error", err)
		writeError(w, apierr.CodeInternal, "building snapshot")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}

// handleClusterReady reports whether this node is fit to serve as the
// effective resolver: always true for standalone/leader, and for a
// follower only once it has completed a sync within the freshness window
// (or the VIP override has made it the effective leader).
func (s *Server) handleClusterReady(w http.ResponseWriter, r *http.Request) {
	configured := cluster.RoleStandalone
	if s.roleFn != nil {
		configured = s.roleFn()
	}
	effective := configured
	if s.effRoleFn != nil {
		effective = s.effRoleFn()
	}

	var lastSync time.Time
	var hasSynced bool
	if s.follower != nil {
		lastSync, hasSynced = s.follower.LastSync()
	}

	ready := cluster.Ready(configured, effective, lastSync, hasSynced, s.freshness)
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":         ready,
		"role":          string(configured),
		"effectiveRole": string(effective),
		"lastSync":      lastSync,
	})
}
