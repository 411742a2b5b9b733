package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/secrets"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/telemetry"
)

// Follower pulls snapshots from a leader on an interval and tracks the last
// successful sync time for readiness.
type Follower struct {
	leaderURL string
	psk       string
	store     storage.Store
	secrets   *secrets.Store
	logger    *logging.Logger
	client    *http.Client
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	lastSync time.Time
	lastErr  error
}

// SetMetrics attaches the instruments sync attempts/errors are recorded
// against; nil disables recording.
func (f *Follower) SetMetrics(m *telemetry.Metrics) { f.metrics = m }

// NewFollower builds a Follower against leaderURL, authenticating every
// request with psk.
func NewFollower(leaderURL, psk string, store storage.Store, secretStore *secrets.Store, logger *logging.Logger) *Follower {
	return &Follower{
		leaderURL: leaderURL, psk: psk, store: store, secrets: secretStore, logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Run loops every interval, only performing a sync while effectiveRole
// returns RoleFollower (no-op when the VIP override makes this node the
// effective leader).
func (f *Follower) Run(ctx context.Context, interval time.Duration, effectiveRole func() Role) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if effectiveRole() != RoleFollower {
				continue
			}
			if err := f.SyncOnce(ctx); err != nil {
				f.logger.Error("follower sync failed", "error", err)
			}
		}
	}
}

// SyncOnce performs a single export+apply cycle against the leader.
func (f *Follower) SyncOnce(ctx context.Context) error {
	if f.metrics != nil {
		f.metrics.ClusterSyncTotal.Add(ctx, 1)
	}

	snap, err := f.fetchSnapshot(ctx)
	if err != nil {
		f.recordResult(err)
		return err
	}
	if err := ApplySnapshot(ctx, f.store, f.secrets, snap); err != nil {
		f.recordResult(err)
		return err
	}
	f.recordResult(nil)
	return nil
}

func (f *Follower) recordResult(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = err
	if err == nil {
		f.lastSync = time.Now()
	} else if f.metrics != nil {
		f.metrics.ClusterSyncErrors.Add(context.Background(), 1)
	}
}

// LastSync returns the time of the last successful sync and whether one has
// ever succeeded.
func (f *Follower) LastSync() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync, !f.lastSync.IsZero()
}

func (f *Follower) fetchSnapshot(ctx context.Context) (Snapshot, error) {
	const path = "/api/cluster/sync/export"
	body, _ := json.Marshal(map[string]string{"want": "full"})

	nonce := uuid.NewString()
	tsMs := time.Now().UnixMilli()
	sig := Sign(f.psk, http.MethodPost, path, tsMs, nonce, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.leaderURL+path, bytes.NewReader(body))
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cluster-Timestamp", fmt.Sprintf("%d", tsMs))
	req.Header.Set("X-Cluster-Nonce", nonce)
	req.Header.Set("X-Cluster-Signature", sig)

	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("requesting snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("leader returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot body: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}
