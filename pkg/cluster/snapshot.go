package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/secrets"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

// SnapshotVersion is bumped whenever the snapshot shape changes
// incompatibly; followers reject snapshots from a newer major version.
const SnapshotVersion = 1

// Snapshot is the versioned record a leader exports and a follower applies.
// Secrets are carried in plaintext over the HMAC-signed transport and
// re-encrypted locally on the follower; cluster_* and secret:* settings
// keys are excluded since they are per-node.
type Snapshot struct {
	Version    int                      `json:"version"`
	Settings   map[string]string        `json:"settings"`
	Clients    []*policy.ClientProfile  `json:"clients"`
	Rules      []policy.Rule            `json:"rules"`
	Blocklists []*policy.Blocklist      `json:"blocklists"`
	Secrets    map[string]string        `json:"secrets"`
}

// ExportSnapshot builds a Snapshot from the local store for transmission to
// a follower. auth_admin.sessions are stripped since sessions are never
// cluster-replicated.
func ExportSnapshot(ctx context.Context, store storage.Store, secretStore *secrets.Store) (Snapshot, error) {
	settings, err := store.ListSettings(ctx, []string{storage.SecretPrefix, storage.ClusterSettingPrefix})
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing settings: %w", err)
	}
	if raw, ok := settings[storage.SettingAuthAdmin]; ok {
		sv, err := storage.DecodeSetting(storage.SettingAuthAdmin, raw)
		if err == nil && sv.Auth != nil {
			stripped := *sv.Auth
			stripped.Sessions = nil
			sv.Auth = &stripped
			if encoded, err := storage.Encode(sv); err == nil {
				settings[storage.SettingAuthAdmin] = encoded
			}
		}
	}

	allRules, err := store.LoadRules(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading rules: %w", err)
	}
	nonBlocklist := make([]policy.Rule, 0, len(allRules))
	for _, r := range allRules {
		scope, err := policy.ParseScope(r.Category)
		if err == nil && scope.Kind == policy.ScopeBlocklist {
			continue
		}
		nonBlocklist = append(nonBlocklist, r)
	}

	blocklists, err := store.LoadBlocklists(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading blocklists: %w", err)
	}

	clients, err := store.LoadClients(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading clients: %w", err)
	}

	encryptedSecrets, err := store.ListSecrets(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing secrets: %w", err)
	}
	secretSettings := make(map[string]string, len(encryptedSecrets))
	for k, v := range encryptedSecrets {
		name := strings.TrimPrefix(k, storage.SecretPrefix)
		secretSettings[name] = secretStore.Decrypt(v)
	}

	return Snapshot{
		Version:    SnapshotVersion,
		Settings:   settings,
		Clients:    clients,
		Rules:      nonBlocklist,
		Blocklists: blocklists,
		Secrets:    secretSettings,
	}, nil
}

// ApplySnapshot writes a received Snapshot into the local store in the five
// ordered steps: settings (preserving local auth_admin sessions), client
// convergence, non-blocklist rule replacement, blocklist truncate-replace,
// and (outside of any transaction the store uses internally) secret
// re-encryption with the follower's own key.
func ApplySnapshot(ctx context.Context, store storage.Store, secretStore *secrets.Store, snap Snapshot) error {
	if snap.Version > SnapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported version %d", snap.Version, SnapshotVersion)
	}

	if err := applySettings(ctx, store, snap.Settings); err != nil {
		return fmt.Errorf("applying settings: %w", err)
	}

	if err := store.ConvergeClients(ctx, snap.Clients); err != nil {
		return fmt.Errorf("converging clients: %w", err)
	}

	if err := store.DeleteRulesNotCategory(ctx, policy.ClusterRuleCategoryPrefix); err != nil {
		return fmt.Errorf("clearing non-blocklist rules: %w", err)
	}
	if err := store.InsertRulesIgnoreConflict(ctx, snap.Rules); err != nil {
		return fmt.Errorf("inserting rules: %w", err)
	}

	if err := store.TruncateAndReplaceBlocklists(ctx, snap.Blocklists); err != nil {
		return fmt.Errorf("replacing blocklists: %w", err)
	}

	for name, plaintext := range snap.Secrets {
		encrypted, err := secretStore.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("re-encrypting secret %q: %w", name, err)
		}
		if err := store.PutSetting(ctx, storage.SecretPrefix+name, encrypted); err != nil {
			return fmt.Errorf("storing secret %q: %w", name, err)
		}
	}

	return nil
}

// applySettings preserves the local auth_admin session list: every other
// key is overwritten wholesale, but an incoming auth_admin value is merged
// against the local sessions so an in-progress follower admin session
// survives a sync.
func applySettings(ctx context.Context, store storage.Store, incoming map[string]string) error {
	for key, value := range incoming {
		if key != storage.SettingAuthAdmin {
			if err := store.PutSetting(ctx, key, value); err != nil {
				return err
			}
			continue
		}

		incomingSV, err := storage.DecodeSetting(key, value)
		if err != nil {
			continue
		}

		if localRaw, ok, _ := store.GetSetting(ctx, key); ok {
			if localSV, err := storage.DecodeSetting(key, localRaw); err == nil && localSV.Auth != nil {
				if incomingSV.Auth != nil {
					incomingSV.Auth.Sessions = localSV.Auth.Sessions
				}
			}
		}

		encoded, err := storage.Encode(incomingSV)
		if err != nil {
			continue
		}
		if err := store.PutSetting(ctx, key, encoded); err != nil {
			return err
		}
	}
	return nil
}
