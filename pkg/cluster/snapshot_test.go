package cluster

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/secrets"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

type fakeSnapshotStore struct {
	storage.Store
	settings map[string]string
	secretz  map[string]string
	put      map[string]string
}

func (s *fakeSnapshotStore) ListSettings(ctx context.Context, excludePrefixes []string) (map[string]string, error) {
	out := map[string]string{}
outer:
	for k, v := range s.settings {
		for _, p := range excludePrefixes {
			if len(p) <= len(k) && k[:len(p)] == p {
				continue outer
			}
		}
		out[k] = v
	}
	return out, nil
}

func (s *fakeSnapshotStore) ListSecrets(ctx context.Context) (map[string]string, error) {
	return s.secretz, nil
}

func (s *fakeSnapshotStore) LoadRules(ctx context.Context) ([]policy.Rule, error)           { return nil, nil }
func (s *fakeSnapshotStore) LoadBlocklists(ctx context.Context) ([]*policy.Blocklist, error) { return nil, nil }
func (s *fakeSnapshotStore) LoadClients(ctx context.Context) ([]*policy.ClientProfile, error) {
	return nil, nil
}

func (s *fakeSnapshotStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fakeSnapshotStore) PutSetting(ctx context.Context, key, value string) error {
	if s.put == nil {
		s.put = map[string]string{}
	}
	s.put[key] = value
	return nil
}

func (s *fakeSnapshotStore) ConvergeClients(ctx context.Context, clients []*policy.ClientProfile) error {
	return nil
}

func (s *fakeSnapshotStore) DeleteRulesNotCategory(ctx context.Context, notLikePrefix string) error {
	return nil
}

func (s *fakeSnapshotStore) InsertRulesIgnoreConflict(ctx context.Context, rules []policy.Rule) error {
	return nil
}

func (s *fakeSnapshotStore) TruncateAndReplaceBlocklists(ctx context.Context, blocklists []*policy.Blocklist) error {
	return nil
}

// TestExportSnapshotCarriesSecretsPlaintext guards against ExportSnapshot
// trying to harvest secret: keys out of the already-exclusion-filtered
// ListSettings result, which can never match anything.
func TestExportSnapshotCarriesSecretsPlaintext(t *testing.T) {
	require.NoError(t, os.Setenv("SENTINEL_TEST_SECRETS_KEY", "correct-horse-battery-staple"))
	defer os.Unsetenv("SENTINEL_TEST_SECRETS_KEY")
	secretStore := secrets.NewStore("SENTINEL_TEST_SECRETS_KEY")

	encrypted, err := secretStore.Encrypt("discord-webhook-value")
	require.NoError(t, err)

	store := &fakeSnapshotStore{
		settings: map[string]string{
			"dns_upstreams":            "1.1.1.1",
			storage.SecretPrefix + "x": encrypted,
			storage.ClusterSettingPrefix + "role": "leader",
		},
		secretz: map[string]string{
			storage.SecretPrefix + "discord_webhook": encrypted,
		},
	}

	snap, err := ExportSnapshot(context.Background(), store, secretStore)
	require.NoError(t, err)

	require.Equal(t, "discord-webhook-value", snap.Secrets["discord_webhook"])
	require.NotContains(t, snap.Settings, storage.SecretPrefix+"x")
	require.NotContains(t, snap.Settings, storage.ClusterSettingPrefix+"role")
}

// TestApplySnapshotReEncryptsSecrets guards the follower side of secret
// propagation: plaintext secrets in the snapshot must be re-encrypted with
// the follower's own key before being persisted.
func TestApplySnapshotReEncryptsSecrets(t *testing.T) {
	require.NoError(t, os.Setenv("SENTINEL_TEST_SECRETS_KEY_2", "another-follower-key"))
	defer os.Unsetenv("SENTINEL_TEST_SECRETS_KEY_2")
	secretStore := secrets.NewStore("SENTINEL_TEST_SECRETS_KEY_2")

	store := &fakeSnapshotStore{settings: map[string]string{}}
	snap := Snapshot{
		Version:  SnapshotVersion,
		Settings: map[string]string{},
		Secrets:  map[string]string{"discord_webhook": "plaintext-value"},
	}

	require.NoError(t, ApplySnapshot(context.Background(), store, secretStore, snap))

	stored, ok := store.put[storage.SecretPrefix+"discord_webhook"]
	require.True(t, ok)
	require.Equal(t, "plaintext-value", secretStore.Decrypt(stored))
}
