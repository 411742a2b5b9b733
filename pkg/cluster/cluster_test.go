package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("shared-secret", 2*time.Minute, 100, time.Minute)
	body := []byte(`{"want":"full"}`)
	ts := time.Now().UnixMilli()
	sig := Sign("shared-secret", "POST", "/api/cluster/sync/export", ts, "nonce-1", body)

	require.NoError(t, v.Verify("POST", "/api/cluster/sync/export", ts, "nonce-1", sig, body))
}

func TestVerifyRejectsReplay(t *testing.T) {
	v := NewVerifier("shared-secret", 2*time.Minute, 100, time.Minute)
	body := []byte("{}")
	ts := time.Now().UnixMilli()
	sig := Sign("shared-secret", "POST", "/p", ts, "n1", body)

	require.NoError(t, v.Verify("POST", "/p", ts, "n1", sig, body))
	require.ErrorIs(t, v.Verify("POST", "/p", ts, "n1", sig, body), ErrReplay)
}

func TestVerifyRejectsSkew(t *testing.T) {
	v := NewVerifier("shared-secret", 2*time.Minute, 100, time.Minute)
	body := []byte("{}")
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	sig := Sign("shared-secret", "POST", "/p", old, "n2", body)

	require.ErrorIs(t, v.Verify("POST", "/p", old, "n2", sig, body), ErrSkew)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := NewVerifier("shared-secret", 2*time.Minute, 100, time.Minute)
	ts := time.Now().UnixMilli()
	require.ErrorIs(t, v.Verify("POST", "/p", ts, "n3", "bogus", []byte("{}")), ErrBadSignature)
}

func TestJoinCodeRoundTrip(t *testing.T) {
	now := time.Now()
	jc := JoinCode{LeaderURL: "https://leader.local:8443", PSK: "topsecret", CreatedAt: now}
	encoded, err := Encode(jc)
	require.NoError(t, err)

	decoded, err := Decode(encoded, time.Hour, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, jc.LeaderURL, decoded.LeaderURL)
	require.Equal(t, jc.PSK, decoded.PSK)
}

func TestJoinCodeExpired(t *testing.T) {
	now := time.Now()
	jc := JoinCode{LeaderURL: "https://leader.local", PSK: "x", CreatedAt: now.Add(-2 * time.Hour)}
	encoded, err := Encode(jc)
	require.NoError(t, err)

	_, err = Decode(encoded, time.Hour, now)
	require.ErrorIs(t, err, ErrJoinCodeExpired)
}

func TestJoinCodeRejectsBadScheme(t *testing.T) {
	jc := JoinCode{LeaderURL: "ftp://leader.local", PSK: "x", CreatedAt: time.Now()}
	encoded, _ := Encode(jc)
	_, err := Decode(encoded, time.Hour, time.Now())
	require.ErrorIs(t, err, ErrInvalidJoinCode)
}

func TestReadyStandaloneAndLeaderAlwaysOK(t *testing.T) {
	require.True(t, Ready(RoleStandalone, RoleStandalone, time.Time{}, false, 20*time.Second))
	require.True(t, Ready(RoleLeader, RoleLeader, time.Time{}, false, 20*time.Second))
}

func TestReadyFollowerEffectiveLeaderOK(t *testing.T) {
	require.True(t, Ready(RoleFollower, RoleLeader, time.Time{}, false, 20*time.Second))
}

func TestReadyFollowerRequiresFreshSync(t *testing.T) {
	require.False(t, Ready(RoleFollower, RoleFollower, time.Time{}, false, 20*time.Second))
	require.True(t, Ready(RoleFollower, RoleFollower, time.Now(), true, 20*time.Second))
	require.False(t, Ready(RoleFollower, RoleFollower, time.Now().Add(-time.Minute), true, 20*time.Second))
}

// TestFollowerReadOnlyGuard mirrors S8's guard check: a configured follower
// rejects a mutating /api/clients/:id request regardless of effective role.
func TestFollowerReadOnlyGuard(t *testing.T) {
	require.True(t, IsReadOnlyBlocked(RoleFollower, "PUT", "/api/clients/abc"))
	require.False(t, IsReadOnlyBlocked(RoleFollower, "GET", "/api/clients/abc"))
	require.False(t, IsReadOnlyBlocked(RoleFollower, "POST", "/api/cluster/sync/export"))
	require.False(t, IsReadOnlyBlocked(RoleFollower, "POST", "/api/auth/login"))
	require.False(t, IsReadOnlyBlocked(RoleLeader, "PUT", "/api/clients/abc"))
}

func TestRoleOverrideFallsBackWhenMissing(t *testing.T) {
	ro := NewRoleOverride("/nonexistent/path/for/sentinel-test", time.Millisecond)
	require.Equal(t, RoleLeader, EffectiveRole(RoleLeader, ro))
}
