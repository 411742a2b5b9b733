package geoip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupPrivateRanges(t *testing.T) {
	r := Open("", 0)
	defer r.Close()

	for _, ip := range []string{"10.1.2.3", "192.168.1.1", "172.16.0.5", "127.0.0.1", "100.64.0.1"} {
		loc, reason := r.Lookup(ip)
		require.Empty(t, reason)
		require.True(t, loc.Private)
		require.Equal(t, privateNetworkLabel, loc.Country)
	}
}

func TestLookupMissingDatabase(t *testing.T) {
	r := Open("/nonexistent/geoip.mmdb", 0)
	defer r.Close()

	_, reason := r.Lookup("8.8.8.8")
	require.Equal(t, ReasonDatabaseUnset, reason)
}

func TestGridSnap(t *testing.T) {
	lat, lon := gridSnap(37.774934, -122.419418)
	require.InDelta(t, 37.7, lat, 0.001)
	require.InDelta(t, -122.4, lon, 0.001)
}

func TestLookupInvalidIP(t *testing.T) {
	r := Open("", 0)
	defer r.Close()
	_, reason := r.Lookup("not-an-ip")
	require.Equal(t, ReasonLookupFailed, reason)
}
