package querylog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/geoip"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

func TestDecodeIngestBodyParsesArray(t *testing.T) {
	body := `[{"domain":"example.com.","type":"A","status":"PERMITTED","answerIps":["1.2.3.4"]}]`
	entries, err := DecodeIngestBody(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "example.com.", entries[0].Domain)
}

func TestDecodeIngestBodyRejectsOversized(t *testing.T) {
	oversized := bytes.Repeat([]byte("a"), MaxIngestBodyBytes+10)
	_, err := DecodeIngestBody(bytes.NewReader(oversized))
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestAggregateGeoBucketsPrivateAndMissing(t *testing.T) {
	reader := geoip.Open("", 0)
	defer reader.Close()

	entries := []storage.QueryLogEntry{
		{Status: "PERMITTED", AnswerIPs: []string{"192.168.1.5"}},
		{Status: "BLOCKED"},
		{Status: "PERMITTED"},
	}
	summary := AggregateGeo(reader, entries)
	require.Equal(t, 1, summary.ByCountry["Private Network"])
	require.Equal(t, 1, summary.Missing[geoip.ReasonBlockedNoIP])
	require.Equal(t, 1, summary.Missing[geoip.ReasonNoIPAnswer])
}
