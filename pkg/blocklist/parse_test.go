package blocklist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLineVariants(t *testing.T) {
	cases := []struct {
		line   string
		domain string
		ok     bool
	}{
		{"# a comment", "", false},
		{"! adblock comment", "", false},
		{"0.0.0.0 ads.example.com", "ads.example.com", true},
		{"ads.example.com", "ads.example.com", true},
		{"||tracker.example.org^", "tracker.example.org", true},
		{"||*.cdn.example.net^", "cdn.example.net", true},
		{"|https://bad.example.com/path", "bad.example.com", true},
		{"https://bad2.example.com/path?x=1", "bad2.example.com", true},
		{"@@||exception.example.com^", "", false},
		{"##.some-cosmetic-rule", "", false},
		{"example.com#@#selector", "", false},
		{"||localhost^", "", false},
		{"sub.localhost", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		domain, ok := parseLine(tc.line)
		assert.Equal(t, tc.ok, ok, "line: %q", tc.line)
		if ok {
			assert.Equal(t, tc.domain, domain, "line: %q", tc.line)
		}
	}
}

func TestNormalizeDomainRejectsInvalid(t *testing.T) {
	bad := []string{"", "nodot", "-leading.com", "trailing-.com", "has..dot.com", "has_underscore.com"}
	for _, d := range bad {
		_, ok := normalizeDomain(d)
		assert.False(t, ok, "expected reject: %q", d)
	}

	good, ok := normalizeDomain("Example.COM.")
	assert.True(t, ok)
	assert.Equal(t, "example.com", good)
}

// S7 — blocklist refresh parse.
func TestParseS7FetchedSet(t *testing.T) {
	body := "# c\n0.0.0.0 ads.example.com\n||tracker.example.org^\n||localhost^\n"
	var domains []string
	for _, line := range []string{"# c", "0.0.0.0 ads.example.com", "||tracker.example.org^", "||localhost^"} {
		if d, ok := parseLine(line); ok {
			domains = append(domains, d)
		}
	}
	_ = body
	assert.ElementsMatch(t, []string{"ads.example.com", "tracker.example.org"}, domains)
}
