package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdempotent(t *testing.T) {
	assert.Equal(t, Normalize("Example.COM."), Normalize(Normalize("Example.COM.")))
	assert.Equal(t, Normalize("EXAMPLE.com"), Normalize("example.COM"))
}

func TestCandidatesMonotonicity(t *testing.T) {
	full := Candidates(Normalize("a.b.example.com"))
	short := Candidates(Normalize("b.example.com"))

	fullSet := map[string]bool{}
	for _, c := range full {
		fullSet[c] = true
	}
	for _, c := range short {
		assert.True(t, fullSet[c], "expected %q in candidates(a.b.example.com)", c)
	}
}

func TestScopeRoundTrip(t *testing.T) {
	cases := []RuleScope{
		Manual(),
		Client("c1"),
		Subnet("s1"),
		BlocklistScope("b1"),
		ClientPolicy("InternetPaused"),
	}
	for _, scope := range cases {
		parsed, err := ParseScope(scope.String())
		require.NoError(t, err)
		assert.Equal(t, scope, parsed)
	}
}

// S1 — forward allowed: no rules seeded, PERMITTED.
func TestDecideS1ForwardAllowed(t *testing.T) {
	idx := NewIndex()
	d := Decide(idx, "allowed.test", "127.0.0.1", "A", time.Now())
	assert.Equal(t, StatusPermitted, d.Status)
}

// S2 — manual block rule.
func TestDecideS2ManualBlock(t *testing.T) {
	idx := Build(
		[]Rule{{Domain: "blocked.test", Type: RuleBlocked, Category: Manual().String()}},
		nil, nil, nil, ProtectionPause{Mode: PauseOff},
	)
	d := Decide(idx, "blocked.test", "127.0.0.1", "A", time.Now())
	assert.Equal(t, StatusBlocked, d.Status)
	assert.Equal(t, "Manual", d.BlocklistID)
}

// S3 — protection pause bypass.
func TestDecideS3ProtectionPauseBypass(t *testing.T) {
	idx := Build(
		[]Rule{{Domain: "blocked.test", Type: RuleBlocked, Category: Manual().String()}},
		nil, nil, nil, ProtectionPause{Mode: PauseForever},
	)
	d := Decide(idx, "blocked.test", "127.0.0.1", "A", time.Now())
	assert.Equal(t, StatusPermitted, d.Status)
	assert.True(t, d.ProtectionPaused)
}

// S4 — client kill switch overrides an active pause.
func TestDecideS4ClientKillSwitch(t *testing.T) {
	client := &ClientProfile{ID: "c1", IP: "127.0.0.2", IsInternetPaused: true}
	idx := Build(nil, nil, []*ClientProfile{client}, nil, ProtectionPause{Mode: PauseForever})
	d := Decide(idx, "allowed.test", "127.0.0.2", "A", time.Now())
	assert.Equal(t, StatusBlocked, d.Status)
	assert.Equal(t, "ClientPolicy:InternetPaused", d.BlocklistID)
	assert.False(t, d.ProtectionPaused)
}

// S5 — schedule blockAll wins when pause is off.
func TestDecideS5ScheduleBlockAll(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	client := &ClientProfile{
		ID: "c1", IP: "127.0.0.3",
		Schedules: []Schedule{{
			ID: "sch1", Days: []time.Weekday{now.Weekday()},
			StartTime: "00:00", EndTime: "23:59", Active: true, BlockAll: true,
		}},
	}
	idx := Build(nil, nil, []*ClientProfile{client}, nil, ProtectionPause{Mode: PauseOff})
	d := Decide(idx, "anything.test", "127.0.0.3", "A", now)
	assert.Equal(t, StatusBlocked, d.Status)
	assert.Equal(t, "ClientPolicy:BlockAll", d.BlocklistID)
}

// S6 — subnet policy precedence, then flip the client to
// useGlobalSettings=false with no assigned blocklists.
func TestDecideS6SubnetPrecedence(t *testing.T) {
	bl := &Blocklist{ID: "B1", Enabled: true, Mode: ModeActive}
	subnet := &ClientProfile{ID: "sub1", Type: ProfileSubnet, CIDR: "10.0.0.0/24"}
	client := &ClientProfile{ID: "c1", IP: "10.0.0.5", UseGlobalSettings: true}

	rules := []Rule{{Domain: "ads.example.com", Type: RuleBlocked, Category: BlocklistScope("B1").String()}}

	idx := Build(rules, []*Blocklist{bl}, []*ClientProfile{subnet, client}, nil, ProtectionPause{Mode: PauseOff})
	d := Decide(idx, "ads.example.com", "10.0.0.5", "A", time.Now())
	assert.Equal(t, StatusBlocked, d.Status)
	assert.Equal(t, "Blocklist:B1", d.BlocklistID)

	client2 := &ClientProfile{ID: "c1", IP: "10.0.0.5", UseGlobalSettings: false, AssignedBlocklists: nil}
	idx2 := Build(rules, []*Blocklist{bl}, []*ClientProfile{subnet, client2}, nil, ProtectionPause{Mode: PauseOff})
	d2 := Decide(idx2, "ads.example.com", "10.0.0.5", "A", time.Now())
	assert.Equal(t, StatusPermitted, d2.Status)
}

// Invariant 4 — ACTIVE strictly beats SHADOW regardless of insertion order.
func TestDecideActiveBeatsShadow(t *testing.T) {
	shadow := &Blocklist{ID: "shadow-first", Enabled: true, Mode: ModeShadow}
	active := &Blocklist{ID: "active-second", Enabled: true, Mode: ModeActive}
	rules := []Rule{
		{Domain: "ads.example.com", Type: RuleBlocked, Category: BlocklistScope("shadow-first").String()},
		{Domain: "ads.example.com", Type: RuleBlocked, Category: BlocklistScope("active-second").String()},
	}
	idx := Build(rules, []*Blocklist{shadow, active}, nil, nil, ProtectionPause{Mode: PauseOff})
	d := Decide(idx, "ads.example.com", "198.51.100.1", "A", time.Now())
	assert.Equal(t, StatusBlocked, d.Status)
}

func TestScheduleActiveNowMidnightWrap(t *testing.T) {
	sched := Schedule{Active: true, Days: []time.Weekday{time.Monday}, StartTime: "22:00", EndTime: "06:00"}
	late := time.Date(2026, 7, 27, 23, 0, 0, 0, time.UTC) // Monday
	assert.True(t, activeNow(sched, late))

	early := time.Date(2026, 7, 28, 5, 0, 0, 0, time.UTC) // Tuesday, still within wrap from Monday? not same day
	assert.False(t, activeNow(sched, early))
}

func TestDecisionDeterminism(t *testing.T) {
	idx := Build(
		[]Rule{{Domain: "blocked.test", Type: RuleBlocked, Category: Manual().String()}},
		nil, nil, nil, ProtectionPause{Mode: PauseOff},
	)
	now := time.Now()
	d1 := Decide(idx, "blocked.test", "127.0.0.1", "A", now)
	d2 := Decide(idx, "blocked.test", "127.0.0.1", "A", now)
	assert.Equal(t, d1, d2)
}
