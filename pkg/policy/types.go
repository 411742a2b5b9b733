// Package policy implements the per-query decision engine: an immutable,
// atomically-published rule index and the deterministic eight-phase
// algorithm that resolves (queryName, clientIP) into a decision.
package policy

import "time"

// RuleType distinguishes an allow rule from a block rule.
type RuleType string

const (
	RuleBlocked RuleType = "BLOCKED"
	RuleAllowed RuleType = "ALLOWED"
)

// Rule is a single domain/type/category tuple. Manual rules and blocklist
// rules share this table; Category (via RuleScope) distinguishes them.
type Rule struct {
	ID        int64
	Domain    string
	Type      RuleType
	Category  string
	CreatedAt time.Time
}

// BlocklistMode controls whether a matching blocklist rule actually blocks
// (ACTIVE) or only logs what would have been blocked (SHADOW).
type BlocklistMode string

const (
	ModeActive BlocklistMode = "ACTIVE"
	ModeShadow BlocklistMode = "SHADOW"
)

// Blocklist describes one remote hostlist source and its refresh state.
type Blocklist struct {
	ID            string
	Name          string
	URL           string
	Enabled       bool
	Mode          BlocklistMode
	LastUpdatedAt *time.Time
	LastError     string
	LastRuleCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProfileType enumerates the kinds of client/subnet profile.
type ProfileType string

const (
	ProfileLaptop     ProfileType = "laptop"
	ProfileSmartphone ProfileType = "smartphone"
	ProfileTV         ProfileType = "tv"
	ProfileGame       ProfileType = "game"
	ProfileIOT        ProfileType = "iot"
	ProfileTablet     ProfileType = "tablet"
	ProfileSubnet     ProfileType = "subnet"
)

// ClientProfile is a client or subnet policy target.
type ClientProfile struct {
	ID                  string
	Type                ProfileType
	IP                  string // exact-match clients
	CIDR                string // subnet profiles
	IsInternetPaused    bool
	UseGlobalSettings   bool
	UseGlobalCategories bool
	UseGlobalApps       bool
	AssignedBlocklists  []string
	BlockedCategories   []string
	BlockedApps         []string
	Schedules           []Schedule

	// DisplayName/Notes are operator-facing labels, additive to the core
	// profile fields and never consulted by the decision algorithm.
	DisplayName string
	Notes       string
}

// IsSubnet reports whether this profile matches by CIDR rather than exact IP.
func (p *ClientProfile) IsSubnet() bool {
	return p.Type == ProfileSubnet || p.CIDR != ""
}

// ScheduleMode selects between a plain sleep-style schedule and a custom
// expr-lang expression.
type ScheduleMode string

const (
	ScheduleSleep  ScheduleMode = "sleep"
	ScheduleCustom ScheduleMode = "custom"
)

// Schedule is an active-time-window policy, optionally blocking everything
// or a set of categories/apps while active.
type Schedule struct {
	ID                string
	Days              []time.Weekday
	StartTime         string // "HH:MM"
	EndTime           string // "HH:MM", may be < StartTime (midnight wrap)
	Active            bool
	Mode              ScheduleMode
	BlockAll          bool
	BlockedCategories []string
	BlockedApps       []string

	// Expression is consulted only when Mode == ScheduleCustom; it is
	// compiled with expr-lang and evaluated against a ScheduleContext.
	Expression string
}

// Rewrite is a local DNS answer override.
type Rewrite struct {
	ID     string
	Domain string // normalized, no trailing dot
	Target string // IPv4/IPv6 literal or hostname
}

// PauseMode is the protection-pause state.
type PauseMode string

const (
	PauseOff     PauseMode = "OFF"
	PauseUntil   PauseMode = "UNTIL"
	PauseForever PauseMode = "FOREVER"
)

// ProtectionPause is the global kill switch for rule-based blocking.
type ProtectionPause struct {
	Mode  PauseMode
	Until *time.Time
}

// Active reports whether the pause is presently in effect.
func (p ProtectionPause) Active(now time.Time) bool {
	switch p.Mode {
	case PauseForever:
		return true
	case PauseUntil:
		return p.Until != nil && now.Before(*p.Until)
	default:
		return false
	}
}

// DecisionStatus is the outcome of policy evaluation for one query.
type DecisionStatus string

const (
	StatusPermitted     DecisionStatus = "PERMITTED"
	StatusBlocked       DecisionStatus = "BLOCKED"
	StatusShadowBlocked DecisionStatus = "SHADOW_BLOCKED"
	StatusRewritten     DecisionStatus = "REWRITTEN"
)

// Decision is the result of evaluating one query against the index.
type Decision struct {
	Status           DecisionStatus
	BlocklistID      string // surfaced category id when BLOCKED/SHADOW_BLOCKED
	ProtectionPaused bool
	RewriteTarget    string // set when Status == StatusRewritten
}
