package policy

import "time"

// categorySuffixes maps a blockable category id to representative domain
// suffixes, mirroring appSuffixes but for broader content categories than
// single named apps.
var categorySuffixes = map[string][]string{
	"social":   {"facebook.com", "instagram.com", "twitter.com", "x.com", "snapchat.com", "tiktok.com"},
	"gaming":   {"steampowered.com", "roblox.com", "epicgames.com", "ea.com"},
	"video":    {"youtube.com", "netflix.com", "twitch.tv"},
	"shopping": {"amazon.com", "ebay.com"},
}

func isCategoryBlocked(queryName string, categories []string) string {
	candidates := Candidates(Normalize(queryName))
	candidateSet := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		candidateSet[c] = true
	}
	for _, cat := range categories {
		for _, suffix := range categorySuffixes[cat] {
			if candidateSet[suffix] {
				return cat
			}
		}
	}
	return ""
}

// Decide runs the eight-phase decision algorithm against idx for one query.
// It is a pure function of its arguments: the same (idx, queryName,
// clientIP, queryType, now) always returns the same Decision.
func Decide(idx *Index, queryName, clientIP, queryType string, now time.Time) Decision {
	normalized := Normalize(queryName)
	candidates := Candidates(normalized)
	client := idx.ResolveClient(clientIP)

	paused := idx.Pause.Active(now)

	// Phase 1: protection pause, with the internet-pause kill switch as a
	// hard exception that overrides an active pause.
	if paused {
		if client != nil && client.IsInternetPaused {
			return Decision{Status: StatusBlocked, BlocklistID: ClientPolicy("InternetPaused").String()}
		}
		return Decision{Status: StatusPermitted, ProtectionPaused: true}
	}

	// Phase 2: rewrites.
	if rw, ok := idx.Rewrites[normalized]; ok {
		return Decision{Status: StatusRewritten, RewriteTarget: rw.Target}
	}

	// Phase 3: client internet pause (pause not active).
	if client != nil && client.IsInternetPaused {
		return Decision{Status: StatusBlocked, BlocklistID: ClientPolicy("InternetPaused").String()}
	}

	// Phase 4: client/subnet/global allowlists.
	for _, suf := range candidates {
		if client != nil {
			if client.IsSubnet() && idx.ManualAllowedBySubnetID[client.ID][suf] {
				return Decision{Status: StatusPermitted}
			}
			if !client.IsSubnet() && idx.ManualAllowedByClientID[client.ID][suf] {
				return Decision{Status: StatusPermitted}
			}
		}
		if idx.GlobalManualAllowed[suf] {
			return Decision{Status: StatusPermitted}
		}
	}

	// Phase 5: client/subnet/global manual blocklists.
	for _, suf := range candidates {
		if client != nil {
			if client.IsSubnet() && idx.ManualBlockedBySubnetID[client.ID][suf] {
				return Decision{Status: StatusBlocked, BlocklistID: Subnet(client.ID).String()}
			}
			if !client.IsSubnet() && idx.ManualBlockedByClientID[client.ID][suf] {
				return Decision{Status: StatusBlocked, BlocklistID: Client(client.ID).String()}
			}
		}
		if idx.GlobalManualBlocked[suf] {
			return Decision{Status: StatusBlocked, BlocklistID: Manual().String()}
		}
	}

	// Phase 6: schedule policy.
	if sched := effectiveSchedule(client, now); sched != nil {
		if sched.Mode == ScheduleCustom && sched.Expression != "" {
			ctx := newScheduleContext(queryName, clientIP, queryType, now)
			if evalCustomSchedule(*sched, ctx) {
				return Decision{Status: StatusBlocked, BlocklistID: ClientPolicy("Custom").String()}
			}
		} else {
			if sched.BlockAll {
				return Decision{Status: StatusBlocked, BlocklistID: ClientPolicy("BlockAll").String()}
			}
			if app := isAppBlocked(queryName, sched.BlockedApps); app != "" {
				return Decision{Status: StatusBlocked, BlocklistID: ClientPolicy(app).String()}
			}
			if cat := isCategoryBlocked(queryName, sched.BlockedCategories); cat != "" {
				return Decision{Status: StatusBlocked, BlocklistID: ClientPolicy(cat).String()}
			}
		}
	}

	// Phase 7: selected blocklists, ACTIVE strictly beats SHADOW.
	selectedIDs := selectedBlocklistIDs(idx, client)
	for _, suf := range candidates {
		ids, ok := idx.BlockedByDomain[suf]
		if !ok {
			continue
		}
		hasActive, hasShadow := false, false
		var activeID, shadowID string
		for _, id := range ids {
			if !selectedIDs[id] {
				continue
			}
			bl, ok := idx.BlocklistsByID[id]
			if !ok || !bl.Enabled {
				continue
			}
			switch bl.Mode {
			case ModeActive:
				hasActive = true
				activeID = id
			case ModeShadow:
				hasShadow = true
				shadowID = id
			}
		}
		if hasActive {
			return Decision{Status: StatusBlocked, BlocklistID: BlocklistScope(activeID).String()}
		}
		if hasShadow {
			return Decision{Status: StatusShadowBlocked, BlocklistID: BlocklistScope(shadowID).String()}
		}
	}

	// Phase 8: default.
	return Decision{Status: StatusPermitted}
}

// selectedBlocklistIDs returns the set of blocklist ids this client/subnet
// (or the global default set, when the client defers to global settings or
// no client resolved) should be checked against.
func selectedBlocklistIDs(idx *Index, client *ClientProfile) map[string]bool {
	set := map[string]bool{}
	if client != nil && !client.UseGlobalSettings {
		for _, id := range client.AssignedBlocklists {
			set[id] = true
		}
		return set
	}
	for id := range idx.BlocklistsByID {
		set[id] = true
	}
	return set
}
