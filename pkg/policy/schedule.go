package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseTimeToMinutes parses "HH:MM" into minutes-of-day, validating the
// 00:00..23:59 range.
func parseTimeToMinutes(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return h*60 + m, nil
}

// activeNow reports whether the schedule's time window contains now, given
// its day-of-week membership and optional midnight wrap.
func activeNow(s Schedule, now time.Time) bool {
	if !s.Active {
		return false
	}
	if !dayInList(now.Weekday(), s.Days) {
		return false
	}

	startMin, err := parseTimeToMinutes(s.StartTime)
	if err != nil {
		return false
	}
	endMin, err := parseTimeToMinutes(s.EndTime)
	if err != nil {
		return false
	}

	nowMin := now.Hour()*60 + now.Minute()

	if startMin > endMin {
		// Wraps midnight: active from startMin through 23:59 and from
		// 00:00 up to (not including) endMin.
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

func dayInList(day time.Weekday, days []time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// effectiveSchedule returns the first schedule in profile whose window is
// active right now, or nil.
func effectiveSchedule(profile *ClientProfile, now time.Time) *Schedule {
	if profile == nil {
		return nil
	}
	for i := range profile.Schedules {
		if activeNow(profile.Schedules[i], now) {
			return &profile.Schedules[i]
		}
	}
	return nil
}

// appSuffixes maps a known app id to the domain suffixes that identify it.
// This is a small, static table; operators extend blockedApps by id, not by
// raw domain, so the mapping lives in code rather than storage.
var appSuffixes = map[string][]string{
	"discord":   {"discord.com", "discordapp.com", "discord.gg"},
	"tiktok":    {"tiktok.com", "tiktokcdn.com", "musical.ly"},
	"youtube":   {"youtube.com", "googlevideo.com", "ytimg.com"},
	"instagram": {"instagram.com", "cdninstagram.com"},
	"facebook":  {"facebook.com", "fbcdn.net"},
	"snapchat":  {"snapchat.com", "sc-cdn.net"},
	"netflix":   {"netflix.com", "nflxvideo.net"},
	"steam":     {"steampowered.com", "steamcommunity.com", "steamcontent.com"},
	"twitch":    {"twitch.tv", "ttvnw.net"},
	"roblox":    {"roblox.com", "rbxcdn.com"},
}

// isAppBlocked returns the first app id in blockedApps whose known suffix
// set contains any suffix of queryName, or "" if none match.
func isAppBlocked(queryName string, blockedApps []string) string {
	candidates := Candidates(Normalize(queryName))
	candidateSet := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		candidateSet[c] = true
	}

	for _, app := range blockedApps {
		suffixes, ok := appSuffixes[strings.ToLower(app)]
		if !ok {
			continue
		}
		for _, s := range suffixes {
			if candidateSet[s] {
				return app
			}
		}
	}
	return ""
}
