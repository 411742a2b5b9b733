package cluster

import "strings"

// readonlyAllowlist lists the /api/* path prefixes a configured follower
// still permits mutating requests against.
var readonlyAllowlist = []string{
	"/api/cluster/",
	"/api/health",
	"/api/auth/login",
	"/api/auth/logout",
	"/api/auth/change-password",
	"/api/query-logs/",
	"/api/suspicious/ignored",
	"/api/notifications/feed/mark-read",
	"/api/maintenance/query-logs/",
	"/api/maintenance/notifications/clear",
	"/api/maintenance/ignored-anomalies/clear",
}

// mutatingMethods are the HTTP methods the read-only guard applies to; GET
// and HEAD always pass through.
var mutatingMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// IsReadOnlyBlocked reports whether a request to path with the given method
// must be rejected with FOLLOWER_READONLY: the stored (configured) role is
// follower, the method mutates state, and the path is outside the
// allowlist. The effective role (after VIP override) is irrelevant here —
// a configured follower is always read-only regardless of effective role.
func IsReadOnlyBlocked(configured Role, method, path string) bool {
	if configured != RoleFollower {
		return false
	}
	if !mutatingMethods[strings.ToUpper(method)] {
		return false
	}
	for _, allowed := range readonlyAllowlist {
		if strings.HasPrefix(path, allowed) || path == strings.TrimSuffix(allowed, "/") {
			return false
		}
	}
	return true
}
