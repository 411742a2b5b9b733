package cluster

import "time"

// Ready reports /api/cluster/ready semantics: standalone and leader are
// always ok; a configured follower whose effective role has become leader
// (VIP owner) is ok without a recent sync; a configured follower whose
// effective role is still follower is ok only if it synced within
// freshness.
func Ready(configured Role, effective Role, lastSync time.Time, hasSynced bool, freshness time.Duration) bool {
	switch configured {
	case RoleStandalone, RoleLeader:
		return true
	case RoleFollower:
		if effective == RoleLeader {
			return true
		}
		if !hasSynced {
			return false
		}
		if freshness <= 0 {
			freshness = 20 * time.Second
		}
		return time.Since(lastSync) < freshness
	default:
		return true
	}
}
