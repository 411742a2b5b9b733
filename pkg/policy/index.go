package policy

import (
	"net"
	"sort"
	"sync/atomic"
)

// Index is the built-once-per-refresh, read-mostly snapshot the decision
// algorithm evaluates against. A new Index is built wholesale on each
// refresh and published atomically; readers always see one consistent view.
type Index struct {
	GlobalManualAllowed map[string]bool
	GlobalManualBlocked map[string]bool

	ManualAllowedByClientID map[string]map[string]bool
	ManualBlockedByClientID map[string]map[string]bool
	ManualAllowedBySubnetID map[string]map[string]bool
	ManualBlockedBySubnetID map[string]map[string]bool

	// BlockedByDomain unions every blocklist that owns the domain, enabled
	// or not; Decide skips disabled ones.
	BlockedByDomain map[string][]string

	BlocklistsByID map[string]*Blocklist
	Clients        []*ClientProfile
	Rewrites       map[string]*Rewrite
	Pause          ProtectionPause
}

// NewIndex returns an empty index ready for population.
func NewIndex() *Index {
	return &Index{
		GlobalManualAllowed:     map[string]bool{},
		GlobalManualBlocked:     map[string]bool{},
		ManualAllowedByClientID: map[string]map[string]bool{},
		ManualBlockedByClientID: map[string]map[string]bool{},
		ManualAllowedBySubnetID: map[string]map[string]bool{},
		ManualBlockedBySubnetID: map[string]map[string]bool{},
		BlockedByDomain:         map[string][]string{},
		BlocklistsByID:          map[string]*Blocklist{},
		Rewrites:                map[string]*Rewrite{},
	}
}

// Build assembles an Index from flat storage rows. It never mutates inputs
// and never retains slices passed in (everything is copied into fresh maps)
// so the returned Index is safe to publish and share across goroutines.
func Build(rules []Rule, blocklists []*Blocklist, clients []*ClientProfile, rewrites []*Rewrite, pause ProtectionPause) *Index {
	idx := NewIndex()

	for _, bl := range blocklists {
		b := bl
		idx.BlocklistsByID[b.ID] = b
	}

	for _, r := range rules {
		scope, err := ParseScope(r.Category)
		if err != nil {
			continue
		}
		domain := Normalize(r.Domain)

		switch scope.Kind {
		case ScopeManual:
			if r.Type == RuleAllowed {
				idx.GlobalManualAllowed[domain] = true
			} else {
				idx.GlobalManualBlocked[domain] = true
			}
		case ScopeClient:
			target := idx.ManualBlockedByClientID
			if r.Type == RuleAllowed {
				target = idx.ManualAllowedByClientID
			}
			if target[scope.ID] == nil {
				target[scope.ID] = map[string]bool{}
			}
			target[scope.ID][domain] = true
		case ScopeSubnet:
			target := idx.ManualBlockedBySubnetID
			if r.Type == RuleAllowed {
				target = idx.ManualAllowedBySubnetID
			}
			if target[scope.ID] == nil {
				target[scope.ID] = map[string]bool{}
			}
			target[scope.ID][domain] = true
		case ScopeBlocklist:
			if r.Type != RuleBlocked {
				continue
			}
			idx.BlockedByDomain[domain] = append(idx.BlockedByDomain[domain], scope.ID)
		}
	}
	for domain, ids := range idx.BlockedByDomain {
		sort.Strings(ids)
		idx.BlockedByDomain[domain] = ids
	}

	idx.Clients = make([]*ClientProfile, len(clients))
	copy(idx.Clients, clients)

	for _, rw := range rewrites {
		idx.Rewrites[Normalize(rw.Domain)] = rw
	}

	idx.Pause = pause

	return idx
}

// ResolveClient implements the client resolution order: exact IP match,
// then longest-prefix CIDR subnet match, else nil (global defaults apply).
func (idx *Index) ResolveClient(clientIP string) *ClientProfile {
	ip := net.ParseIP(clientIP)

	for _, c := range idx.Clients {
		if !c.IsSubnet() && c.IP == clientIP {
			return c
		}
	}

	if ip == nil {
		return nil
	}

	var best *ClientProfile
	bestPrefix := -1
	for _, c := range idx.Clients {
		if !c.IsSubnet() || c.CIDR == "" {
			continue
		}
		_, network, err := net.ParseCIDR(c.CIDR)
		if err != nil || !network.Contains(ip) {
			continue
		}
		ones, _ := network.Mask.Size()
		if ones > bestPrefix {
			bestPrefix = ones
			best = c
		}
	}
	return best
}

// Store holds the published Index behind an atomic pointer. Coalescing of
// concurrent rebuild requests is done by Engine, not here.
type Store struct {
	current atomic.Pointer[Index]
}

// NewStore creates a Store pre-populated with an empty Index so readers
// never observe a nil snapshot before the first refresh completes.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(NewIndex())
	return s
}

// Load returns the currently published Index. Safe for concurrent use.
func (s *Store) Load() *Index {
	return s.current.Load()
}

// Publish atomically swaps in a newly built Index.
func (s *Store) Publish(idx *Index) {
	s.current.Store(idx)
}
