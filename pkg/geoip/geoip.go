// Package geoip resolves answer IPs to country/city for query-log
// aggregation, backed by an mmap-cached MaxMind database reader that
// re-stats its file at most once per interval to pick up rotations.
package geoip

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// Location is a resolved answer IP's geographic classification.
type Location struct {
	Country   string
	City      string
	Lat, Lon  float64
	HasCoords bool
	// Private is true for loopback/link-local/RFC1918/ULA addresses,
	// which are classified as "Private Network" rather than looked up.
	Private bool
}

const privateNetworkLabel = "Private Network"

// MissingReason buckets an entry with no usable location.
type MissingReason string

const (
	ReasonNoIPAnswer    MissingReason = "No IP answers (non-A/AAAA)"
	ReasonBlockedNoIP   MissingReason = "Blocked (no IP answers)"
	ReasonLookupFailed  MissingReason = "GeoIP lookup failed"
	ReasonDatabaseUnset MissingReason = "GeoIP database not configured"
)

// Reader wraps a geoip2.Reader with mtime-based cache invalidation; the
// underlying mmap is only reopened when the file's mtime changes and at
// most once per restatInterval.
type Reader struct {
	path           string
	restatInterval time.Duration

	mu        sync.RWMutex
	db        *geoip2.Reader
	modTime   time.Time
	lastStat  time.Time
	openErr   error
}

// Open builds a Reader for path; restatInterval defaults to 60s. A missing
// or unreadable file is tolerated: Lookup reports ReasonDatabaseUnset until
// a valid database appears at path.
func Open(path string, restatInterval time.Duration) *Reader {
	if restatInterval <= 0 {
		restatInterval = 60 * time.Second
	}
	r := &Reader{path: path, restatInterval: restatInterval}
	r.reload()
	return r
}

func (r *Reader) reload() {
	if r.path == "" {
		return
	}
	info, err := os.Stat(r.path)
	if err != nil {
		r.mu.Lock()
		r.openErr = err
		r.mu.Unlock()
		return
	}

	r.mu.RLock()
	unchanged := r.db != nil && info.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return
	}

	db, err := geoip2.Open(r.path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.openErr = err
		return
	}
	if r.db != nil {
		_ = r.db.Close()
	}
	r.db = db
	r.modTime = info.ModTime()
	r.openErr = nil
}

func (r *Reader) maybeRestat() {
	r.mu.Lock()
	due := time.Since(r.lastStat) >= r.restatInterval
	if due {
		r.lastStat = time.Now()
	}
	r.mu.Unlock()
	if due {
		r.reload()
	}
}

// Lookup classifies ip, preferring the private-range check over any
// database lookup.
func (r *Reader) Lookup(ip string) (Location, MissingReason) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, ReasonLookupFailed
	}
	if isPrivate(parsed) {
		return Location{Country: privateNetworkLabel, Private: true}, ""
	}

	r.maybeRestat()

	r.mu.RLock()
	db := r.db
	err := r.openErr
	r.mu.RUnlock()

	if db == nil {
		if err != nil {
			return Location{}, ReasonDatabaseUnset
		}
		return Location{}, ReasonDatabaseUnset
	}

	city, lookupErr := db.City(parsed)
	if lookupErr != nil {
		return Location{}, ReasonLookupFailed
	}

	loc := Location{
		Country: city.Country.Names["en"],
		City:    city.City.Names["en"],
	}
	if city.Location.Latitude != 0 || city.Location.Longitude != 0 {
		loc.Lat, loc.Lon = gridSnap(city.Location.Latitude, city.Location.Longitude)
		loc.HasCoords = true
	}
	return loc, ""
}

// gridSnap buckets coordinates to a 0.1-degree grid (~11km), matching the
// density the geo-distribution view aggregates to.
func gridSnap(lat, lon float64) (float64, float64) {
	const grid = 0.1
	return snap(lat, grid), snap(lon, grid)
}

func snap(v, grid float64) float64 {
	return float64(int(v/grid)) * grid
}

func isPrivate(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("geoip: invalid built-in CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// Close releases the underlying mmap, if open.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
