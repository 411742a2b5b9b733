// Package cache is the process-local DNS response cache: queryName|type to
// wire bytes, keyed off the minimum TTL across an upstream response's
// answers.
package cache

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

type entry struct {
	responseBytes []byte
	expiresAt     time.Time // monotonic
	size          int
}

// Cache is a concurrent, size-bounded response cache that evicts the
// oldest-inserted entry on overflow and periodically sweeps expired entries.
// Reads do not refresh an entry's position in the eviction order.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	order       []string // insertion order, oldest first
	maxEntries  int
	negativeTTL time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}

	hits, misses, evictions, sets int64
}

// New builds a Cache. negativeTTL is applied to NXDOMAIN/empty-answer
// responses, which otherwise carry no TTL to derive from.
func New(maxEntries int, negativeTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{
		entries:     map[string]*entry{},
		maxEntries:  maxEntries,
		negativeTTL: negativeTTL,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// makeKey avoids fmt.Sprintf on the hot path.
func makeKey(name string, qtype uint16) string {
	return name + "|" + dns.TypeToString[qtype]
}

// Get returns cached wire bytes for (name, qtype) if present and unexpired.
func (c *Cache) Get(name string, qtype uint16) ([]byte, bool) {
	key := makeKey(name, qtype)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.recordMiss()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return e.responseBytes, true
}

// Set stores msg's wire bytes using the minimum TTL across its answers. A
// zero minimum TTL means do not cache; NXDOMAIN and empty-answer responses
// use negativeTTL instead (and are not cached when negativeTTL is zero).
func (c *Cache) Set(name string, qtype uint16, msg *dns.Msg) {
	ttl := determineTTL(msg, c.negativeTTL)
	if ttl <= 0 {
		return
	}

	packed, err := msg.Pack()
	if err != nil {
		return
	}

	key := makeKey(name, qtype)
	e := &entry{responseBytes: packed, expiresAt: time.Now().Add(ttl), size: len(packed)}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.evictIfFullLocked()
		c.order = append(c.order, key)
	}
	c.entries[key] = e
	c.sets++
	c.mu.Unlock()
}

func determineTTL(msg *dns.Msg, negativeTTL time.Duration) time.Duration {
	if msg == nil {
		return 0
	}
	if msg.Rcode == dns.RcodeNameError || len(msg.Answer) == 0 {
		return negativeTTL
	}

	min := uint32(0)
	for i, rr := range msg.Answer {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	if min == 0 {
		return 0
	}
	return time.Duration(min) * time.Second
}

func (c *Cache) evictIfFullLocked() {
	if len(c.entries) < c.maxEntries {
		return
	}
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			c.evictions++
			return
		}
	}
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) recordHit()  { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *Cache) recordMiss() { c.mu.Lock(); c.misses++; c.mu.Unlock() }

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	Sets      int64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries: len(c.entries), Hits: c.hits, Misses: c.misses,
		Evictions: c.evictions, Sets: c.sets,
	}
}

// Clear empties the cache without affecting counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]*entry{}
	c.order = nil
	c.mu.Unlock()
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	close(c.stopCleanup)
	<-c.cleanupDone
}
