package cluster

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrReplay is returned when a nonce was already seen within its TTL.
	ErrReplay = errors.New("nonce replayed")
	// ErrSkew is returned when the request timestamp is outside the
	// allowed clock skew.
	ErrSkew = errors.New("timestamp skew exceeded")
	// ErrBadSignature is returned when the HMAC does not verify.
	ErrBadSignature = errors.New("signature mismatch")
)

// Sign computes HMAC-SHA256(psk, method|path|tsMs|nonce|body) and returns
// the hex-encoded digest.
func Sign(psk, method, path string, tsMs int64, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(psk))
	mac.Write([]byte(method))
	mac.Write([]byte{'|'})
	mac.Write([]byte(path))
	mac.Write([]byte{'|'})
	mac.Write([]byte(itoa(tsMs)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'|'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// nonceCache is a process-local, mutex-protected LRU with TTL eviction used
// to reject replayed cluster requests.
type nonceCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[string]*list.Element
}

type nonceEntry struct {
	nonce string
	seen  time.Time
}

func newNonceCache(capacity int, ttl time.Duration) *nonceCache {
	if capacity <= 0 {
		capacity = 5000
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &nonceCache{capacity: capacity, ttl: ttl, order: list.New(), index: map[string]*list.Element{}}
}

// seenOrAdd reports whether nonce was already recorded (unexpired); if not,
// it records it and returns false.
func (c *nonceCache) seenOrAdd(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)

	if el, ok := c.index[nonce]; ok {
		entry := el.Value.(*nonceEntry)
		if now.Sub(entry.seen) < c.ttl {
			return true
		}
		c.order.Remove(el)
		delete(c.index, nonce)
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*nonceEntry).nonce)
		}
	}

	el := c.order.PushFront(&nonceEntry{nonce: nonce, seen: now})
	c.index[nonce] = el
	return false
}

func (c *nonceCache) evictExpiredLocked(now time.Time) {
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*nonceEntry)
		if now.Sub(entry.seen) < c.ttl {
			return
		}
		c.order.Remove(back)
		delete(c.index, entry.nonce)
	}
}

// Verifier validates signed cluster request headers against a shared PSK.
type Verifier struct {
	psk    string
	skew   time.Duration
	nonces *nonceCache
}

// NewVerifier builds a Verifier. skew defaults to 2 minutes; nonceCacheSize
// and nonceTTL default to 5000 and 2 minutes.
func NewVerifier(psk string, skew time.Duration, nonceCacheSize int, nonceTTL time.Duration) *Verifier {
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Verifier{psk: psk, skew: skew, nonces: newNonceCache(nonceCacheSize, nonceTTL)}
}

// Verify checks the timestamp skew, rejects replayed nonces, and verifies
// the HMAC signature in constant time.
func (v *Verifier) Verify(method, path string, tsMs int64, nonce, signature string, body []byte) error {
	now := time.Now().UnixMilli()
	delta := now - tsMs
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > v.skew {
		return ErrSkew
	}

	expected := Sign(v.psk, method, path, tsMs, nonce, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrBadSignature
	}

	if v.nonces.seenOrAdd(nonce, time.Now()) {
		return ErrReplay
	}
	return nil
}
