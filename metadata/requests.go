package metadata

import (
	"sync"
	"time"

	"metadex/infohash"
)

// RequestTracker is the set of hashes this node has asked peers for. Only metadata for a tracked hash is
// ever accepted.
type RequestTracker struct {
	mu        sync.Mutex
	ttl       time.Duration // 0 keeps entries until cleared
	requested map[infohash.Hash]time.Time
	now       func() time.Time
}

func NewRequestTracker(ttl time.Duration, now func() time.Time) *RequestTracker {
	if now == nil {
		now = time.Now
	}
	return &RequestTracker{
		ttl:       ttl,
		requested: make(map[infohash.Hash]time.Time),
		now:       now,
	}
}

func (t *RequestTracker) Mark(h infohash.Hash) {
	t.mu.Lock()
	t.requested[h] = t.now()
	t.mu.Unlock()
}

func (t *RequestTracker) IsRequested(h infohash.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.requested[h]
	if !ok {
		return false
	}
	return t.ttl <= 0 || t.now().Sub(at) < t.ttl
}

func (t *RequestTracker) Clear(h infohash.Hash) {
	t.mu.Lock()
	delete(t.requested, h)
	t.mu.Unlock()
}

func (t *RequestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requested)
}

// Expire drops entries older than the TTL and returns how many were removed.
func (t *RequestTracker) Expire(now time.Time) int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for h, at := range t.requested {
		if now.Sub(at) >= t.ttl {
			delete(t.requested, h)
			n++
		}
	}
	return n
}
