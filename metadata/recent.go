package metadata

import (
	"sync"

	"metadex/infohash"
)

const recentSize = 50

// recentRing remembers the most recently collected hashes, newest last.
type recentRing struct {
	mu     sync.Mutex
	hashes []infohash.Hash
}

func (r *recentRing) add(h infohash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hashes) >= recentSize {
		copy(r.hashes, r.hashes[1:])
		r.hashes = r.hashes[:len(r.hashes)-1]
	}
	r.hashes = append(r.hashes, h)
}

// last returns up to n hashes, newest first.
func (r *recentRing) last(n int) []infohash.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	n = min(n, len(r.hashes))
	out := make([]infohash.Hash, 0, max(n, 0))
	for i := len(r.hashes) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.hashes[i])
	}
	return out
}
