package node

import (
	"context"
	"sync"

	"metadex/infohash"
)

type waiterSet struct {
	subscribers map[uint64]chan struct{}
}

// AvailabilityTracker lets callers wait until metadata for a hash becomes available locally.
type AvailabilityTracker struct {
	mu      sync.Mutex
	seq     uint64
	waiters map[infohash.Hash]*waiterSet
}

func NewAvailabilityTracker() *AvailabilityTracker {
	return &AvailabilityTracker{
		waiters: make(map[infohash.Hash]*waiterSet),
	}
}

// OnMetadataReady wakes everyone waiting for h.
func (a *AvailabilityTracker) OnMetadataReady(h infohash.Hash, _ []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ws, ok := a.waiters[h]
	if !ok {
		return
	}
	for _, ch := range ws.subscribers {
		close(ch)
	}
	delete(a.waiters, h)
}

// Subscribe returns a channel that is closed once metadata for h is ready, and a function that
// cancels the subscription.
func (a *AvailabilityTracker) Subscribe(h infohash.Hash) (<-chan struct{}, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ws, ok := a.waiters[h]
	if !ok {
		ws = &waiterSet{subscribers: make(map[uint64]chan struct{})}
		a.waiters[h] = ws
	}
	seq := a.seq
	a.seq++
	ch := make(chan struct{})
	ws.subscribers[seq] = ch

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if ws, ok := a.waiters[h]; ok {
			delete(ws.subscribers, seq)
			if len(ws.subscribers) == 0 {
				delete(a.waiters, h)
			}
		}
	}
	return ch, cancel
}

// Wait blocks until metadata for h is ready or ctx is done.
func (a *AvailabilityTracker) Wait(ctx context.Context, h infohash.Hash) error {
	ch, cancel := a.Subscribe(h)
	defer cancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Pending returns the number of hashes someone is waiting for.
func (a *AvailabilityTracker) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}
