package metadata

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMinFreeSpaceMB is used when the configured minimum is unset.
	DefaultMinFreeSpaceMB = 200
	// AverageTorrentSize is the size assumed when checking space before a request.
	AverageTorrentSize = 25 << 10
	// refreshEvery forces a fresh free-space measurement after this many accepted objects.
	refreshEvery = 10
)

// Admission decides whether there is room on disk for another metadata object. It works from a cached
// free-space estimate and only measures the disk when the estimate gets close to the minimum.
type Admission struct {
	mu       sync.Mutex
	free     int64
	minFree  int64
	accepted int

	dir      string
	measure  FreeSpaceFunc
	evictor  *Evictor
	notifier Notifier
	metrics  *Metrics
}

func NewAdmission(dir string, minFreeMB int, measure FreeSpaceFunc, evictor *Evictor, notifier Notifier, m *Metrics) *Admission {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	a := &Admission{
		dir:      dir,
		measure:  measure,
		evictor:  evictor,
		notifier: notifier,
		metrics:  m,
	}
	a.SetMinFreeSpace(minFreeMB)
	a.Refresh()
	return a
}

// SetMinFreeSpace sets the space that must stay free on disk. Zero or less restores the default.
func (a *Admission) SetMinFreeSpace(mb int) {
	if mb <= 0 {
		mb = DefaultMinFreeSpaceMB
	}
	a.mu.Lock()
	a.minFree = int64(mb) << 20
	a.mu.Unlock()
}

// Refresh measures the disk and replaces the estimate. A failed measurement counts as a full disk.
func (a *Admission) Refresh() int64 {
	var free int64
	n, err := a.measure(a.dir)
	if err != nil {
		log.Warnf("admission: failed to measure free space in %s: %v", a.dir, err)
	} else {
		free = int64(min(n, uint64(1<<62)))
	}

	a.mu.Lock()
	a.free = free
	a.mu.Unlock()
	a.metrics.setFreeSpace(free)
	return free
}

func (a *Admission) FreeSpace() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// CanAccept reports whether an object of size bytes fits. The estimate is re-measured when it is too
// low or after every refreshEvery accepted objects. A refusal emits one disk-full notification.
func (a *Admission) CanAccept(size int64) bool {
	return a.check(size, true)
}

// CanRequest is CanAccept without the periodic re-measurement, used before asking a peer.
func (a *Admission) CanRequest(size int64) bool {
	return a.check(size, false)
}

func (a *Admission) check(size int64, periodic bool) bool {
	a.mu.Lock()
	stale := a.free-size < a.minFree || (periodic && a.accepted%refreshEvery == 0)
	a.mu.Unlock()
	if !stale {
		return true
	}

	free := a.Refresh()
	a.mu.Lock()
	minFree := a.minFree
	a.mu.Unlock()
	if free-size >= minFree {
		return true
	}

	log.Warnf("admission: disk full, %d bytes free, %d required", free, minFree+size)
	a.notifier.Notify(EventDiskFull, fmt.Sprintf("%d MB free in %s", free>>20, a.dir))
	return false
}

// AfterAccept accounts for a stored object and runs the overflow check.
func (a *Admission) AfterAccept(size int64) {
	a.mu.Lock()
	a.accepted++
	a.free -= size
	free := a.free
	a.mu.Unlock()
	a.metrics.setFreeSpace(free)

	if a.evictor == nil {
		return
	}
	a.evictor.Increment()
	if a.evictor.CheckOverflow() > 0 {
		a.Refresh()
	}
}
