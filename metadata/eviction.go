package metadata

import (
	"sort"
	"sync"
	"time"

	"metadex/datamodel/torrent"
	"metadex/infohash"

	log "github.com/sirupsen/logrus"
)

// Weight limits
const (
	maxRetryWeight  = 10
	maxRelevance    = 25000
	maxAgeDays      = 1000
	maxPeerWeight   = 1000
	secondsPerDay   = 24 * 60 * 60
	evictHeadroomPc = 95
)

var statusWeight = map[torrent.Status]int64{
	torrent.StatusGood:    0,
	torrent.StatusUnknown: 1,
	torrent.StatusDead:    2,
}

// Weight scores a record for eviction. Higher weights are deleted first: dead, often retried, old and
// poorly seeded torrents score high, relevant and well seeded ones low.
func Weight(rec *torrent.Record, now time.Time) int64 {
	h := rec.HealthOrDefault()

	retry := min(int64(rec.RetryNumber), maxRetryWeight)
	relevance := min(rec.RelevanceOrZero(), maxRelevance)
	age := max(now.Unix()-creationTime(rec), secondsPerDay)
	ageDays := min(age/secondsPerDay, maxAgeDays)
	leechers := min(h.Leechers, maxPeerWeight)
	seeders := min(h.Seeders, maxPeerWeight)

	return statusWeight[h.Status]*1000 + retry*100 + ageDays - relevance/10 - leechers - 3*seeders
}

func creationTime(rec *torrent.Record) int64 {
	switch {
	case rec.Info.CreationDate != nil:
		return *rec.Info.CreationDate
	case !rec.InsertTime.IsZero():
		return rec.InsertTime.Unix()
	default:
		return 0
	}
}

// Evictor keeps the number of managed metadata objects under a ceiling.
type Evictor struct {
	mu       sync.Mutex
	count    int // -1 until loaded from the index
	ceiling  int
	evicting bool

	index   torrent.TorrentIndex
	now     func() time.Time
	metrics *Metrics
}

func NewEvictor(index torrent.TorrentIndex, ceiling int, now func() time.Time, m *Metrics) *Evictor {
	if now == nil {
		now = time.Now
	}
	return &Evictor{
		count:   -1,
		ceiling: ceiling,
		index:   index,
		now:     now,
		metrics: m,
	}
}

// Count returns the number of managed objects, loading it from the index on first use.
func (e *Evictor) Count() int {
	if err := e.load(); err != nil {
		log.Warnf("evictor: failed to count torrents: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return max(e.count, 0)
}

// Increment accounts for one newly stored object. Before the first load the call is a no-op, the
// load picks the object up.
func (e *Evictor) Increment() {
	e.mu.Lock()
	if e.count >= 0 {
		e.count++
	}
	n := e.count
	e.mu.Unlock()
	if n >= 0 {
		e.metrics.setManaged(n)
	}
}

// Decrement accounts for one object removed outside of eviction.
func (e *Evictor) Decrement() {
	e.mu.Lock()
	if e.count > 0 {
		e.count--
	}
	n := e.count
	e.mu.Unlock()
	if n >= 0 {
		e.metrics.setManaged(n)
	}
}

// SetCeiling changes the maximum number of managed objects. Zero or less disables eviction.
func (e *Evictor) SetCeiling(n int) {
	e.mu.Lock()
	e.ceiling = n
	e.mu.Unlock()
}

func (e *Evictor) load() error {
	e.mu.Lock()
	loaded := e.count >= 0
	e.mu.Unlock()
	if loaded {
		return nil
	}

	hashes, err := e.index.Enumerate()
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.count < 0 {
		e.count = len(hashes)
	}
	n := e.count
	e.mu.Unlock()
	e.metrics.setManaged(n)
	return nil
}

// CheckOverflow deletes the highest-weight objects once the count exceeds the ceiling, leaving
// 95% of the ceiling. It returns the number of objects deleted.
func (e *Evictor) CheckOverflow() int {
	if err := e.load(); err != nil {
		log.Warnf("evictor: failed to count torrents: %v", err)
		return 0
	}

	e.mu.Lock()
	if e.ceiling <= 0 || e.count <= e.ceiling || e.evicting {
		e.mu.Unlock()
		return 0
	}
	ceiling := e.ceiling
	e.evicting = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.evicting = false
		e.mu.Unlock()
	}()
	return e.limitSpace(ceiling)
}

type weighted struct {
	hash   infohash.Hash
	weight int64
}

func (e *Evictor) limitSpace(ceiling int) int {
	hashes, err := e.index.Enumerate()
	if err != nil {
		log.Warnf("evictor: failed to enumerate torrents: %v", err)
		return 0
	}

	// The counter may have drifted, the index decides how many go
	numToDelete := 0
	if len(hashes) > ceiling {
		numToDelete = len(hashes) - ceiling*evictHeadroomPc/100
	}
	if numToDelete == 0 {
		e.mu.Lock()
		e.count = len(hashes)
		e.mu.Unlock()
		e.metrics.setManaged(len(hashes))
		return 0
	}

	// Step 1: Weigh every managed record
	now := e.now()
	candidates := make([]weighted, 0, len(hashes))
	for _, h := range hashes {
		rec, err := e.index.Get(h)
		if err != nil {
			log.Debugf("evictor: skipping %s: %v", h.Short(), err)
			continue
		}
		candidates = append(candidates, weighted{hash: h, weight: Weight(rec, now)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight < candidates[j].weight
		}
		return candidates[i].hash.String() < candidates[j].hash.String()
	})

	// Step 2: Delete the tail
	numToDelete = min(numToDelete, len(candidates))
	deleted := 0
	for _, c := range candidates[len(candidates)-numToDelete:] {
		n, err := e.index.Delete(c.hash, true)
		if err != nil {
			log.Warnf("evictor: failed to delete %s: %v", c.hash.Short(), err)
			continue
		}
		if n > 0 {
			deleted++
		}
	}

	// Resync with what the index holds
	e.mu.Lock()
	e.count = max(len(hashes)-deleted, 0)
	n := e.count
	e.mu.Unlock()

	e.metrics.setManaged(n)
	e.metrics.evictedObjects(deleted)
	log.Infof("evictor: deleted %d of %d torrents over the limit", deleted, numToDelete)
	return deleted
}
