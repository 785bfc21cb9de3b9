package metadata

import (
	"sync"
	"time"

	"metadex/infohash"
)

// UploadTask is a queued reply to a GET_METADATA request.
type UploadTask struct {
	Peer    PeerID
	Hash    infohash.Hash
	Path    string
	Version int
}

// sendFunc performs one upload and returns the number of bytes sent.
type sendFunc func(task UploadTask) int

// UploadScheduler serves queued uploads one at a time, pacing them so the average outgoing rate stays
// under the configured limit.
type UploadScheduler struct {
	mu    sync.Mutex
	queue []UploadTask
	rate  int64 // bytes per second
	next  time.Time
	busy  bool

	send    sendFunc
	now     func() time.Time
	metrics *Metrics
}

func NewUploadScheduler(rateKBs int, send sendFunc, now func() time.Time, m *Metrics) *UploadScheduler {
	if now == nil {
		now = time.Now
	}
	return &UploadScheduler{
		rate:    int64(rateKBs) * 1024,
		send:    send,
		now:     now,
		metrics: m,
	}
}

// Enqueue appends a task and serves the head of the queue right away when pacing allows.
func (s *UploadScheduler) Enqueue(task UploadTask) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	n := len(s.queue)
	s.mu.Unlock()
	s.metrics.setUploadQueue(n)

	if s.Eligible() {
		s.Drain()
	}
}

// Eligible reports whether a Drain call would currently be allowed to send.
func (s *UploadScheduler) Eligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligibleLocked()
}

func (s *UploadScheduler) eligibleLocked() bool {
	return s.rate > 0 && !s.busy && !s.now().Before(s.next)
}

// Drain serves at most one queued task. It returns true if a task was taken from the queue.
func (s *UploadScheduler) Drain() bool {
	s.mu.Lock()
	if len(s.queue) == 0 || !s.eligibleLocked() {
		s.mu.Unlock()
		return false
	}
	task := s.queue[0]
	s.queue[0] = UploadTask{}
	s.queue = s.queue[1:]
	s.busy = true
	n := len(s.queue)
	s.mu.Unlock()
	s.metrics.setUploadQueue(n)

	sent := s.send(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.rate > 0 {
		s.next = s.now().Add(time.Duration(sent)*time.Second/time.Duration(s.rate) + time.Second)
	}
	return true
}

func (s *UploadScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SetRate changes the upload limit. A rate of zero or less stops all uploads.
func (s *UploadScheduler) SetRate(kbs int) {
	s.mu.Lock()
	s.rate = int64(kbs) * 1024
	s.mu.Unlock()
}
