package metadata

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports handler activity. A nil *Metrics records nothing.
type Metrics struct {
	messages      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	stored        prometheus.Counter
	evicted       prometheus.Counter
	uploadedBytes prometheus.Counter
	uploadQueue   prometheus.Gauge
	requested     prometheus.Gauge
	managed       prometheus.Gauge
	freeSpace     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metadex",
			Name:      "messages_total",
			Help:      "Overlay messages handled, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metadex",
			Name:      "rejected_total",
			Help:      "Metadata messages dropped, by reason.",
		}, []string{"reason"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metadex",
			Name:      "stored_total",
			Help:      "Metadata objects persisted.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metadex",
			Name:      "evicted_total",
			Help:      "Metadata objects deleted by the eviction policy.",
		}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metadex",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of METADATA messages sent to peers.",
		}),
		uploadQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metadex",
			Name:      "upload_queue_length",
			Help:      "Pending upload tasks.",
		}),
		requested: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metadex",
			Name:      "requested_hashes",
			Help:      "Hashes requested from peers and not yet received.",
		}),
		managed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metadex",
			Name:      "managed_objects",
			Help:      "Metadata objects currently managed.",
		}),
		freeSpace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metadex",
			Name:      "free_space_bytes",
			Help:      "Last measured free space in the storage directory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.rejected, m.stored, m.evicted, m.uploadedBytes,
			m.uploadQueue, m.requested, m.managed, m.freeSpace)
	}
	return m
}

func (m *Metrics) message(kind string) {
	if m != nil {
		m.messages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) storedObject() {
	if m != nil {
		m.stored.Inc()
	}
}

func (m *Metrics) evictedObjects(n int) {
	if m != nil {
		m.evicted.Add(float64(n))
	}
}

func (m *Metrics) uploaded(n int) {
	if m != nil {
		m.uploadedBytes.Add(float64(n))
	}
}

func (m *Metrics) setUploadQueue(n int) {
	if m != nil {
		m.uploadQueue.Set(float64(n))
	}
}

func (m *Metrics) setRequested(n int) {
	if m != nil {
		m.requested.Set(float64(n))
	}
}

func (m *Metrics) setManaged(n int) {
	if m != nil {
		m.managed.Set(float64(n))
	}
}

func (m *Metrics) setFreeSpace(n int64) {
	if m != nil {
		m.freeSpace.Set(float64(n))
	}
}
