package metadata

import (
	"context"
	"metadex/datamodel/torrent"
	"metadex/infohash"

	"github.com/anacrolix/torrent/metainfo"
)

// PeerID identifies a peer on the overlay.
type PeerID string

// ConnectResult is delivered once per Transport.Connect call.
type ConnectResult struct {
	// Version is the overlay protocol version negotiated with the peer.
	Version int
	Err     error
}

// Transport is the overlay the handler talks through. Both calls return immediately; the returned
// channel receives exactly one value once the operation completes.
type Transport interface {
	Connect(ctx context.Context, peer PeerID) <-chan ConnectResult
	Send(ctx context.Context, peer PeerID, msg []byte) <-chan error
}

// Classifier assigns category labels and reports their ranks. A category ranked classifier.BannedRank
// excludes the torrent.
type Classifier interface {
	Classify(info *metainfo.Info, name string) []string
	RankOf(category string) int
}

// FreeSpaceFunc reports the free bytes on the filesystem holding path.
type FreeSpaceFunc func(path string) (uint64, error)

type EventKind int

const (
	EventDiskFull EventKind = iota
	EventMetadataAcquired
)

func (k EventKind) String() string {
	switch k {
	case EventDiskFull:
		return "disk-full"
	case EventMetadataAcquired:
		return "metadata-acquired"
	default:
		return "unknown"
	}
}

// Notifier receives user-facing activity events.
type Notifier interface {
	Notify(kind EventKind, detail string)
}

// MetadataConsumer is called when metadata for a hash becomes available locally, either freshly
// received or already on disk.
type MetadataConsumer interface {
	OnMetadataReady(h infohash.Hash, raw []byte)
}

// TorrentReceiver is called for every torrent received from a peer and stored.
type TorrentReceiver interface {
	OnTorrentReceived(h infohash.Hash, raw []byte)
}

// HealthChecker checks the trackers of a newly collected torrent that arrived without health data.
type HealthChecker interface {
	CheckNow(rec *torrent.Record)
}

type nopNotifier struct{}

func (nopNotifier) Notify(EventKind, string) {}
