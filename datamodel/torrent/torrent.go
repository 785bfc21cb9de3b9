package torrent

import (
	"metadex/infohash"
	"time"
)

type Status string

const (
	StatusGood    Status = "good"
	StatusUnknown Status = "unknown"
	StatusDead    Status = "dead"
)

// ParseStatus maps a wire or database status string to a Status. Unrecognized values become StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusGood, StatusDead:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Info is the structural summary extracted from a validated metadata blob.
type Info struct {
	Name         string     `cbor:"1,keyasint,omitempty"`
	Length       int64      `cbor:"2,keyasint,omitempty"` // Total content length in bytes
	NumFiles     int        `cbor:"3,keyasint,omitempty"`
	Announce     string     `cbor:"4,keyasint,omitempty"`
	AnnounceList [][]string `cbor:"5,keyasint,omitempty"`
	CreationDate *int64     `cbor:"6,keyasint,omitempty"` // Unix seconds, nil when the torrent carries none
	Categories   []string   `cbor:"7,keyasint,omitempty"`
}

// Health is the tracker-derived liveness of a torrent. Seeders and Leechers are -1 when unknown.
type Health struct {
	Seeders   int64     `cbor:"1,keyasint"`
	Leechers  int64     `cbor:"2,keyasint"`
	LastCheck time.Time `cbor:"3,keyasint,omitempty"`
	Status    Status    `cbor:"4,keyasint,omitempty"`
}

// UnknownHealth is what a record without tracker data reports.
func UnknownHealth() Health {
	return Health{Seeders: -1, Leechers: -1, Status: StatusUnknown}
}

// Record is the persisted representation of a collected torrent.
type Record struct {
	InfoHash     infohash.Hash `cbor:"1,keyasint"`
	Dir          string        `cbor:"2,keyasint,omitempty"` // Directory holding the metadata file
	FileName     string        `cbor:"3,keyasint,omitempty"` // Empty when only the hash is known
	Info         Info          `cbor:"4,keyasint"`
	Health       *Health       `cbor:"5,keyasint,omitempty"`
	RetryNumber  int           `cbor:"6,keyasint,omitempty"`
	IgnoreNumber int           `cbor:"7,keyasint,omitempty"`
	Source       string        `cbor:"8,keyasint,omitempty"` // Where the metadata came from, "BC" for buddycast collection
	InsertTime   time.Time     `cbor:"9,keyasint"`
	Relevance    *int64        `cbor:"10,keyasint,omitempty"`
}

// HealthOrDefault is the single place where missing health fields get their defaults.
func (r *Record) HealthOrDefault() Health {
	if r == nil || r.Health == nil {
		return UnknownHealth()
	}
	h := *r.Health
	h.Status = ParseStatus(string(h.Status))
	return h
}

func (r *Record) RelevanceOrZero() int64 {
	if r == nil || r.Relevance == nil {
		return 0
	}
	return *r.Relevance
}

// HasMetadata reports whether the record points at a stored metadata file.
func (r *Record) HasMetadata() bool {
	return r != nil && r.FileName != ""
}

func (r *Record) IsDead() bool {
	return r.HealthOrDefault().Status == StatusDead
}

// MetadataStore defines the interface for storing raw metadata blobs addressed by info hash.
type MetadataStore interface {
	// Has checks if a blob for the given hash exists in the store.
	Has(infohash.Hash) (bool, error)

	// Get returns the blob. Missing and oversized files are both reported as not found.
	Get(infohash.Hash) ([]byte, error)

	// Put stores a blob and returns the path of the written file.
	Put(infohash.Hash, []byte) (string, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(infohash.Hash) error

	// Path returns the directory and file name a blob is stored under.
	Path(infohash.Hash) (dir string, name string)

	// Close releases any resources held by the store.
	Close() error
}

// TorrentIndex defines the interface for the torrent database.
type TorrentIndex interface {
	// Get retrieves the record for a hash.
	// It returns an error wrapping a not-found sentinel when the hash is unknown.
	Get(infohash.Hash) (*Record, error)

	// Put stores a record. If a record carrying metadata already exists for the hash, the call is a
	// no-op and returns false.
	Put(*Record) (bool, error)

	// Delete removes the record and, if deleteFile is set, its metadata file.
	// It returns the number of records removed.
	Delete(h infohash.Hash, deleteFile bool) (int, error)

	// Enumerate returns the hashes of all records that carry stored metadata.
	Enumerate() ([]infohash.Hash, error)

	// Has checks if metadata for the hash has been collected.
	Has(infohash.Hash) (bool, error)

	// UpdateHealth replaces the health fields of an existing record.
	UpdateHealth(infohash.Hash, Health) error

	// Close releases any resources held by the index.
	Close() error
}
