package leveldb

import (
	"errors"
	"fmt"
	"metadex/datamodel/torrent"
	"metadex/infohash"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixTorrent = "TOR" // Torrent record indexed by info hash. Followed by the 40 character hex hash
)

var _ torrent.TorrentIndex = (*TorrentIndex)(nil)

// TorrentIndex stores torrent records in LevelDB. Metadata files are removed through the attached store.
type TorrentIndex struct {
	LevelDB
	files torrent.MetadataStore
}

func NewTorrentIndex(path string, files torrent.MetadataStore) (*TorrentIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &TorrentIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
		files: files,
	}, nil
}

// getLocked fetches and decodes a record. Caller holds l.mu.
func (l *TorrentIndex) getLocked(h infohash.Hash) (*torrent.Record, error) {
	raw, err := l.db.Get(keyFromHash(h), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, err
	}

	rec := &torrent.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the hash just in case
	if rec.InfoHash != h {
		log.Errorf("Get: hash mismatch: %s != %s", h, rec.InfoHash)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *TorrentIndex) putLocked(rec *torrent.Record) error {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Put(keyFromHash(rec.InfoHash), raw, nil)
}

func (l *TorrentIndex) Get(h infohash.Hash) (*torrent.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(h)
}

func (l *TorrentIndex) Put(rec *torrent.Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.getLocked(rec.InfoHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if existing.HasMetadata() {
		log.Debugf("Put: metadata for %s already collected, skipping update", rec.InfoHash)
		return false, nil
	}

	if err := l.putLocked(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (l *TorrentIndex) Delete(h infohash.Hash, deleteFile bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(h)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	if err := l.db.Delete(keyFromHash(h), nil); err != nil {
		return 0, err
	}

	if deleteFile && rec.HasMetadata() && l.files != nil {
		if err := l.files.Delete(h); err != nil {
			// The record is gone, a leftover file is only wasted space
			log.Warnf("Delete: record %s removed but file could not be deleted: %v", h, err)
		}
	}

	return 1, nil
}

func (l *TorrentIndex) Has(h infohash.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(h)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.HasMetadata(), nil
}

func (l *TorrentIndex) UpdateHealth(h infohash.Hash, health torrent.Health) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(h)
	if err != nil {
		return err
	}
	rec.Health = &health
	return l.putLocked(rec)
}

// Records returns every record in the index, with or without metadata.
func (l *TorrentIndex) Records() ([]*torrent.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*torrent.Record

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixTorrent)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &torrent.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			h, _ := hashFromKey(iter.Key())
			log.Warnf("Records: skipping undecodable record %s: %v", h, err)
			continue
		}
		results = append(results, rec)
	}

	return results, iter.Error()
}

func (l *TorrentIndex) Enumerate() ([]infohash.Hash, error) {
	records, err := l.Records()
	if err != nil {
		return nil, err
	}

	var hashes []infohash.Hash
	for _, rec := range records {
		if rec.HasMetadata() {
			hashes = append(hashes, rec.InfoHash)
		}
	}
	return hashes, nil
}
