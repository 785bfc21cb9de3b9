// Package leveldb implements the torrent.TorrentIndex interface
package leveldb

import (
	"errors"
	"fmt"
	"metadex/infohash"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

var (
	ErrCorrupted = fmt.Errorf("corrupted")
	ErrNotFound  = errors.New("torrent not found")
)

// Records keep nanosecond timestamps, the CBOR default would truncate them to seconds.
var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFromHash(h infohash.Hash) []byte {
	return append([]byte(keyPrefixTorrent), []byte(h.String())...)
}

func hashFromKey(key []byte) (infohash.Hash, error) {
	if len(key) != len(keyPrefixTorrent)+2*infohash.Size {
		return infohash.Hash{}, fmt.Errorf("hashFromKey: invalid key length: %d", len(key))
	}
	if string(key[:len(keyPrefixTorrent)]) != keyPrefixTorrent {
		return infohash.Hash{}, fmt.Errorf("hashFromKey: invalid key prefix: %s", string(key[:len(keyPrefixTorrent)]))
	}
	return infohash.FromString(string(key[len(keyPrefixTorrent):]))
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, attempting recovery", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
