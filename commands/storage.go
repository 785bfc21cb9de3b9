package commands

import (
	"metadex/config"
	"metadex/datastore/flatfs"
	"metadex/datastore/leveldb"
	"metadex/metadata"

	log "github.com/sirupsen/logrus"
)

// openStorage opens the metadata directory and the torrent index described by cfg.
func openStorage(cfg *config.Config) (*flatfs.FlatFS, *leveldb.TorrentIndex) {
	store, err := flatfs.NewOS(cfg.Collector.StorageDirectory, metadata.MaxTorrentSize)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}

	index, err := leveldb.NewTorrentIndex(cfg.DataStore.IndexPath, store)
	if err != nil {
		log.Fatalf("Failed to open torrent index: %v", err)
	}

	return store, index
}
