package commands

import (
	"context"
	"time"

	"metadex/config"
	"metadex/infohash"
	"metadex/metadata"
	"metadex/swarm/node"

	log "github.com/sirupsen/logrus"
)

// RunFetch asks a configured peer for the metadata of one torrent and waits for it to be stored.
func RunFetch(ctx context.Context, cfg *config.Config, peer string, hash string, timeout time.Duration) {
	h, err := infohash.FromString(hash)
	if err != nil {
		log.Fatalf("Invalid info hash %q: %v", hash, err)
	}

	store, index := openStorage(cfg)
	defer index.Close()

	n, err := node.New(cfg, store, index, nil, nil)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(rctx) }()
	defer func() {
		cancel()
		<-done
	}()

	fctx, fcancel := context.WithTimeout(ctx, timeout)
	defer fcancel()
	if err := n.Fetch(fctx, metadata.PeerID(peer), h); err != nil {
		log.Errorf("Failed to fetch %s from %s: %v", h, peer, err)
		return
	}

	rec, err := index.Get(h)
	if err != nil {
		log.Errorf("Fetched %s but it is not indexed: %v", h, err)
		return
	}
	log.Infof("Fetched %s: %q, %d bytes in %d files", h, rec.Info.Name, rec.Info.Length, rec.Info.NumFiles)
}
