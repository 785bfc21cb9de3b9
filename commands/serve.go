package commands

import (
	"context"
	"net"

	"metadex/config"
	"metadex/swarm/node"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	log "github.com/sirupsen/logrus"
)

func RunServe(ctx context.Context, cfg *config.Config) {
	store, index := openStorage(cfg)
	defer index.Close()

	l, err := net.Listen("tcp", cfg.Network.Listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Network.Listen, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New(cfg, store, index, l, registry)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	log.Infof("Managing %d torrents in %s", n.Handler.NumTorrents(), cfg.Collector.StorageDirectory)

	if err := n.Run(ctx); err != nil {
		log.Fatalf("Node stopped: %v", err)
	}
	log.Info("Node stopped")
}
