package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"metadex/classifier"
	"metadex/config"
	"metadex/datamodel/torrent"
	"metadex/datastore/diskspace"
	"metadex/helper/timer"
	"metadex/infohash"
	"metadex/metadata"
	"metadex/net/overlay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

type Node struct {
	// Node ID
	NodeID  metadata.PeerID
	Address string

	// Storage
	Store torrent.MetadataStore
	Index torrent.TorrentIndex

	// Networking
	Overlay  *overlay.Overlay
	listener net.Listener

	// Metadata exchange
	Handler   *metadata.Handler
	Available *AvailabilityTracker

	// Metrics
	registry      *prometheus.Registry
	metricsListen string

	requestTTL time.Duration
}

// New wires a node together. listener may be nil for a node that only dials out, registry may be nil
// to disable metrics.
func New(cfg *config.Config, store torrent.MetadataStore, index torrent.TorrentIndex, listener net.Listener, registry *prometheus.Registry) (*Node, error) {
	if cfg.Node.ID == "" {
		return nil, errors.New("node id is not configured")
	}

	node := &Node{
		NodeID:        metadata.PeerID(cfg.Node.ID),
		Address:       cfg.Network.Advertise,
		Store:         store,
		Index:         index,
		listener:      listener,
		Available:     NewAvailabilityTracker(),
		registry:      registry,
		metricsListen: cfg.Metrics.Listen,
		requestTTL:    cfg.Collector.RequestTTL,
	}
	if node.Address == "" && listener != nil {
		node.Address = listener.Addr().String()
	}

	// Set up the overlay
	node.Overlay = overlay.New(overlay.Config{
		NodeID:            cfg.Node.ID,
		Version:           cfg.Node.ProtocolVersion,
		AdvertiseAddr:     node.Address,
		MessagesPerSecond: cfg.Network.MessagesPerSecond,
		Burst:             cfg.Network.Burst,
		DialTimeout:       cfg.Network.DialTimeout,
	}, nil)
	for _, p := range cfg.Network.Peers {
		node.Overlay.AddPeer(metadata.PeerID(p.ID), p.Address)
	}

	// Set up the metadata handler
	var metrics *metadata.Metrics
	if registry != nil {
		metrics = metadata.NewMetrics(registry)
	}
	node.Handler = metadata.NewHandler(metadata.Config{
		MinFreeSpaceMB: cfg.Collector.MinFreeSpaceMB,
		MaxManaged:     cfg.Collector.MaxManagedObjects,
		UploadRateKBs:  cfg.Collector.UploadRateKBs,
		RequestTTL:     cfg.Collector.RequestTTL,
	}, metadata.Deps{
		Store:      store,
		Index:      index,
		Transport:  node.Overlay,
		Classifier: classifier.New(cfg.ClassifierCategories()),
		FreeSpace:  diskspace.Free,
		Notifier:   logNotifier{},
		Metrics:    metrics,
	})
	node.Handler.SetMetadataConsumer(node.Available)
	node.Overlay.SetHandler(node.Handler)

	log.Infof("I am %s, listening on %s, %d static peers", node.NodeID, node.Address, len(cfg.Network.Peers))

	return node, nil
}

// Fetch requests metadata for h from peer and waits until it has been stored locally.
func (n *Node) Fetch(ctx context.Context, peer metadata.PeerID, h infohash.Hash) error {
	// Subscribe first, the answer may arrive before RequestMetadata returns
	ready, cancel := n.Available.Subscribe(h)
	defer cancel()

	select {
	case err := <-n.Handler.RequestMetadata(ctx, peer, h):
		if err != nil {
			return fmt.Errorf("request %s from %s: %w", h.Short(), peer, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) drainUploads(ctx context.Context) error {
	n.Handler.DrainUploads()
	return nil
}

func (n *Node) expireRequests(ctx context.Context) error {
	if expired := n.Handler.ExpireRequests(); expired > 0 {
		log.Infof("Dropped %d unanswered metadata requests", expired)
	}
	return nil
}

func (n *Node) refreshFreeSpace(ctx context.Context) error {
	free := n.Handler.RefreshFreeSpace()
	log.Debugf("Free space in storage directory: %d MB", free>>20)
	return nil
}

func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: n.metricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s", n.metricsListen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	if n.listener != nil {
		wg.Go(func() error {
			err := n.Overlay.Serve(cctx, n.listener)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if n.registry != nil && n.metricsListen != "" {
		wg.Go(func() error {
			return n.serveMetrics(cctx)
		})
	}

	wg.Go(func() error {
		return ignoreCancel(timer.RunWithTicker(cctx, &timer.Interval{Name: "upload drain", Duration: time.Second}, n.drainUploads))
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Name:      "free space refresh",
			Duration:  5 * time.Minute,
			Jitter:    10 * time.Second,
			Immediate: true,
		}
		return ignoreCancel(timer.RunWithTicker(cctx, interval, n.refreshFreeSpace))
	})

	if n.requestTTL > 0 {
		wg.Go(func() error {
			interval := &timer.Interval{Name: "request expiry", Duration: max(n.requestTTL/2, time.Second)}
			return ignoreCancel(timer.RunWithTicker(cctx, interval, n.expireRequests))
		})
	}

	wg.Go(func() error {
		<-cctx.Done()
		return n.Overlay.Close()
	})

	return wg.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
