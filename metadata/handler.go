package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"metadex/datamodel/torrent"
	"metadex/infohash"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SourceCollected marks records whose metadata was collected from a peer or found on disk.
const SourceCollected = "BC"

// Config holds the tunables of the handler.
type Config struct {
	MinFreeSpaceMB int
	MaxManaged     int
	UploadRateKBs  int
	RequestTTL     time.Duration
}

// Deps are the collaborators the handler works with. Store, Index, Transport and FreeSpace are
// required; the rest may be nil.
type Deps struct {
	Store      torrent.MetadataStore
	Index      torrent.TorrentIndex
	Transport  Transport
	Classifier Classifier
	FreeSpace  FreeSpaceFunc
	Notifier   Notifier
	Metrics    *Metrics
	Now        func() time.Time
}

// Handler implements the metadata exchange: it answers GET_METADATA requests from peers, requests
// metadata from peers and stores the answers.
type Handler struct {
	store     torrent.MetadataStore
	index     torrent.TorrentIndex
	transport Transport
	notifier  Notifier
	metrics   *Metrics
	now       func() time.Time

	validator *Validator
	admission *Admission
	evictor   *Evictor
	requests  *RequestTracker
	uploads   *UploadScheduler
	recent    recentRing

	inflight singleflight.Group

	mu       sync.RWMutex
	consumer MetadataConsumer
	receiver TorrentReceiver
	checker  HealthChecker
}

func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	dir, _ := deps.Store.Path(infohash.Hash{})

	h := &Handler{
		store:     deps.Store,
		index:     deps.Index,
		transport: deps.Transport,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		now:       deps.Now,
		validator: NewValidator(deps.Classifier),
		requests:  NewRequestTracker(cfg.RequestTTL, deps.Now),
	}
	h.evictor = NewEvictor(deps.Index, cfg.MaxManaged, deps.Now, deps.Metrics)
	h.admission = NewAdmission(dir, cfg.MinFreeSpaceMB, deps.FreeSpace, h.evictor, deps.Notifier, deps.Metrics)
	h.uploads = NewUploadScheduler(cfg.UploadRateKBs, h.upload, deps.Now, deps.Metrics)
	return h
}

// SetMetadataConsumer registers the component told about every locally available metadata blob.
func (h *Handler) SetMetadataConsumer(c MetadataConsumer) {
	h.mu.Lock()
	h.consumer = c
	h.mu.Unlock()
}

// SetTorrentReceiver registers the component told about every torrent received from a peer.
func (h *Handler) SetTorrentReceiver(r TorrentReceiver) {
	h.mu.Lock()
	h.receiver = r
	h.mu.Unlock()
}

func (h *Handler) SetHealthChecker(c HealthChecker) {
	h.mu.Lock()
	h.checker = c
	h.mu.Unlock()
}

// HandleMessage processes one overlay message. It returns false when the message type is not
// understood and the connection should be closed.
func (h *Handler) HandleMessage(peer PeerID, version int, msg []byte) bool {
	if len(msg) == 0 {
		return false
	}
	switch msg[0] {
	case GetMetadataID:
		h.metrics.message("get_metadata")
		h.handleGetMetadata(peer, version, msg[1:])
		return true
	case MetadataID:
		h.metrics.message("metadata")
		h.handleMetadata(peer, version, msg[1:])
		return true
	default:
		log.Debugf("metadata: unknown message 0x%02x from %s", msg[0], peer)
		return false
	}
}

func (h *Handler) handleGetMetadata(peer PeerID, version int, payload []byte) {
	hash, err := DecodeGetMetadata(payload)
	if err != nil {
		log.Debugf("metadata: bad GET_METADATA from %s: %v", peer, err)
		h.metrics.reject(rejectReason(err))
		return
	}
	logger := log.WithFields(log.Fields{"peer": peer, "hash": hash.Short()})

	rec, err := h.index.Get(hash)
	if err != nil {
		logger.Debugf("metadata: requested torrent unknown: %v", err)
		return
	}
	if !rec.HasMetadata() || rec.IsDead() {
		logger.Debug("metadata: requested torrent not servable")
		return
	}
	if ok, err := h.store.Has(hash); err != nil || !ok {
		logger.Debug("metadata: requested torrent file missing")
		return
	}

	h.uploads.Enqueue(UploadTask{
		Peer:    peer,
		Hash:    hash,
		Path:    filepath.Join(rec.Dir, rec.FileName),
		Version: version,
	})
}

// upload sends one queued task and returns the number of bytes sent.
func (h *Handler) upload(task UploadTask) int {
	logger := log.WithFields(log.Fields{"peer": task.Peer, "hash": task.Hash.Short()})

	raw, err := h.store.Get(task.Hash)
	if err != nil {
		if ok, _ := h.store.Has(task.Hash); !ok {
			logger.Infof("metadata: %s is gone, dropping record", task.Path)
			if n, err := h.index.Delete(task.Hash, false); err != nil {
				logger.Warnf("metadata: failed to drop record: %v", err)
			} else if n > 0 {
				h.evictor.Decrement()
			}
		} else {
			logger.Warnf("metadata: failed to read %s: %v", task.Path, err)
		}
		return 0
	}
	if isPrivate(raw) {
		logger.Debug("metadata: not uploading private torrent")
		return 0
	}

	msg := &MetadataMessage{Hash: task.Hash, Metadata: raw}
	if task.Version >= HealthExchangeVersion {
		var health torrent.Health
		if rec, err := h.index.Get(task.Hash); err == nil {
			health = rec.HealthOrDefault()
		} else {
			health = torrent.UnknownHealth()
		}
		msg.Health = newWireHealth(health, h.now())
	}
	data, err := EncodeMetadata(msg)
	if err != nil {
		logger.Warnf("metadata: failed to encode: %v", err)
		return 0
	}

	done := h.transport.Send(context.Background(), task.Peer, data)
	go func() {
		if err := <-done; err != nil {
			logger.Debugf("metadata: upload failed: %v", err)
		}
	}()
	h.metrics.uploaded(len(data))
	return len(data)
}

func isPrivate(raw []byte) bool {
	var outer map[string]bencode.Bytes
	if err := bencode.Unmarshal(raw, &outer); err != nil {
		return false
	}
	var info metainfo.Info
	if err := bencode.Unmarshal(outer["info"], &info); err != nil {
		return false
	}
	return info.Private != nil && *info.Private
}

func (h *Handler) handleMetadata(peer PeerID, version int, payload []byte) {
	msg, err := DecodeMetadata(payload)
	if err != nil {
		log.Debugf("metadata: bad METADATA from %s: %v", peer, err)
		h.metrics.reject(rejectReason(err))
		return
	}
	logger := log.WithFields(log.Fields{"peer": peer, "hash": msg.Hash.Short()})

	if !h.requests.IsRequested(msg.Hash) {
		logger.Debug("metadata: dropping unsolicited metadata")
		h.metrics.reject("unsolicited")
		return
	}
	if has, err := h.index.Has(msg.Hash); err != nil {
		logger.Warnf("metadata: failed to look up torrent: %v", err)
		return
	} else if has {
		h.requests.Clear(msg.Hash)
		h.metrics.reject("duplicate")
		return
	}

	obj, err := h.validator.Validate(msg.Hash, msg.Metadata)
	if err != nil {
		logger.Infof("metadata: rejected: %v", err)
		h.metrics.reject(rejectReason(err))
		return
	}

	var health *torrent.Health
	if version >= HealthExchangeVersion && msg.Health != nil {
		health = msg.Health.toHealth(h.now())
	}

	err = h.save(obj, health)
	h.requests.Clear(msg.Hash)
	h.metrics.setRequested(h.requests.Len())
	if err != nil {
		logger.Warnf("metadata: not stored: %v", err)
		h.metrics.reject(rejectReason(err))
	}
}

// save persists a validated object and its record and tells the registered consumers. Concurrent
// saves of the same hash collapse into one; saving an already stored torrent does nothing.
func (h *Handler) save(obj *Object, health *torrent.Health) error {
	_, err, _ := h.inflight.Do("save:"+obj.Hash.String(), func() (interface{}, error) {
		if has, err := h.index.Has(obj.Hash); err != nil {
			return false, err
		} else if has {
			return false, nil
		}

		size := int64(len(obj.Raw))
		if !h.admission.CanAccept(size) {
			return false, ErrDiskFull
		}

		path, err := h.store.Put(obj.Hash, obj.Raw)
		if err != nil {
			return false, err
		}
		rec := &torrent.Record{
			InfoHash:   obj.Hash,
			Dir:        filepath.Dir(path),
			FileName:   filepath.Base(path),
			Info:       obj.Info,
			Health:     health,
			Source:     SourceCollected,
			InsertTime: h.now(),
		}
		added, err := h.index.Put(rec)
		if err != nil {
			if derr := h.store.Delete(obj.Hash); derr != nil {
				log.WithField("hash", obj.Hash.Short()).Warnf("metadata: failed to remove unindexed file: %v", derr)
			}
			return false, fmt.Errorf("failed to index torrent: %w", err)
		}
		if !added {
			return false, nil
		}

		h.admission.AfterAccept(size)
		h.recent.add(obj.Hash)
		h.metrics.storedObject()
		h.notifier.Notify(EventMetadataAcquired, obj.Info.Name)
		log.WithField("hash", obj.Hash.Short()).Infof("metadata: collected %q", obj.Info.Name)

		h.mu.RLock()
		consumer, receiver, checker := h.consumer, h.receiver, h.checker
		h.mu.RUnlock()
		if consumer != nil {
			consumer.OnMetadataReady(obj.Hash, obj.Raw)
		}
		if receiver != nil {
			receiver.OnTorrentReceived(obj.Hash, obj.Raw)
		}
		if health == nil && checker != nil {
			checker.CheckNow(rec)
		}
		return true, nil
	})
	return err
}

// RequestMetadata asks peer for the metadata of hash. The returned channel receives exactly one
// value: nil once the request is sent or the metadata is already available, the failure otherwise.
func (h *Handler) RequestMetadata(ctx context.Context, peer PeerID, hash infohash.Hash) <-chan error {
	done := make(chan error, 1)

	if raw, ok := h.onDisk(hash); ok {
		h.mu.RLock()
		consumer := h.consumer
		h.mu.RUnlock()
		if consumer != nil {
			consumer.OnMetadataReady(hash, raw)
		}
		done <- nil
		return done
	}

	if !h.admission.CanRequest(AverageTorrentSize) {
		done <- ErrDiskFull
		return done
	}

	go func() {
		_, err, _ := h.inflight.Do(fmt.Sprintf("get:%s:%s", peer, hash), func() (interface{}, error) {
			return nil, h.sendRequest(ctx, peer, hash)
		})
		done <- err
	}()
	return done
}

func (h *Handler) sendRequest(ctx context.Context, peer PeerID, hash infohash.Hash) error {
	msg, err := EncodeGetMetadata(hash)
	if err != nil {
		return err
	}

	var res ConnectResult
	select {
	case res = <-h.transport.Connect(ctx, peer):
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil {
		return fmt.Errorf("connect %s: %w", peer, res.Err)
	}

	h.requests.Mark(hash)
	h.metrics.setRequested(h.requests.Len())
	select {
	case err = <-h.transport.Send(ctx, peer, msg):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	log.WithFields(log.Fields{"peer": peer, "hash": hash.Short()}).Debug("metadata: requested")
	return nil
}

// onDisk returns the stored blob for hash if it is present and valid, registering it in the index when
// the index does not know it yet.
func (h *Handler) onDisk(hash infohash.Hash) ([]byte, bool) {
	raw, err := h.store.Get(hash)
	if err != nil {
		return nil, false
	}
	obj, err := h.validator.Validate(hash, raw)
	if err != nil {
		log.WithField("hash", hash.Short()).Debugf("metadata: ignoring stored file: %v", err)
		return nil, false
	}

	if has, err := h.index.Has(hash); err == nil && !has {
		dir, name := h.store.Path(hash)
		rec := &torrent.Record{
			InfoHash:   hash,
			Dir:        dir,
			FileName:   name,
			Info:       obj.Info,
			Source:     SourceCollected,
			InsertTime: h.now(),
		}
		if added, err := h.index.Put(rec); err != nil {
			log.WithField("hash", hash.Short()).Warnf("metadata: failed to index stored file: %v", err)
		} else if added {
			h.evictor.Increment()
		}
	}
	return raw, true
}

// DrainUploads serves the next queued upload if pacing allows.
func (h *Handler) DrainUploads() bool {
	return h.uploads.Drain()
}

// ExpireRequests drops requests that have gone unanswered for longer than the request TTL.
func (h *Handler) ExpireRequests() int {
	n := h.requests.Expire(h.now())
	h.metrics.setRequested(h.requests.Len())
	return n
}

// RefreshFreeSpace re-measures the storage directory.
func (h *Handler) RefreshFreeSpace() int64 {
	return h.admission.Refresh()
}

// CheckOverflow runs the eviction policy and returns the number of deleted torrents.
func (h *Handler) CheckOverflow() int {
	n := h.evictor.CheckOverflow()
	if n > 0 {
		h.admission.Refresh()
	}
	return n
}

// RecentlyCollected returns up to n of the most recently collected hashes, newest first.
func (h *Handler) RecentlyCollected(n int) []infohash.Hash {
	return h.recent.last(n)
}

func (h *Handler) NumTorrents() int {
	return h.evictor.Count()
}

func (h *Handler) SetUploadRate(kbs int) {
	h.uploads.SetRate(kbs)
}

func (h *Handler) SetMinFreeSpace(mb int) {
	h.admission.SetMinFreeSpace(mb)
}

// SetMaxManaged changes the ceiling on managed torrents and evicts right away if it is exceeded.
func (h *Handler) SetMaxManaged(n int) {
	h.evictor.SetCeiling(n)
	h.CheckOverflow()
}

// IsRequested reports whether metadata for hash has been requested and not yet received.
func (h *Handler) IsRequested(hash infohash.Hash) bool {
	return h.requests.IsRequested(hash)
}

// UploadQueueLen returns the number of uploads waiting to be served.
func (h *Handler) UploadQueueLen() int {
	return h.uploads.Len()
}
