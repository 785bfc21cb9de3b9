package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"metadex/datamodel/torrent"
	"metadex/infohash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// request asks peer for h and checks that a GET went out.
func request(t *testing.T, env *testEnv, peer PeerID, h infohash.Hash) {
	t.Helper()
	require.NoError(t, <-env.handler.RequestMetadata(context.Background(), peer, h))
	require.True(t, env.handler.IsRequested(h))
}

// collect requests a torrent and feeds the answer back into the handler.
func collect(t *testing.T, env *testEnv, tt testTorrent) ([]byte, infohash.Hash) {
	t.Helper()
	raw, h := makeTorrent(t, tt)
	acquired := env.notifier.Count(EventMetadataAcquired)
	request(t, env, "seeder", h)
	require.True(t, env.handler.HandleMessage("seeder", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, nil)))
	require.Equal(t, acquired+1, env.notifier.Count(EventMetadataAcquired))
	return raw, h
}

func TestRequestSendsGetMetadata(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	_, h := makeTorrent(t, testTorrent{name: "movie"})

	request(t, env, "peer1", h)

	assert.Equal(t, []PeerID{"peer1"}, env.transport.connects)
	sent := env.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, PeerID("peer1"), sent[0].peer)
	assert.Equal(t, encodeGetMsg(t, h), sent[0].msg)
}

func TestRequestConnectFailure(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	env.transport.connectErr = errors.New("unreachable")
	_, h := makeTorrent(t, testTorrent{name: "movie"})

	err := <-env.handler.RequestMetadata(context.Background(), "peer1", h)
	assert.ErrorContains(t, err, "unreachable")
	assert.False(t, env.handler.IsRequested(h))
	assert.Empty(t, env.transport.Sent())
}

func TestRequestRefusedWhenDiskFull(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	env.disk.Set(100 << 20)
	env.handler.RefreshFreeSpace()
	_, h := makeTorrent(t, testTorrent{name: "movie"})

	err := <-env.handler.RequestMetadata(context.Background(), "peer1", h)
	assert.ErrorIs(t, err, ErrDiskFull)
	assert.Empty(t, env.transport.connects)
}

func TestRequestAlreadyOnDisk(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	consumer := &recordingConsumer{}
	env.handler.SetMetadataConsumer(consumer)
	raw, h := makeTorrent(t, testTorrent{name: "movie.mkv"})
	_, err := env.store.Put(h, raw)
	require.NoError(t, err)

	require.NoError(t, <-env.handler.RequestMetadata(context.Background(), "peer1", h))

	assert.Empty(t, env.transport.connects)
	assert.Equal(t, []infohash.Hash{h}, consumer.Ready())
	rec, err := env.index.Get(h)
	require.NoError(t, err)
	assert.Equal(t, SourceCollected, rec.Source)
	assert.Equal(t, "movie.mkv", rec.Info.Name)
}

func TestSolicitedMetadataIsStored(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	consumer := &recordingConsumer{}
	checker := &recordingChecker{}
	env.handler.SetMetadataConsumer(consumer)
	env.handler.SetHealthChecker(checker)

	raw, h := collect(t, env, testTorrent{name: "holiday", files: map[string]int64{"a.mkv": 10}})

	stored, err := env.store.Get(h)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)

	rec, err := env.index.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "holiday", rec.Info.Name)
	assert.Equal(t, SourceCollected, rec.Source)
	assert.True(t, rec.InsertTime.Equal(env.clock.Now()))

	assert.False(t, env.handler.IsRequested(h))
	assert.Equal(t, 1, env.notifier.Count(EventMetadataAcquired))
	assert.Equal(t, []infohash.Hash{h}, consumer.Ready())
	assert.Equal(t, []infohash.Hash{h}, checker.checked)
	assert.Equal(t, []infohash.Hash{h}, env.handler.RecentlyCollected(10))
	assert.Equal(t, 1, env.handler.NumTorrents())
}

func TestUnsolicitedMetadataIsDropped(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	raw, h := makeTorrent(t, testTorrent{name: "holiday"})

	assert.True(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, nil)))

	has, err := env.store.Has(h)
	require.NoError(t, err)
	assert.False(t, has)
	_, err = env.index.Get(h)
	assert.Error(t, err)
	assert.Zero(t, env.notifier.Count(EventMetadataAcquired))
}

func TestMetadataStoredOnce(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	raw, h := makeTorrent(t, testTorrent{name: "holiday"})
	request(t, env, "peer1", h)
	msg := encodeMetadataMsg(t, h, raw, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.handler.HandleMessage("peer1", HealthExchangeVersion, msg)
		}()
	}
	wg.Wait()

	// A second round of request and answer changes nothing
	request(t, env, "peer2", h)
	env.handler.HandleMessage("peer2", HealthExchangeVersion, msg)

	assert.Equal(t, 1, env.notifier.Count(EventMetadataAcquired))
	assert.Equal(t, 1, env.handler.NumTorrents())
	assert.False(t, env.handler.IsRequested(h))
}

func TestInvalidMetadataKeepsRequest(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	raw, _ := makeTorrent(t, testTorrent{name: "holiday"})
	_, h := makeTorrent(t, testTorrent{name: "claimed"})
	request(t, env, "peer1", h)

	assert.True(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, nil)))

	has, err := env.store.Has(h)
	require.NoError(t, err)
	assert.False(t, has)
	assert.True(t, env.handler.IsRequested(h))
}

func TestMetadataRefusedWhenDiskFull(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	raw, h := makeTorrent(t, testTorrent{name: "holiday"})
	request(t, env, "peer1", h)
	env.disk.Set(100 << 20)

	assert.True(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, nil)))

	assert.Equal(t, 1, env.notifier.Count(EventDiskFull))
	assert.Zero(t, env.notifier.Count(EventMetadataAcquired))
	has, err := env.store.Has(h)
	require.NoError(t, err)
	assert.False(t, has)
	assert.False(t, env.handler.IsRequested(h))
}

func TestMetadataHealthFromPeer(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	checker := &recordingChecker{}
	env.handler.SetHealthChecker(checker)
	raw, h := makeTorrent(t, testTorrent{name: "holiday"})
	request(t, env, "peer1", h)

	health := &WireHealth{Leechers: 3, Seeders: 7, LastCheckAgo: 60, Status: "good"}
	env.handler.HandleMessage("peer1", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, health))

	rec, err := env.index.Get(h)
	require.NoError(t, err)
	got := rec.HealthOrDefault()
	assert.Equal(t, int64(7), got.Seeders)
	assert.Equal(t, int64(3), got.Leechers)
	assert.Equal(t, torrent.StatusGood, got.Status)
	assert.True(t, got.LastCheck.Equal(env.clock.Now().Add(-time.Minute)))
	assert.Empty(t, checker.checked)
}

func TestMetadataHealthIgnoredForOldPeers(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	checker := &recordingChecker{}
	env.handler.SetHealthChecker(checker)
	raw, h := makeTorrent(t, testTorrent{name: "holiday"})
	request(t, env, "peer1", h)

	health := &WireHealth{Leechers: 3, Seeders: 7, LastCheckAgo: 60, Status: "good"}
	env.handler.HandleMessage("peer1", HealthExchangeVersion-1, encodeMetadataMsg(t, h, raw, health))

	rec, err := env.index.Get(h)
	require.NoError(t, err)
	assert.Nil(t, rec.Health)
	assert.Equal(t, []infohash.Hash{h}, checker.checked)
}

func TestGetMetadataServesStoredTorrent(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	raw, h := collect(t, env, testTorrent{name: "holiday"})
	before := len(env.transport.Sent())

	assert.True(t, env.handler.HandleMessage("leecher", HealthExchangeVersion, encodeGetMsg(t, h)))

	sent := env.transport.Sent()
	require.Len(t, sent, before+1)
	reply := sent[before]
	assert.Equal(t, PeerID("leecher"), reply.peer)
	require.Equal(t, MetadataID, reply.msg[0])
	msg, err := DecodeMetadata(reply.msg[1:])
	require.NoError(t, err)
	assert.Equal(t, h, msg.Hash)
	assert.Equal(t, raw, msg.Metadata)
	require.NotNil(t, msg.Health)
	assert.Equal(t, int64(-1), msg.Health.Seeders)
	assert.Equal(t, string(torrent.StatusUnknown), msg.Health.Status)
}

func TestGetMetadataOldPeerGetsNoHealth(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	_, h := collect(t, env, testTorrent{name: "holiday"})
	before := len(env.transport.Sent())

	env.handler.HandleMessage("leecher", HealthExchangeVersion-1, encodeGetMsg(t, h))

	sent := env.transport.Sent()
	require.Len(t, sent, before+1)
	msg, err := DecodeMetadata(sent[before].msg[1:])
	require.NoError(t, err)
	assert.Nil(t, msg.Health)
}

func TestGetMetadataUnknownTorrent(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())

	assert.True(t, env.handler.HandleMessage("leecher", HealthExchangeVersion, encodeGetMsg(t, infohash.Hash{9})))
	assert.Empty(t, env.transport.Sent())
	assert.Zero(t, env.handler.UploadQueueLen())
}

func TestGetMetadataDeadTorrent(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	_, h := collect(t, env, testTorrent{name: "holiday"})
	require.NoError(t, env.index.UpdateHealth(h, torrent.Health{Status: torrent.StatusDead}))
	before := len(env.transport.Sent())

	env.handler.HandleMessage("leecher", HealthExchangeVersion, encodeGetMsg(t, h))
	assert.Len(t, env.transport.Sent(), before)
}

func TestGetMetadataPrivateTorrentNotSent(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	_, h := collect(t, env, testTorrent{name: "members", private: true})
	before := len(env.transport.Sent())

	env.handler.HandleMessage("leecher", HealthExchangeVersion, encodeGetMsg(t, h))
	assert.Len(t, env.transport.Sent(), before)
	assert.Zero(t, env.handler.UploadQueueLen())
}

func TestUploadOfVanishedFileDropsRecord(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	_, h := collect(t, env, testTorrent{name: "holiday"})

	env.handler.SetUploadRate(0)
	env.handler.HandleMessage("leecher", HealthExchangeVersion, encodeGetMsg(t, h))
	require.Equal(t, 1, env.handler.UploadQueueLen())
	require.NoError(t, env.store.Delete(h))

	env.handler.SetUploadRate(5)
	assert.True(t, env.handler.DrainUploads())

	_, err := env.index.Get(h)
	assert.Error(t, err)
}

func TestUnknownMessagesCloseConnection(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())

	assert.False(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, nil))
	assert.False(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, []byte{0x01, 'x'}))

	// Malformed payloads of known types keep the connection
	assert.True(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, []byte{GetMetadataID, 'x'}))
	assert.True(t, env.handler.HandleMessage("peer1", HealthExchangeVersion, []byte{MetadataID}))
}

func TestCollectingEvictsOverCeiling(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxManaged = 2
	env := newTestEnv(t, cfg)

	var hashes []infohash.Hash
	for _, name := range []string{"one", "two", "three"} {
		_, h := collect(t, env, testTorrent{name: name})
		hashes = append(hashes, h)
	}

	// 3 - floor(2*0.95) = 2 deleted
	assert.Equal(t, 1, env.handler.NumTorrents())
	kept := 0
	for _, h := range hashes {
		if ok, _ := env.store.Has(h); ok {
			kept++
		}
	}
	assert.Equal(t, 1, kept)
}

func TestSetMaxManagedEvictsImmediately(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	for _, name := range []string{"one", "two", "three", "four"} {
		collect(t, env, testTorrent{name: name})
	}
	require.Equal(t, 4, env.handler.NumTorrents())

	env.handler.SetMaxManaged(3)
	// 4 - floor(3*0.95) = 2 deleted
	assert.Equal(t, 2, env.handler.NumTorrents())
}

func TestExpireRequests(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RequestTTL = time.Minute
	env := newTestEnv(t, cfg)
	raw, h := makeTorrent(t, testTorrent{name: "late"})
	request(t, env, "peer1", h)

	env.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, env.handler.ExpireRequests())

	env.handler.HandleMessage("peer1", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, nil))
	has, err := env.store.Has(h)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestVanishedFileKeepsEvictionFloor(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxManaged = 4
	env := newTestEnv(t, cfg)

	var first infohash.Hash
	for i, name := range []string{"one", "two", "three", "four"} {
		_, h := collect(t, env, testTorrent{name: name})
		if i == 0 {
			first = h
		}
	}
	require.Equal(t, 4, env.handler.NumTorrents())

	// Serving a torrent whose file has disappeared drops its record
	env.handler.SetUploadRate(0)
	env.handler.HandleMessage("leecher", HealthExchangeVersion, encodeGetMsg(t, first))
	require.NoError(t, env.store.Delete(first))
	env.handler.SetUploadRate(5)
	require.True(t, env.handler.DrainUploads())
	assert.Equal(t, 3, env.handler.NumTorrents())

	collect(t, env, testTorrent{name: "five"})

	// Back at the ceiling, nothing evicted
	hashes, err := env.index.Enumerate()
	require.NoError(t, err)
	assert.Len(t, hashes, 4)
	assert.Equal(t, 4, env.handler.NumTorrents())
}

type failingPutIndex struct {
	torrent.TorrentIndex
}

func (failingPutIndex) Put(*torrent.Record) (bool, error) {
	return false, errors.New("index is read-only")
}

func TestIndexFailureRemovesStoredFile(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	handler := NewHandler(defaultTestConfig(), Deps{
		Store:     env.store,
		Index:     failingPutIndex{env.index},
		Transport: env.transport,
		FreeSpace: env.disk.Free,
		Notifier:  env.notifier,
		Now:       env.clock.Now,
	})

	raw, h := makeTorrent(t, testTorrent{name: "holiday"})
	require.NoError(t, <-handler.RequestMetadata(context.Background(), "seeder", h))
	require.True(t, handler.HandleMessage("seeder", HealthExchangeVersion, encodeMetadataMsg(t, h, raw, nil)))

	has, err := env.store.Has(h)
	require.NoError(t, err)
	assert.False(t, has)
	assert.False(t, handler.IsRequested(h))
	assert.Zero(t, env.notifier.Count(EventMetadataAcquired))
}
