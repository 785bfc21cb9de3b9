package metadata

import (
	"context"
	"crypto/sha1"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"metadex/classifier"
	"metadex/datamodel/torrent"
	"metadex/datastore/flatfs"
	"metadex/datastore/leveldb"
	"metadex/infohash"

	"github.com/anacrolix/torrent/bencode"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testStorageDir = "/var/metadex/collected"

type testTorrent struct {
	name    string
	files   map[string]int64
	private bool
}

// makeTorrent builds a bencoded torrent file and returns it with its info hash.
func makeTorrent(t *testing.T, tt testTorrent) ([]byte, infohash.Hash) {
	t.Helper()
	info := map[string]interface{}{
		"name":         tt.name,
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 20)),
	}
	if len(tt.files) == 0 {
		info["length"] = int64(1000)
	} else {
		var files []interface{}
		for p, l := range tt.files {
			files = append(files, map[string]interface{}{"length": l, "path": []interface{}{p}})
		}
		info["files"] = files
	}
	if tt.private {
		info["private"] = int64(1)
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	raw, err := bencode.Marshal(map[string]interface{}{
		"announce":      "http://tracker.example.org/announce",
		"creation date": int64(1700000000),
		"info":          bencode.Bytes(infoBytes),
	})
	require.NoError(t, err)
	return raw, infohash.Hash(sha1.Sum(infoBytes))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	peer PeerID
	msg  []byte
}

type fakeTransport struct {
	mu         sync.Mutex
	version    int
	connectErr error
	sendErr    error
	connects   []PeerID
	sent       []sentMessage
}

func (f *fakeTransport) Connect(_ context.Context, peer PeerID) <-chan ConnectResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, peer)
	ch := make(chan ConnectResult, 1)
	ch <- ConnectResult{Version: f.version, Err: f.connectErr}
	return ch
}

func (f *fakeTransport) Send(_ context.Context, peer PeerID, msg []byte) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan error, 1)
	if f.sendErr == nil {
		f.sent = append(f.sent, sentMessage{peer: peer, msg: append([]byte(nil), msg...)})
	}
	ch <- f.sendErr
	return ch
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []EventKind
}

func (n *fakeNotifier) Notify(kind EventKind, _ string) {
	n.mu.Lock()
	n.events = append(n.events, kind)
	n.mu.Unlock()
}

func (n *fakeNotifier) Count(kind EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == kind {
			c++
		}
	}
	return c
}

type fakeDisk struct {
	mu   sync.Mutex
	free uint64
}

func (d *fakeDisk) Free(string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free, nil
}

func (d *fakeDisk) Set(free uint64) {
	d.mu.Lock()
	d.free = free
	d.mu.Unlock()
}

type recordingConsumer struct {
	mu    sync.Mutex
	ready []infohash.Hash
}

func (c *recordingConsumer) OnMetadataReady(h infohash.Hash, _ []byte) {
	c.mu.Lock()
	c.ready = append(c.ready, h)
	c.mu.Unlock()
}

func (c *recordingConsumer) OnTorrentReceived(infohash.Hash, []byte) {}

func (c *recordingConsumer) Ready() []infohash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]infohash.Hash(nil), c.ready...)
}

type recordingChecker struct {
	mu      sync.Mutex
	checked []infohash.Hash
}

func (c *recordingChecker) CheckNow(rec *torrent.Record) {
	c.mu.Lock()
	c.checked = append(c.checked, rec.InfoHash)
	c.mu.Unlock()
}

type testEnv struct {
	handler   *Handler
	store     *flatfs.FlatFS
	index     *leveldb.TorrentIndex
	transport *fakeTransport
	notifier  *fakeNotifier
	disk      *fakeDisk
	clock     *testClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := flatfs.New(afero.NewMemMapFs(), testStorageDir, flatfs.DefaultMaxSize)
	require.NoError(t, err)
	index, err := leveldb.NewTorrentIndex(filepath.Join(t.TempDir(), "index"), store)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	env := &testEnv{
		store:     store,
		index:     index,
		transport: &fakeTransport{version: HealthExchangeVersion},
		notifier:  &fakeNotifier{},
		disk:      &fakeDisk{free: 10 << 30},
		clock:     newTestClock(),
	}
	env.handler = NewHandler(cfg, Deps{
		Store:      store,
		Index:      index,
		Transport:  env.transport,
		Classifier: classifier.New(classifier.DefaultCategories()),
		FreeSpace:  env.disk.Free,
		Notifier:   env.notifier,
		Now:        env.clock.Now,
	})
	return env
}

func defaultTestConfig() Config {
	return Config{MinFreeSpaceMB: 200, MaxManaged: 5000, UploadRateKBs: 5}
}

func encodeMetadataMsg(t *testing.T, h infohash.Hash, raw []byte, health *WireHealth) []byte {
	t.Helper()
	msg, err := EncodeMetadata(&MetadataMessage{Hash: h, Metadata: raw, Health: health})
	require.NoError(t, err)
	return msg
}

func encodeGetMsg(t *testing.T, h infohash.Hash) []byte {
	t.Helper()
	msg, err := EncodeGetMetadata(h)
	require.NoError(t, err)
	return msg
}
