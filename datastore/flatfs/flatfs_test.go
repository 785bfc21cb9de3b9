package flatfs

import (
	"crypto/rand"
	"metadex/infohash"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, fs afero.Fs) *FlatFS {
	t.Helper()
	s, err := New(fs, "/var/metadex/torrent2", 1024)
	require.NoError(t, err)
	return s
}

func randomBlob(t *testing.T, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNewCreatesDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	newTestStore(t, fs)

	ok, err := afero.DirExists(fs, "/var/metadex/torrent2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs())
	h := infohash.Hash{0xde, 0xad}
	data := randomBlob(t, 700)

	path, err := s.Put(h, data)
	require.NoError(t, err)

	dir, name := s.Path(h)
	require.Equal(t, filepath.Join(dir, name), path)
	require.Equal(t, h.FileDigest()+FileSuffix, name)

	ok, err := s.Has(h)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs())

	ok, err := s.Has(infohash.Hash{1})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(infohash.Hash{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetOversizedIsNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs)
	h := infohash.Hash{7}

	// Bypass Put to plant a file above the limit
	require.NoError(t, afero.WriteFile(fs, s.filePath(h), randomBlob(t, 2048), 0644))

	_, err := s.Get(h)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs())
	h := infohash.Hash{9}

	_, err := s.Put(h, []byte("d4:infod4:name1:aee"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(h))

	ok, err := s.Has(h)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting again is not an error
	require.NoError(t, s.Delete(h))
}

func TestPutOnReadOnlyFsIsIOFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/var/metadex/torrent2", 0755))
	s, err := New(afero.NewReadOnlyFs(base), "/var/metadex/torrent2", 0)
	require.NoError(t, err)

	_, err = s.Put(infohash.Hash{3}, []byte("x"))
	require.ErrorIs(t, err, ErrIOFailure)
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs)

	_, err := s.Put(infohash.Hash{5}, []byte("abc"))
	require.NoError(t, err)

	entries, err := afero.ReadDir(fs, s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
