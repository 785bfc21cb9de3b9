// Package flatfs implements the torrent.MetadataStore interface on top of an afero filesystem
package flatfs

import (
	"errors"
	"fmt"
	"metadex/datamodel/torrent"
	"metadex/infohash"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	log "github.com/sirupsen/logrus"
)

// Do an indirection to make sure FlatFS implements the required interfaces
var _ torrent.MetadataStore = (*FlatFS)(nil)

const (
	// FileSuffix is appended to the hex digest of a hash to form the file name.
	FileSuffix = ".torrent"

	// DefaultMaxSize is the largest blob Get will return. Larger files are treated as missing.
	DefaultMaxSize = 2 * 1024 * 1024
)

var (
	ErrNotFound  = errors.New("metadata not found")
	ErrIOFailure = errors.New("metadata i/o failure")
)

// FlatFS implements the torrent.MetadataStore interface.
// All blobs live in a single directory. The file name is the hex SHA-1 of the info hash followed by FileSuffix,
// the file stores the raw bencoded metadata without any additional framing.
type FlatFS struct {
	fs       afero.Fs
	basePath string
	maxSize  int64
}

// New opens a store rooted at basePath on fs. The directory is created if missing.
func New(fs afero.Fs, basePath string, maxSize int64) (*FlatFS, error) {
	// Sanitize the basePath
	basePath = filepath.Clean(basePath)

	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	// Make sure the directory exists and create if missing
	if err := ensureDir(fs, basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened FlatFS at %s", basePath)

	return &FlatFS{fs: fs, basePath: basePath, maxSize: maxSize}, nil
}

// NewOS is a shortcut for a store on the local filesystem.
func NewOS(basePath string, maxSize int64) (*FlatFS, error) {
	return New(afero.NewOsFs(), basePath, maxSize)
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(fs afero.Fs, path string) error {
	stat, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

// Dir returns the managed directory.
func (f *FlatFS) Dir() string {
	return f.basePath
}

func (f *FlatFS) Close() error {
	return nil
}

// Path converts a hash to its directory and file name within the store.
func (f *FlatFS) Path(h infohash.Hash) (string, string) {
	return f.basePath, h.FileDigest() + FileSuffix
}

func (f *FlatFS) filePath(h infohash.Hash) string {
	dir, name := f.Path(h)
	return filepath.Join(dir, name)
}

func (f *FlatFS) Has(h infohash.Hash) (bool, error) {
	stat, err := f.fs.Stat(f.filePath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return !stat.IsDir(), nil
}

func (f *FlatFS) Get(h infohash.Hash) ([]byte, error) {
	return f.ReadFile(f.filePath(h))
}

// ReadFile reads a metadata file by path, applying the same size ceiling as Get.
func (f *FlatFS) ReadFile(path string) ([]byte, error) {
	stat, err := f.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if stat.IsDir() {
		return nil, ErrNotFound
	}
	if stat.Size() > f.maxSize {
		log.Warnf("FlatFS: %s is %d bytes, above the %d byte limit", path, stat.Size(), f.maxSize)
		return nil, ErrNotFound
	}

	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	// The file may have grown between Stat and ReadFile
	if int64(len(data)) > f.maxSize {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *FlatFS) Put(h infohash.Hash, data []byte) (string, error) {
	if data == nil {
		return "", os.ErrInvalid
	}

	// The directory may have been removed underneath us
	if err := ensureDir(f.fs, f.basePath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	filePath := f.filePath(h)

	// Write to a temporary file first so a partial write never shows up under the final name
	tmp, err := afero.TempFile(f.fs, f.basePath, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := f.fs.Rename(tmpName, filePath); err != nil {
		f.fs.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	return filePath, nil
}

func (f *FlatFS) Delete(h infohash.Hash) error {
	err := f.fs.Remove(f.filePath(h))
	if err != nil {
		if os.IsNotExist(err) {
			// If the file doesn't exist, it's already "deleted".
			return nil
		}
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}
