// Package diskspace reports the free space of the filesystem holding a path.
package diskspace

import (
	"os"
	"path/filepath"
)

// Free returns the number of bytes available to an unprivileged user on the filesystem holding path.
// If path does not exist yet, the closest existing parent directory is measured.
func Free(path string) (uint64, error) {
	p, err := existingParent(path)
	if err != nil {
		return 0, err
	}
	return free(p)
}

func existingParent(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}
