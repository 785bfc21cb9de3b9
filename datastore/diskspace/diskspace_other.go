//go:build !unix

package diskspace

import "errors"

func free(path string) (uint64, error) {
	return 0, errors.New("diskspace: free space measurement not supported on this platform")
}
