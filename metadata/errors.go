package metadata

import "errors"

var (
	ErrDecode         = errors.New("malformed payload")
	ErrInvalidHash    = errors.New("invalid info hash")
	ErrTooLarge       = errors.New("metadata exceeds size limit")
	ErrHashMismatch   = errors.New("info hash does not match metadata")
	ErrBannedCategory = errors.New("torrent belongs to a banned category")
	ErrDiskFull       = errors.New("not enough free disk space")
)

// rejectReason is the metrics label for a validation or decoding failure.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHash):
		return "invalid_hash"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrBannedCategory):
		return "banned"
	case errors.Is(err, ErrDiskFull):
		return "disk_full"
	default:
		return "io"
	}
}
