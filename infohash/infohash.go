package infohash

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Size is the length of a torrent info hash in bytes.
const Size = 20

var ErrInvalidLength = errors.New("info hash must be 20 bytes")
var ErrInvalidHex = errors.New("invalid info hash string")

// Hash is the SHA-1 digest of the bencoded "info" dictionary of a torrent.
// It is the primary key for stored metadata and for request correlation.
// Hash implements the MarshalBinary and UnmarshalBinary interfaces so it is encoded as a CBOR byte string.
type Hash [Size]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, used in log lines.
func (h Hash) Short() string {
	return h.String()[:8]
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return ErrInvalidLength
	}
	copy(h[:], data)
	return nil
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// FromBytes validates the raw length and copies it into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if err := h.UnmarshalBinary(b); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// FromString parses a 40 character hex representation.
func FromString(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, ErrInvalidHex
	}
	return FromBytes(b)
}

// FileDigest is the hex SHA-1 of the hash bytes. Stored metadata files are named after it.
func (h Hash) FileDigest() string {
	d := sha1.Sum(h[:])
	return hex.EncodeToString(d[:])
}

// Equal helper
func (h *Hash) Equal(other *Hash) bool {
	if h == nil && other == nil {
		return true
	}
	if h == nil || other == nil {
		return false
	}
	return *h == *other
}
