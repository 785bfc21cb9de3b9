package infohash

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 19))
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = FromBytes(make([]byte, 32))
	require.ErrorIs(t, err, ErrInvalidLength)

	h, err := FromBytes(make([]byte, Size))
	require.NoError(t, err)
	require.True(t, h.IsZero())
}

func TestStringRoundTrip(t *testing.T) {
	d := sha1.Sum([]byte("ubuntu.iso"))
	h, err := FromBytes(d[:])
	require.NoError(t, err)

	parsed, err := FromString(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
	require.Len(t, h.Short(), 8)

	_, err = FromString("zz")
	require.ErrorIs(t, err, ErrInvalidHex)
}

func TestFileDigest(t *testing.T) {
	var h Hash
	d := sha1.Sum(h[:])
	require.Equal(t, hex.EncodeToString(d[:]), h.FileDigest())
}

func TestCBOREncodesAsByteString(t *testing.T) {
	type wrapper struct {
		Hash Hash `cbor:"1,keyasint"`
	}
	in := wrapper{Hash: Hash{1, 2, 3}}

	enc, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, cbor.Unmarshal(enc, &out))
	require.Equal(t, in.Hash, out.Hash)
}
