package metadata

import (
	"fmt"
	"time"

	"metadex/datamodel/torrent"
	"metadex/infohash"

	"github.com/anacrolix/torrent/bencode"
)

// Overlay message identifiers. The first byte of every message selects its handler.
const (
	GetMetadataID byte = 0xF7
	MetadataID    byte = 0xF6
)

// HealthExchangeVersion is the first overlay version whose METADATA messages carry tracker health.
const HealthExchangeVersion = 4

// MetadataMessage is the decoded METADATA payload.
type MetadataMessage struct {
	Hash     infohash.Hash
	Metadata []byte
	// Health is nil when the sender did not include tracker health.
	Health *WireHealth
}

// WireHealth is tracker health as exchanged between peers. LastCheckAgo is relative to the sender's clock.
type WireHealth struct {
	Leechers     int64
	Seeders      int64
	LastCheckAgo int64
	Status       string
}

// Health keys are kept raw so that an ill-typed value drops the health block instead of the message.
type wireMetadata struct {
	TorrentHash   []byte        `bencode:"torrent_hash"`
	Metadata      []byte        `bencode:"metadata"`
	Leecher       bencode.Bytes `bencode:"leecher,omitempty"`
	Seeder        bencode.Bytes `bencode:"seeder,omitempty"`
	LastCheckTime bencode.Bytes `bencode:"last_check_time,omitempty"`
	Status        bencode.Bytes `bencode:"status,omitempty"`
}

func (w *wireMetadata) health() *WireHealth {
	var hw WireHealth
	for _, f := range []struct {
		raw bencode.Bytes
		dst interface{}
	}{
		{w.Leecher, &hw.Leechers},
		{w.Seeder, &hw.Seeders},
		{w.LastCheckTime, &hw.LastCheckAgo},
		{w.Status, &hw.Status},
	} {
		if len(f.raw) == 0 {
			return nil
		}
		if err := bencode.Unmarshal(f.raw, f.dst); err != nil {
			return nil
		}
	}
	return &hw
}

func EncodeGetMetadata(h infohash.Hash) ([]byte, error) {
	payload, err := bencode.Marshal(h.Bytes())
	if err != nil {
		return nil, err
	}
	return append([]byte{GetMetadataID}, payload...), nil
}

// DecodeGetMetadata parses a GET_METADATA payload (message id already stripped).
func DecodeGetMetadata(payload []byte) (infohash.Hash, error) {
	var raw []byte
	if err := bencode.Unmarshal(payload, &raw); err != nil {
		return infohash.Hash{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	h, err := infohash.FromBytes(raw)
	if err != nil {
		return infohash.Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

func EncodeMetadata(m *MetadataMessage) ([]byte, error) {
	d := map[string]interface{}{
		"torrent_hash": m.Hash.Bytes(),
		"metadata":     m.Metadata,
	}
	if m.Health != nil {
		d["leecher"] = m.Health.Leechers
		d["seeder"] = m.Health.Seeders
		d["last_check_time"] = m.Health.LastCheckAgo
		d["status"] = m.Health.Status
	}
	payload, err := bencode.Marshal(d)
	if err != nil {
		return nil, err
	}
	return append([]byte{MetadataID}, payload...), nil
}

// DecodeMetadata parses a METADATA payload (message id already stripped). Health is only set when
// all four health keys are present and well typed.
func DecodeMetadata(payload []byte) (*MetadataMessage, error) {
	var w wireMetadata
	if err := bencode.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	h, err := infohash.FromBytes(w.TorrentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(w.Metadata) == 0 {
		return nil, fmt.Errorf("%w: empty metadata", ErrDecode)
	}

	m := &MetadataMessage{Hash: h, Metadata: w.Metadata, Health: w.health()}
	return m, nil
}

// newWireHealth converts local health into the relative form sent to peers. A torrent that was never
// checked reports the full unix time as its age, so the receiver lands on the epoch.
func newWireHealth(h torrent.Health, now time.Time) *WireHealth {
	ago := now.Unix()
	if !h.LastCheck.IsZero() {
		ago = max(now.Unix()-h.LastCheck.Unix(), 0)
	}
	return &WireHealth{
		Leechers:     h.Leechers,
		Seeders:      h.Seeders,
		LastCheckAgo: ago,
		Status:       string(h.Status),
	}
}

// toHealth converts received health into an absolute record. A negative age is treated as unknown.
func (w *WireHealth) toHealth(now time.Time) *torrent.Health {
	h := &torrent.Health{
		Leechers: w.Leechers,
		Seeders:  w.Seeders,
		Status:   torrent.ParseStatus(w.Status),
	}
	if w.LastCheckAgo >= 0 {
		if at := now.Unix() - w.LastCheckAgo; at > 0 {
			h.LastCheck = time.Unix(at, 0)
		}
	}
	return h
}
