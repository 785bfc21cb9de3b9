package metadata

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"metadex/classifier"
	"metadex/datamodel/torrent"
	"metadex/infohash"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// MaxTorrentSize is the largest metadata blob that is accepted or served.
const MaxTorrentSize = 2 << 20

// Object is a metadata blob that passed validation.
type Object struct {
	Hash    infohash.Hash
	Raw     []byte
	Private bool
	Info    torrent.Info
}

type Validator struct {
	classifier Classifier
	maxSize    int
}

func NewValidator(c Classifier) *Validator {
	return &Validator{
		classifier: c,
		maxSize:    MaxTorrentSize,
	}
}

// Validate checks that raw is a well-formed torrent whose info dictionary hashes to h, and extracts
// the fields the torrent database keeps.
func (v *Validator) Validate(h infohash.Hash, raw []byte) (*Object, error) {
	if len(raw) > v.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	// Only the info dictionary has to decode, the other top-level keys are best effort
	var outer map[string]bencode.Bytes
	if err := bencode.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	infoBytes := outer["info"]
	if len(infoBytes) == 0 {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrDecode)
	}

	canonical, err := canonicalInfo(infoBytes)
	if err != nil {
		return nil, err
	}
	got := metainfo.HashBytes(canonical)
	if !bytes.Equal(got[:], h.Bytes()) {
		return nil, fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, h, got.HexString())
	}

	var info metainfo.Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	// Extract the stored fields
	var encoding string
	optionalField(outer, "encoding", &encoding)
	name := displayName(&info, encoding)
	obj := &Object{
		Hash:    h,
		Raw:     raw,
		Private: info.Private != nil && *info.Private,
		Info: torrent.Info{
			Name:     name,
			Length:   info.TotalLength(),
			NumFiles: max(len(info.Files), 1),
		},
	}
	optionalField(outer, "announce", &obj.Info.Announce)
	var tiers [][]string
	if optionalField(outer, "announce-list", &tiers) {
		obj.Info.AnnounceList = tiers
	}
	var created int64
	if optionalField(outer, "creation date", &created) && created != 0 {
		obj.Info.CreationDate = &created
	}

	// Classify and reject banned content
	if v.classifier != nil {
		obj.Info.Categories = v.classifier.Classify(&info, name)
		for _, cat := range obj.Info.Categories {
			if v.classifier.RankOf(cat) == classifier.BannedRank {
				return nil, fmt.Errorf("%w: %s", ErrBannedCategory, cat)
			}
		}
	}
	return obj, nil
}

// HashOf computes the info hash of a torrent file.
func HashOf(raw []byte) (infohash.Hash, error) {
	var outer map[string]bencode.Bytes
	if err := bencode.Unmarshal(raw, &outer); err != nil {
		return infohash.Hash{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(outer["info"]) == 0 {
		return infohash.Hash{}, fmt.Errorf("%w: missing info dictionary", ErrDecode)
	}
	canonical, err := canonicalInfo(outer["info"])
	if err != nil {
		return infohash.Hash{}, err
	}
	return infohash.FromBytes(metainfo.HashBytes(canonical).Bytes())
}

// optionalField decodes outer[key] into v. A missing or mistyped value leaves v untouched.
func optionalField(outer map[string]bencode.Bytes, key string, v interface{}) bool {
	b, ok := outer[key]
	if !ok {
		return false
	}
	if err := bencode.Unmarshal(b, v); err != nil {
		return false
	}
	return true
}

// canonicalInfo re-encodes the info dictionary with sorted keys and minimal integers.
func canonicalInfo(raw []byte) ([]byte, error) {
	var generic interface{}
	if err := bencode.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: info: %v", ErrDecode, err)
	}
	if _, ok := generic.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("%w: info is not a dictionary", ErrDecode)
	}
	out, err := bencode.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: info: %v", ErrDecode, err)
	}
	return out, nil
}

func displayName(info *metainfo.Info, encoding string) string {
	if info.NameUtf8 != "" {
		return info.NameUtf8
	}
	if encoding != "" {
		if enc, err := htmlindex.Get(encoding); err == nil {
			if s, err := enc.NewDecoder().String(info.Name); err == nil {
				return s
			}
		}
	}
	if utf8.ValidString(info.Name) {
		return info.Name
	}
	s, err := charmap.ISO8859_1.NewDecoder().String(info.Name)
	if err != nil {
		return info.Name
	}
	return s
}
