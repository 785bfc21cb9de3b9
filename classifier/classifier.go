// Package classifier assigns category labels to torrents from their file names.
package classifier

import (
	"path"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	log "github.com/sirupsen/logrus"
)

// BannedRank marks a category whose torrents must not be collected.
const BannedRank = -1

// OtherCategory is assigned when no rule matches.
const OtherCategory = "other"

// Category is a single classification rule. A torrent matches when its name contains any of the keywords
// or any of its files carries one of the extensions.
type Category struct {
	Name       string   `yaml:"name" json:"name"`
	Rank       int      `yaml:"rank" json:"rank"`
	Keywords   []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Extensions []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

type Classifier struct {
	categories []Category
	ranks      map[string]int
}

func New(categories []Category) *Classifier {
	c := &Classifier{
		ranks: make(map[string]int),
	}
	for _, cat := range categories {
		cat.Name = strings.ToLower(strings.TrimSpace(cat.Name))
		if cat.Name == "" {
			log.Warnf("classifier: skipping category without a name")
			continue
		}
		exts := make([]string, 0, len(cat.Extensions))
		for _, ext := range cat.Extensions {
			exts = append(exts, "."+strings.TrimPrefix(strings.ToLower(ext), "."))
		}
		kws := make([]string, 0, len(cat.Keywords))
		for _, kw := range cat.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		cat.Extensions, cat.Keywords = exts, kws
		c.categories = append(c.categories, cat)
		c.ranks[cat.Name] = cat.Rank
	}
	return c
}

// DefaultCategories is used when the configuration carries none.
func DefaultCategories() []Category {
	return []Category{
		{Name: "video", Rank: 1, Extensions: []string{"avi", "mkv", "mp4", "mpg", "mov", "wmv"}},
		{Name: "audio", Rank: 2, Extensions: []string{"mp3", "flac", "ogg", "wav", "m4a"}},
		{Name: "document", Rank: 3, Extensions: []string{"pdf", "epub", "djvu", "doc", "txt"}},
		{Name: "compressed", Rank: 4, Extensions: []string{"zip", "rar", "7z", "gz", "iso"}},
		{Name: "xxx", Rank: BannedRank, Keywords: []string{"xxx", "porn"}},
	}
}

// Classify returns the categories matching the torrent. It never returns an empty slice.
func (c *Classifier) Classify(info *metainfo.Info, name string) []string {
	lname := strings.ToLower(name)
	files := fileNames(info, lname)

	var out []string
	for _, cat := range c.categories {
		if matches(cat, lname, files) {
			out = append(out, cat.Name)
		}
	}
	if len(out) == 0 {
		out = append(out, OtherCategory)
	}
	return out
}

// RankOf returns the configured rank of a category. Unknown categories rank 0.
func (c *Classifier) RankOf(category string) int {
	return c.ranks[strings.ToLower(category)]
}

func matches(cat Category, name string, files []string) bool {
	for _, kw := range cat.Keywords {
		if kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	for _, f := range files {
		ext := path.Ext(f)
		for _, want := range cat.Extensions {
			if ext == want {
				return true
			}
		}
	}
	return false
}

func fileNames(info *metainfo.Info, name string) []string {
	if info == nil || len(info.Files) == 0 {
		return []string{name}
	}
	out := make([]string, 0, len(info.Files))
	for _, fi := range info.Files {
		p := fi.PathUtf8
		if len(p) == 0 {
			p = fi.Path
		}
		if len(p) == 0 {
			continue
		}
		out = append(out, strings.ToLower(p[len(p)-1]))
	}
	return out
}
