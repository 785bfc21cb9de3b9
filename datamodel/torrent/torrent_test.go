package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthOrDefault(t *testing.T) {
	var nilRecord *Record
	assert.Equal(t, UnknownHealth(), nilRecord.HealthOrDefault())

	r := &Record{}
	assert.Equal(t, int64(-1), r.HealthOrDefault().Seeders)
	assert.Equal(t, StatusUnknown, r.HealthOrDefault().Status)

	r.Health = &Health{Seeders: 4, Leechers: 2}
	h := r.HealthOrDefault()
	assert.Equal(t, int64(4), h.Seeders)
	assert.Equal(t, StatusUnknown, h.Status, "empty status falls back to unknown")

	r.Health.Status = StatusDead
	assert.True(t, r.IsDead())
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusGood, ParseStatus("good"))
	assert.Equal(t, StatusDead, ParseStatus("dead"))
	assert.Equal(t, StatusUnknown, ParseStatus("alive"))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}

func TestRelevanceOrZero(t *testing.T) {
	r := &Record{}
	assert.Zero(t, r.RelevanceOrZero())
	v := int64(1200)
	r.Relevance = &v
	assert.Equal(t, int64(1200), r.RelevanceOrZero())
}
