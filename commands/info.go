package commands

import (
	"context"
	"sort"
	"time"

	"metadex/config"
	"metadex/datamodel/torrent"

	log "github.com/sirupsen/logrus"
)

func RunInfo(ctx context.Context, cfg *config.Config, recent int) {
	_, index := openStorage(cfg)
	defer index.Close()

	records, err := index.Records()
	if err != nil {
		log.Errorf("Failed to enumerate torrent index: %v", err)
		return
	}

	var (
		collected int
		totalSize int64
		byStatus  = make(map[torrent.Status]int)
	)
	for _, rec := range records {
		if rec.HasMetadata() {
			collected++
			totalSize += rec.Info.Length
		}
		byStatus[rec.HealthOrDefault().Status]++
	}

	log.Infof("Torrent index: %d records, %d with metadata, %d bytes of content described", len(records), collected, totalSize)
	log.Infof("Health: %d good, %d unknown, %d dead", byStatus[torrent.StatusGood], byStatus[torrent.StatusUnknown], byStatus[torrent.StatusDead])

	for _, rec := range newest(records, recent) {
		h := rec.HealthOrDefault()
		log.Infof("Torrent: %s, name: %q, source: %s, seeders: %d, leechers: %d, age: %v",
			rec.InfoHash, rec.Info.Name, rec.Source, h.Seeders, h.Leechers, time.Since(rec.InsertTime).Round(time.Second))
	}
}

// newest returns up to n records, most recently inserted first.
func newest(records []*torrent.Record, n int) []*torrent.Record {
	sort.Slice(records, func(i, j int) bool {
		return records[i].InsertTime.After(records[j].InsertTime)
	})
	return records[:min(max(n, 0), len(records))]
}
