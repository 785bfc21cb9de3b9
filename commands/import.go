package commands

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"metadex/classifier"
	"metadex/config"
	"metadex/datamodel/torrent"
	"metadex/metadata"

	log "github.com/sirupsen/logrus"
)

// RunImport validates every .torrent file in dir and adds it to the collection.
func RunImport(ctx context.Context, cfg *config.Config, dir string) {
	store, index := openStorage(cfg)
	defer index.Close()

	validator := metadata.NewValidator(classifier.New(cfg.ClassifierCategories()))

	files, err := filepath.Glob(filepath.Join(dir, "*.torrent"))
	if err != nil {
		log.Fatalf("Failed to list %s: %v", dir, err)
	}

	imported := 0
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}

		raw, err := os.ReadFile(file)
		if err != nil {
			log.Warnf("Skipping %s: %v", file, err)
			continue
		}
		h, err := metadata.HashOf(raw)
		if err != nil {
			log.Warnf("Skipping %s: %v", file, err)
			continue
		}
		obj, err := validator.Validate(h, raw)
		if err != nil {
			log.Warnf("Skipping %s: %v", file, err)
			continue
		}

		path, err := store.Put(h, raw)
		if err != nil {
			log.Fatalf("Failed to store %s: %v", file, err)
		}
		added, err := index.Put(&torrent.Record{
			InfoHash:   h,
			Dir:        filepath.Dir(path),
			FileName:   filepath.Base(path),
			Info:       obj.Info,
			Source:     "import",
			InsertTime: time.Now(),
		})
		if err != nil {
			log.Fatalf("Failed to index %s: %v", file, err)
		}
		if added {
			imported++
			log.Infof("Imported %s: %q", h, obj.Info.Name)
		}
	}

	log.Infof("Imported %d of %d torrent files from %s", imported, len(files), dir)
}
