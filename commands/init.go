package commands

import (
	"context"
	"os"

	"metadex/config"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

// RunInit assigns the node a fresh ID, creates its directories and writes the configuration file.
func RunInit(ctx context.Context, cfg *config.Config) {
	if _, err := os.Stat(cfg.File()); err == nil {
		log.Fatalf("Config file %s already exists", cfg.File())
	}

	cfg.Node.ID = uuid.NewString()
	log.Infof("Generated node ID %s", cfg.Node.ID)

	for _, dir := range []string{cfg.Collector.StorageDirectory, cfg.DataStore.IndexPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
}
