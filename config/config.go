package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"metadex/classifier"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log = logrus.New()

// Peer is a statically configured overlay peer.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Config represents the configuration of a metadex node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		ID              string `yaml:"id"`
		ProtocolVersion int    `yaml:"protocolVersion"`
	} `yaml:"node"`

	Network struct {
		Listen            string        `yaml:"listen"`
		Advertise         string        `yaml:"advertise,omitempty"`
		MessagesPerSecond float64       `yaml:"messagesPerSecond"`
		Burst             int           `yaml:"burst"`
		DialTimeout       time.Duration `yaml:"dialTimeout"`
		Peers             []Peer        `yaml:"peers,omitempty"`
	} `yaml:"network"`

	DataStore struct {
		IndexPath string `yaml:"index"`
	} `yaml:"datastore"`

	// Collector settings control how much metadata is kept and served
	Collector struct {
		StorageDirectory  string        `yaml:"storageDirectory"`
		MinFreeSpaceMB    int           `yaml:"minFreeSpaceMB"`
		MaxManagedObjects int           `yaml:"maxManagedObjects"`
		UploadRateKBs     int           `yaml:"uploadRateKBs"`
		RequestTTL        time.Duration `yaml:"requestTTL"`
	} `yaml:"collector"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file,omitempty"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen,omitempty"`
	} `yaml:"metrics"`

	Categories []classifier.Category `yaml:"categories,omitempty"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.ProtocolVersion = 4

	cfg.Network.Listen = ":7762"
	cfg.Network.MessagesPerSecond = 20
	cfg.Network.Burst = 40
	cfg.Network.DialTimeout = 10 * time.Second

	cfg.DataStore.IndexPath = "/tmp/metadex/index"

	cfg.Collector.StorageDirectory = "/tmp/metadex/collected_torrent_files"
	cfg.Collector.MinFreeSpaceMB = 200
	cfg.Collector.MaxManagedObjects = 5000
	cfg.Collector.UploadRateKBs = 5

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// File returns the path the configuration is saved to and loaded from.
func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.configFile, err)
	}

	return c.Validate()
}

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is empty, run init first"))
	}
	if c.Collector.StorageDirectory == "" {
		errs = append(errs, errors.New("collector.storageDirectory is empty"))
	}
	if c.DataStore.IndexPath == "" {
		errs = append(errs, errors.New("datastore.index is empty"))
	}
	for i, p := range c.Network.Peers {
		if p.ID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("network.peers[%d] needs both id and address", i))
		}
	}
	return errors.Join(errs...)
}

// ClassifierCategories returns the configured categories, or the defaults when none are set.
func (c *Config) ClassifierCategories() []classifier.Category {
	if len(c.Categories) == 0 {
		return classifier.DefaultCategories()
	}
	return c.Categories
}
