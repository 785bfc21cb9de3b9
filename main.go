package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metadex/commands"
	"metadex/config"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

// setLogFile additionally writes the log to a rotated file when one is configured.
func setLogFile(cfg *config.Config) {
	if cfg.Logging.File == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}))
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig(configFile string) *config.Config {
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setLogFile(cfg)
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A missing .env file is fine
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to load .env: %v", err)
	}

	configFile := flag.String("config", envOr("METADEX_CONFIG", ""), "Path to config file")
	logLevel := flag.String("loglevel", envOr("METADEX_LOGLEVEL", "info"), "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchPeer := fetchCmd.String("peer", "", "ID of a configured peer to ask")
	fetchHash := fetchCmd.String("hash", "", "Hex info hash of the torrent")
	fetchTimeout := fetchCmd.Duration("timeout", 30*time.Second, "How long to wait for the metadata")
	registerGlobalFlags(fetchCmd)

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importDir := importCmd.String("dir", ".", "Directory holding .torrent files")
	registerGlobalFlags(importCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	infoRecent := infoCmd.Int("recent", 10, "Number of recently collected torrents to list")
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunServe(ctx, loadConfig(*configFile))
	case "fetch":
		fetchCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		if *fetchPeer == "" || *fetchHash == "" {
			log.Fatal("fetch needs -peer and -hash")
		}
		commands.RunFetch(ctx, loadConfig(*configFile), *fetchPeer, *fetchHash, *fetchTimeout)
	case "import":
		importCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunImport(ctx, loadConfig(*configFile), *importDir)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunInfo(ctx, loadConfig(*configFile), *infoRecent)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
