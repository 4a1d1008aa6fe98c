package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"kvdata/internal/config"
	"kvdata/internal/logging"
	"kvdata/internal/server"
	"kvdata/internal/storage"
)

func main() {
	var configPath, environment string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&environment, "env", "", "Logging preset: development, staging, production or test")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetupEnvironmentLogging(cfg, environment)

	srv, err := server.NewServer(context.Background(), cfg)
	if err != nil {
		var cfgErr *storage.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "Invalid storage file %s: %v\n", cfg.Data.StorageFile, cfgErr)
			os.Exit(2)
		}
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `kvdata server

Usage:
  %s [options]

Options:
  -config string
        Path to configuration file (YAML)
  -env string
        Logging preset: development, staging, production or test
  -h, --help
        Show this help message

Environment Variables:
  Configuration can be overridden using environment variables with the
  KVDATA_ prefix, e.g. KVDATA_SERVER_PORT or KVDATA_DATA_STORAGE_FILE.

Storage:
  The backend is chosen by the storage file (data.storage_file). A missing
  file is written with defaults. Placing storage-new.yml next to it migrates
  every value on the next start or on SIGHUP.

Examples:
  # Start with defaults
  %s

  # Start with custom config file
  %s -config /path/to/config.yaml

  # Start with environment override
  KVDATA_SERVER_PORT=9000 %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
