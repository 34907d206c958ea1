// OPC-UA device simulator.
//
// Serves a single simulated "device" object over OPC-UA and refreshes its
// temperature and humidity with random values once per interval. Each
// reading can also be published to MQTT, written to InfluxDB, recorded
// in SQLite and streamed over the HTTP API, all optional.
//
// Configuration is read from configs/config.yaml (or OPCUASIM_CONFIG).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/opcua-device-simulator/migrations"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configEnvVar names the variable that overrides config.DefaultPath.
const configEnvVar = "OPCUASIM_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration, starts the app and blocks until ctx is
// cancelled. The worker stops before anything else is closed.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting opcua simulator",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.run(ctx)

	log.Info("opcua simulator stopped")
	return nil
}

// getConfigPath returns OPCUASIM_CONFIG if set, otherwise config.DefaultPath.
func getConfigPath() string {
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return config.DefaultPath
}
