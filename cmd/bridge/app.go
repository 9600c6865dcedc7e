package main

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"shotbridge.dev/internal/bridgeconfig"
	"shotbridge.dev/internal/health"
	"shotbridge.dev/internal/registry"
	"shotbridge.dev/internal/transport/ble"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func loadConfig() (bridgeconfig.Config, error) {
	return bridgeconfig.Load(configPath)
}

// newRegistry opens the persisted device registry backed by the
// configured SQLite path, so pair/assign/list see the same device
// table even though each CLI invocation is a separate process.
func newRegistry(adapter *ble.Adapter) (*registry.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return registry.Open(adapter, newLogger(), cfg.DBPath)
}

func newMetrics() *health.Metrics {
	return health.NewMetrics(prometheus.DefaultRegisterer)
}
