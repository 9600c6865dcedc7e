// Package bridgeconfig loads the process-level configuration for the
// bridge binary: the adapter identity, storage paths, and the tunables
// for the detector, correlator, and health monitor.
package bridgeconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the fully resolved process configuration.
type Config struct {
	AdapterID string `koanf:"adapter_id"`

	DBPath       string `koanf:"db_path"`
	LogPath      string `koanf:"log_path"`
	SnapshotPath string `koanf:"snapshot_path"`

	Detector struct {
		ThresholdCounts int           `koanf:"threshold_counts"`
		MinDuration     int           `koanf:"min_duration_samples"`
		MaxDuration     int           `koanf:"max_duration_samples"`
		Refractory      time.Duration `koanf:"refractory"`
	} `koanf:"detector"`

	Decode struct {
		// StrictTimerA rejects family-A frames whose type tag is outside
		// [1,30]; when false such frames are decoded anyway (§4.2 "strict
		// mode"). A shot-order inconsistency is flagged, never rejected.
		StrictTimerA bool `koanf:"strict_timer_a"`
	} `koanf:"decode"`

	Correlator struct {
		MaxWindow time.Duration `koanf:"max_window"`
	} `koanf:"correlator"`

	HealthMonitor struct {
		IntervalSeconds int `koanf:"interval_seconds"`
	} `koanf:"health_monitor"`

	Bus struct {
		SubscriberQueueDepth int `koanf:"subscriber_queue_depth"`
	} `koanf:"bus"`
}

func defaults() Config {
	var c Config
	c.DBPath = "bridge.db"
	c.LogPath = "bridge.log.jsonl"
	c.SnapshotPath = "calibration.json"
	c.Detector.ThresholdCounts = 150
	c.Detector.MinDuration = 6
	c.Detector.MaxDuration = 11
	c.Detector.Refractory = time.Second
	c.Correlator.MaxWindow = 2 * time.Second
	c.HealthMonitor.IntervalSeconds = 30
	c.Bus.SubscriberQueueDepth = 256
	return c
}

// Load reads defaults, then the YAML file at path (when path is
// non-empty; a missing file is an error), then
// SHOTBRIDGE_-prefixed environment variables, in increasing priority.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	def := defaults()
	if err := k.Load(structs.Provider(def, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("bridgeconfig: load file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SHOTBRIDGE_", ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: load env: %w", err)
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: unmarshal: %w", err)
	}
	return out, nil
}

// envTransform turns SHOTBRIDGE_DETECTOR__THRESHOLD_COUNTS into
// detector.threshold_counts so it lines up with the YAML keys.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, "SHOTBRIDGE_")
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}
