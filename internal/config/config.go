// Package config provides the read-only sensor→target lookup cache
// backed by the SQLite configuration store (§4.9, §6).
package config

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// Binding is the cached value for one sensor hardware address (§4.9).
type Binding struct {
	BridgeName    string
	StageName     string
	TargetNumber  int
	SensorShortID string
}

// Store wraps the relational configuration database. It is safe for
// concurrent use: Lookup never blocks on I/O, only on an in-memory map
// read (§4.9: "the lookup never blocks the hot path longer than a
// memory read").
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	cache   map[string]Binding
	version int64

	lastSeenVersion atomic.Int64
}

// Open connects to the SQLite file in read-only, WAL-compatible mode
// (§6: "the core assumes SQLite with write-ahead logging semantics;
// concurrent readers permitted") and builds the initial cache.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("config: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: ping: %w", err)
	}

	s := &Store{db: db, cache: make(map[string]Binding)}
	if err := s.rebuild(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the cached binding for a sensor address, if any.
func (s *Store) Lookup(sensorAddr string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cache[sensorAddr]
	return b, ok
}

// Refresh checks the config-version counter and rebuilds the cache
// only if it has changed (§4.9: "invalidated when the config-version
// counter changes"). Call this off the hot path (e.g. from the health
// monitor tick), not per-event.
func (s *Store) Refresh() error {
	var version int64
	if err := s.db.QueryRow(`SELECT version FROM config_version LIMIT 1`).Scan(&version); err != nil {
		return fmt.Errorf("config: read version: %w", err)
	}
	if version == s.lastSeenVersion.Load() {
		return nil
	}
	return s.rebuild()
}

func (s *Store) rebuild() error {
	rows, err := s.db.Query(`
		SELECT s.hw_address, b.name, t.stage_name, t.target_number, s.short_id
		FROM sensors s
		JOIN bridges b ON b.id = s.bridge_id
		LEFT JOIN target_assignments t ON t.sensor_id = s.id
	`)
	if err != nil {
		return fmt.Errorf("config: query sensors: %w", err)
	}
	defer rows.Close()

	next := make(map[string]Binding)
	for rows.Next() {
		var (
			addr, bridgeName, stageName, shortID sql.NullString
			targetNumber                         sql.NullInt64
		)
		if err := rows.Scan(&addr, &bridgeName, &stageName, &targetNumber, &shortID); err != nil {
			return fmt.Errorf("config: scan row: %w", err)
		}
		if !addr.Valid {
			continue
		}
		next[addr.String] = Binding{
			BridgeName:    bridgeName.String,
			StageName:     stageName.String,
			TargetNumber:  int(targetNumber.Int64),
			SensorShortID: shortID.String,
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("config: iterate sensors: %w", err)
	}

	var version int64
	_ = s.db.QueryRow(`SELECT version FROM config_version LIMIT 1`).Scan(&version)

	s.mu.Lock()
	s.cache = next
	s.version = version
	s.mu.Unlock()
	s.lastSeenVersion.Store(version)
	return nil
}

// GetBridge looks up a bridge by id (§6 "get_bridge_by_id").
func (s *Store) GetBridge(id string) (name string, err error) {
	err = s.db.QueryRow(`SELECT name FROM bridges WHERE id = ?`, id).Scan(&name)
	if err != nil {
		return "", fmt.Errorf("config: get bridge %q: %w", id, err)
	}
	return name, nil
}

// ListSensorsForBridge lists hardware addresses registered under a
// bridge (§6 "list_sensors_for_bridge").
func (s *Store) ListSensorsForBridge(bridgeID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT hw_address FROM sensors WHERE bridge_id = ?`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("config: list sensors for %q: %w", bridgeID, err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("config: scan sensor row: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}
