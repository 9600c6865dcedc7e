// Package registry owns the process-wide table of registered devices
// and the pool of live sessions (§4.6). Pairing and assignment are
// persisted to SQLite (spec.md: "registered (persisted, may be
// unassigned)") so the discover/pair/assign/list CLI subcommands, each
// a separate process invocation, see the same device table.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"shotbridge.dev/internal/session"
	"shotbridge.dev/internal/transport/ble"
)

// DiscoveredDevice is one entry from a scan (§4.6).
type DiscoveredDevice struct {
	Address string
	Name    string
	Kind    ble.Kind
	RSSI    int16
}

// DeviceRecord is a persistent, paired device merged with its live
// health snapshot (§4.6 list()).
type DeviceRecord struct {
	Address    string
	Kind       ble.Kind
	TargetID   string
	Label      string
	Status     session.Status
	LastHealth time.Time
}

type entry struct {
	record  DeviceRecord
	session *session.Session
}

// Registry is safe for concurrent use. Reads (list, lookup) take a
// read lock; writes (pair/unpair/assign) take a write lock, and are
// expected to be rare (§5: "writer-priority lock").
type Registry struct {
	adapter *ble.Adapter
	logger  *slog.Logger
	db      *sql.DB

	mu      sync.RWMutex
	devices map[string]*entry
}

// New builds a purely in-memory registry with no backing store; pairing
// and assignment do not survive process restart. Prefer Open.
func New(adapter *ble.Adapter, logger *slog.Logger) *Registry {
	return &Registry{adapter: adapter, logger: logger, devices: make(map[string]*entry)}
}

// Open builds a registry backed by a SQLite table at dbPath, loading any
// previously paired devices into memory before returning. Every
// subsequent Pair/Assign/Unassign/SetLabel call persists immediately,
// so a later process (e.g. a separate `bridge assign` invocation)
// observes the same device table (§4.6).
func Open(adapter *ble.Adapter, logger *slog.Logger, dbPath string) (*Registry, error) {
	r := &Registry{adapter: adapter, logger: logger, devices: make(map[string]*entry)}
	if dbPath == "" {
		return r, nil
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("registry: open %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping %q: %w", dbPath, err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS paired_devices (
		address   TEXT PRIMARY KEY,
		kind      TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		label     TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrate %q: %w", dbPath, err)
	}
	r.db = db

	rows, err := db.Query(`SELECT address, kind, target_id, label FROM paired_devices`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: load paired devices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr, kind, targetID, label string
		if err := rows.Scan(&addr, &kind, &targetID, &label); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: scan paired device: %w", err)
		}
		r.devices[addr] = &entry{record: DeviceRecord{Address: addr, Kind: ble.Kind(kind), TargetID: targetID, Label: label}}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: iterate paired devices: %w", err)
	}
	return r, nil
}

// Close releases the backing database, if any.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// persist upserts the current in-memory record for addr. Must be called
// with r.mu held.
func (r *Registry) persist(addr string) {
	if r.db == nil {
		return
	}
	e, ok := r.devices[addr]
	if !ok {
		return
	}
	_, err := r.db.Exec(`
		INSERT INTO paired_devices (address, kind, target_id, label) VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET kind = excluded.kind, target_id = excluded.target_id, label = excluded.label
	`, addr, string(e.record.Kind), e.record.TargetID, e.record.Label)
	if err != nil && r.logger != nil {
		r.logger.Warn("registry: persist failed", "address", addr, "err", err)
	}
}

// Discover runs a bounded scan and classifies every advertisement seen
// (§4.6). Duration is clamped to [1,60]s per the contract.
func (r *Registry) Discover(ctx context.Context, seconds int) ([]DiscoveredDevice, error) {
	if seconds < 1 {
		seconds = 1
	}
	if seconds > 60 {
		seconds = 60
	}
	results, err := r.adapter.Scan(ctx, time.Duration(seconds)*time.Second)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("discovery scan failed", "err", err)
		}
		return nil, err
	}

	out := make([]DiscoveredDevice, 0, len(results))
	for _, res := range results {
		out = append(out, DiscoveredDevice{
			Address: res.Address,
			Name:    res.Adv.Name,
			Kind:    ble.Classify(res.Adv),
			RSSI:    res.RSSI,
		})
	}
	return out, nil
}

// Pair attempts a probe connection and, on success, upserts a
// persistent device record (§4.6). The record's kind is always set to
// kindHint; no scan result is consulted.
func (r *Registry) Pair(ctx context.Context, addr string, kindHint ble.Kind, target session.Target) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	h, err := r.adapter.Connect(probeCtx, addr, target.ServiceUUID, target.WriteUUID, target.NotifyUUID)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("pair probe failed", "address", addr, "err", err)
		}
		return false
	}
	h.Disconnect()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[addr]
	if !ok {
		e = &entry{record: DeviceRecord{Address: addr, Kind: kindHint}}
		r.devices[addr] = e
	}
	e.record.Kind = kindHint
	r.persist(addr)
	return true
}

// Assign writes the target binding; no transport action (§4.6).
func (r *Registry) Assign(addr, targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[addr]
	if !ok {
		return false
	}
	e.record.TargetID = targetID
	r.persist(addr)
	return true
}

// Unassign clears the binding; does not disconnect (§4.6).
func (r *Registry) Unassign(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[addr]
	if !ok {
		return false
	}
	e.record.TargetID = ""
	r.persist(addr)
	return true
}

// SetLabel renames a paired device. Supplements the distilled contract
// with the operator-facing rename the original bridge exposed.
func (r *Registry) SetLabel(addr, label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[addr]
	if !ok {
		return false
	}
	e.record.Label = label
	r.persist(addr)
	return true
}

// List merges persistent records with live health snapshots (§4.6).
func (r *Registry) List() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, e := range r.devices {
		rec := e.record
		if e.session != nil {
			rec.Status = e.session.Status()
		}
		out = append(out, rec)
	}
	return out
}

// AttachSession records the live session serving addr, so List can
// report its status snapshot.
func (r *Registry) AttachSession(addr string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[addr]
	if !ok {
		e = &entry{record: DeviceRecord{Address: addr}}
		r.devices[addr] = e
	}
	e.session = s
}

// StartHealthMonitor periodically probes every registered device that
// has no live session, updating last-seen on success (§4.6). It blocks
// until ctx is cancelled.
func (r *Registry) StartHealthMonitor(ctx context.Context, intervalSeconds int, probe func(ctx context.Context, addr string) (ok bool, rssi int16, battery int)) {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx, probe)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context, probe func(ctx context.Context, addr string) (bool, int16, int)) {
	r.mu.RLock()
	addrs := make([]string, 0, len(r.devices))
	for addr, e := range r.devices {
		if e.session == nil {
			addrs = append(addrs, addr)
		}
	}
	r.mu.RUnlock()

	for _, addr := range addrs {
		ok, rssi, battery := probe(ctx, addr)

		r.mu.Lock()
		if e, exists := r.devices[addr]; exists {
			if ok {
				e.record.Status.LastSeenWall = time.Now().UTC()
				e.record.Status.LastRSSI = rssi
				e.record.Status.LastBattery = battery
				e.record.Status.LastError = nil
			} else if r.logger != nil {
				r.logger.Warn("health probe failed", "address", addr)
			}
		}
		r.mu.Unlock()
	}
}
