// Package session implements the per-address device task that owns one
// BLE handle and drives a single connection lifecycle (§4.5).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"shotbridge.dev/internal/transport/ble"
)

const (
	connectTimeout    = 10 * time.Second
	watchdogInterval  = 10 * time.Second
	cancelGrace       = 2 * time.Second
	backoffBase       = 2 * time.Second
	backoffMultiplier = 1.5
	backoffCap        = 30 * time.Second
)

// Record is one raw notification handed to the owner; Raw carries
// the undecoded payload so the caller can dispatch to the right codec.
type Record struct {
	Raw  []byte
	Wall time.Time
}

// Status is a point-in-time snapshot (§4.5).
type Status struct {
	Connected       bool
	Monitoring      bool
	LastSeenWall    time.Time
	LastRSSI        int16
	LastBattery     int
	LastError       error
	ConnectAttempts int
}

// Target describes the device this session connects to.
type Target struct {
	Address     string
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
}

// Session drives one device's connection lifecycle: connect with
// backoff, stream notifications, watch for silence, reconnect.
type Session struct {
	target  Target
	adapter *ble.Adapter
	out     chan<- Record
	logger  *slog.Logger

	mu     sync.Mutex
	status Status
	handle *ble.Handle

	cancel context.CancelFunc
	done   chan struct{}
}

func New(adapter *ble.Adapter, target Target, out chan<- Record, logger *slog.Logger) *Session {
	return &Session{target: target, adapter: adapter, out: out, logger: logger}
}

// Start begins the connect-and-stream loop in the background. It
// returns immediately; use Status to observe progress.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(ctx)
	}()
}

// Stop signals the session to disconnect and waits up to cancelGrace
// for cleanup; idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(cancelGrace):
		}
	}
}

func (s *Session) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.disconnect()
			return
		}

		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		h, err := s.adapter.Connect(connCtx, s.target.Address, s.target.ServiceUUID, s.target.WriteUUID, s.target.NotifyUUID)
		cancel()

		if err != nil {
			attempt++
			s.recordFailure(err, attempt)
			if !s.sleepBackoff(ctx, attempt) {
				return
			}
			continue
		}

		attempt = 0
		s.onConnected(h)
		s.streamUntilFaulted(ctx, h)
		s.disconnect()

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) onConnected(h *ble.Handle) {
	s.mu.Lock()
	s.handle = h
	s.status.Connected = true
	s.status.LastError = nil
	s.mu.Unlock()
}

func (s *Session) recordFailure(err error, attempt int) {
	s.mu.Lock()
	s.status.Connected = false
	s.status.LastError = err
	s.status.ConnectAttempts = attempt
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Warn("session connect failed", "address", s.target.Address, "attempt", attempt, "err", err)
	}
}

// sleepBackoff waits the exponential interval for this attempt (§4.5:
// "2s, 3s, 4.5s, 6.75s, ..., cap 30s"), plus a small random jitter so
// many sessions that lost power together don't all redial in lockstep
// (a behavior the original bridge relied on during outage recovery),
// returning false if ctx ended first.
func (s *Session) sleepBackoff(ctx context.Context, attempt int) bool {
	wait := backoffBase
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * backoffMultiplier)
		if wait > backoffCap {
			wait = backoffCap
			break
		}
	}
	wait += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// streamUntilFaulted subscribes to notifications and blocks until the
// context is cancelled or the watchdog declares the link dead.
func (s *Session) streamUntilFaulted(ctx context.Context, h *ble.Handle) {
	lastNotify := make(chan struct{}, 1)

	err := h.Subscribe(func(payload []byte) {
		now := time.Now().UTC()
		s.mu.Lock()
		s.status.LastSeenWall = now
		s.status.Monitoring = true
		s.mu.Unlock()

		select {
		case lastNotify <- struct{}{}:
		default:
		}

		rec := Record{Raw: append([]byte(nil), payload...), Wall: now}
		select {
		case s.out <- rec:
		default:
			// Owner channel full: drop rather than block the BLE callback.
		}
	})
	if err != nil {
		s.recordFailure(err, 0)
		return
	}

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	seenSinceTick := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-lastNotify:
			seenSinceTick = true
		case <-ticker.C:
			s.mu.Lock()
			monitoring := s.status.Monitoring
			s.mu.Unlock()
			if monitoring && !seenSinceTick {
				if s.logger != nil {
					s.logger.Warn("session watchdog: no notifications, faulting", "address", s.target.Address)
				}
				return
			}
			seenSinceTick = false
		}
	}
}

func (s *Session) disconnect() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.status.Connected = false
	s.status.Monitoring = false
	s.mu.Unlock()
	if h != nil {
		h.Disconnect()
	}
}

// SendCommand writes a command to the device; only meaningful for
// timer family A sessions (§4.5).
func (s *Session) SendCommand(cmd []byte) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return errors.New("session: not connected")
	}
	return h.Write(cmd)
}

// SetSensitivity sends the "SET SENSITIVITY NN" command to a timer
// family A device, validating NN is in the device's accepted range
// (§6) before writing.
func (s *Session) SetSensitivity(level int) error {
	if level < 1 || level > 10 {
		return fmt.Errorf("session: sensitivity %d out of range [1,10]", level)
	}
	return s.SendCommand([]byte(fmt.Sprintf("SET SENSITIVITY %02d", level)))
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
