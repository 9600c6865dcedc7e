// Package ble wraps tinygo.org/x/bluetooth with the adapter, scan, and
// GATT operations the bridge needs, plus a typed error vocabulary so
// callers can branch on failure kind without string matching.
package ble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tinygo.org/x/bluetooth"
)

// ConnectionState names a specific connection-lifecycle failure.
type ConnectionState string

const (
	StateNotConnected   ConnectionState = "not_connected"
	StateAlreadyOpen    ConnectionState = "already_connected"
	StateScanInProgress ConnectionState = "scan_in_progress"
)

// ConnectionError reports a connection-lifecycle problem. Compare with
// errors.Is against the sentinel values below.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected   = &ConnectionError{State: StateNotConnected}
	ErrAlreadyOpen    = &ConnectionError{State: StateAlreadyOpen}
	ErrScanInProgress = &ConnectionError{State: StateScanInProgress}
)

// NotFoundError reports a missing GATT service or characteristic.
type NotFoundError struct {
	Resource string
	UUID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// ScanResult is the subset of a discovered advertisement the registry
// cares about (§4.6 DiscoveredDevice).
type ScanResult struct {
	Address  string
	RSSI     int16
	Adv      Advertisement
}

// Adapter wraps the process-wide Bluetooth radio singleton (§5: "the BLE
// adapter is a singleton").
type Adapter struct {
	dev *bluetooth.Adapter
}

func Open() (*Adapter, error) {
	dev := bluetooth.DefaultAdapter
	if err := dev.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return &Adapter{dev: dev}, nil
}

// Scan runs for the given duration and reports every distinct address
// seen, with the RSSI from its most recent advertisement (§4.6:
// "duplicate addresses during the window collapse to one record with
// the latest RSSI").
func (a *Adapter) Scan(ctx context.Context, d time.Duration) ([]ScanResult, error) {
	scanCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	seen := make(map[string]ScanResult)
	errCh := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := a.dev.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			seen[addr] = ScanResult{
				Address: addr,
				RSSI:    result.RSSI,
				Adv: Advertisement{
					Name:           result.LocalName(),
					ManufacturerID: manufacturerID(result),
					Services:       serviceUUIDs(result),
				},
			}
		})
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case <-scanCtx.Done():
		if err := a.dev.StopScan(); err != nil && !errors.Is(err, context.Canceled) {
			// Best-effort stop; scan errors are reported but never crash (§4.6).
		}
		<-done
	case err := <-errCh:
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	out := make([]ScanResult, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	return out, nil
}

func manufacturerID(r bluetooth.ScanResult) uint16 {
	for id := range r.AdvertisementPayload.ManufacturerData() {
		return id
	}
	return 0
}

func serviceUUIDs(r bluetooth.ScanResult) []string {
	uuids := r.AdvertisementPayload.ServiceUUIDs()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}

// Handle is one open GATT connection plus the characteristics the
// session subscribed to.
type Handle struct {
	dev    bluetooth.Device
	write  *bluetooth.DeviceCharacteristic
	notify *bluetooth.DeviceCharacteristic
}

// Connect opens a GATT connection and discovers the given service and
// its write/notify characteristics.
func (a *Adapter) Connect(ctx context.Context, addr string, serviceUUID, writeUUID, notifyUUID string) (*Handle, error) {
	mac, err := bluetooth.ParseMAC(addr)
	if err != nil {
		return nil, fmt.Errorf("ble: parse address %q: %w", addr, err)
	}
	bleAddr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	dev, err := a.dev.Connect(bleAddr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", addr, err)
	}

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("ble: parse service uuid: %w", err)
	}
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(svcs) == 0 {
		dev.Disconnect()
		return nil, &NotFoundError{Resource: "service", UUID: serviceUUID}
	}

	h := &Handle{dev: dev}

	if notifyUUID != "" {
		nUUID, _ := bluetooth.ParseUUID(notifyUUID)
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{nUUID})
		if err != nil || len(chars) == 0 {
			dev.Disconnect()
			return nil, &NotFoundError{Resource: "characteristic", UUID: notifyUUID}
		}
		h.notify = &chars[0]
	}

	if writeUUID != "" {
		wUUID, _ := bluetooth.ParseUUID(writeUUID)
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{wUUID})
		if err != nil || len(chars) == 0 {
			dev.Disconnect()
			return nil, &NotFoundError{Resource: "characteristic", UUID: writeUUID}
		}
		h.write = &chars[0]
	}

	return h, nil
}

// Subscribe enables notifications on the handle's notify characteristic
// and delivers raw payloads to fn until the handle is disconnected.
func (h *Handle) Subscribe(fn func([]byte)) error {
	if h.notify == nil {
		return ErrNotConnected
	}
	return h.notify.EnableNotifications(fn)
}

// Write sends a command to the handle's write characteristic without
// waiting for a reply (§4.5: "does not block on device reply").
func (h *Handle) Write(data []byte) error {
	if h.write == nil {
		return ErrNotConnected
	}
	_, err := h.write.WriteWithoutResponse(data)
	return err
}

// Disconnect tears down the GATT connection; safe to call more than
// once.
func (h *Handle) Disconnect() error {
	return h.dev.Disconnect()
}
