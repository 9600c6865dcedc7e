// Package bus implements the typed in-memory event fan-out and the
// crash-safe append log described in spec §4.8/§6/§8 (P6, P7).
package bus

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindDeviceState Kind = "device_state"
	KindShot        Kind = "shot"
	KindImpact      Kind = "impact"
	KindCorrelated  Kind = "correlated"
	KindHealth      Kind = "health"
)

// Record is the canonical on-wire and in-memory event shape (§6).
type Record struct {
	Seq     uint64          `json:"seq"`
	TsUTC   time.Time       `json:"ts_utc"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Lagged is delivered to a subscriber in place of the events it missed
// because its queue overflowed (§4.8, P7).
type Lagged struct {
	Skipped uint64
}

// Delivery is what a subscriber actually receives: either a Record or,
// when the subscriber fell behind, a Lagged marker.
type Delivery struct {
	Record *Record
	Lag    *Lagged
}
