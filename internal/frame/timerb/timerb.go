// Package timerb decodes the variable-length notification frames emitted
// by shot-timer family B devices (SPECIAL PIE and compatible clones).
//
// Unlike family A, a family-B shot-data command carries only the raw
// second/centisecond/shot-number fields on the wire (§4.2); split time is
// derived by the stateful Decoder from the previous shot in the same
// string, including the borrow-a-second case when the centisecond
// counter wraps.
package timerb

import "fmt"

const (
	CmdShotData    byte = 0x36
	CmdStringStart byte = 0x34
	CmdStringStop  byte = 0x18
)

// EventKind distinguishes the three frame shapes family B can produce.
type EventKind int

const (
	EventShotData EventKind = iota
	EventStringStart
	EventStringStop
)

// Event is the decoded form of a single family-B notification.
type Event struct {
	Kind EventKind

	// Valid only when Kind == EventShotData.
	ShotNumber   byte
	Seconds      byte
	Centiseconds byte
	// AbsoluteMS is Seconds*1000 + Centiseconds*10.
	AbsoluteMS int
	// SplitMS is AbsoluteMS minus the previous shot's AbsoluteMS in the
	// same string, with borrow handling for a negative centisecond
	// delta (§3). Zero for the first shot of a string.
	SplitMS int
}

type ErrorKind string

const (
	ErrTooShort   ErrorKind = "too_short"
	ErrUnknownCmd ErrorKind = "unknown_command"
)

type DecodeError struct {
	Kind   ErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("timerb: %s: %s", e.Kind, e.Detail)
}

const minShotDataLength = 7

// Decoder holds the per-string state (previous shot) needed to derive
// split times across successive shot-data frames.
type Decoder struct {
	hasPrev bool
	prevAbs int
	stats   Stats
}

type Stats struct {
	Total      uint64
	Valid      uint64
	TooShort   uint64
	UnknownCmd uint64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses a single notification payload. The command byte is at
// index 2 (§6); shot-data payload fields begin at index 4.
func (d *Decoder) Decode(buf []byte) (Event, error) {
	d.stats.Total++
	if len(buf) < 3 {
		d.stats.TooShort++
		return Event{}, &DecodeError{Kind: ErrTooShort, Detail: "frame shorter than command prefix"}
	}
	switch cmd := buf[2]; cmd {
	case CmdStringStart:
		d.hasPrev = false
		d.stats.Valid++
		return Event{Kind: EventStringStart}, nil
	case CmdStringStop:
		d.stats.Valid++
		return Event{Kind: EventStringStop}, nil
	case CmdShotData:
		if len(buf) < minShotDataLength {
			d.stats.TooShort++
			return Event{}, &DecodeError{Kind: ErrTooShort, Detail: fmt.Sprintf("shot-data frame has %d bytes, want >= %d", len(buf), minShotDataLength)}
		}
		seconds := buf[4]
		cs := buf[5]
		shotNo := buf[6]
		abs := int(seconds)*1000 + int(cs)*10
		ev := Event{
			Kind:         EventShotData,
			ShotNumber:   shotNo,
			Seconds:      seconds,
			Centiseconds: cs,
			AbsoluteMS:   abs,
		}
		if d.hasPrev {
			ev.SplitMS = splitWithBorrow(d.prevAbs, abs)
		}
		d.hasPrev = true
		d.prevAbs = abs
		d.stats.Valid++
		return ev, nil
	default:
		d.stats.UnknownCmd++
		return Event{}, &DecodeError{Kind: ErrUnknownCmd, Detail: fmt.Sprintf("command byte 0x%02x", cmd)}
	}
}

// splitWithBorrow computes the interval between two absolute millisecond
// readings, tolerating a centisecond counter that wrapped past 99 without
// the second counter having been observed to roll over yet: if the naive
// delta is negative, treat it as a one-second borrow (§3).
func splitWithBorrow(prevAbs, curAbs int) int {
	delta := curAbs - prevAbs
	if delta < 0 {
		delta += 1000
	}
	return delta
}

func (d *Decoder) Stats() Stats {
	return d.stats
}

// Reset clears the string-scoped previous-shot state, used when the
// caller observes a StringStart independently of this decoder (e.g. on
// reconnect resync).
func (d *Decoder) Reset() {
	d.hasPrev = false
}
