// Package clock provides the bridge's single time source: a monotonic
// clock for intervals and a wall clock for timestamps on emitted events.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is safe for concurrent use.
type Clock struct {
	start time.Time
	// offsetNS is a wall-clock correction applied by Wall, in nanoseconds.
	// It never touches Monotonic.
	offsetNS atomic.Int64
}

func New() *Clock {
	return &Clock{start: time.Now()}
}

// Monotonic returns nanoseconds since the clock was created. It is
// strictly increasing and unaffected by wall-clock corrections or jumps.
func (c *Clock) Monotonic() int64 {
	return time.Since(c.start).Nanoseconds()
}

// Wall returns the current corrected wall-clock time in UTC.
func (c *Clock) Wall() time.Time {
	return time.Now().UTC().Add(time.Duration(c.offsetNS.Load()))
}

const maxOffsetCorrection = 1000 * time.Millisecond

// WarnDriftThreshold and CriticalDriftThreshold bound the severities a
// caller should attach to a health event when reporting drift (§4.1).
const (
	WarnDriftThreshold     = 20 * time.Millisecond
	CriticalDriftThreshold = 100 * time.Millisecond
)

// ApplyOffset installs a new wall-clock correction delivered by an
// external time-sync collaborator. The correction is clamped to
// +/-maxOffsetCorrection per call so a single bad sample cannot make the
// wall clock jump arbitrarily far; it never affects Monotonic.
func (c *Clock) ApplyOffset(offset time.Duration) {
	if offset > maxOffsetCorrection {
		offset = maxOffsetCorrection
	} else if offset < -maxOffsetCorrection {
		offset = -maxOffsetCorrection
	}
	c.offsetNS.Store(int64(offset))
}

// Offset reports the currently applied wall-clock correction.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offsetNS.Load())
}

// DriftSeverity classifies an observed clock drift magnitude against the
// warn/critical thresholds, for callers building a health.Event.
func DriftSeverity(drift time.Duration) (severity string, ok bool) {
	if drift < 0 {
		drift = -drift
	}
	switch {
	case drift >= CriticalDriftThreshold:
		return "critical", true
	case drift >= WarnDriftThreshold:
		return "warning", true
	default:
		return "", false
	}
}
