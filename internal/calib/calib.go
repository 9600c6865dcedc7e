// Package calib implements the per-sensor baseline calibrator (§4.3):
// it aggregates a fixed number of quiet samples into a per-axis zero
// offset before the shot detector starts reporting deviations.
package calib

import (
	"time"

	"shotbridge.dev/internal/frame/accel"
)

const (
	DefaultSampleCount = 100
	DefaultTimeout     = 30 * time.Second
	RetryInterval      = 60 * time.Second
)

// Baseline is the per-axis zero offset computed from quiet samples.
type Baseline struct {
	X, Y, Z     int
	SamplesUsed int
	AcquiredAt  time.Time
}

// Deviation returns |value - baseline| for the axis the detector cares
// about. The detector only ever looks at X in this bridge (mounting
// convention puts the sensitive axis on X), matching §4.4's
// single-scalar deviation model.
func (b Baseline) Deviation(s accel.Sample) int {
	d := int(s.X) - b.X
	if d < 0 {
		d = -d
	}
	return d
}

type FailureReason string

const (
	ReasonTimeout FailureReason = "timeout"
)

// Calibrator accumulates samples until it has enough to compute a
// Baseline, or until it times out.
type Calibrator struct {
	wantSamples int
	timeout     time.Duration
	deadlineAt  time.Time
	started     bool

	sumX, sumY, sumZ int64
	count            int
}

func New(wantSamples int, timeout time.Duration) *Calibrator {
	if wantSamples <= 0 {
		wantSamples = DefaultSampleCount
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Calibrator{wantSamples: wantSamples, timeout: timeout}
}

// Result is returned by Add once calibration finishes, one way or
// the other.
type Result struct {
	Baseline Baseline
	Ready    bool
	Failed   bool
	Reason   FailureReason
}

// Add feeds one sample to the calibrator. now is the caller's monotonic
// clock reading; wall is the wall-clock reading attached to a successful
// Baseline (§3 "acquired-at time").
func (c *Calibrator) Add(s accel.Sample, now time.Time, wall time.Time) Result {
	if !c.started {
		c.started = true
		c.deadlineAt = now.Add(c.timeout)
	}
	if now.After(c.deadlineAt) {
		return Result{Failed: true, Reason: ReasonTimeout}
	}

	c.sumX += int64(s.X)
	c.sumY += int64(s.Y)
	c.sumZ += int64(s.Z)
	c.count++

	if c.count < c.wantSamples {
		return Result{}
	}
	return Result{
		Ready: true,
		Baseline: Baseline{
			X:           int(c.sumX / int64(c.count)),
			Y:           int(c.sumY / int64(c.count)),
			Z:           int(c.sumZ / int64(c.count)),
			SamplesUsed: c.count,
			AcquiredAt:  wall,
		},
	}
}

// Reset restarts accumulation, used when an operator forces
// recalibration or the periodic retry fires after a timeout (§7).
func (c *Calibrator) Reset() {
	c.started = false
	c.sumX, c.sumY, c.sumZ = 0, 0, 0
	c.count = 0
}
