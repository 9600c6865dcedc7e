package health

import (
	"sync"
	"time"
)

const (
	// RatioWindow is the rolling window strict-mode mismatch ratios are
	// computed over (§4.2 "strict mode": "invalid-to-valid frames over a
	// 1-minute window").
	RatioWindow = time.Minute
	// InvalidRatioThreshold is the fraction of invalid frames within
	// RatioWindow that raises a health event.
	InvalidRatioThreshold = 0.10
	// minSampleForRatio avoids flapping a health event off of a single
	// invalid frame right at process start.
	minSampleForRatio = 10
)

// RatioTracker accumulates valid/invalid counts for one codec over a
// rolling window and reports when the invalid ratio crosses
// InvalidRatioThreshold (§4.2, §7 "Persistent long-run mismatch ratio
// triggers a health event").
type RatioTracker struct {
	mu          sync.Mutex
	windowStart time.Time
	valid       uint64
	invalid     uint64
}

func NewRatioTracker(now time.Time) *RatioTracker {
	return &RatioTracker{windowStart: now}
}

// Observe records one decode outcome and returns the window's current
// invalid ratio and whether it has just crossed the threshold.
func (t *RatioTracker) Observe(now time.Time, valid bool) (ratio float64, breached bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.windowStart) > RatioWindow {
		t.valid, t.invalid = 0, 0
		t.windowStart = now
	}

	if valid {
		t.valid++
	} else {
		t.invalid++
	}

	total := t.valid + t.invalid
	if total < minSampleForRatio {
		return 0, false
	}
	ratio = float64(t.invalid) / float64(total)
	if ratio <= InvalidRatioThreshold {
		return ratio, false
	}
	// Report only the observation that moved the ratio above the
	// threshold, not every observation while it stays there.
	prevTotal, prevInvalid := total-1, t.invalid
	if !valid {
		prevInvalid--
	}
	if prevTotal < minSampleForRatio {
		return ratio, true
	}
	return ratio, float64(prevInvalid)/float64(prevTotal) <= InvalidRatioThreshold
}
