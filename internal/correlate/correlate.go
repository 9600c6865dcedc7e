// Package correlate matches timer-shot events with sensor-impact events
// inside a sliding time window and maintains the adaptive expected-delay
// calibration that improves match quality over a session (§4.7).
package correlate

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultMaxWindow  = 2000 * time.Millisecond
	maxQueueDepth     = 50
	maxDelayTolerance = 1000 * time.Millisecond
)

// Shot is the minimal shape the correlator needs from a ShotObserved
// event (§3).
type Shot struct {
	Wall       time.Time
	Device     string
	ShotNumber int
	String     int
}

// Impact is the minimal shape the correlator needs from an
// ImpactDetected event.
type Impact struct {
	Wall   time.Time
	Sensor string
	Peak   int
}

// Pair is an emitted Correlated event.
type Pair struct {
	Shot       Shot
	Impact     Impact
	DelayMS    float64
	Confidence float64
}

type pendingShot struct {
	shot    Shot
	matched bool
}

type pendingImpact struct {
	impact  Impact
	matched bool
}

// Correlator holds the bounded FIFOs for one active string and the
// shared adaptive delay calibrator (§4.7). A bridge run shares one
// Correlator across every device's pump goroutine (timers feed shots,
// the sensor feeds impacts), so every method locks mu.
type Correlator struct {
	maxWindow time.Duration
	delay     *DelayCalibrator

	mu      sync.Mutex
	shots   []pendingShot
	impacts []pendingImpact

	totalShots       uint64
	totalImpacts     uint64
	unmatchedShots   uint64
	unmatchedImpacts uint64
}

func New(maxWindow time.Duration, delay *DelayCalibrator) *Correlator {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	return &Correlator{maxWindow: maxWindow, delay: delay}
}

// ResetString clears both FIFOs, called on a StringStart boundary so a
// new string's shots never correlate against a previous string's
// impacts (§4.7 "per active string").
func (c *Correlator) ResetString() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireUnmatched(c.shots, c.impacts)
	c.shots = c.shots[:0]
	c.impacts = c.impacts[:0]
}

func (c *Correlator) expireUnmatched(shots []pendingShot, impacts []pendingImpact) {
	for _, s := range shots {
		if !s.matched {
			c.unmatchedShots++
		}
	}
	for _, i := range impacts {
		if !i.matched {
			c.unmatchedImpacts++
		}
	}
}

// IngestShot appends a shot and attempts to correlate it; returns a Pair
// if one was found.
func (c *Correlator) IngestShot(s Shot, now time.Time) (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalShots++
	c.evictOld(now)
	if len(c.shots) >= maxQueueDepth {
		c.evictOldestShot()
	}
	c.shots = append(c.shots, pendingShot{shot: s})
	return c.tryMatch(now)
}

// IngestImpact appends an impact and attempts to correlate it.
func (c *Correlator) IngestImpact(imp Impact, now time.Time) (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalImpacts++
	c.evictOld(now)
	if len(c.impacts) >= maxQueueDepth {
		c.evictOldestImpact()
	}
	c.impacts = append(c.impacts, pendingImpact{impact: imp})
	return c.tryMatch(now)
}

func (c *Correlator) evictOldestShot() {
	if len(c.shots) == 0 {
		return
	}
	if !c.shots[0].matched {
		c.unmatchedShots++
	}
	c.shots = c.shots[1:]
}

func (c *Correlator) evictOldestImpact() {
	if len(c.impacts) == 0 {
		return
	}
	if !c.impacts[0].matched {
		c.unmatchedImpacts++
	}
	c.impacts = c.impacts[1:]
}

// evictOld drops entries older than maxWindow from "now", counting
// unmatched ones toward the mismatch metric (§7 "Correlation").
func (c *Correlator) evictOld(now time.Time) {
	cut := 0
	for i, s := range c.shots {
		if now.Sub(s.shot.Wall) <= c.maxWindow {
			break
		}
		cut = i + 1
		if !s.matched {
			c.unmatchedShots++
		}
	}
	c.shots = c.shots[cut:]

	cut = 0
	for i, imp := range c.impacts {
		if now.Sub(imp.impact.Wall) <= c.maxWindow {
			break
		}
		cut = i + 1
		if !imp.matched {
			c.unmatchedImpacts++
		}
	}
	c.impacts = c.impacts[cut:]
}

// tryMatch scans unmatched shots in FIFO order and, for each, finds the
// unmatched impact minimizing |delay-expected| within bounds (§4.7).
// It emits at most one Pair per call: the one for the oldest unmatched
// shot that has an acceptable impact, which need not involve the
// just-ingested event.
func (c *Correlator) tryMatch(now time.Time) (Pair, bool) {
	expected, _ := c.delay.Calibrated()

	for si := range c.shots {
		if c.shots[si].matched {
			continue
		}
		shot := c.shots[si].shot

		bestIdx := -1
		bestDiff := math.MaxFloat64
		for ii := range c.impacts {
			if c.impacts[ii].matched {
				continue
			}
			imp := c.impacts[ii].impact
			delayMS := float64(imp.Wall.Sub(shot.Wall).Milliseconds())
			if delayMS < 0 || delayMS > float64(c.maxWindow.Milliseconds()) {
				continue
			}
			diff := math.Abs(delayMS - expected)
			if diff < bestDiff {
				bestDiff = diff
				bestIdx = ii
			}
		}

		if bestIdx < 0 || bestDiff > float64(maxDelayTolerance.Milliseconds()) {
			continue
		}

		c.shots[si].matched = true
		c.impacts[bestIdx].matched = true
		imp := c.impacts[bestIdx].impact
		delayMS := float64(imp.Wall.Sub(shot.Wall).Milliseconds())
		confidence := confidenceFor(bestDiff)

		c.delay.Add(delayMS, confidence, now)

		return Pair{
			Shot:       shot,
			Impact:     imp,
			DelayMS:    delayMS,
			Confidence: confidence,
		}, true
	}
	return Pair{}, false
}

// confidenceFor derives a per-sample confidence weight from how close
// the match was to the expected delay, floored so it never falls below
// the calibrator's minConfidence gate (§4.7 requires weight >= 0.3).
func confidenceFor(diffMS float64) float64 {
	c := 1 - diffMS/float64(maxDelayTolerance.Milliseconds())
	if c < minConfidence {
		c = minConfidence
	}
	if c > 1 {
		c = 1
	}
	return c
}

// UnmatchedCounts reports the running totals of shots/impacts that aged
// out of the window without a match, for health-event thresholds (§7).
func (c *Correlator) UnmatchedCounts() (shots, impacts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmatchedShots, c.unmatchedImpacts
}

// Totals reports the running counts of shots and impacts ever ingested,
// for deriving a long-run mismatch ratio alongside UnmatchedCounts
// (§7 "Persistent long-run mismatch ratio triggers a health event").
func (c *Correlator) Totals() (shots, impacts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalShots, c.totalImpacts
}
