package correlate

import (
	"testing"
	"time"
)

func TestBasicMatch(t *testing.T) {
	c := New(DefaultMaxWindow, NewDelayCalibrator())
	base := time.Now()

	if _, ok := c.IngestShot(Shot{Wall: base, Device: "timerA", ShotNumber: 1}, base); ok {
		t.Fatal("shot alone should not match")
	}
	pair, ok := c.IngestImpact(Impact{Wall: base.Add(526 * time.Millisecond), Sensor: "s1", Peak: 300}, base.Add(526*time.Millisecond))
	if !ok {
		t.Fatal("want a match at the default expected delay")
	}
	if pair.DelayMS < 520 || pair.DelayMS > 530 {
		t.Fatalf("got delay %v, want ~526ms", pair.DelayMS)
	}
}

func TestUniqueness(t *testing.T) {
	// P4: a shot or impact is consumed by at most one pair.
	c := New(DefaultMaxWindow, NewDelayCalibrator())
	base := time.Now()

	c.IngestShot(Shot{Wall: base, ShotNumber: 1}, base)
	pair1, ok := c.IngestImpact(Impact{Wall: base.Add(500 * time.Millisecond), Sensor: "s1"}, base.Add(500*time.Millisecond))
	if !ok {
		t.Fatal("want first match")
	}

	// A second impact close in time must not re-match the already-used shot.
	now2 := base.Add(520 * time.Millisecond)
	if _, ok := c.IngestImpact(Impact{Wall: now2, Sensor: "s1"}, now2); ok {
		t.Fatal("second impact should not match an already-consumed shot")
	}
	if pair1.Shot.ShotNumber != 1 {
		t.Fatalf("got %+v", pair1)
	}
}

func TestDelayAlwaysWithinWindowBounds(t *testing.T) {
	// P5: any emitted pair's delay is within [0, maxWindow].
	c := New(300*time.Millisecond, NewDelayCalibrator())
	base := time.Now()

	c.IngestShot(Shot{Wall: base, ShotNumber: 1}, base)
	// Impact arrives outside the window: must not match.
	late := base.Add(500 * time.Millisecond)
	if _, ok := c.IngestImpact(Impact{Wall: late, Sensor: "s1"}, late); ok {
		t.Fatal("impact outside max window should not match")
	}
}

func TestCorrelationWindowMiss(t *testing.T) {
	// S4: a shot whose impact never arrives within the window ages out
	// unmatched rather than matching something unrelated later.
	c := New(200*time.Millisecond, NewDelayCalibrator())
	base := time.Now()

	c.IngestShot(Shot{Wall: base, ShotNumber: 1}, base)

	// Advance time well past the window with an unrelated ingest so the
	// stale shot gets evicted, then a late impact must not retroactively
	// match it.
	t2 := base.Add(1 * time.Second)
	c.IngestImpact(Impact{Wall: t2, Sensor: "s1"}, t2)

	shots, impacts := c.UnmatchedCounts()
	if shots == 0 {
		t.Fatalf("want the stale shot counted as unmatched, got shots=%d impacts=%d", shots, impacts)
	}
}

func TestAdaptiveDelayConvergence(t *testing.T) {
	// S6: repeated consistent delays should tighten the calibrator's
	// expected value and raise its confidence above the bootstrap floor.
	delayCal := NewDelayCalibrator()
	c := New(DefaultMaxWindow, delayCal)
	base := time.Now()

	for i := 0; i < 25; i++ {
		shotTime := base.Add(time.Duration(i) * 2 * time.Second)
		impactTime := shotTime.Add(480 * time.Millisecond)
		c.IngestShot(Shot{Wall: shotTime, ShotNumber: i}, shotTime)
		if _, ok := c.IngestImpact(Impact{Wall: impactTime, Sensor: "s1"}, impactTime); !ok {
			t.Fatalf("iteration %d: want a match", i)
		}
	}

	delayMS, confidence := delayCal.Calibrated()
	if delayMS < 470 || delayMS > 490 {
		t.Fatalf("got converged delay %v, want ~480ms", delayMS)
	}
	if confidence < 0.5 {
		t.Fatalf("got confidence %v, want it to have climbed with consistent samples", confidence)
	}
}

func TestResetStringClearsQueues(t *testing.T) {
	c := New(DefaultMaxWindow, NewDelayCalibrator())
	base := time.Now()
	c.IngestShot(Shot{Wall: base, ShotNumber: 1}, base)
	c.ResetString()

	late := base.Add(500 * time.Millisecond)
	if _, ok := c.IngestImpact(Impact{Wall: late, Sensor: "s1"}, late); ok {
		t.Fatal("impact must not match a shot from a previous string")
	}
}
