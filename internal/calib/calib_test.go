package calib

import (
	"testing"
	"time"

	"shotbridge.dev/internal/frame/accel"
)

func TestCalibrationReady(t *testing.T) {
	c := New(5, time.Second)
	now := time.Now()
	var last Result
	for i := 0; i < 5; i++ {
		last = c.Add(accel.Sample{X: 10, Y: 0, Z: 0}, now, now)
	}
	if !last.Ready {
		t.Fatal("want ready after wantSamples")
	}
	if last.Baseline.X != 10 {
		t.Fatalf("got baseline %+v", last.Baseline)
	}
}

func TestCalibrationTimeout(t *testing.T) {
	c := New(100, 10*time.Millisecond)
	start := time.Now()
	c.Add(accel.Sample{X: 1}, start, start)
	late := start.Add(20 * time.Millisecond)
	res := c.Add(accel.Sample{X: 1}, late, late)
	if !res.Failed || res.Reason != ReasonTimeout {
		t.Fatalf("want timeout failure, got %+v", res)
	}
}

func TestCalibrationWithOffsetBaseline(t *testing.T) {
	// Persistent non-zero baseline (S2): large offset still calibrates.
	c := New(100, time.Second)
	now := time.Now()
	var last Result
	for i := 0; i < 100; i++ {
		last = c.Add(accel.Sample{X: 1000}, now, now)
	}
	if !last.Ready || last.Baseline.X != 1000 {
		t.Fatalf("got %+v", last)
	}
	dev := last.Baseline.Deviation(accel.Sample{X: 1200})
	if dev != 200 {
		t.Fatalf("got deviation %d, want 200", dev)
	}
}

func TestReset(t *testing.T) {
	c := New(3, time.Second)
	now := time.Now()
	c.Add(accel.Sample{X: 5}, now, now)
	c.Reset()
	var last Result
	for i := 0; i < 3; i++ {
		last = c.Add(accel.Sample{X: 7}, now, now)
	}
	if last.Baseline.X != 7 {
		t.Fatalf("reset did not clear accumulation: %+v", last)
	}
}
