package detect

import (
	"testing"
	"time"

	"shotbridge.dev/internal/calib"
	"shotbridge.dev/internal/frame/accel"
)

func burst(n int, x int16) []accel.Sample {
	s := make([]accel.Sample, n)
	for i := range s {
		s[i] = accel.Sample{X: x}
	}
	return s
}

func feed(t *testing.T, d *Detector, samples []accel.Sample, start time.Duration, step time.Duration) []Impact {
	t.Helper()
	var out []Impact
	mono := start
	for _, s := range samples {
		if imp, ok := d.Process(s, mono, time.Unix(0, int64(mono))); ok {
			out = append(out, imp)
		}
		mono += step
	}
	return out
}

func TestSingleBurstEmitsOneImpact(t *testing.T) {
	d := New(DefaultParams(), calib.Baseline{})
	samples := burst(8, 200)
	samples = append(samples, accel.Sample{X: 0}) // quiet sample ends the burst
	out := feed(t, d, samples, 0, 10*time.Millisecond)
	if len(out) != 1 {
		t.Fatalf("got %d impacts, want 1", len(out))
	}
	if out[0].Samples != 8 || out[0].Peak != 200 {
		t.Fatalf("got %+v", out[0])
	}
}

func TestShortBurstDiscardedAsNoise(t *testing.T) {
	d := New(DefaultParams(), calib.Baseline{})
	samples := burst(3, 200) // below MinDuration(6)
	samples = append(samples, accel.Sample{X: 0})
	out := feed(t, d, samples, 0, 10*time.Millisecond)
	if len(out) != 0 {
		t.Fatalf("got %d impacts, want 0", len(out))
	}
}

func TestMaxDurationCapsBuffer(t *testing.T) {
	d := New(DefaultParams(), calib.Baseline{})
	samples := burst(50, 200) // constant excitation fault
	out := feed(t, d, samples, 0, 10*time.Millisecond)
	if len(out) == 0 {
		t.Fatal("want at least one impact from capped buffer")
	}
	if out[0].Samples != DefaultMaxDuration {
		t.Fatalf("got %d samples, want cap of %d", out[0].Samples, DefaultMaxDuration)
	}
}

func TestRefractoryEnforced(t *testing.T) {
	// S5: two qualifying bursts 0.3s apart -> exactly one impact.
	d := New(DefaultParams(), calib.Baseline{})
	var samples []accel.Sample
	samples = append(samples, burst(8, 200)...)
	samples = append(samples, accel.Sample{X: 0})
	samples = append(samples, burst(8, 200)...)

	mono := time.Duration(0)
	var impacts []Impact
	for i, s := range samples {
		if i == 9 {
			mono = 300 * time.Millisecond
		}
		if imp, ok := d.Process(s, mono, time.Unix(0, int64(mono))); ok {
			impacts = append(impacts, imp)
		}
		mono += 10 * time.Millisecond
	}
	if len(impacts) != 1 {
		t.Fatalf("got %d impacts, want 1 (refractory should suppress the second)", len(impacts))
	}
}

func TestRefractoryReleasesAfterInterval(t *testing.T) {
	d := New(DefaultParams(), calib.Baseline{})
	quiet := accel.Sample{X: 0}
	if first := feed(t, d, append(burst(8, 200), quiet), 0, 10*time.Millisecond); len(first) != 1 {
		t.Fatalf("got %d impacts on first burst, want 1", len(first))
	}
	second := feed(t, d, append(burst(8, 200), quiet), 2*time.Second, 10*time.Millisecond)
	if len(second) != 1 {
		t.Fatalf("got %d impacts on second burst after refractory elapsed, want 1", len(second))
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	d := New(DefaultParams(), calib.Baseline{})
	samples := burst(8, int16(DefaultThreshold))
	samples = append(samples, accel.Sample{X: 0}) // quiet sample ends the burst
	out := feed(t, d, samples, 0, 10*time.Millisecond)
	if len(out) != 1 {
		t.Fatal("a sample exactly at threshold should count as above-threshold")
	}
}

func TestDurationWithinBoundsForAllImpacts(t *testing.T) {
	d := New(DefaultParams(), calib.Baseline{})
	var all []Impact
	all = append(all, feed(t, d, burst(7, 200), 0, 10*time.Millisecond)...)
	all = append(all, feed(t, d, burst(20, 200), 2*time.Second, 10*time.Millisecond)...)
	for _, imp := range all {
		if imp.Samples < DefaultMinDuration || imp.Samples > DefaultMaxDuration {
			t.Fatalf("impact samples %d out of bounds [%d,%d]", imp.Samples, DefaultMinDuration, DefaultMaxDuration)
		}
	}
}
