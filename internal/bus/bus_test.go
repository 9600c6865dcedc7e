package bus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"shotbridge.dev/internal/clock"
)

func newTestBus(t *testing.T) (*Bus, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, err := OpenLog(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return New(clock.New(), l, nil, nil, 0), path
}

func TestPublishOrderAndSequence(t *testing.T) {
	b, _ := newTestBus(t)
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(KindShot, map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	var last uint64
	for i := 0; i < 5; i++ {
		d := <-ch
		if d.Record == nil {
			t.Fatal("unexpected lag marker")
		}
		if d.Record.Seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", d.Record.Seq, last)
		}
		last = d.Record.Seq
	}
}

func TestLogPrefixConsistency(t *testing.T) {
	b, path := newTestBus(t)
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(KindImpact, map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := Replay(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		var payload map[string]int
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["i"] != i {
			t.Fatalf("record %d payload %v", i, payload)
		}
	}
}

func TestTruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(path, []byte(`{"seq":1}`+"\n"+`{"seq":2,"partial`), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := OpenLog(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	recs, err := Replay(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records after truncation, want 1", len(recs))
	}
}

func TestSlowSubscriberLagsWithoutBlockingOthers(t *testing.T) {
	b, _ := newTestBus(t)
	slow, unsubSlow := b.Subscribe()
	defer unsubSlow()
	fast, unsubFast := b.Subscribe()
	defer unsubFast()

	// Overflow the slow subscriber's queue without ever reading it.
	for i := 0; i < defaultSubscriberQueueDepth+10; i++ {
		if _, err := b.Publish(KindShot, map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	drained := 0
	sawLag := false
	for {
		select {
		case d := <-fast:
			drained++
			if d.Lag != nil {
				sawLag = true
			}
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Fatal("fast subscriber received nothing")
	}
	// Drain the slow subscriber and confirm it saw a Lagged marker.
	sawSlowLag := false
	for {
		select {
		case d := <-slow:
			if d.Lag != nil {
				sawSlowLag = true
			}
		default:
			goto doneSlow
		}
	}
doneSlow:
	if !sawSlowLag {
		t.Fatal("slow subscriber never saw a Lagged marker")
	}
	_ = sawLag
}
