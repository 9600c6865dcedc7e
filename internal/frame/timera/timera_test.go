package timera

import (
	"errors"
	"testing"
)

func TestDecodeInvalidLength(t *testing.T) {
	_, err := Decode(make([]byte, 12), true)
	var de *DecodeError
	if err == nil {
		t.Fatal("want error for 12-byte frame")
	}
	if !errors.As(err, &de) || de.Kind != ErrInvalidLength {
		t.Fatalf("want ErrInvalidLength, got %v", err)
	}
}

func TestDecodeStart(t *testing.T) {
	buf := []byte{0x01, byte(StateStart), 0x00, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	f, err := Decode(buf, true)
	if err != nil {
		t.Fatal(err)
	}
	if f.State != StateStart {
		t.Fatalf("got state %v", f.State)
	}
	if f.TotalShots != 5 {
		t.Fatalf("got total shots %d", f.TotalShots)
	}
}

func TestDecodeShot(t *testing.T) {
	// shot 1 of 5, current time 1.50s -> cs 150 -> 0x0096
	buf := []byte{0x01, byte(StateActive), 0x01, 0x05, 0x00, 0x96, 0x00, 0x00, 0x00, 0x96, 0, 0, 0, 0}
	f, err := Decode(buf, true)
	if err != nil {
		t.Fatal(err)
	}
	if f.CurrentTime != 1500 {
		t.Fatalf("got current time %dms, want 1500", f.CurrentTime)
	}
	if f.FirstShot != 1500 {
		t.Fatalf("got first shot %dms, want 1500", f.FirstShot)
	}
}

func TestDecodeTypeOutOfRange(t *testing.T) {
	buf := make([]byte, FrameLength)
	buf[0] = 99
	if _, err := Decode(buf, true); err == nil {
		t.Fatal("want error in strict mode")
	}
	if _, err := Decode(buf, false); err != nil {
		t.Fatalf("want no error in non-strict mode, got %v", err)
	}
}

func TestDecodeShotOrderTolerated(t *testing.T) {
	buf := make([]byte, FrameLength)
	buf[0] = 1
	buf[2] = 7 // current shot
	buf[3] = 5 // total shots: current > total
	f, err := Decode(buf, true)
	if err != nil {
		t.Fatal(err)
	}
	if !f.ShotOrderBad {
		t.Fatal("want ShotOrderBad flagged")
	}
}

func TestDecoderStats(t *testing.T) {
	d := NewDecoder(true)
	valid := make([]byte, FrameLength)
	valid[0] = 1
	if _, err := d.Decode(valid); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decode(make([]byte, 3)); err == nil {
		t.Fatal("want error")
	}
	s := d.Stats()
	if s.Total != 2 || s.Valid != 1 || s.InvalidLen != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
