package accel

import (
	"encoding/binary"
	"testing"
)

func makeFrame(triplets [][3]int16) []byte {
	buf := []byte{0x55, 0x61}
	for _, tr := range triplets {
		var b [6]byte
		binary.LittleEndian.PutUint16(b[0:2], uint16(tr[0]))
		binary.LittleEndian.PutUint16(b[2:4], uint16(tr[1]))
		binary.LittleEndian.PutUint16(b[4:6], uint16(tr[2]))
		buf = append(buf, b[:]...)
	}
	for len(buf) < minFrameLength {
		buf = append(buf, 0)
	}
	return buf
}

func TestDecodeTriplets(t *testing.T) {
	buf := makeFrame([][3]int16{{100, -200, 300}, {0, 0, 0}})
	samples, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) < 2 {
		t.Fatalf("got %d samples", len(samples))
	}
	if samples[0] != (Sample{100, -200, 300}) {
		t.Fatalf("got %+v", samples[0])
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); err == nil {
		t.Fatal("want error")
	}
}

func TestDecodeBadPreamble(t *testing.T) {
	buf := makeFrame(nil)
	buf[0] = 0x00
	if _, err := Decode(buf); err == nil {
		t.Fatal("want error")
	}
}

func TestDecoderStats(t *testing.T) {
	d := NewDecoder()
	buf := makeFrame([][3]int16{{1, 2, 3}})
	if _, err := d.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decode(make([]byte, 5)); err == nil {
		t.Fatal("want error")
	}
	s := d.Stats()
	if s.Total != 2 || s.Valid != 1 || s.TooShort != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
