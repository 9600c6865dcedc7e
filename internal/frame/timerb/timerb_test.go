package timerb

import "testing"

func frame(cmd byte, rest ...byte) []byte {
	buf := []byte{0xaa, 0x55, cmd, 0x00}
	return append(buf, rest...)
}

func TestStringStartResetsState(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Decode(frame(CmdShotData, 0, 50, 1)); err != nil {
		t.Fatal(err)
	}
	ev, err := d.Decode(frame(CmdStringStart))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventStringStart {
		t.Fatalf("got kind %v", ev.Kind)
	}
	ev, err = d.Decode(frame(CmdShotData, 0, 60, 1))
	if err != nil {
		t.Fatal(err)
	}
	if ev.SplitMS != 0 {
		t.Fatalf("first shot after reset should have zero split, got %d", ev.SplitMS)
	}
}

func TestSplitComputation(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Decode(frame(CmdShotData, 1, 20, 1)); err != nil {
		t.Fatal(err)
	}
	ev, err := d.Decode(frame(CmdShotData, 2, 50, 2))
	if err != nil {
		t.Fatal(err)
	}
	want := (2*1000 + 50*10) - (1*1000 + 20*10)
	if ev.SplitMS != want {
		t.Fatalf("got split %d, want %d", ev.SplitMS, want)
	}
}

func TestSplitBorrow(t *testing.T) {
	d := NewDecoder()
	// previous shot at 1.90s, next at 2.05s: naive cs delta is negative.
	if _, err := d.Decode(frame(CmdShotData, 1, 90, 1)); err != nil {
		t.Fatal(err)
	}
	ev, err := d.Decode(frame(CmdShotData, 2, 5, 2))
	if err != nil {
		t.Fatal(err)
	}
	if ev.SplitMS != 150 {
		t.Fatalf("got split %d, want 150", ev.SplitMS)
	}
}

func TestTooShortShotData(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Decode([]byte{0xaa, 0x55, CmdShotData}); err == nil {
		t.Fatal("want error")
	}
}

func TestUnknownCommand(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Decode(frame(0xFF)); err == nil {
		t.Fatal("want error")
	}
	if d.Stats().UnknownCmd != 1 {
		t.Fatalf("got stats %+v", d.Stats())
	}
}
