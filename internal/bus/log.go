package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Log is the single-writer, newline-delimited JSON append log (§6, §4.8).
// Every record is written and fsynced before the bus fans it out to
// subscribers, so a replay of the log is always a strict prefix of what
// has ever been delivered live (P6).
type Log struct {
	f           *os.File
	w           *bufio.Writer
	lastFlush   time.Time
	flushPeriod time.Duration
}

// OpenLog opens path for append, creating it if necessary, and truncates
// any trailing partial line left by a crash mid-write (§4.8 "On startup").
func OpenLog(path string) (*Log, error) {
	if err := truncatePartialTail(path); err != nil {
		return nil, fmt.Errorf("bus: truncate partial tail: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bus: open log: %w", err)
	}
	return &Log{
		f:           f,
		w:           bufio.NewWriter(f),
		flushPeriod: 50 * time.Millisecond,
	}, nil
}

// truncatePartialTail drops a final line with no trailing newline, which
// can only be the result of a write that was interrupted before the
// newline landed.
func truncatePartialTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	if _, err := f.Seek(-1, io.SeekEnd); err == nil {
		var last [1]byte
		if _, err := f.Read(last[:]); err == nil && last[0] == '\n' {
			return nil
		}
	}
	// No trailing newline: find the start of the partial last line and
	// truncate there.
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}
	cut := size
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			cut = int64(i) + 1
			break
		}
		if i == 0 {
			cut = 0
		}
	}
	if cut == size {
		return nil
	}
	return f.Truncate(cut)
}

// Append writes one record, flushing and fsyncing before returning so the
// caller (the bus) only publishes to subscribers after durability is
// guaranteed. Every record is synced on its own; fsyncs are never
// batched and flushPeriod is not consulted, since record arrival rate is
// far below disk bandwidth in normal operation (§5 Backpressure).
func (l *Log) Append(rec Record) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bus: marshal record: %w", err)
	}
	enc = append(enc, '\n')
	if _, err := l.w.Write(enc); err != nil {
		return fmt.Errorf("bus: write record: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("bus: flush record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("bus: sync record: %w", err)
	}
	l.lastFlush = time.Now()
	return nil
}

func (l *Log) Close() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Replay reads every complete record from path in sequence order. It is
// safe to call concurrently with a writer appending to the same path: it
// opens an independent read-only handle (§5 "Shared resources").
func Replay(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: open log for replay: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A malformed tail line can only be a partial write; a
			// proper OpenLog call truncates it before this read, but a
			// read-only replay tolerates it by stopping here rather
			// than failing the whole replay.
			break
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("bus: scan log: %w", err)
	}
	return out, nil
}
