package bus

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"shotbridge.dev/internal/clock"
	"shotbridge.dev/internal/health"
)

// defaultSubscriberQueueDepth bounds each subscriber's channel when New
// is given a non-positive depth; beyond this the bus drops the oldest
// queued event for that subscriber only and delivers a Lagged marker
// instead (§4.8, P7).
const defaultSubscriberQueueDepth = 256

type subscriber struct {
	id      uint64
	ch      chan Delivery
	mu      sync.Mutex
	skipped uint64
}

// Bus is the single process-wide event fan-out. Publish is safe to call
// from many goroutines concurrently; delivery order across all
// subscribers matches the global sequence order (§5).
type Bus struct {
	clock     *clock.Clock
	log       *sync.Mutex
	logRef    *Log
	degraded  atomic.Bool
	metrics   *health.Metrics
	logger    *slog.Logger
	queueSize int

	seq atomic.Uint64

	mu      sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

// New builds a Bus. queueDepth bounds each subscriber's channel
// (cfg.Bus.SubscriberQueueDepth, §4.8); a non-positive value falls back
// to defaultSubscriberQueueDepth.
func New(clk *clock.Clock, l *Log, metrics *health.Metrics, logger *slog.Logger, queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultSubscriberQueueDepth
	}
	return &Bus{
		clock:     clk,
		log:       &sync.Mutex{},
		logRef:    l,
		metrics:   metrics,
		logger:    logger,
		queueSize: queueDepth,
		subs:      make(map[uint64]*subscriber),
	}
}

// Subscribe registers a new subscriber and returns a channel of
// deliveries plus an unsubscribe function. The channel is closed after
// Unsubscribe is called and any buffered deliveries are drained.
func (b *Bus) Subscribe() (<-chan Delivery, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	s := &subscriber{id: id, ch: make(chan Delivery, b.queueSize)}
	b.subs[id] = s
	return s.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Publish assigns the next sequence number, durably appends to the log
// (unless the bus is in degraded mode, §7 "Persistence"), and fans the
// record out to every subscriber. Sequence assignment, the log append,
// and delivery all happen under b.log so two concurrent publishers can
// never append or deliver out of sequence order (P7).
func (b *Bus) Publish(kind Kind, payload any) (Record, error) {
	enc, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}

	b.log.Lock()
	defer b.log.Unlock()

	rec := Record{
		Seq:     b.seq.Add(1),
		TsUTC:   b.clock.Wall(),
		Kind:    kind,
		Payload: enc,
	}

	if b.logRef != nil && !b.degraded.Load() {
		if err := b.appendWithRetryLocked(rec); err != nil {
			b.degraded.Store(true)
			b.emitHealthLocked(health.SeverityCritical, "append log write failed; switching to degraded mode", map[string]any{"error": err.Error()})
		}
	}

	b.deliver(rec)
	if b.metrics != nil {
		b.metrics.EventsTotal.WithLabelValues(string(kind), "info").Inc()
	}
	return rec, nil
}

// appendWithRetryLocked requires b.log to already be held.
func (b *Bus) appendWithRetryLocked(rec Record) error {
	err := b.logRef.Append(rec)
	if err != nil {
		// §7 Persistence: retry once before degrading.
		err = b.logRef.Append(rec)
	}
	return err
}

// Recover attempts to resume durable logging after a prior failure. The
// bus leaves degraded mode only once a write actually succeeds.
func (b *Bus) Recover() bool {
	if !b.degraded.Load() || b.logRef == nil {
		return !b.degraded.Load()
	}
	b.log.Lock()
	defer b.log.Unlock()
	probe := Record{Seq: 0, Kind: KindHealth, TsUTC: b.clock.Wall(), Payload: json.RawMessage(`{"probe":true}`)}
	if err := b.logRef.Append(probe); err != nil {
		return false
	}
	b.degraded.Store(false)
	b.emitHealthLocked(health.SeverityInfo, "append log writable again; resuming durable writes", nil)
	return true
}

func (b *Bus) Degraded() bool {
	return b.degraded.Load()
}

// emitHealthLocked requires b.log to already be held, so a health event
// raised mid-publish still gets a sequence number and delivery in order
// relative to the publish that triggered it.
func (b *Bus) emitHealthLocked(sev health.Severity, msg string, fields map[string]any) {
	ev := health.Event{Source: "bus", Severity: sev, Message: msg, Fields: fields}
	enc, _ := json.Marshal(ev)
	rec := Record{Seq: b.seq.Add(1), TsUTC: b.clock.Wall(), Kind: KindHealth, Payload: enc}
	if b.logger != nil {
		b.logger.Warn(msg, "source", ev.Source, "severity", sev)
	}
	b.deliver(rec)
}

func (b *Bus) deliver(rec Record) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	d := Delivery{Record: &rec}
	for _, s := range subs {
		b.send(s, d)
	}
}

// send delivers to one subscriber without ever blocking the caller: a
// full queue means the subscriber is lagging, so its oldest entry is
// dropped, its skip counter grows, and a Lagged marker is queued in
// place of the new delivery, which is not queued (§4.8, P7).
func (b *Bus) send(s *subscriber, d Delivery) {
	select {
	case s.ch <- d:
		return
	default:
	}
	s.mu.Lock()
	s.skipped++
	skipped := s.skipped
	s.mu.Unlock()
	if b.metrics != nil {
		b.metrics.SubscriberLag.WithLabelValues(subscriberLabel(s.id)).Inc()
	}
	// Drain one stale entry to make room, then deliver a fresh Lagged
	// marker in its place so the subscriber learns it missed events
	// without the bus ever blocking on it.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- Delivery{Lag: &Lagged{Skipped: skipped}}:
	default:
	}
}

func subscriberLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
