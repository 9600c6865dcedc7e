package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shotbridge.dev/internal/bridgeconfig"
	"shotbridge.dev/internal/bus"
	"shotbridge.dev/internal/calib"
	"shotbridge.dev/internal/clock"
	"shotbridge.dev/internal/config"
	"shotbridge.dev/internal/correlate"
	"shotbridge.dev/internal/detect"
	"shotbridge.dev/internal/frame/accel"
	"shotbridge.dev/internal/frame/timera"
	"shotbridge.dev/internal/frame/timerb"
	"shotbridge.dev/internal/health"
	"shotbridge.dev/internal/registry"
	"shotbridge.dev/internal/session"
	"shotbridge.dev/internal/transport/ble"
)

const shutdownGrace = 5 * time.Second

// minMismatchSample avoids flapping the long-run mismatch health event
// off of a handful of events right after startup.
const minMismatchSample = 20

func newServeCmd() *cobra.Command {
	var discoverSeconds int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "discover and bridge every recognized device found within the scan window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, discoverSeconds)
		},
	}
	cmd.Flags().IntVar(&discoverSeconds, "discover-seconds", 10, "initial scan duration")
	return cmd
}

func runServe(parent context.Context, cfg bridgeconfig.Config, discoverSeconds int) error {
	logger := newLogger()

	adapter, err := ble.Open()
	if err != nil {
		logger.Error("BLE adapter unavailable", "err", err)
		os.Exit(2)
	}

	clk := clock.New()
	metrics := newMetrics()

	logFile, err := bus.OpenLog(cfg.LogPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	eventBus := bus.New(clk, logFile, metrics, logger, cfg.Bus.SubscriberQueueDepth)
	reg, err := registry.Open(adapter, logger, cfg.DBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	found, err := reg.Discover(ctx, discoverSeconds)
	if err != nil {
		logger.Warn("discovery failed, continuing with no devices", "err", err)
	}

	delayCal := correlate.NewDelayCalibrator()
	if err := delayCal.LoadSnapshot(cfg.SnapshotPath); err != nil {
		logger.Warn("could not load calibration snapshot", "err", err)
	}

	var cfgStore *config.Store
	if cfg.DBPath != "" {
		cfgStore, err = config.Open(cfg.DBPath)
		if err != nil {
			logger.Warn("sensor-config store unavailable; events will carry unknown identity fields", "err", err)
		} else {
			defer cfgStore.Close()
		}
	}

	p := &pipeline{
		bus:     eventBus,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		corr:    correlate.New(cfg.Correlator.MaxWindow, delayCal),
		store:   cfgStore,
	}

	var sessions []*session.Session
	for _, d := range found {
		if d.Kind == ble.KindUnknown {
			continue
		}
		service, write, notify := ble.ServiceUUIDs(d.Kind)
		if service == "" {
			continue
		}
		target := session.Target{Address: d.Address, ServiceUUID: service, WriteUUID: write, NotifyUUID: notify}

		out := make(chan session.Record, 64)
		sess := session.New(adapter, target, out, logger)
		reg.AttachSession(d.Address, sess)
		sessions = append(sessions, sess)

		sess.Start(ctx)
		go p.pump(ctx, d.Address, d.Kind, out)
	}

	go reg.StartHealthMonitor(ctx, cfg.HealthMonitor.IntervalSeconds, func(probeCtx context.Context, addr string) (bool, int16, int) {
		// A full re-probe would need the advertisement this code path
		// doesn't retain; the session watchdog covers liveness in the
		// meantime (§4.6 "best-effort").
		if cfgStore != nil {
			if err := cfgStore.Refresh(); err != nil {
				logger.Warn("sensor-config refresh failed", "err", err)
			}
		}
		return false, 0, 0
	})

	snapshotTicker := time.NewTicker(time.Minute)
	defer snapshotTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-snapshotTicker.C:
				if err := delayCal.SaveSnapshot(cfg.SnapshotPath); err != nil {
					logger.Warn("calibration snapshot save failed", "err", err)
				}
			}
		}
	}()

	go p.sampleMismatchRatio(ctx, health.RatioWindow)

	logger.Info("bridge serving", "devices", len(sessions))
	<-ctx.Done()

	logger.Info("shutting down")
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for _, s := range sessions {
			s.Stop()
		}
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period elapsed; forcing exit")
	}

	if err := delayCal.SaveSnapshot(cfg.SnapshotPath); err != nil {
		logger.Warn("final calibration snapshot save failed", "err", err)
	}
	return nil
}

// pipeline turns raw per-session bytes into typed domain events and
// publishes them on the bus. Timer pumps feed shots into the shared
// correlator; the sensor pump runs calibration and detection before
// feeding impacts into the same correlator, so shots and impacts from
// different devices can match (§4.7).
type pipeline struct {
	bus     *bus.Bus
	clock   *clock.Clock
	metrics *health.Metrics
	logger  *slog.Logger
	cfg     bridgeconfig.Config
	corr    *correlate.Correlator
	store   *config.Store
}

const unknownIdentity = "unknown"

// identityFor looks up the bridge/stage/target binding for a sensor
// address. A missing or ambiguous assignment doesn't stop events from
// flowing; it tags them unknown instead (§7).
func (p *pipeline) identityFor(addr string) (bridgeName, stageName, sensorShortID string, targetNumber int) {
	bridgeName, stageName, sensorShortID = unknownIdentity, unknownIdentity, unknownIdentity
	if p.store == nil {
		return
	}
	b, ok := p.store.Lookup(addr)
	if !ok {
		return
	}
	if b.BridgeName != "" {
		bridgeName = b.BridgeName
	}
	if b.StageName != "" {
		stageName = b.StageName
	}
	if b.SensorShortID != "" {
		sensorShortID = b.SensorShortID
	}
	targetNumber = b.TargetNumber
	return
}

func (p *pipeline) pump(ctx context.Context, addr string, kind ble.Kind, in <-chan session.Record) {
	switch kind {
	case ble.KindTimerA:
		p.pumpTimerA(ctx, addr, in)
	case ble.KindTimerB:
		p.pumpTimerB(ctx, addr, in)
	case ble.KindSensor:
		p.pumpSensor(ctx, addr, in)
	}
}

func (p *pipeline) pumpTimerA(ctx context.Context, addr string, in <-chan session.Record) {
	dec := timera.NewDecoder(p.cfg.Decode.StrictTimerA)
	ratio := health.NewRatioTracker(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			frame, err := dec.Decode(rec.Raw)
			p.observeDecodeRatio(ratio, "timer-a", addr, err == nil)
			if err != nil {
				if p.metrics != nil {
					p.metrics.DecodeErrors.WithLabelValues("timer-a", "decode").Inc()
				}
				continue
			}
			if frame.State != timera.StateActive {
				continue
			}
			ev := shotEventFromTimerA(addr, frame)
			p.stampShot(addr, &ev)
			p.handleShot(addr, rec.Wall, int(frame.CurrentShot), ev)
		}
	}
}

func (p *pipeline) pumpTimerB(ctx context.Context, addr string, in <-chan session.Record) {
	dec := timerb.NewDecoder()
	ratio := health.NewRatioTracker(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			ev, err := dec.Decode(rec.Raw)
			p.observeDecodeRatio(ratio, "timer-b", addr, err == nil)
			if err != nil {
				if p.metrics != nil {
					p.metrics.DecodeErrors.WithLabelValues("timer-b", "decode").Inc()
				}
				continue
			}
			switch ev.Kind {
			case timerb.EventStringStart:
				p.corr.ResetString()
			case timerb.EventShotData:
				se := shotEventFromTimerB(addr, ev)
				p.stampShot(addr, &se)
				p.handleShot(addr, rec.Wall, int(ev.ShotNumber), se)
			}
		}
	}
}

// observeDecodeRatio feeds one decode outcome into codec's rolling
// invalid-ratio window and raises a health event the moment the ratio
// crosses the threshold (§4.2 strict mode, §7).
func (p *pipeline) observeDecodeRatio(tracker *health.RatioTracker, codec, addr string, valid bool) {
	ratio, breached := tracker.Observe(time.Now(), valid)
	if !breached {
		return
	}
	ev := health.Event{
		Source:   "decode:" + codec,
		Severity: health.SeverityWarning,
		Message:  "invalid frame ratio exceeded 10% over the last minute",
		Fields:   map[string]any{"address": addr, "ratio": ratio},
	}
	p.bus.Publish(bus.KindHealth, ev)
	if p.logger != nil {
		p.logger.Warn(ev.Message, "codec", codec, "address", addr, "ratio", ratio)
	}
}

// sampleMismatchRatio periodically samples the correlator's cumulative
// unmatched/total counts, reports the deltas into metrics.Unmatched, and
// raises a health event once the long-run mismatch ratio exceeds
// health.InvalidRatioThreshold (§7 "Persistent long-run mismatch ratio
// triggers a health event").
func (p *pipeline) sampleMismatchRatio(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevUnmatchedShots, prevUnmatchedImpacts uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unmatchedShots, unmatchedImpacts := p.corr.UnmatchedCounts()
			totalShots, totalImpacts := p.corr.Totals()

			if p.metrics != nil {
				p.metrics.Unmatched.WithLabelValues("shot").Add(float64(unmatchedShots - prevUnmatchedShots))
				p.metrics.Unmatched.WithLabelValues("impact").Add(float64(unmatchedImpacts - prevUnmatchedImpacts))
			}
			prevUnmatchedShots, prevUnmatchedImpacts = unmatchedShots, unmatchedImpacts

			total := totalShots + totalImpacts
			if total < minMismatchSample {
				continue
			}
			ratio := float64(unmatchedShots+unmatchedImpacts) / float64(total)
			if ratio <= health.InvalidRatioThreshold {
				continue
			}
			ev := health.Event{
				Source:   "correlate",
				Severity: health.SeverityWarning,
				Message:  "persistent shot/impact mismatch ratio exceeded 10%",
				Fields:   map[string]any{"ratio": ratio},
			}
			p.bus.Publish(bus.KindHealth, ev)
			if p.logger != nil {
				p.logger.Warn(ev.Message, "ratio", ratio)
			}
		}
	}
}

func (p *pipeline) handleShot(addr string, wall time.Time, shotNumber int, payload shotEvent) {
	p.bus.Publish(bus.KindShot, payload)
	if p.metrics != nil {
		p.metrics.ShotsTotal.WithLabelValues(addr).Inc()
	}
	if pair, ok := p.corr.IngestShot(correlate.Shot{Wall: wall, Device: addr, ShotNumber: shotNumber}, wall); ok {
		p.publishCorrelated(pair)
	}
}

func (p *pipeline) publishCorrelated(pair correlate.Pair) {
	ce := correlatedEvent(pair)
	ce.BridgeName, ce.StageName, ce.SensorShortID, ce.TargetNumber = p.identityFor(pair.Impact.Sensor)
	p.bus.Publish(bus.KindCorrelated, ce)
	if p.metrics != nil {
		p.metrics.Correlated.Inc()
	}
}

func (p *pipeline) stampShot(addr string, ev *shotEvent) {
	ev.BridgeName, ev.StageName, ev.SensorShortID, ev.TargetNumber = p.identityFor(addr)
}

func (p *pipeline) stampImpact(addr string, ip *impactPayload) {
	ip.BridgeName, ip.StageName, ip.SensorShortID, ip.TargetNumber = p.identityFor(addr)
}

func (p *pipeline) pumpSensor(ctx context.Context, addr string, in <-chan session.Record) {
	dec := accel.NewDecoder()
	ratio := health.NewRatioTracker(time.Now())
	cal := calib.New(calib.DefaultSampleCount, calib.DefaultTimeout)
	det := detect.New(detect.Params{
		Threshold:   p.cfg.Detector.ThresholdCounts,
		MinDuration: p.cfg.Detector.MinDuration,
		MaxDuration: p.cfg.Detector.MaxDuration,
		Refractory:  p.cfg.Detector.Refractory,
	}, calib.Baseline{})

	calibrated := false
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			samples, err := dec.Decode(rec.Raw)
			p.observeDecodeRatio(ratio, "sensor", addr, err == nil)
			if err != nil {
				if p.metrics != nil {
					p.metrics.DecodeErrors.WithLabelValues("sensor", "decode").Inc()
				}
				continue
			}
			mono := time.Duration(p.clock.Monotonic())
			for _, s := range samples {
				if !calibrated {
					res := cal.Add(s, start, rec.Wall)
					if res.Ready {
						det.SetBaseline(res.Baseline)
						calibrated = true
					}
					continue
				}
				imp, ok := det.Process(s, mono, rec.Wall)
				if !ok {
					continue
				}
				ip := impactEvent(addr, imp)
				p.stampImpact(addr, &ip)
				p.bus.Publish(bus.KindImpact, ip)
				if p.metrics != nil {
					p.metrics.ImpactsTotal.WithLabelValues(addr).Inc()
				}
				if pair, ok := p.corr.IngestImpact(correlate.Impact{Wall: imp.Wall, Sensor: addr, Peak: imp.Peak}, imp.Wall); ok {
					p.publishCorrelated(pair)
				}
			}
		}
	}
}

type shotEvent struct {
	Device        string  `json:"device"`
	ShotNumber    int     `json:"shot_number"`
	TimeSec       float64 `json:"time_sec"`
	SplitSec      float64 `json:"split_sec"`
	BridgeName    string  `json:"bridge_name"`
	StageName     string  `json:"stage_name"`
	SensorShortID string  `json:"sensor_short_id"`
	TargetNumber  int     `json:"target_number"`
}

func shotEventFromTimerA(addr string, f timera.Frame) shotEvent {
	return shotEvent{
		Device:     addr,
		ShotNumber: int(f.CurrentShot),
		TimeSec:    float64(f.CurrentTime) / 1000,
		SplitSec:   float64(f.SplitTime) / 1000,
	}
}

func shotEventFromTimerB(addr string, ev timerb.Event) shotEvent {
	return shotEvent{
		Device:     addr,
		ShotNumber: int(ev.ShotNumber),
		TimeSec:    float64(ev.AbsoluteMS) / 1000,
		SplitSec:   float64(ev.SplitMS) / 1000,
	}
}

type impactPayload struct {
	Sensor        string  `json:"sensor"`
	Peak          int     `json:"peak"`
	Avg           float64 `json:"avg"`
	Samples       int     `json:"samples"`
	BridgeName    string  `json:"bridge_name"`
	StageName     string  `json:"stage_name"`
	SensorShortID string  `json:"sensor_short_id"`
	TargetNumber  int     `json:"target_number"`
}

func impactEvent(addr string, imp detect.Impact) impactPayload {
	return impactPayload{Sensor: addr, Peak: imp.Peak, Avg: imp.Avg, Samples: imp.Samples}
}

type correlatedPayload struct {
	ShotNumber    int     `json:"shot_number"`
	Sensor        string  `json:"sensor"`
	DelayMS       float64 `json:"delay_ms"`
	Confidence    float64 `json:"confidence"`
	BridgeName    string  `json:"bridge_name"`
	StageName     string  `json:"stage_name"`
	SensorShortID string  `json:"sensor_short_id"`
	TargetNumber  int     `json:"target_number"`
}

func correlatedEvent(pair correlate.Pair) correlatedPayload {
	return correlatedPayload{
		ShotNumber: pair.Shot.ShotNumber,
		Sensor:     pair.Impact.Sensor,
		DelayMS:    pair.DelayMS,
		Confidence: pair.Confidence,
	}
}
