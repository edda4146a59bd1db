// Package feeder drives the board's feeding sequence and owns the schedule
// and preset tables the sync jobs keep mirrored from the remote store.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"feederd/internal/eventbus"
	"feederd/pkg/logx"
)

var ErrFeedInProgress = errors.New("feeding already in progress")

// Feed request sources.
const (
	SourceManual   = "manual"
	SourceSchedule = "schedule"
)

// BoardControl is the slice of the device controller the feeder drives.
type BoardControl interface {
	FeederStart(feedSize, blowerDuration, weightTolerance int) error
	FeederStop() error
	RelayLED(on bool) error
}

// ReadingSource yields the latest value for a sensor reading, if any.
type ReadingSource interface {
	ReadingValue(name, typ string) (float64, bool)
}

// ToleranceSource resolves the current weight tolerance in grams.
type ToleranceSource interface {
	WeightTolerance(ctx context.Context) int
}

// HistorySink receives finished feed results for local persistence.
type HistorySink interface {
	RecordFeedResult(ctx context.Context, r Result) error
}

// Config holds the board timing model. The motor open phase is weight-based
// on the board; its estimate caps at MaxMotorOpenSeconds.
type Config struct {
	MotorCloseSeconds   int
	MaxMotorOpenSeconds int
	BufferSeconds       int
	NightStartHour      int
	NightEndHour        int
}

func (c Config) withDefaults() Config {
	if c.MotorCloseSeconds <= 0 {
		c.MotorCloseSeconds = 12
	}
	if c.MaxMotorOpenSeconds <= 0 {
		c.MaxMotorOpenSeconds = 30
	}
	if c.BufferSeconds <= 0 {
		c.BufferSeconds = 5
	}
	if c.NightStartHour <= 0 {
		c.NightStartHour = 18
	}
	if c.NightEndHour <= 0 {
		c.NightEndHour = 6
	}
	return c
}

type Request struct {
	FeedSize       int    `json:"feed_size"`
	BlowerDuration int    `json:"blower_duration"`
	Source         string `json:"source"`
}

// FeedReadings is the sensor context captured when a feed finishes. Nil
// fields mean the board has not reported that reading yet.
type FeedReadings struct {
	FeederHumidity *float64 `json:"feeder_humidity"`
	FoodMoisture   *float64 `json:"food_moisture"`
	FoodWeightKG   *float64 `json:"food_weight_kg"`
	BatteryPct     *float64 `json:"battery_pct"`
}

type Result struct {
	At               time.Time    `json:"at"`
	Source           string       `json:"source"`
	FeedSize         int          `json:"feed_size"`
	BlowerDuration   int          `json:"blower_duration"`
	WeightTolerance  int          `json:"weight_tolerance"`
	EstimatedSeconds int          `json:"estimated_seconds"`
	Success          bool         `json:"success"`
	Error            string       `json:"error,omitempty"`
	TookMS           int64        `json:"took_ms"`
	Readings         FeedReadings `json:"readings"`
}

type Status struct {
	IsRunning bool `json:"is_running"`
}

type Service struct {
	cfg   Config
	ctrl  BoardControl
	tol   ToleranceSource
	reads ReadingSource
	log   logx.Logger
	bus   eventbus.Bus
	sink  HistorySink

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	running    bool
	cancelWait context.CancelFunc
	schedules  []Schedule
	presets    map[string]Preset
	executed   map[string]string // schedule id -> YYYY-MM-DD of last successful run
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option       { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithHistory(h HistorySink) Option      { return func(s *Service) { s.sink = h } }
func WithReadings(r ReadingSource) Option   { return func(s *Service) { s.reads = r } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, ctrl BoardControl, tol ToleranceSource, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		ctrl:     ctrl,
		tol:      tol,
		log:      logx.Nop(),
		now:      time.Now,
		wait:     sleepCtx,
		presets:  map[string]Preset{},
		executed: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// estimate returns the expected sequence length in seconds: weight-based
// motor open (capped), fixed close, blower run, and a safety buffer.
func (s *Service) estimate(req Request) int {
	open := req.FeedSize
	if open > s.cfg.MaxMotorOpenSeconds {
		open = s.cfg.MaxMotorOpenSeconds
	}
	return open + s.cfg.MotorCloseSeconds + req.BlowerDuration + s.cfg.BufferSeconds
}

func (s *Service) isNight(hour int) bool {
	start, end := s.cfg.NightStartHour, s.cfg.NightEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Feed runs one feeding sequence end to end: optional night lighting, the
// board command, and a cancellable wait for the board-controlled sequence to
// finish. Only one feed runs at a time.
func (s *Service) Feed(ctx context.Context, req Request) (Result, error) {
	if req.FeedSize <= 0 {
		return Result{}, fmt.Errorf("feed size must be positive, got %d", req.FeedSize)
	}
	if req.BlowerDuration < 0 {
		return Result{}, fmt.Errorf("blower duration must be non-negative, got %d", req.BlowerDuration)
	}
	if req.Source == "" {
		req.Source = SourceManual
	}

	waitCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		cancel()
		return Result{}, ErrFeedInProgress
	}
	s.running = true
	s.cancelWait = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancelWait = nil
		s.mu.Unlock()
	}()

	start := s.now()
	res := Result{
		At:             start,
		Source:         req.Source,
		FeedSize:       req.FeedSize,
		BlowerDuration: req.BlowerDuration,
	}

	ledOn := false
	if s.isNight(start.Hour()) {
		if err := s.ctrl.RelayLED(true); err != nil {
			s.log.Warn("night led on failed", logx.Err(err))
		} else {
			ledOn = true
			s.log.Info("night window, led on for feeding")
		}
	}
	defer func() {
		if ledOn {
			if err := s.ctrl.RelayLED(false); err != nil {
				s.log.Warn("night led off failed", logx.Err(err))
			}
		}
	}()

	res.WeightTolerance = s.tol.WeightTolerance(ctx)
	res.EstimatedSeconds = s.estimate(req)

	s.publish(eventbus.TypeFeedStarted, res)
	s.log.Info("feeding started",
		logx.String("source", req.Source),
		logx.Int("feed_size_g", req.FeedSize),
		logx.Int("blower_s", req.BlowerDuration),
		logx.Int("tolerance_g", res.WeightTolerance),
		logx.Int("estimated_s", res.EstimatedSeconds),
	)

	if err := s.ctrl.FeederStart(req.FeedSize, req.BlowerDuration, res.WeightTolerance); err != nil {
		return s.fail(res, start, fmt.Errorf("feeder start: %w", err))
	}
	if err := s.wait(waitCtx, time.Duration(res.EstimatedSeconds)*time.Second); err != nil {
		return s.fail(res, start, fmt.Errorf("feeding interrupted: %w", err))
	}

	res.Success = true
	res.TookMS = s.now().Sub(start).Milliseconds()
	res.Readings = s.snapshotReadings()
	s.record(res)
	s.publish(eventbus.TypeFeedCompleted, res)
	s.log.Info("feeding completed", logx.Int64("took_ms", res.TookMS))
	return res, nil
}

// fail finalizes an aborted feed: emergency-stop the board, persist the
// failure, and surface the cause.
func (s *Service) fail(res Result, start time.Time, cause error) (Result, error) {
	if err := s.ctrl.FeederStop(); err != nil {
		s.log.Warn("emergency feeder stop failed", logx.Err(err))
	}
	res.Success = false
	res.Error = cause.Error()
	res.TookMS = s.now().Sub(start).Milliseconds()
	res.Readings = s.snapshotReadings()
	s.record(res)
	s.publish(eventbus.TypeFeedFailed, res)
	s.log.Warn("feeding failed", logx.Err(cause))
	return res, cause
}

// StopAll aborts any in-flight feed and stops the board outright.
func (s *Service) StopAll() error {
	s.mu.Lock()
	cancel := s.cancelWait
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.log.Info("emergency stop")
	err := s.ctrl.FeederStop()
	if lerr := s.ctrl.RelayLED(false); lerr != nil {
		s.log.Warn("led off on emergency stop failed", logx.Err(lerr))
	}
	return err
}

func (s *Service) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{IsRunning: s.running}
}

func (s *Service) snapshotReadings() FeedReadings {
	var out FeedReadings
	if s.reads == nil {
		return out
	}
	if v, ok := s.reads.ReadingValue("DHT22_FEEDER", "humidity"); ok {
		out.FeederHumidity = &v
	}
	if v, ok := s.reads.ReadingValue("SOIL_MOISTURE", "soil_moisture"); ok {
		out.FoodMoisture = &v
	}
	if v, ok := s.reads.ReadingValue("HX711_FEEDER", "weight"); ok {
		w := math.Abs(v)
		out.FoodWeightKG = &w
	}
	if v, ok := s.reads.ReadingValue("POWER_MONITOR", "batteryPercentage"); ok {
		out.BatteryPct = &v
	}
	return out
}

// record writes the result to the history sink on its own short deadline so a
// canceled feed context cannot drop the audit row.
func (s *Service) record(res Result) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.RecordFeedResult(ctx, res); err != nil {
		s.log.Warn("feed history write failed", logx.Err(err))
	}
}

func (s *Service) publish(eventType string, res Result) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: res})
}
