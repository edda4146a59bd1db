package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"feederd/internal/eventbus"
)

type fakeBoard struct {
	mu        sync.Mutex
	commands  []string
	failStart bool
}

func (b *fakeBoard) record(cmd string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
}

func (b *fakeBoard) FeederStart(size, blower, tol int) error {
	b.mu.Lock()
	fail := b.failStart
	b.mu.Unlock()
	if fail {
		return errors.New("device not connected")
	}
	b.record(fmt.Sprintf("feeder:start:%d,%d,%d", size, blower, tol))
	return nil
}

func (b *fakeBoard) FeederStop() error {
	b.record("feeder:stop")
	return nil
}

func (b *fakeBoard) RelayLED(on bool) error {
	if on {
		b.record("relay:led:on")
	} else {
		b.record("relay:led:off")
	}
	return nil
}

func (b *fakeBoard) setFailStart(v bool) {
	b.mu.Lock()
	b.failStart = v
	b.mu.Unlock()
}

func (b *fakeBoard) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.commands))
	copy(out, b.commands)
	return out
}

type fixedTolerance int

func (t fixedTolerance) WeightTolerance(context.Context) int { return int(t) }

type stubReadings map[string]float64

func (r stubReadings) ReadingValue(name, typ string) (float64, bool) {
	v, ok := r[name+"/"+typ]
	return v, ok
}

type resultRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultRecorder) RecordFeedResult(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *resultRecorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

func noon() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local) }

func instantWait(s *Service) { s.wait = func(context.Context, time.Duration) error { return nil } }

func TestFeedHappyPath(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{}
	sink := &resultRecorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{}, board, fixedTolerance(7), WithHistory(sink), WithBus(bus), WithClock(noon))
	instantWait(s)

	res, err := s.Feed(context.Background(), Request{FeedSize: 10, BlowerDuration: 3})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.EstimatedSeconds != 30 { // 10 open + 12 close + 3 blower + 5 buffer
		t.Fatalf("estimated = %d, want 30", res.EstimatedSeconds)
	}
	if res.Source != SourceManual || res.WeightTolerance != 7 {
		t.Fatalf("result = %+v", res)
	}

	wantCmds := []string{"feeder:start:10,3,7"}
	got := board.sent()
	if len(got) != len(wantCmds) || got[0] != wantCmds[0] {
		t.Fatalf("commands = %v, want %v", got, wantCmds)
	}

	recs := sink.all()
	if len(recs) != 1 || !recs[0].Success {
		t.Fatalf("history = %+v, want one success", recs)
	}

	for _, wantType := range []string{eventbus.TypeFeedStarted, eventbus.TypeFeedCompleted} {
		select {
		case e := <-events:
			if e.Type != wantType {
				t.Fatalf("event = %q, want %q", e.Type, wantType)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %q", wantType)
		}
	}
}

func TestFeedCapsMotorOpenEstimate(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeBoard{}, fixedTolerance(5), WithClock(noon))
	instantWait(s)

	res, err := s.Feed(context.Background(), Request{FeedSize: 100, BlowerDuration: 0})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res.EstimatedSeconds != 47 { // 30 cap + 12 + 0 + 5
		t.Fatalf("estimated = %d, want 47", res.EstimatedSeconds)
	}
}

func TestNightWindow(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeBoard{}, fixedTolerance(5))
	tests := []struct {
		hour int
		want bool
	}{
		{17, false}, {18, true}, {23, true}, {0, true}, {5, true}, {6, false}, {12, false},
	}
	for _, tt := range tests {
		if got := s.isNight(tt.hour); got != tt.want {
			t.Fatalf("isNight(%d) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestFeedNightTurnsLEDOnAndOff(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{}
	night := func() time.Time { return time.Date(2025, 6, 1, 23, 0, 0, 0, time.Local) }
	s := New(Config{}, board, fixedTolerance(5), WithClock(night))
	instantWait(s)

	if _, err := s.Feed(context.Background(), Request{FeedSize: 5, BlowerDuration: 0}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{"relay:led:on", "feeder:start:5,0,5", "relay:led:off"}
	got := board.sent()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, want %v", got, want)
		}
	}
}

func TestFeedValidation(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{}
	s := New(Config{}, board, fixedTolerance(5))
	instantWait(s)

	if _, err := s.Feed(context.Background(), Request{FeedSize: 0}); err == nil {
		t.Fatal("zero feed size accepted")
	}
	if _, err := s.Feed(context.Background(), Request{FeedSize: 5, BlowerDuration: -1}); err == nil {
		t.Fatal("negative blower duration accepted")
	}
	if got := board.sent(); len(got) != 0 {
		t.Fatalf("commands sent for rejected requests: %v", got)
	}
}

func TestFeedSingleFlight(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{}
	s := New(Config{}, board, fixedTolerance(5), WithClock(noon))

	release := make(chan struct{})
	s.wait = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Feed(context.Background(), Request{FeedSize: 5})
		firstDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().IsRunning {
		if time.Now().After(deadline) {
			t.Fatal("first feed never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.Feed(context.Background(), Request{FeedSize: 5}); !errors.Is(err, ErrFeedInProgress) {
		t.Fatalf("second feed err = %v, want ErrFeedInProgress", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first feed: %v", err)
	}
	if s.Snapshot().IsRunning {
		t.Fatal("still marked running after completion")
	}
}

func TestFeedStartFailureSendsEmergencyStop(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{failStart: true}
	sink := &resultRecorder{}
	s := New(Config{}, board, fixedTolerance(5), WithHistory(sink), WithClock(noon))
	instantWait(s)

	res, err := s.Feed(context.Background(), Request{FeedSize: 5})
	if err == nil {
		t.Fatal("feed succeeded with failing board")
	}
	if res.Success || res.Error == "" {
		t.Fatalf("result = %+v, want recorded failure", res)
	}
	got := board.sent()
	if len(got) != 1 || got[0] != "feeder:stop" {
		t.Fatalf("commands = %v, want [feeder:stop]", got)
	}
	recs := sink.all()
	if len(recs) != 1 || recs[0].Success {
		t.Fatalf("history = %+v, want one failure", recs)
	}
}

func TestFeedCanceledSendsStop(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{}
	s := New(Config{}, board, fixedTolerance(5), WithClock(noon))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := s.Feed(ctx, Request{FeedSize: 30})
	if err == nil {
		t.Fatal("canceled feed returned nil error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled in chain", err)
	}
	got := board.sent()
	if len(got) != 2 || got[1] != "feeder:stop" {
		t.Fatalf("commands = %v, want start then feeder:stop", got)
	}
}

func TestStopAllAbortsInFlightFeed(t *testing.T) {
	t.Parallel()

	board := &fakeBoard{}
	s := New(Config{}, board, fixedTolerance(5), WithClock(noon))

	done := make(chan error, 1)
	go func() {
		_, err := s.Feed(context.Background(), Request{FeedSize: 30})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().IsRunning {
		if time.Now().After(deadline) {
			t.Fatal("feed never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("aborted feed returned nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not return after StopAll")
	}

	var stops, ledOff int
	for _, cmd := range board.sent() {
		switch cmd {
		case "feeder:stop":
			stops++
		case "relay:led:off":
			ledOff++
		}
	}
	if stops == 0 || ledOff == 0 {
		t.Fatalf("commands = %v, want feeder:stop and relay:led:off", board.sent())
	}
}

func TestFeedReadingsSnapshot(t *testing.T) {
	t.Parallel()

	reads := stubReadings{
		"DHT22_FEEDER/humidity":       62.5,
		"SOIL_MOISTURE/soil_moisture": 41.0,
		"HX711_FEEDER/weight":         -2.5,
	}
	s := New(Config{}, &fakeBoard{}, fixedTolerance(5), WithReadings(reads), WithClock(noon))
	instantWait(s)

	res, err := s.Feed(context.Background(), Request{FeedSize: 5})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	r := res.Readings
	if r.FeederHumidity == nil || *r.FeederHumidity != 62.5 {
		t.Fatalf("humidity = %v", r.FeederHumidity)
	}
	if r.FoodWeightKG == nil || *r.FoodWeightKG != 2.5 {
		t.Fatalf("weight = %v, want 2.5 (absolute)", r.FoodWeightKG)
	}
	if r.BatteryPct != nil {
		t.Fatalf("battery = %v, want nil for missing reading", r.BatteryPct)
	}
}
