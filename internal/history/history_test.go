package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"feederd/internal/alerts"
	"feederd/internal/device"
	"feederd/internal/feeder"
	"feederd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "history.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fp(v float64) *float64 { return &v }

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("Open disabled: %v", err)
	}
	if st != nil {
		t.Fatalf("disabled store = %v, want nil", st)
	}

	// The nil store must still be callable; consumers hold it directly.
	if err := st.RecordFeedResult(context.Background(), feeder.Result{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil RecordFeedResult = %v, want ErrDisabled", err)
	}
	if _, err := st.RecentSensors(context.Background(), "", 10); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil RecentSensors = %v, want ErrDisabled", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("nil Close = %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Enabled: true}, logx.Nop()); err == nil {
		t.Fatal("Open without path must fail")
	}
}

func TestSensorSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	at := time.Now().Add(-time.Minute)

	snap := device.Snapshot{
		Name:      "DHT22_FEEDER",
		UpdatedAt: at,
		Values: []device.Reading{
			{Type: "humidity", Unit: "%", Value: 61.5},
			{Type: "temperature", Unit: "C", Value: 28.2},
		},
	}
	if err := st.RecordSensorSnapshot(ctx, snap); err != nil {
		t.Fatalf("RecordSensorSnapshot: %v", err)
	}
	if err := st.RecordSensorSnapshot(ctx, device.Snapshot{
		Name:   "SOIL_MOISTURE",
		Values: []device.Reading{{Type: "soil_moisture", Value: 40}},
	}); err != nil {
		t.Fatalf("RecordSensorSnapshot: %v", err)
	}

	rows, err := st.RecentSensors(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentSensors: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	// Newest first.
	if rows[0].Sensor != "SOIL_MOISTURE" {
		t.Fatalf("rows[0].Sensor = %q", rows[0].Sensor)
	}
	if rows[0].Unit != "" {
		t.Fatalf("rows[0].Unit = %q, want empty for NULL", rows[0].Unit)
	}

	filtered, err := st.RecentSensors(ctx, "DHT22_FEEDER", 10)
	if err != nil {
		t.Fatalf("RecentSensors filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("filtered rows = %d, want 2", len(filtered))
	}
	for _, r := range filtered {
		if r.Sensor != "DHT22_FEEDER" {
			t.Fatalf("filter leaked sensor %q", r.Sensor)
		}
		if r.At.Unix() != at.Unix() {
			t.Fatalf("At = %v, want %v", r.At, at)
		}
	}

	one, err := st.RecentSensors(ctx, "", 1)
	if err != nil {
		t.Fatalf("RecentSensors limit: %v", err)
	}
	if len(one) != 1 {
		t.Fatalf("limited rows = %d, want 1", len(one))
	}
}

func TestFeedResultRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	ok := feeder.Result{
		At:              time.Now().Add(-time.Hour),
		Source:          "schedule",
		FeedSize:        500,
		BlowerDuration:  15,
		WeightTolerance: 5,
		Success:         true,
		TookMS:          42_000,
		Readings: feeder.FeedReadings{
			FeederHumidity: fp(58.1),
			FoodWeightKG:   fp(12.4),
		},
	}
	failed := feeder.Result{
		Source:  "manual",
		Error:   "device not connected",
		Success: false,
	}
	if err := st.RecordFeedResult(ctx, ok); err != nil {
		t.Fatalf("RecordFeedResult: %v", err)
	}
	if err := st.RecordFeedResult(ctx, failed); err != nil {
		t.Fatalf("RecordFeedResult: %v", err)
	}

	rows, err := st.RecentFeeds(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFeeds: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	got := rows[1] // oldest last
	if got.Source != "schedule" || !got.Success || got.FeedSize != 500 || got.TookMS != 42_000 {
		t.Fatalf("row = %+v", got)
	}
	if got.FeederHumidity == nil || *got.FeederHumidity != 58.1 {
		t.Fatalf("FeederHumidity = %v", got.FeederHumidity)
	}
	if got.FoodMoisture != nil {
		t.Fatalf("FoodMoisture = %v, want nil for NULL", got.FoodMoisture)
	}

	if rows[0].Error != "device not connected" || rows[0].Success {
		t.Fatalf("failed row = %+v", rows[0])
	}
	if rows[0].At.IsZero() {
		t.Fatal("zero At must be defaulted at insert")
	}
}

func TestAlertTransitionRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	entry := alerts.LogEntry{
		AlertID:    "b2f1c9d0",
		SensorKey:  "soil_moisture",
		Level:      alerts.LevelCritical,
		Action:     alerts.ActionEscalate,
		Value:      81,
		Thresholds: alerts.Thresholds{Warning: 70, Critical: 80},
		Timestamp:  time.Now(),
	}
	if err := st.RecordAlertTransition(ctx, entry); err != nil {
		t.Fatalf("RecordAlertTransition: %v", err)
	}

	rows, err := st.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.AlertID != entry.AlertID || got.SensorKey != entry.SensorKey {
		t.Fatalf("row = %+v", got)
	}
	if got.Level != "critical" || got.Action != "escalate" {
		t.Fatalf("level/action = %q/%q", got.Level, got.Action)
	}
	if got.Warning != 70 || got.Critical != 80 || got.Value != 81 {
		t.Fatalf("thresholds = %+v", got)
	}
}

func TestPruneBefore(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	for _, at := range []time.Time{old, fresh} {
		if err := st.RecordSensorSnapshot(ctx, device.Snapshot{
			Name:      "HX711_FEEDER",
			UpdatedAt: at,
			Values:    []device.Reading{{Type: "weight", Value: 10}},
		}); err != nil {
			t.Fatalf("RecordSensorSnapshot: %v", err)
		}
		if err := st.RecordFeedResult(ctx, feeder.Result{At: at, Source: "schedule"}); err != nil {
			t.Fatalf("RecordFeedResult: %v", err)
		}
		if err := st.RecordAlertTransition(ctx, alerts.LogEntry{
			Timestamp: at, AlertID: "x", SensorKey: "weight",
			Level: alerts.LevelWarning, Action: alerts.ActionTrigger,
		}); err != nil {
			t.Fatalf("RecordAlertTransition: %v", err)
		}
	}

	n, err := st.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned = %d, want 3", n)
	}

	sensors, _ := st.RecentSensors(ctx, "", 10)
	feeds, _ := st.RecentFeeds(ctx, 10)
	alertRows, _ := st.RecentAlerts(ctx, 10)
	if len(sensors) != 1 || len(feeds) != 1 || len(alertRows) != 1 {
		t.Fatalf("remaining rows = %d/%d/%d, want 1 each", len(sensors), len(feeds), len(alertRows))
	}
}

func TestOpenRetentionPrunesAtStartup(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	st, err := Open(Config{Enabled: true, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.RecordFeedResult(ctx, feeder.Result{
		At: time.Now().Add(-72 * time.Hour), Source: "schedule",
	}); err != nil {
		t.Fatalf("RecordFeedResult: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Enabled: true, Path: path, Retention: 24 * time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	rows, err := st.RecentFeeds(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFeeds: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows after retention prune = %d, want 0", len(rows))
	}
}
