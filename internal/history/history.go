// Package history persists sensor snapshots, feed operations, and alert
// transitions to a local SQLite file for querying over the HTTP API.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"feederd/internal/alerts"
	"feederd/internal/device"
	"feederd/internal/feeder"
	"feederd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrDisabled = errors.New("history disabled")

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration
	Retention   time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the history database, creating the file and schema as
// needed. It returns (nil, nil) when history is disabled.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Retention > 0 {
		cutoff := time.Now().Add(-cfg.Retention)
		n, err := st.PruneBefore(context.Background(), cutoff)
		if err != nil {
			log.Warn("history prune failed", logx.Err(err))
		} else if n > 0 {
			log.Info("history pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
		}
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSensorSnapshot flattens one sensor snapshot into per-reading rows.
func (s *Store) RecordSensorSnapshot(ctx context.Context, snap device.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	for _, r := range snap.Values {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sensor_readings(at, sensor, type, unit, value) VALUES(?,?,?,?,?)`,
			at.Format(time.RFC3339Nano), snap.Name, r.Type, nullStr(r.Unit), r.Value,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordFeedResult stores one finished feed operation.
func (s *Store) RecordFeedResult(ctx context.Context, r feeder.Result) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_operations(at, source, feed_size, blower_duration, weight_tolerance, ok, err, took_ms,
		                             feeder_humidity, food_moisture, food_weight_kg, battery_pct)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		at.Format(time.RFC3339Nano), r.Source, r.FeedSize, r.BlowerDuration, r.WeightTolerance,
		r.Success, nullStr(r.Error), r.TookMS,
		nullFloat(r.Readings.FeederHumidity), nullFloat(r.Readings.FoodMoisture),
		nullFloat(r.Readings.FoodWeightKG), nullFloat(r.Readings.BatteryPct),
	)
	return err
}

// RecordAlertTransition stores one alert log append. Implements the alert
// evaluator's transition sink.
func (s *Store) RecordAlertTransition(ctx context.Context, e alerts.LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_transitions(at, alert_id, sensor_key, level, action, value, warning, critical)
		 VALUES(?,?,?,?,?,?,?,?)`,
		at.Format(time.RFC3339Nano), e.AlertID, e.SensorKey, string(e.Level), string(e.Action),
		e.Value, e.Thresholds.Warning, e.Thresholds.Critical,
	)
	return err
}

type SensorRow struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Sensor string    `json:"sensor"`
	Type   string    `json:"type"`
	Unit   string    `json:"unit,omitempty"`
	Value  float64   `json:"value"`
}

type FeedRow struct {
	ID              int64     `json:"id"`
	At              time.Time `json:"at"`
	Source          string    `json:"source"`
	FeedSize        int       `json:"feed_size"`
	BlowerDuration  int       `json:"blower_duration"`
	WeightTolerance int       `json:"weight_tolerance"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	TookMS          int64     `json:"took_ms"`
	FeederHumidity  *float64  `json:"feeder_humidity"`
	FoodMoisture    *float64  `json:"food_moisture"`
	FoodWeightKG    *float64  `json:"food_weight_kg"`
	BatteryPct      *float64  `json:"battery_pct"`
}

type AlertRow struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	AlertID   string    `json:"alert_id"`
	SensorKey string    `json:"sensor_key"`
	Level     string    `json:"level"`
	Action    string    `json:"action"`
	Value     float64   `json:"value"`
	Warning   float64   `json:"warning"`
	Critical  float64   `json:"critical"`
}

// RecentSensors returns the newest rows first, optionally filtered by sensor
// name.
func (s *Store) RecentSensors(ctx context.Context, sensor string, limit int) ([]SensorRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = clampLimit(limit)

	q := `SELECT id, at, sensor, type, unit, value FROM sensor_readings`
	args := []any{}
	if sensor != "" {
		q += ` WHERE sensor = ?`
		args = append(args, sensor)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SensorRow{}
	for rows.Next() {
		var r SensorRow
		var at string
		var unit sql.NullString
		if err := rows.Scan(&r.ID, &at, &r.Sensor, &r.Type, &unit, &r.Value); err != nil {
			return nil, err
		}
		r.At = parseAt(at)
		r.Unit = unit.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentFeeds returns the newest feed operations first.
func (s *Store) RecentFeeds(ctx context.Context, limit int) ([]FeedRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, source, feed_size, blower_duration, weight_tolerance, ok, err, took_ms,
		        feeder_humidity, food_moisture, food_weight_kg, battery_pct
		 FROM feed_operations ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FeedRow{}
	for rows.Next() {
		var r FeedRow
		var at string
		var errStr sql.NullString
		var humi, moist, weight, batt sql.NullFloat64
		if err := rows.Scan(&r.ID, &at, &r.Source, &r.FeedSize, &r.BlowerDuration, &r.WeightTolerance,
			&r.Success, &errStr, &r.TookMS, &humi, &moist, &weight, &batt); err != nil {
			return nil, err
		}
		r.At = parseAt(at)
		r.Error = errStr.String
		r.FeederHumidity = floatPtr(humi)
		r.FoodMoisture = floatPtr(moist)
		r.FoodWeightKG = floatPtr(weight)
		r.BatteryPct = floatPtr(batt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentAlerts returns the newest alert transitions first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, alert_id, sensor_key, level, action, value, warning, critical
		 FROM alert_transitions ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []AlertRow{}
	for rows.Next() {
		var r AlertRow
		var at string
		if err := rows.Scan(&r.ID, &at, &r.AlertID, &r.SensorKey, &r.Level, &r.Action,
			&r.Value, &r.Warning, &r.Critical); err != nil {
			return nil, err
		}
		r.At = parseAt(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes rows older than the cutoff across all tables and
// returns the number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	at := cutoff.Format(time.RFC3339Nano)
	var total int64
	for _, table := range []string{"sensor_readings", "feed_operations", "alert_transitions"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at < ?`, at)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func parseAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
