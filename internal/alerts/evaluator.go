package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feederd/internal/eventbus"
	"feederd/internal/remote"
	"feederd/pkg/logx"
)

// maxLogEntries caps the remote transition log.
const maxLogEntries = 500

// TransitionSink receives every log append, letting the local history store
// mirror the remote log. Failures are logged, never fatal to a cycle.
type TransitionSink interface {
	RecordAlertTransition(ctx context.Context, e LogEntry) error
}

type Evaluator struct {
	store remote.Store
	keys  remote.Keys
	log   logx.Logger
	bus   eventbus.Bus
	sink  TransitionSink

	now func() time.Time
}

type Option func(*Evaluator)

func WithBus(b eventbus.Bus) Option         { return func(e *Evaluator) { e.bus = b } }
func WithSink(s TransitionSink) Option      { return func(e *Evaluator) { e.sink = s } }
func WithClock(now func() time.Time) Option { return func(e *Evaluator) { e.now = now } }
func WithLogger(l logx.Logger) Option       { return func(e *Evaluator) { e.log = l } }

func NewEvaluator(store remote.Store, keys remote.Keys, opts ...Option) *Evaluator {
	e := &Evaluator{
		store: store,
		keys:  keys,
		log:   logx.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateCycle runs one full pass: loads the active and ack maps, applies the
// transition table per metric, then overwrites both maps.
func (e *Evaluator) EvaluateCycle(ctx context.Context, metrics []Metric) error {
	active := map[string]Record{}
	if err := e.store.GetJSON(ctx, e.keys.AlertsActive(), &active); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("alerts: load active map: %w", err)
	}
	ack := map[string]AckState{}
	if err := e.store.GetJSON(ctx, e.keys.AlertsAck(), &ack); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("alerts: load ack map: %w", err)
	}

	for _, m := range metrics {
		e.process(ctx, m, active, ack)
	}

	if err := e.store.SetJSON(ctx, e.keys.AlertsActive(), active); err != nil {
		return fmt.Errorf("alerts: write active map: %w", err)
	}
	if err := e.store.SetJSON(ctx, e.keys.AlertsAck(), ack); err != nil {
		return fmt.Errorf("alerts: write ack map: %w", err)
	}
	return nil
}

// process applies the transition table for one metric.
//
//	normal -> normal        no-op
//	normal -> warn/crit     new Record + trigger log (fresh id)
//	warning -> critical     update Record, escalate log, acknowledged forced true
//	critical -> warning     update Record in place, no log
//	warn/crit -> normal     remove Record, resolve log with the existing id
func (e *Evaluator) process(ctx context.Context, m Metric, active map[string]Record, ack map[string]AckState) {
	now := e.now()
	level := Classify(m.Value, m.Thresholds, m.Mode)
	prev, exists := active[m.Key]

	if level == LevelNormal {
		if !exists {
			return
		}
		delete(active, m.Key)
		e.append(ctx, LogEntry{
			AlertID:    prev.AlertID,
			SensorKey:  m.Key,
			Level:      LevelNormal,
			Value:      m.Value,
			Thresholds: m.Thresholds,
			Timestamp:  now,
			Action:     ActionResolve,
		})
		e.publish(eventbus.TypeAlertResolved, prev.AlertID, m, LevelNormal)
		return
	}

	if exists && prev.AlertID != "" {
		escalated := prev.Level == LevelWarning && level == LevelCritical
		acknowledged := prev.Acknowledged
		if escalated {
			// Escalation supersedes any pending acknowledgement of the
			// lower-severity alert.
			acknowledged = true
			e.append(ctx, LogEntry{
				AlertID:    prev.AlertID,
				SensorKey:  m.Key,
				Level:      level,
				Value:      m.Value,
				Thresholds: m.Thresholds,
				Timestamp:  now,
				Action:     ActionEscalate,
			})
			e.publish(eventbus.TypeAlertEscalated, prev.AlertID, m, level)
		}
		active[m.Key] = Record{
			SensorKey:     m.Key,
			Level:         level,
			Value:         m.Value,
			Thresholds:    m.Thresholds,
			AlertID:       prev.AlertID,
			Acknowledged:  acknowledged,
			FirstSeenAt:   prev.FirstSeenAt,
			LastUpdatedAt: now,
		}
		if level == LevelCritical {
			ack[m.Key] = AckState{AlertID: prev.AlertID, Acknowledged: true, Level: LevelCritical, Timestamp: now}
		}
		return
	}

	id := uuid.NewString()
	e.append(ctx, LogEntry{
		AlertID:    id,
		SensorKey:  m.Key,
		Level:      level,
		Value:      m.Value,
		Thresholds: m.Thresholds,
		Timestamp:  now,
		Action:     ActionTrigger,
	})
	active[m.Key] = Record{
		SensorKey:     m.Key,
		Level:         level,
		Value:         m.Value,
		Thresholds:    m.Thresholds,
		AlertID:       id,
		Acknowledged:  false,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	}
	e.publish(eventbus.TypeAlertTriggered, id, m, level)
}

func (e *Evaluator) append(ctx context.Context, entry LogEntry) {
	if err := e.store.PushJSON(ctx, e.keys.AlertsLog(), entry, maxLogEntries); err != nil {
		e.log.Warn("alert log append failed",
			logx.String("sensor", entry.SensorKey),
			logx.String("action", string(entry.Action)),
			logx.Err(err),
		)
	}
	if e.sink != nil {
		if err := e.sink.RecordAlertTransition(ctx, entry); err != nil {
			e.log.Warn("alert history write failed",
				logx.String("sensor", entry.SensorKey),
				logx.Err(err),
			)
		}
	}
}

func (e *Evaluator) publish(eventType, alertID string, m Metric, level Level) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: map[string]any{
			"alert_id": alertID,
			"sensor":   m.Key,
			"level":    string(level),
			"value":    m.Value,
		},
	})
}

// ActiveAlerts reads the current active map.
func (e *Evaluator) ActiveAlerts(ctx context.Context) (map[string]Record, error) {
	out := map[string]Record{}
	err := e.store.GetJSON(ctx, e.keys.AlertsActive(), &out)
	if errors.Is(err, remote.ErrNotFound) {
		return out, nil
	}
	return out, err
}

// RecentLog reads the newest n transition entries, oldest first.
func (e *Evaluator) RecentLog(ctx context.Context, n int64) ([]LogEntry, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := e.store.ListJSON(ctx, e.keys.AlertsLog(), -n, -1)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(raw))
	for _, r := range raw {
		var entry LogEntry
		if err := json.Unmarshal(r, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
