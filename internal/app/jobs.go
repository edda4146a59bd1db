package app

import (
	"context"
	"errors"
	"math"
	"time"

	"feederd/internal/alerts"
	"feederd/internal/eventbus"
	"feederd/internal/feeder"
	"feederd/internal/remote"
	"feederd/internal/settings"
	"feederd/pkg/logx"
)

// alertInputs maps each alert metric to the board reading it watches.
// food_weight takes the absolute value: the load cell reports negative when
// the tare drifts, and the stock level is what matters.
var alertInputs = []struct {
	key    string
	sensor string
	value  string
	abs    bool
}{
	{key: "dht22_feeder_humidity", sensor: "DHT22_FEEDER", value: "humidity"},
	{key: "soil_moisture", sensor: "SOIL_MOISTURE", value: "soil_moisture"},
	{key: "food_weight", sensor: "HX711_FEEDER", value: "weight", abs: true},
}

func (a *App) registerJobs() error {
	a.sched.AddTunable("sync_sensors", func(st settings.SyncSettings) int { return st.SyncSensors }, a.jobSyncSensors)
	a.sched.AddTunable("sync_schedule", func(st settings.SyncSettings) int { return st.SyncSchedule }, a.jobSyncSchedule)
	a.sched.AddTunable("sync_feed_preset", func(st settings.SyncSettings) int { return st.SyncFeedPreset }, a.jobSyncPresets)

	a.sched.Add("feed_schedule", time.Second, a.jobFeedSchedule)
	a.sched.Add("status_monitor", time.Second, func(ctx context.Context) error { return a.mon.Cycle(ctx) })
	a.sched.Add("alerts_monitor", time.Second, a.jobAlertsMonitor)

	if a.hist != nil {
		if err := a.sched.AddCron("sensor_history", "*/5 * * * * *", a.jobSensorHistory); err != nil {
			return err
		}
	}
	return nil
}

// jobSyncSensors mirrors the latest board readings to the shared store so
// the UI reads one document instead of talking to the serial link.
func (a *App) jobSyncSensors(ctx context.Context) error {
	snaps := a.link.Readings()
	if len(snaps) == 0 {
		return nil
	}
	doc := map[string]any{
		"sensors":    snaps,
		"updated_at": time.Now().UTC(),
	}
	return a.store.SetJSON(ctx, a.keys.SensorsLatest(), doc)
}

func (a *App) jobSyncSchedule(ctx context.Context) error {
	var list []feeder.Schedule
	err := a.store.GetJSON(ctx, a.keys.FeedSchedules(), &list)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.feed.ReplaceSchedules(list)
	return nil
}

func (a *App) jobSyncPresets(ctx context.Context) error {
	var list []feeder.Preset
	err := a.store.GetJSON(ctx, a.keys.FeedPresets(), &list)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.feed.ReplacePresets(list)
	return nil
}

func (a *App) jobFeedSchedule(ctx context.Context) error {
	a.feed.RunDue(ctx, time.Now())
	return nil
}

// jobAlertsMonitor feeds the current readings through the alert evaluator.
// A cycle with zero readings is skipped outright: evaluating on a silent
// board would resolve every live alert against stale data.
func (a *App) jobAlertsMonitor(ctx context.Context) error {
	thresholds := a.source.Thresholds(ctx)
	metrics := make([]alerts.Metric, 0, len(alertInputs))
	for _, in := range alertInputs {
		th, ok := thresholds[in.key]
		if !ok {
			continue
		}
		v, ok := a.link.ReadingValue(in.sensor, in.value)
		if !ok {
			continue
		}
		if in.abs {
			v = math.Abs(v)
		}
		metrics = append(metrics, alerts.Metric{
			Key:        in.key,
			Value:      v,
			Thresholds: alerts.Thresholds{Warning: th.Warning, Critical: th.Critical},
			Mode:       alerts.Mode(th.Mode),
		})
	}
	if len(metrics) == 0 {
		return nil
	}
	return a.eval.EvaluateCycle(ctx, metrics)
}

func (a *App) jobSensorHistory(ctx context.Context) error {
	for _, snap := range a.link.Readings() {
		if err := a.hist.RecordSensorSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// watchDeviceEvents reacts to link state changes. Today that is one concern:
// a freshly connected board may have its periodic sensor report stopped
// (cold boot, or an operator stop before the replug), so ask and restart it.
func (a *App) watchDeviceEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == eventbus.TypeDeviceConnected {
				a.ensureSensorStream(ctx)
			}
		}
	}
}

func (a *App) ensureSensorStream(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := a.ctrl.SensorsStatus(qctx)
	if err != nil {
		a.log.Warn("sensor stream query failed", logx.Err(err))
		return
	}
	if st.IsRunning {
		return
	}
	a.log.Info("starting board sensor stream")
	if err := a.ctrl.SensorsStart(); err != nil {
		a.log.Warn("sensors start failed", logx.Err(err))
	}
}
