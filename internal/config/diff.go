package config

import (
	"sort"
	"strings"

	"feederd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like passwords or tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// API
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		strings.TrimSpace(oldCfg.API.ReadTimeout) != strings.TrimSpace(newCfg.API.ReadTimeout) ||
		strings.TrimSpace(oldCfg.API.WriteTimeout) != strings.TrimSpace(newCfg.API.WriteTimeout) ||
		strings.TrimSpace(oldCfg.API.IdleTimeout) != strings.TrimSpace(newCfg.API.IdleTimeout) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
		)
	}

	// Pprof
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
		)
	}

	// Device
	if strings.TrimSpace(oldCfg.Device.Port) != strings.TrimSpace(newCfg.Device.Port) ||
		oldCfg.Device.BaudRate != newCfg.Device.BaudRate ||
		strings.TrimSpace(oldCfg.Device.ReadTimeout) != strings.TrimSpace(newCfg.Device.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Device.ResponseSettle) != strings.TrimSpace(newCfg.Device.ResponseSettle) ||
		oldCfg.Device.RetryAttempts != newCfg.Device.RetryAttempts ||
		strings.TrimSpace(oldCfg.Device.RetryDelay) != strings.TrimSpace(newCfg.Device.RetryDelay) ||
		strings.TrimSpace(oldCfg.Device.RetryCooldown) != strings.TrimSpace(newCfg.Device.RetryCooldown) {
		changed = append(changed, "device")
		attrs = append(attrs,
			logx.String("device.port", strings.TrimSpace(newCfg.Device.Port)),
			logx.Int("device.baud_rate", newCfg.Device.BaudRate),
			logx.Int("device.retry_attempts", newCfg.Device.RetryAttempts),
		)
	}

	// Remote (never log password)
	if oldCfg.Remote.Enabled != newCfg.Remote.Enabled ||
		strings.TrimSpace(oldCfg.Remote.Addr) != strings.TrimSpace(newCfg.Remote.Addr) ||
		oldCfg.Remote.DB != newCfg.Remote.DB ||
		strings.TrimSpace(oldCfg.Remote.KeyPrefix) != strings.TrimSpace(newCfg.Remote.KeyPrefix) ||
		strings.TrimSpace(oldCfg.Remote.DialTimeout) != strings.TrimSpace(newCfg.Remote.DialTimeout) ||
		strings.TrimSpace(oldCfg.Remote.ReadTimeout) != strings.TrimSpace(newCfg.Remote.ReadTimeout) ||
		(strings.TrimSpace(oldCfg.Remote.Password) != "") != (strings.TrimSpace(newCfg.Remote.Password) != "") {
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.Bool("remote.enabled", newCfg.Remote.Enabled),
			logx.String("remote.addr", strings.TrimSpace(newCfg.Remote.Addr)),
			logx.Int("remote.db", newCfg.Remote.DB),
			logx.String("remote.key_prefix", strings.TrimSpace(newCfg.Remote.KeyPrefix)),
			logx.Bool("remote.password_set", strings.TrimSpace(newCfg.Remote.Password) != ""),
		)
	}

	// Settings
	if strings.TrimSpace(oldCfg.Settings.CachePath) != strings.TrimSpace(newCfg.Settings.CachePath) {
		changed = append(changed, "settings")
		attrs = append(attrs,
			logx.Bool("settings.cache_path_set", strings.TrimSpace(newCfg.Settings.CachePath) != ""),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.WatchInterval) != strings.TrimSpace(newCfg.Scheduler.WatchInterval) ||
		strings.TrimSpace(oldCfg.Scheduler.StopTimeout) != strings.TrimSpace(newCfg.Scheduler.StopTimeout) ||
		oldCfg.Scheduler.Sync != newCfg.Scheduler.Sync {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.watch_interval", strings.TrimSpace(newCfg.Scheduler.WatchInterval)),
			logx.Int("scheduler.sync_sensors", newCfg.Scheduler.Sync.SyncSensors),
			logx.Int("scheduler.sync_schedule", newCfg.Scheduler.Sync.SyncSchedule),
			logx.Int("scheduler.sync_feed_preset", newCfg.Scheduler.Sync.SyncFeedPreset),
		)
	}

	// Feeder
	if oldCfg.Feeder != newCfg.Feeder {
		changed = append(changed, "feeder")
		attrs = append(attrs,
			logx.Int("feeder.weight_tolerance", newCfg.Feeder.WeightTolerance),
			logx.Int("feeder.motor_close_seconds", newCfg.Feeder.MotorCloseSeconds),
			logx.Int("feeder.max_motor_open_seconds", newCfg.Feeder.MaxMotorOpenSeconds),
			logx.Int("feeder.night_start_hour", newCfg.Feeder.NightStartHour),
			logx.Int("feeder.night_end_hour", newCfg.Feeder.NightEndHour),
		)
	}

	// History
	if oldCfg.History.Enabled != newCfg.History.Enabled ||
		strings.TrimSpace(oldCfg.History.Path) != strings.TrimSpace(newCfg.History.Path) ||
		strings.TrimSpace(oldCfg.History.BusyTimeout) != strings.TrimSpace(newCfg.History.BusyTimeout) ||
		strings.TrimSpace(oldCfg.History.Retention) != strings.TrimSpace(newCfg.History.Retention) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Bool("history.enabled", newCfg.History.Enabled),
			logx.Bool("history.path_set", strings.TrimSpace(newCfg.History.Path) != ""),
			logx.String("history.retention", strings.TrimSpace(newCfg.History.Retention)),
		)
	}

	// Notify (never log token)
	if oldCfg.Notify.Enabled != newCfg.Notify.Enabled ||
		oldCfg.Notify.ChatID != newCfg.Notify.ChatID ||
		strings.TrimSpace(oldCfg.Notify.MinInterval) != strings.TrimSpace(newCfg.Notify.MinInterval) ||
		(strings.TrimSpace(oldCfg.Notify.TelegramToken) != "") != (strings.TrimSpace(newCfg.Notify.TelegramToken) != "") {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(newCfg.Notify.TelegramToken) != ""),
			logx.Bool("notify.chat_set", newCfg.Notify.ChatID != 0),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
