package config

import (
	"fmt"
	"strings"
)

// Validate rejects configs that would break subsystems at runtime.
// Used as the transactional hook before a reload is committed/published,
// and once at startup for the initial load.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"api.read_timeout", cfg.API.ReadTimeout},
		{"api.write_timeout", cfg.API.WriteTimeout},
		{"api.idle_timeout", cfg.API.IdleTimeout},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
		{"device.read_timeout", cfg.Device.ReadTimeout},
		{"device.response_settle", cfg.Device.ResponseSettle},
		{"device.retry_delay", cfg.Device.RetryDelay},
		{"device.retry_cooldown", cfg.Device.RetryCooldown},
		{"remote.dial_timeout", cfg.Remote.DialTimeout},
		{"remote.read_timeout", cfg.Remote.ReadTimeout},
		{"scheduler.watch_interval", cfg.Scheduler.WatchInterval},
		{"scheduler.stop_timeout", cfg.Scheduler.StopTimeout},
		{"history.busy_timeout", cfg.History.BusyTimeout},
		{"history.retention", cfg.History.Retention},
		{"notify.min_interval", cfg.Notify.MinInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Device.BaudRate < 0 {
		return fmt.Errorf("device.baud_rate must be >= 0")
	}
	if cfg.Device.RetryAttempts < 0 {
		return fmt.Errorf("device.retry_attempts must be >= 0")
	}

	if cfg.Remote.DB < 0 {
		return fmt.Errorf("remote.db must be >= 0")
	}

	if cfg.Scheduler.Sync.SyncSensors < 0 {
		return fmt.Errorf("scheduler.sync.sync_sensors must be >= 0")
	}
	if cfg.Scheduler.Sync.SyncSchedule < 0 {
		return fmt.Errorf("scheduler.sync.sync_schedule must be >= 0")
	}
	if cfg.Scheduler.Sync.SyncFeedPreset < 0 {
		return fmt.Errorf("scheduler.sync.sync_feed_preset must be >= 0")
	}

	if cfg.Feeder.WeightTolerance < 0 {
		return fmt.Errorf("feeder.weight_tolerance must be >= 0")
	}
	if cfg.Feeder.MotorCloseSeconds < 0 {
		return fmt.Errorf("feeder.motor_close_seconds must be >= 0")
	}
	if cfg.Feeder.MaxMotorOpenSeconds < 0 {
		return fmt.Errorf("feeder.max_motor_open_seconds must be >= 0")
	}
	if cfg.Feeder.BufferSeconds < 0 {
		return fmt.Errorf("feeder.buffer_seconds must be >= 0")
	}
	if h := cfg.Feeder.NightStartHour; h < 0 || h > 23 {
		return fmt.Errorf("feeder.night_start_hour must be in 0..23")
	}
	if h := cfg.Feeder.NightEndHour; h < 0 || h > 23 {
		return fmt.Errorf("feeder.night_end_hour must be in 0..23")
	}

	if cfg.Notify.Enabled {
		if strings.TrimSpace(cfg.Notify.TelegramToken) == "" {
			return fmt.Errorf("notify.telegram_token required when notify.enabled")
		}
		if cfg.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id required when notify.enabled")
		}
	}

	return nil
}
