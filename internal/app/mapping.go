package app

import (
	"time"

	"feederd/internal/api"
	"feederd/internal/config"
	"feederd/internal/device"
	"feederd/internal/feeder"
	"feederd/internal/history"
	"feederd/internal/notify"
	"feederd/internal/observability/pprof"
	"feederd/internal/remote"
	"feederd/internal/scheduler"
	"feederd/internal/settings"
)

// Config mapping lives here so NewApp and the reload loop share one
// translation per subsystem. Every mapper parses its own duration fields;
// config.Validate has already vetted the strings, but the reload path calls
// these on raw configs too, so the errors stay real.

func mapRemoteConfig(cfg *config.Config) (remote.Config, error) {
	dial, err := config.ParseDurationOrDefault("remote.dial_timeout", cfg.Remote.DialTimeout, 5*time.Second)
	if err != nil {
		return remote.Config{}, err
	}
	read, err := config.ParseDurationOrDefault("remote.read_timeout", cfg.Remote.ReadTimeout, 3*time.Second)
	if err != nil {
		return remote.Config{}, err
	}
	return remote.Config{
		Enabled:     cfg.Remote.Enabled,
		Addr:        cfg.Remote.Addr,
		Password:    cfg.Remote.Password,
		DB:          cfg.Remote.DB,
		KeyPrefix:   cfg.Remote.KeyPrefix,
		DialTimeout: dial,
		ReadTimeout: read,
	}, nil
}

func mapDeviceConfig(cfg *config.Config) (device.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("device.read_timeout", cfg.Device.ReadTimeout, 0)
	if err != nil {
		return device.Config{}, err
	}
	settle, err := config.ParseDurationOrDefault("device.response_settle", cfg.Device.ResponseSettle, 0)
	if err != nil {
		return device.Config{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("device.retry_delay", cfg.Device.RetryDelay, 0)
	if err != nil {
		return device.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("device.retry_cooldown", cfg.Device.RetryCooldown, 0)
	if err != nil {
		return device.Config{}, err
	}
	return device.Config{
		Port:           cfg.Device.Port,
		BaudRate:       cfg.Device.BaudRate,
		ReadTimeout:    readTimeout,
		ResponseSettle: settle,
		RetryAttempts:  cfg.Device.RetryAttempts,
		RetryDelay:     retryDelay,
		RetryCooldown:  cooldown,
	}, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	busy, err := config.ParseDurationOrDefault("history.busy_timeout", cfg.History.BusyTimeout, 0)
	if err != nil {
		return history.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("history.retention", cfg.History.Retention, 0)
	if err != nil {
		return history.Config{}, err
	}
	path := cfg.History.Path
	if path == "" {
		path = "./data/feederd.db"
	}
	return history.Config{
		Enabled:     cfg.History.Enabled,
		Path:        path,
		BusyTimeout: busy,
		Retention:   retention,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 0)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 0)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, 0)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", cfg.Pprof.ReadTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", cfg.Pprof.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", cfg.Pprof.IdleTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:      cfg.Pprof.Enabled,
		Addr:         cfg.Pprof.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	minInterval, err := config.ParseDurationOrDefault("notify.min_interval", cfg.Notify.MinInterval, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     cfg.Notify.Enabled,
		Token:       cfg.Notify.TelegramToken,
		ChatID:      cfg.Notify.ChatID,
		MinInterval: minInterval,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	watch, err := config.ParseDurationOrDefault("scheduler.watch_interval", cfg.Scheduler.WatchInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	stop, err := config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		WatchInterval: watch,
		StopTimeout:   stop,
	}, nil
}

func mapFeederConfig(cfg *config.Config) feeder.Config {
	return feeder.Config{
		MotorCloseSeconds:   cfg.Feeder.MotorCloseSeconds,
		MaxMotorOpenSeconds: cfg.Feeder.MaxMotorOpenSeconds,
		BufferSeconds:       cfg.Feeder.BufferSeconds,
		NightStartHour:      cfg.Feeder.NightStartHour,
		NightEndHour:        cfg.Feeder.NightEndHour,
	}
}

// defaultSyncSettings is the built-in fallback when neither the remote store
// nor the local cache has sync intervals yet.
func defaultSyncSettings(cfg *config.Config) settings.SyncSettings {
	s := settings.SyncSettings{
		SyncSensors:    cfg.Scheduler.Sync.SyncSensors,
		SyncSchedule:   cfg.Scheduler.Sync.SyncSchedule,
		SyncFeedPreset: cfg.Scheduler.Sync.SyncFeedPreset,
	}
	if s.SyncSensors == 0 {
		s.SyncSensors = 10
	}
	if s.SyncSchedule == 0 {
		s.SyncSchedule = 60
	}
	if s.SyncFeedPreset == 0 {
		s.SyncFeedPreset = 60
	}
	return s
}

func defaultFeederSettings(cfg *config.Config) settings.FeederSettings {
	f := settings.FeederSettings{WeightTolerance: cfg.Feeder.WeightTolerance}
	if f.WeightTolerance == 0 {
		f.WeightTolerance = 5
	}
	return f
}

func settingsCachePath(cfg *config.Config) string {
	if cfg.Settings.CachePath != "" {
		return cfg.Settings.CachePath
	}
	return "./data/app_settings.json"
}
