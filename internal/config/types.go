package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	API       APIConfig       `json:"api"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
	Device    DeviceConfig    `json:"device"`
	Remote    RemoteConfig    `json:"remote"`
	Settings  SettingsConfig  `json:"settings"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Feeder    FeederConfig    `json:"feeder"`
	History   HistoryConfig   `json:"history"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig controls the HTTP facade.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: ":8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:6060").
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DeviceConfig controls the serial link to the controller board.
//
// Port is normally left empty so the link auto-discovers the board by USB
// descriptor. Set it to pin a specific device path (e.g. "/dev/ttyUSB0").
type DeviceConfig struct {
	Port     string `json:"port,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"` // default: 9600

	// ReadTimeout bounds each blocking serial read so the read loop can
	// observe cancellation. Default: "1s".
	ReadTimeout string `json:"read_timeout,omitempty"`

	// ResponseSettle is the quiet window after the last matching response
	// line before a pending command is considered complete. Default: "250ms".
	ResponseSettle string `json:"response_settle,omitempty"`

	// Reconnect policy: RetryAttempts tries spaced RetryDelay apart, then one
	// RetryCooldown idle before the counter resets. Defaults: 5 / "3s" / "30s".
	RetryAttempts int    `json:"retry_attempts,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	RetryCooldown string `json:"retry_cooldown,omitempty"`
}

// RemoteConfig controls the Redis-backed shared store (settings, alerts,
// status flags, schedules). With Enabled=false the process runs on the local
// cache file and built-in defaults only.
type RemoteConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"` // default: "127.0.0.1:6379"
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// KeyPrefix namespaces every key (default: "feeder").
	KeyPrefix string `json:"key_prefix,omitempty"`

	DialTimeout string `json:"dial_timeout,omitempty"` // default: "5s"
	ReadTimeout string `json:"read_timeout,omitempty"` // default: "3s"
}

type SettingsConfig struct {
	// CachePath is the local fallback file for remotely-sourced settings.
	// Default: "./data/app_settings.json".
	CachePath string `json:"cache_path,omitempty"`
}

// SchedulerConfig controls the periodic job runner.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// WatchInterval is how often the settings watcher re-reads the settings
	// source. Default: "30s".
	WatchInterval string `json:"watch_interval,omitempty"`

	// StopTimeout bounds how long Stop waits for each worker to exit.
	// Default: "5s".
	StopTimeout string `json:"stop_timeout,omitempty"`

	// Sync holds the built-in default intervals (seconds) for the tunable
	// sync jobs; the live values come from the settings source. 0 disables
	// a job.
	Sync SyncDefaults `json:"sync"`
}

type SyncDefaults struct {
	SyncSensors    int `json:"sync_sensors"`
	SyncSchedule   int `json:"sync_schedule"`
	SyncFeedPreset int `json:"sync_feed_preset"`
}

// FeederConfig controls the feeding sequence.
type FeederConfig struct {
	// WeightTolerance (grams) is the default used when the settings source
	// doesn't provide one. Default: 5.
	WeightTolerance int `json:"weight_tolerance,omitempty"`

	// Duration model for the board-controlled sequence:
	// open runs until the hopper loses feed_size grams (estimated at 1 g/s,
	// capped at MaxMotorOpenSeconds), close is fixed, plus the blower time
	// and a safety buffer.
	MotorCloseSeconds   int `json:"motor_close_seconds,omitempty"`    // default: 12
	MaxMotorOpenSeconds int `json:"max_motor_open_seconds,omitempty"` // default: 30
	BufferSeconds       int `json:"buffer_seconds,omitempty"`         // default: 5

	// Night window during which the LED is switched on for feeding.
	// Default: 18 .. 6 (18:00-06:00).
	NightStartHour int `json:"night_start_hour,omitempty"`
	NightEndHour   int `json:"night_end_hour,omitempty"`
}

// HistoryConfig controls the local sqlite history store.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"` // default: "./data/feederd.db"
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention prunes rows older than this on startup. "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

// NotifyConfig controls the optional Telegram alert notifier.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`

	// MinInterval rate-limits outgoing messages. Default: "3s".
	MinInterval string `json:"min_interval,omitempty"`
}
