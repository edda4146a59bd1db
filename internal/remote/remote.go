package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"feederd/pkg/logx"
)

// ErrNotFound is returned by GetJSON when the key does not exist.
var ErrNotFound = errors.New("remote: key not found")

// Config configures the shared store.
//
// With Enabled=false Open returns an in-process store so callers never have to
// nil-check; state is then process-local and lost on restart.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int

	KeyPrefix string

	DialTimeout time.Duration // 0 means default
	ReadTimeout time.Duration // 0 means default
}

// Store is the shared state API used across the daemon (settings, alerts,
// sensor snapshots, schedules). Values are stored as JSON.
type Store interface {
	// GetJSON unmarshals the value at key into dst. Returns ErrNotFound when missing.
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any) error

	// PushJSON appends v to the list at key. maxLen > 0 trims the list to its
	// most recent maxLen entries.
	PushJSON(ctx context.Context, key string, v any, maxLen int64) error
	// ListJSON returns raw entries from the list at key; start/stop follow
	// list-range semantics (0, -1 is the whole list).
	ListJSON(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error)

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		log.Debug("remote store disabled; using in-process store")
		return NewMemory(), nil
	}
	return openRedis(cfg, log)
}

// Keys builds the namespaced key layout.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "feeder"
	}
	return Keys{prefix: prefix}
}

func (k Keys) join(parts ...string) string {
	out := k.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (k Keys) SettingsSync() string   { return k.join("settings", "sync") }
func (k Keys) SettingsAlert() string  { return k.join("settings", "alert") }
func (k Keys) SettingsFeeder() string { return k.join("settings", "feeder") }

func (k Keys) AlertsActive() string { return k.join("alerts", "active") }
func (k Keys) AlertsAck() string    { return k.join("alerts", "ack") }
func (k Keys) AlertsLog() string    { return k.join("alerts", "log") }

func (k Keys) SystemStatus() string  { return k.join("status", "system") }
func (k Keys) SensorsLatest() string { return k.join("sensors", "latest") }

func (k Keys) FeedSchedules() string { return k.join("feed", "schedules") }
func (k Keys) FeedPresets() string   { return k.join("feed", "presets") }
func (k Keys) FeedLog() string       { return k.join("feed", "log") }
