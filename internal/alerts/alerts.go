// Package alerts evaluates sensor metrics against thresholds and maintains
// the active-alert map, acknowledgement state, and an append-only transition
// log in the shared store.
package alerts

import "time"

type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Mode selects which side of the thresholds is alarming. High alerts when the
// reading rises to a threshold (humidity, moisture); low alerts when it falls
// to one (food stock).
type Mode string

const (
	ModeHigh Mode = "high"
	ModeLow  Mode = "low"
)

type Action string

const (
	ActionTrigger  Action = "trigger"
	ActionEscalate Action = "escalate"
	ActionResolve  Action = "resolve"
)

type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Classify picks critical first, then warning, else normal. For ModeLow the
// comparisons invert: the critical threshold is the more extreme (lower) one.
func Classify(value float64, t Thresholds, mode Mode) Level {
	if mode == ModeLow {
		switch {
		case value <= t.Critical:
			return LevelCritical
		case value <= t.Warning:
			return LevelWarning
		default:
			return LevelNormal
		}
	}
	switch {
	case value >= t.Critical:
		return LevelCritical
	case value >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Record is the mutable projection of one live alert in the active map.
type Record struct {
	SensorKey     string     `json:"sensor_key"`
	Level         Level      `json:"level"`
	Value         float64    `json:"value"`
	Thresholds    Thresholds `json:"thresholds"`
	AlertID       string     `json:"alert_id"`
	Acknowledged  bool       `json:"acknowledged"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// AckState mirrors the acknowledgement bookkeeping kept alongside the active
// map. A critical alert supersedes any pending operator acknowledgement.
type AckState struct {
	AlertID      string    `json:"alert_id"`
	Acknowledged bool      `json:"acknowledged"`
	Level        Level     `json:"level"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogEntry is one append-only transition record. The trigger entry carries the
// freshly generated alert id; escalate/resolve reuse it.
type LogEntry struct {
	AlertID    string     `json:"alert_id"`
	SensorKey  string     `json:"sensor_key"`
	Level      Level      `json:"level"`
	Value      float64    `json:"value"`
	Thresholds Thresholds `json:"thresholds"`
	Timestamp  time.Time  `json:"timestamp"`
	Action     Action     `json:"action"`
}

// Metric is one evaluation input for a cycle.
type Metric struct {
	Key        string
	Value      float64
	Thresholds Thresholds
	Mode       Mode
}
