// Package monitor relays operator control flags from the shared store to the
// controller board and runs the temperature-driven fan automation.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"feederd/internal/remote"
	"feederd/pkg/logx"
)

// SystemStatus is the operator control document in the shared store. The UI
// writes the flags; the daemon relays changes to the board. Unknown fields in
// the document belong to the UI and must survive the fan flag write-back.
type SystemStatus struct {
	IsFanOn                bool    `json:"is_fan_on"`
	LEDStatus              bool    `json:"led_status"`
	IsAutoTempControl      bool    `json:"is_auto_temp_control"`
	FanActivationThreshold float64 `json:"fan_activation_threshold,omitempty"`
}

// RelaySwitch drives the relay channels on the board.
type RelaySwitch interface {
	RelayFan(on bool) error
	RelayLED(on bool) error
}

// ReadingSource yields the latest value for a sensor reading, if any.
type ReadingSource interface {
	ReadingValue(name, typ string) (float64, bool)
}

const (
	tempSensor = "DHT22_SYSTEM"
	tempValue  = "temperature"

	// Fallback activation threshold (°C) when the document carries none.
	defaultFanThreshold = 30
)

// Service tracks the last relayed flag states so every change is sent to the
// board exactly once. Cycle runs from a single scheduler worker; the service
// is not safe for concurrent use.
type Service struct {
	store remote.Store
	keys  remote.Keys
	relay RelaySwitch
	reads ReadingSource
	log   logx.Logger

	fanOn bool
	ledOn bool

	missingLogged bool
}

func New(store remote.Store, keys remote.Keys, relay RelaySwitch, reads ReadingSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, keys: keys, relay: relay, reads: reads, log: log}
}

// Cycle performs one monitor pass: relay remote flag changes to the board,
// then apply temperature-driven fan control when it is enabled. A missing
// status document idles the monitor; store errors are returned to the caller.
func (s *Service) Cycle(ctx context.Context) error {
	var raw json.RawMessage
	err := s.store.GetJSON(ctx, s.keys.SystemStatus(), &raw)
	if errors.Is(err, remote.ErrNotFound) {
		if !s.missingLogged {
			s.log.Warn("system status document missing; monitor idle",
				logx.String("key", s.keys.SystemStatus()))
			s.missingLogged = true
		}
		return nil
	}
	if err != nil {
		return err
	}
	s.missingLogged = false

	var st SystemStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode system status: %w", err)
	}

	if st.IsFanOn != s.fanOn {
		s.log.Info("fan flag changed", logx.Bool("on", st.IsFanOn))
		s.switchFan(st.IsFanOn)
	}
	if st.LEDStatus != s.ledOn {
		s.log.Info("led flag changed", logx.Bool("on", st.LEDStatus))
		s.switchLED(st.LEDStatus)
	}
	if st.IsAutoTempControl {
		s.autoTemp(ctx, st, raw)
	}
	return nil
}

// switchFan remembers the state even when the send fails: the flag reflects
// the operator's intent, and resending on every cycle would flood a link
// that is reconnecting anyway.
func (s *Service) switchFan(on bool) {
	s.fanOn = on
	if err := s.relay.RelayFan(on); err != nil {
		s.log.Warn("fan relay command not sent", logx.Bool("on", on), logx.Err(err))
	}
}

func (s *Service) switchLED(on bool) {
	s.ledOn = on
	if err := s.relay.RelayLED(on); err != nil {
		s.log.Warn("led relay command not sent", logx.Bool("on", on), logx.Err(err))
	}
}

func (s *Service) autoTemp(ctx context.Context, st SystemStatus, raw json.RawMessage) {
	threshold := st.FanActivationThreshold
	if threshold <= 0 {
		threshold = defaultFanThreshold
	}
	temp, ok := s.reads.ReadingValue(tempSensor, tempValue)
	if !ok {
		s.log.Debug("auto temp control: no system temperature reading yet")
		return
	}
	want := temp >= threshold
	if want == s.fanOn {
		return
	}
	s.log.Info("auto temp control switching fan",
		logx.Float64("temperature", temp),
		logx.Float64("threshold", threshold),
		logx.Bool("on", want))
	s.writeFanFlag(ctx, raw, want)
	s.switchFan(want)
}

// writeFanFlag updates is_fan_on in the stored document while preserving
// every other field. The UI owns the document; only the fan flag is ours.
func (s *Service) writeFanFlag(ctx context.Context, raw json.RawMessage, on bool) {
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			doc = map[string]any{}
		}
	}
	doc["is_fan_on"] = on
	if err := s.store.SetJSON(ctx, s.keys.SystemStatus(), doc); err != nil {
		s.log.Warn("fan flag write-back failed", logx.Err(err))
	}
}
