// Package settings resolves runtime-tunable settings through a fallback chain:
// remote store, then local cache file, then built-in defaults. Successful
// remote reads refresh the cache file so a later outage serves last-known
// values instead of factory defaults.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"feederd/internal/remote"
	"feederd/pkg/logx"
)

// SyncSettings holds the tunable intervals (seconds) for the sync jobs.
// 0 disables a job.
type SyncSettings struct {
	SyncSensors    int `json:"sync_sensors"`
	SyncSchedule   int `json:"sync_schedule"`
	SyncFeedPreset int `json:"sync_feed_preset"`
}

// Threshold configures one alert rule. Mode "high" alerts when the reading
// rises above the bounds, "low" when it falls below them.
type Threshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Mode     string  `json:"mode"`
}

// FeederSettings holds remotely-tunable feeding parameters.
type FeederSettings struct {
	WeightTolerance int `json:"weight_tolerance"`
}

// DefaultThresholds returns the built-in alert rules keyed by sensor value name.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		"dht22_feeder_humidity": {Warning: 70, Critical: 85, Mode: "high"},
		"soil_moisture":         {Warning: 60, Critical: 80, Mode: "high"},
		"food_weight":           {Warning: 3.0, Critical: 2.0, Mode: "low"},
	}
}

type Source struct {
	store remote.Store
	keys  remote.Keys
	log   logx.Logger

	cachePath     string
	defaultSync   SyncSettings
	defaultFeeder FeederSettings
	defaultAlert  map[string]Threshold

	mu     sync.Mutex
	outage bool
}

func NewSource(store remote.Store, keys remote.Keys, cachePath string, defaults SyncSettings, feeder FeederSettings, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{
		store:         store,
		keys:          keys,
		log:           log,
		cachePath:     cachePath,
		defaultSync:   defaults,
		defaultFeeder: feeder,
		defaultAlert:  DefaultThresholds(),
	}
}

// cacheFile is the on-disk fallback shape.
type cacheFile struct {
	Sync   *SyncSettings        `json:"sync,omitempty"`
	Alert  map[string]Threshold `json:"alert,omitempty"`
	Feeder *FeederSettings      `json:"feeder,omitempty"`
}

// noteOutage logs the first failure of an outage; noteRecovery logs the first
// success after one. Keeps periodic jobs from spamming the log every cycle.
func (s *Source) noteOutage(err error) {
	s.mu.Lock()
	first := !s.outage
	s.outage = true
	s.mu.Unlock()
	if first {
		s.log.Warn("settings store unavailable; falling back to cache", logx.Err(err))
	}
}

func (s *Source) noteRecovery() {
	s.mu.Lock()
	recovered := s.outage
	s.outage = false
	s.mu.Unlock()
	if recovered {
		s.log.Info("settings store recovered")
	}
}

// Sync returns the live sync intervals.
func (s *Source) Sync(ctx context.Context) SyncSettings {
	var out SyncSettings
	err := s.store.GetJSON(ctx, s.keys.SettingsSync(), &out)
	switch {
	case err == nil:
		s.noteRecovery()
		s.updateCache(func(c *cacheFile) { v := out; c.Sync = &v })
		return out
	case errors.Is(err, remote.ErrNotFound):
		s.noteRecovery()
	default:
		s.noteOutage(err)
	}

	if c, ok := s.readCache(); ok && c.Sync != nil {
		return *c.Sync
	}
	return s.defaultSync
}

// SaveSync persists intervals write-through: remote first, then the cache file
// regardless, so a restart during an outage keeps the operator's values.
func (s *Source) SaveSync(ctx context.Context, v SyncSettings) error {
	err := s.store.SetJSON(ctx, s.keys.SettingsSync(), v)
	if err != nil {
		s.noteOutage(err)
	} else {
		s.noteRecovery()
	}
	s.updateCache(func(c *cacheFile) { vv := v; c.Sync = &vv })
	return err
}

// Thresholds returns the live alert rules, merged over the defaults so a
// partial remote document never silences a built-in rule.
func (s *Source) Thresholds(ctx context.Context) map[string]Threshold {
	merged := make(map[string]Threshold, len(s.defaultAlert))
	for k, v := range s.defaultAlert {
		merged[k] = v
	}

	var got map[string]Threshold
	err := s.store.GetJSON(ctx, s.keys.SettingsAlert(), &got)
	switch {
	case err == nil:
		s.noteRecovery()
		s.updateCache(func(c *cacheFile) { c.Alert = got })
		for k, v := range got {
			merged[k] = v
		}
		return merged
	case errors.Is(err, remote.ErrNotFound):
		s.noteRecovery()
	default:
		s.noteOutage(err)
	}

	if c, ok := s.readCache(); ok && len(c.Alert) > 0 {
		for k, v := range c.Alert {
			merged[k] = v
		}
	}
	return merged
}

// Feeder returns the live feeding parameters.
func (s *Source) Feeder(ctx context.Context) FeederSettings {
	var out FeederSettings
	err := s.store.GetJSON(ctx, s.keys.SettingsFeeder(), &out)
	switch {
	case err == nil:
		s.noteRecovery()
		s.updateCache(func(c *cacheFile) { v := out; c.Feeder = &v })
		if out.WeightTolerance > 0 {
			return out
		}
		return s.defaultFeeder
	case errors.Is(err, remote.ErrNotFound):
		s.noteRecovery()
	default:
		s.noteOutage(err)
	}

	if c, ok := s.readCache(); ok && c.Feeder != nil && c.Feeder.WeightTolerance > 0 {
		return *c.Feeder
	}
	return s.defaultFeeder
}

// WeightTolerance is a convenience for the feeder sequence.
func (s *Source) WeightTolerance(ctx context.Context) int {
	return s.Feeder(ctx).WeightTolerance
}

func (s *Source) readCache() (cacheFile, bool) {
	var c cacheFile
	if s.cachePath == "" {
		return c, false
	}
	b, err := os.ReadFile(s.cachePath)
	if err != nil {
		return c, false
	}
	if err := json.Unmarshal(b, &c); err != nil {
		s.log.Warn("settings cache corrupt; ignoring", logx.String("path", s.cachePath), logx.Err(err))
		return cacheFile{}, false
	}
	return c, true
}

func (s *Source) updateCache(mutate func(*cacheFile)) {
	if s.cachePath == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, _ := s.readCache()
	mutate(&c)

	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		s.log.Warn("settings cache dir create failed", logx.String("path", s.cachePath), logx.Err(err))
		return
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		s.log.Warn("settings cache write failed", logx.String("path", s.cachePath), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, s.cachePath); err != nil {
		s.log.Warn("settings cache rename failed", logx.String("path", s.cachePath), logx.Err(err))
	}
}
