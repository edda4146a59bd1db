package scheduler

import (
	"context"
	"fmt"

	"feederd/internal/settings"
	"feederd/pkg/logx"
)

// ValidationError reports a rejected settings field. The scheduler state is
// untouched when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SettingsPatch is a partial update; nil fields keep their current value.
type SettingsPatch struct {
	SyncSensors    *int `json:"sync_sensors"`
	SyncSchedule   *int `json:"sync_schedule"`
	SyncFeedPreset *int `json:"sync_feed_preset"`
}

func (p SettingsPatch) validate() error {
	for _, f := range []struct {
		name  string
		value *int
	}{
		{"sync_sensors", p.SyncSensors},
		{"sync_schedule", p.SyncSchedule},
		{"sync_feed_preset", p.SyncFeedPreset},
	} {
		if f.value != nil && *f.value < 0 {
			return &ValidationError{Field: f.name, Reason: "must be a non-negative integer"}
		}
	}
	return nil
}

func (p SettingsPatch) apply(st *settings.SyncSettings) {
	if p.SyncSensors != nil {
		st.SyncSensors = *p.SyncSensors
	}
	if p.SyncSchedule != nil {
		st.SyncSchedule = *p.SyncSchedule
	}
	if p.SyncFeedPreset != nil {
		st.SyncFeedPreset = *p.SyncFeedPreset
	}
}

// UpdateSettings validates and merges a manual settings change, persists it
// through the settings source, and restarts the pool when running so every
// job picks up its new interval. Persist failures are logged, not fatal: the
// source has already cached the values locally.
func (s *Scheduler) UpdateSettings(ctx context.Context, patch SettingsPatch) (settings.SyncSettings, error) {
	if err := patch.validate(); err != nil {
		return settings.SyncSettings{}, err
	}

	s.mu.Lock()
	merged := s.settings
	patch.apply(&merged)
	s.settings = merged
	running := s.running
	s.mu.Unlock()

	if err := s.source.SaveSync(ctx, merged); err != nil {
		s.log.Warn("settings persist failed", logx.Err(err))
	}
	if running {
		s.restart(nil)
	}
	s.log.Info("sync settings updated",
		logx.Int("sync_sensors", merged.SyncSensors),
		logx.Int("sync_schedule", merged.SyncSchedule),
		logx.Int("sync_feed_preset", merged.SyncFeedPreset),
	)
	return merged, nil
}
