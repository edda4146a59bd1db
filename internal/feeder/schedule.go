package feeder

import (
	"context"
	"time"

	"feederd/pkg/logx"
)

// Schedule is one timed feeding entry. Time is wall-clock "HH:MM"; an entry
// fires at most once per calendar day.
type Schedule struct {
	ID       string `json:"id"`
	Time     string `json:"time"`
	Enabled  bool   `json:"enabled"`
	PresetID string `json:"preset_id"`
}

// Preset names a reusable feed size and blower pairing.
type Preset struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AmountGrams    int    `json:"amount_grams"`
	BlowerDuration int    `json:"blower_duration"`
}

// ReplaceSchedules swaps the schedule table for the given entries.
func (s *Service) ReplaceSchedules(list []Schedule) {
	cp := make([]Schedule, len(list))
	copy(cp, list)
	s.mu.Lock()
	s.schedules = cp
	s.mu.Unlock()
}

// ReplacePresets swaps the preset table for the given entries.
func (s *Service) ReplacePresets(list []Preset) {
	m := make(map[string]Preset, len(list))
	for _, p := range list {
		m[p.ID] = p
	}
	s.mu.Lock()
	s.presets = m
	s.mu.Unlock()
}

func (s *Service) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Schedule, len(s.schedules))
	copy(cp, s.schedules)
	return cp
}

func (s *Service) Presets() []Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p)
	}
	return out
}

func (s *Service) preset(id string) (Preset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[id]
	return p, ok
}

// RunDue executes every enabled schedule matching the current minute that has
// not already succeeded today. A failed run is not marked executed, so it
// retries while the minute lasts. Stale per-day marks are pruned first.
func (s *Service) RunDue(ctx context.Context, now time.Time) {
	hhmm := now.Format("15:04")
	today := now.Format("2006-01-02")

	s.mu.Lock()
	for id, day := range s.executed {
		if day != today {
			delete(s.executed, id)
		}
	}
	var due []Schedule
	for _, sc := range s.schedules {
		if !sc.Enabled || sc.Time != hhmm {
			continue
		}
		if s.executed[sc.ID] == today {
			continue
		}
		due = append(due, sc)
	}
	s.mu.Unlock()

	for _, sc := range due {
		p, ok := s.preset(sc.PresetID)
		if !ok {
			s.log.Error("preset not found for schedule",
				logx.String("schedule", sc.ID),
				logx.String("preset", sc.PresetID),
			)
			continue
		}
		s.log.Info("executing feed schedule",
			logx.String("schedule", sc.ID),
			logx.String("preset", p.ID),
			logx.String("at", hhmm),
		)
		if _, err := s.Feed(ctx, Request{
			FeedSize:       p.AmountGrams,
			BlowerDuration: p.BlowerDuration,
			Source:         SourceSchedule,
		}); err != nil {
			s.log.Error("scheduled feed failed", logx.String("schedule", sc.ID), logx.Err(err))
			continue
		}
		s.mu.Lock()
		s.executed[sc.ID] = today
		s.mu.Unlock()
	}
}
