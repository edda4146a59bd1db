package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"feederd/pkg/logx"
)

func TestKeysLayout(t *testing.T) {
	t.Parallel()
	k := NewKeys("feeder")
	tests := []struct {
		got  string
		want string
	}{
		{k.SettingsSync(), "feeder:settings:sync"},
		{k.SettingsAlert(), "feeder:settings:alert"},
		{k.SettingsFeeder(), "feeder:settings:feeder"},
		{k.AlertsActive(), "feeder:alerts:active"},
		{k.AlertsAck(), "feeder:alerts:ack"},
		{k.AlertsLog(), "feeder:alerts:log"},
		{k.SystemStatus(), "feeder:status:system"},
		{k.SensorsLatest(), "feeder:sensors:latest"},
		{k.FeedSchedules(), "feeder:feed:schedules"},
		{k.FeedPresets(), "feeder:feed:presets"},
		{k.FeedLog(), "feeder:feed:log"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("key = %q, want %q", tt.got, tt.want)
		}
	}

	if got := NewKeys("").SettingsSync(); got != "feeder:settings:sync" {
		t.Fatalf("empty prefix key = %q, want default prefix", got)
	}
}

func TestMemoryGetSet(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	var out map[string]int
	if err := s.GetJSON(ctx, "missing", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJSON missing = %v, want ErrNotFound", err)
	}

	in := map[string]int{"sync_sensors": 10}
	if err := s.SetJSON(ctx, "k", in); err != nil {
		t.Fatalf("SetJSON error: %v", err)
	}
	if err := s.GetJSON(ctx, "k", &out); err != nil {
		t.Fatalf("GetJSON error: %v", err)
	}
	if out["sync_sensors"] != 10 {
		t.Fatalf("out = %v", out)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := s.GetJSON(ctx, "k", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJSON after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryListSemantics(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.PushJSON(ctx, "log", i, 0); err != nil {
			t.Fatalf("PushJSON error: %v", err)
		}
	}

	decode := func(raw []json.RawMessage) []int {
		out := make([]int, 0, len(raw))
		for _, r := range raw {
			var v int
			if err := json.Unmarshal(r, &v); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			out = append(out, v)
		}
		return out
	}

	whole, err := s.ListJSON(ctx, "log", 0, -1)
	if err != nil {
		t.Fatalf("ListJSON error: %v", err)
	}
	if got := decode(whole); len(got) != 5 || got[0] != 0 || got[4] != 4 {
		t.Fatalf("whole list = %v", got)
	}

	tail, err := s.ListJSON(ctx, "log", -2, -1)
	if err != nil {
		t.Fatalf("ListJSON tail error: %v", err)
	}
	if got := decode(tail); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("tail = %v", got)
	}

	empty, err := s.ListJSON(ctx, "nope", 0, -1)
	if err != nil {
		t.Fatalf("ListJSON empty error: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty list = %v", empty)
	}
}

func TestMemoryPushTrims(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.PushJSON(ctx, "log", i, 3); err != nil {
			t.Fatalf("PushJSON error: %v", err)
		}
	}
	raw, err := s.ListJSON(ctx, "log", 0, -1)
	if err != nil {
		t.Fatalf("ListJSON error: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("len = %d, want 3", len(raw))
	}
	var first int
	if err := json.Unmarshal(raw[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first != 7 {
		t.Fatalf("first = %d, want 7 (oldest trimmed)", first)
	}
}

func TestOpenDisabledReturnsMemory(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if s == nil {
		t.Fatal("Open disabled must return a usable store")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}
