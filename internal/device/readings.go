package device

import (
	"sync"
	"time"
)

// Reading is one measurement inside a sensor's data frame.
type Reading struct {
	Type  string  `json:"type"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

// Snapshot is the latest full reading set for one sensor.
type Snapshot struct {
	Name      string    `json:"name"`
	Values    []Reading `json:"values"`
	UpdatedAt time.Time `json:"updated_at"`
}

// readingsTable keeps the latest Snapshot per sensor name. Reads return
// copies; a caller can never alias the table's slices.
type readingsTable struct {
	mu sync.RWMutex
	m  map[string]Snapshot
}

func newReadingsTable() *readingsTable {
	return &readingsTable{m: map[string]Snapshot{}}
}

func (t *readingsTable) update(name string, values []Reading, at time.Time) {
	vals := make([]Reading, len(values))
	copy(vals, values)
	t.mu.Lock()
	t.m[name] = Snapshot{Name: name, Values: vals, UpdatedAt: at}
	t.mu.Unlock()
}

func (t *readingsTable) get(name string) (Snapshot, bool) {
	t.mu.RLock()
	s, ok := t.m[name]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return copySnapshot(s), true
}

func (t *readingsTable) all() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Snapshot, len(t.m))
	for k, s := range t.m {
		out[k] = copySnapshot(s)
	}
	return out
}

// value finds a reading by sensor name and measurement type.
func (t *readingsTable) value(name, typ string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[name]
	if !ok {
		return 0, false
	}
	for _, r := range s.Values {
		if r.Type == typ {
			return r.Value, true
		}
	}
	return 0, false
}

func copySnapshot(s Snapshot) Snapshot {
	vals := make([]Reading, len(s.Values))
	copy(vals, s.Values)
	s.Values = vals
	return s
}
