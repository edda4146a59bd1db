// Package eventbus carries in-process signals between daemon components:
// device connects, alert transitions, feed outcomes, settings changes. It is
// deliberately tiny: synchronous fan-out, no history, no goroutines of its
// own.
package eventbus

import (
	"sync"
	"time"
)

// Event types published across the daemon. Payload shapes are owned by the
// publishing package; subscribers that need the payload type-assert Data.
const (
	TypeDeviceConnected    = "device.connected"
	TypeDeviceDisconnected = "device.disconnected"
	TypeAlertTriggered     = "alert.triggered"
	TypeAlertEscalated     = "alert.escalated"
	TypeAlertResolved      = "alert.resolved"
	TypeFeedStarted        = "feed.started"
	TypeFeedCompleted      = "feed.completed"
	TypeFeedFailed         = "feed.failed"
	TypeSettingsChanged    = "scheduler.settings_changed"
)

// Event is one bus signal. Data should stay small and JSON-serializable.
//
// Delivery contract: Publish never blocks, subscriber channels are always
// buffered, and a subscriber that falls behind loses events rather than
// stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fan-out bus the daemon runs on.
func New() Bus {
	return &fanout{subs: make(map[uint64]chan Event)}
}

type fanout struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, ch := range f.snapshot() {
		offer(ch, e)
	}
}

// snapshot copies the subscriber set so sends happen without the lock held.
func (f *fanout) snapshot() []chan Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		out = append(out, ch)
	}
	return out
}

// offer is one non-blocking send. A concurrent unsubscribe can close the
// channel between snapshot and send; the recover absorbs that race.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
