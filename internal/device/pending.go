package device

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingCommand tracks one in-flight Request. The board terminates responses
// with silence, not a marker, so completion is a settle window: every matching
// line (re)arms the timer and the entry completes when it fires.
type pendingCommand struct {
	id       string
	command  string
	family   string
	deadline time.Time

	mu     sync.Mutex
	lines  []string
	settle *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

func (p *pendingCommand) complete() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *pendingCommand) snapshotLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

type pendingTable struct {
	settleWindow time.Duration

	mu      sync.Mutex
	entries map[string]*pendingCommand
}

func newPendingTable(settleWindow time.Duration) *pendingTable {
	if settleWindow <= 0 {
		settleWindow = 250 * time.Millisecond
	}
	return &pendingTable{
		settleWindow: settleWindow,
		entries:      map[string]*pendingCommand{},
	}
}

func (t *pendingTable) add(command string, timeout time.Duration) *pendingCommand {
	p := &pendingCommand{
		id:       uuid.NewString(),
		command:  command,
		family:   commandFamily(command),
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[p.id] = p
	t.mu.Unlock()
	return p
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	p, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if ok {
		p.mu.Lock()
		if p.settle != nil {
			p.settle.Stop()
		}
		p.mu.Unlock()
	}
}

// dispatch appends text to every entry whose family matches and (re)arms its
// settle timer. Returns true when at least one entry matched.
func (t *pendingTable) dispatch(family, text string) bool {
	if family == "" {
		return false
	}
	t.mu.Lock()
	var matched []*pendingCommand
	for _, p := range t.entries {
		if p.family == family {
			matched = append(matched, p)
		}
	}
	t.mu.Unlock()

	for _, p := range matched {
		p.mu.Lock()
		p.lines = append(p.lines, text)
		if p.settle == nil {
			id := p.id
			p.settle = time.AfterFunc(t.settleWindow, func() { t.finish(id) })
		} else {
			p.settle.Reset(t.settleWindow)
		}
		p.mu.Unlock()
	}
	return len(matched) > 0
}

// finish completes an entry and drops it from the table.
func (t *pendingTable) finish(id string) {
	t.mu.Lock()
	p, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if ok {
		p.complete()
	}
}

// sweep drops entries past their deadline. The caller's own timeout timer
// unblocks the waiter; this just keeps the table from accumulating corpses.
func (t *pendingTable) sweep(now time.Time) {
	t.mu.Lock()
	var expired []*pendingCommand
	for id, p := range t.entries {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.mu.Lock()
		if p.settle != nil {
			p.settle.Stop()
		}
		p.mu.Unlock()
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
