// Package device maintains the serial link to the feeder's controller board:
// port discovery, a supervised connect/read/reconnect loop, a latest-readings
// table fed by data frames, and command send/await-response plumbing.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feederd/internal/eventbus"
	"feederd/pkg/logx"
)

// State is the link lifecycle: Disconnected -> Connecting -> Connected and
// back to Disconnected on any failure.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Status is a point-in-time snapshot of the link.
type Status struct {
	State       State     `json:"state"`
	Port        string    `json:"port"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Config configures the link. Zero values fall back to the documented
// defaults.
type Config struct {
	Port           string // pin a port; empty enables discovery
	BaudRate       int
	ReadTimeout    time.Duration
	ResponseSettle time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	RetryCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = 9600
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.ResponseSettle <= 0 {
		c.ResponseSettle = 250 * time.Millisecond
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = 30 * time.Second
	}
	return c
}

// maxLineBytes guards against a wedged board streaming garbage with no
// newline.
const maxLineBytes = 4096

type Link struct {
	cfg  Config
	open Opener
	list Lister
	log  logx.Logger
	bus  eventbus.Bus

	readings *readingsTable
	pending  *pendingTable

	// unrecLimiter throttles unrecognized-line warnings (boot noise, line
	// garbage after replug).
	unrecLimiter *rate.Limiter

	mu          sync.Mutex
	state       State
	port        Port
	portName    string
	connectedAt time.Time
}

type Option func(*Link)

func WithLogger(l logx.Logger) Option { return func(lk *Link) { lk.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(lk *Link) { lk.bus = b } }
func WithOpener(fn Opener) Option     { return func(lk *Link) { lk.open = fn } }
func WithLister(fn Lister) Option     { return func(lk *Link) { lk.list = fn } }

func New(cfg Config, opts ...Option) *Link {
	l := &Link{
		cfg:          cfg.withDefaults(),
		open:         openSerialPort,
		list:         listSerialPorts,
		log:          logx.Nop(),
		unrecLimiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.readings = newReadingsTable()
	l.pending = newPendingTable(l.cfg.ResponseSettle)
	return l
}

// Discover returns the port to connect to. A configured port short-circuits
// enumeration.
func (l *Link) Discover() (string, bool) {
	if p := strings.TrimSpace(l.cfg.Port); p != "" {
		return p, true
	}
	ports, err := l.list()
	if err != nil {
		l.log.Warn("serial port enumeration failed", logx.Err(err))
		return "", false
	}
	name, ok := pickPort(ports)
	if !ok {
		l.log.Debug("no controller board found", logx.Int("ports_seen", len(ports)))
	}
	return name, ok
}

// Connect opens the port and transitions to Connected. No internal retry; the
// maintain loop owns the retry policy.
func (l *Link) Connect(portName string) error {
	l.mu.Lock()
	l.state = StateConnecting
	l.mu.Unlock()

	p, err := l.open(portName, l.cfg.BaudRate, l.cfg.ReadTimeout)
	if err != nil {
		l.mu.Lock()
		l.state = StateDisconnected
		l.mu.Unlock()
		return &ConnectError{Port: portName, Err: err}
	}

	now := time.Now()
	l.mu.Lock()
	l.port = p
	l.portName = portName
	l.connectedAt = now
	l.state = StateConnected
	l.mu.Unlock()

	l.log.Info("device connected",
		logx.String("port", portName),
		logx.Int("baud", l.cfg.BaudRate),
	)
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDeviceConnected,
			Data: map[string]any{"port": portName},
		})
	}
	return nil
}

// Disconnect closes the port (idempotent) and transitions to Disconnected.
func (l *Link) Disconnect() {
	l.mu.Lock()
	p := l.port
	portName := l.portName
	wasConnected := l.state == StateConnected
	l.port = nil
	l.state = StateDisconnected
	l.connectedAt = time.Time{}
	l.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
	if wasConnected {
		l.log.Warn("device disconnected", logx.String("port", portName))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{
				Type: eventbus.TypeDeviceDisconnected,
				Data: map[string]any{"port": portName},
			})
		}
	}
}

func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, Port: l.portName, ConnectedAt: l.connectedAt}
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateConnected
}

func (l *Link) currentPort() Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected {
		return nil
	}
	return l.port
}

// Send frames text as "[control]:<text>\n" and writes it. Returns false when
// not connected (logged, not an error: periodic jobs tolerate a dead link).
// A write failure closes the port so the read loop drives recovery.
func (l *Link) Send(text string) bool {
	port := l.currentPort()
	if port == nil {
		l.log.Warn("command dropped; device not connected", logx.String("command", text))
		return false
	}
	if _, err := port.Write([]byte(controlPrefix + text + "\n")); err != nil {
		l.log.Warn("serial write failed", logx.String("command", text), logx.Err(err))
		l.Disconnect()
		return false
	}
	l.log.Debug("command sent", logx.String("command", text))
	return true
}

// Request sends text and waits for its response to settle, the timeout, or
// ctx. Responses match by command family (text before the first ':').
func (l *Link) Request(ctx context.Context, text string, timeout time.Duration) ([]string, error) {
	if !l.Connected() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	entry := l.pending.add(text, timeout)
	if !l.Send(text) {
		l.pending.remove(entry.id)
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		return entry.snapshotLines(), nil
	case <-timer.C:
		// The settle timer may have fired a hair before ours.
		select {
		case <-entry.done:
			return entry.snapshotLines(), nil
		default:
		}
		l.pending.remove(entry.id)
		return nil, &CommandTimeoutError{Command: text, Timeout: timeout, Partial: entry.snapshotLines()}
	case <-ctx.Done():
		l.pending.remove(entry.id)
		return nil, ctx.Err()
	}
}

// Run is the maintain loop: discover, connect, pump the read session, and on
// any failure retry with the bounded policy (RetryAttempts spaced RetryDelay
// apart, then one RetryCooldown idle, counter reset, forever). Meant to run
// under the supervisor.
func (l *Link) Run(ctx context.Context) error {
	attempts := 0
	lastPort := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		portName, found := l.Discover()
		if found {
			if lastPort != "" && portName != lastPort {
				l.log.Info("controller board moved",
					logx.String("old_port", lastPort),
					logx.String("new_port", portName),
				)
			}
			lastPort = portName

			if err := l.Connect(portName); err != nil {
				l.log.Warn("device connect failed", logx.Err(err))
			} else {
				attempts = 0
				l.readSession(ctx)
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		attempts++
		wait := l.cfg.RetryDelay
		if attempts >= l.cfg.RetryAttempts {
			l.log.Warn("device reconnect attempts exhausted; cooling down",
				logx.Int("attempts", attempts),
				logx.Duration("cooldown", l.cfg.RetryCooldown),
			)
			wait = l.cfg.RetryCooldown
			attempts = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// readSession pumps the port until a read error or cancellation, then
// disconnects. A timed-out Read returns (0, nil) and only runs housekeeping.
func (l *Link) readSession(ctx context.Context) {
	defer l.Disconnect()

	buf := make([]byte, 256)
	var acc []byte
	for {
		if ctx.Err() != nil {
			return
		}
		port := l.currentPort()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			l.log.Warn("serial read failed", logx.Err(err))
			return
		}
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				i := bytes.IndexByte(acc, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(acc[:i]))
				acc = acc[i+1:]
				if line != "" {
					l.handleLine(line)
				}
			}
			if len(acc) > maxLineBytes {
				l.log.Warn("serial line overran buffer; dropping", logx.Int("bytes", len(acc)))
				acc = acc[:0]
			}
		}

		l.pending.sweep(time.Now())
	}
}

func (l *Link) handleLine(line string) {
	switch f := parseFrame(line).(type) {
	case DataFrame:
		l.readings.update(f.Name, f.Values, time.Now())
	case InfoLine:
		if !l.pending.dispatch(f.Family, f.Text) {
			l.log.Debug("device info",
				logx.String("family", f.Family),
				logx.String("text", f.Text),
			)
		}
	case Unrecognized:
		if l.unrecLimiter.Allow() {
			l.log.Warn("unrecognized serial line", logx.String("raw", f.Raw))
		}
	}
}

// Readings returns a copy of the latest snapshot per sensor.
func (l *Link) Readings() map[string]Snapshot { return l.readings.all() }

// SnapshotFor returns the latest snapshot for one sensor.
func (l *Link) SnapshotFor(name string) (Snapshot, bool) { return l.readings.get(name) }

// ReadingValue returns one measurement by sensor name and type.
func (l *Link) ReadingValue(name, typ string) (float64, bool) { return l.readings.value(name, typ) }
