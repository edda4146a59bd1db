package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"feederd/pkg/logx"
)

// fakePort is an in-memory serial port. Read times out with (0, nil) like the
// real driver, and fails once the port is closed.
type fakePort struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	writes     []string
	onWrite    func(string)
	failWrites bool
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	case chunk := <-p.incoming:
		return copy(buf, chunk), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	default:
	}
	p.mu.Lock()
	fail := p.failWrites
	hook := p.onWrite
	if !fail {
		p.writes = append(p.writes, string(b))
	}
	p.mu.Unlock()
	if fail {
		return 0, errors.New("write failed")
	}
	if hook != nil {
		hook(string(b))
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) feed(line string) {
	p.incoming <- []byte(line)
}

func (p *fakePort) wroteCommand(command string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	framed := controlPrefix + command + "\n"
	for _, w := range p.writes {
		if w == framed {
			return true
		}
	}
	return false
}

func testLink(t *testing.T, port *fakePort, cfg Config) *Link {
	t.Helper()
	return New(cfg,
		WithLogger(logx.Nop()),
		WithOpener(func(name string, baud int, readTimeout time.Duration) (Port, error) {
			return port, nil
		}),
		WithLister(func() ([]PortInfo, error) {
			return []PortInfo{{Name: "/dev/ttyUSB7", IsUSB: true, Product: "CH340 serial"}}, nil
		}),
	)
}

func TestSendFramesCommand(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if !l.Send("blower:start") {
		t.Fatal("Send should succeed while connected")
	}
	if !port.wroteCommand("blower:start") {
		t.Fatalf("writes = %v, want framed blower:start", port.writes)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()
	l := testLink(t, newFakePort(), Config{})
	if l.Send("blower:start") {
		t.Fatal("Send must return false while disconnected")
	}
}

func TestRequestFailsFastWhenDisconnected(t *testing.T) {
	t.Parallel()
	l := testLink(t, newFakePort(), Config{})

	start := time.Now()
	_, err := l.Request(context.Background(), "sensors:status", 5*time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("disconnected Request must fail fast, not wait out the timeout")
	}
}

func TestRequestTimesOutWithinBound(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	const timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := l.Request(context.Background(), "sensors:status", timeout)
	elapsed := time.Since(start)

	var te *CommandTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want CommandTimeoutError", err)
	}
	if te.Command != "sensors:status" || te.Timeout != timeout {
		t.Fatalf("timeout error = %+v", te)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Fatalf("Request took %v, want <= timeout + slack", elapsed)
	}
	if n := l.pending.size(); n != 0 {
		t.Fatalf("pending entries after timeout = %d, want 0", n)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{ResponseSettle: 40 * time.Millisecond})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		l.readSession(ctx)
	}()

	port.mu.Lock()
	port.onWrite = func(w string) {
		if strings.Contains(w, "sensors:status") {
			go func() {
				port.feed("[info]:sensors:Sensor service status: ACTIVE\n")
				port.feed("[info]:sensors:Print interval: 1000ms\n")
			}()
		}
	}
	port.mu.Unlock()

	lines, err := l.Request(ctx, "sensors:status", 2*time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2", lines)
	}
	if lines[0] != "Sensor service status: ACTIVE" || lines[1] != "Print interval: 1000ms" {
		t.Fatalf("lines = %v", lines)
	}

	st := parseSensorsStatus(lines)
	if st.Status != "ACTIVE" || !st.IsRunning || st.IntervalMS != 1000 {
		t.Fatalf("parsed status = %+v", st)
	}

	cancel()
	<-sessionDone
}

func TestRequestIgnoresOtherFamilies(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{ResponseSettle: 40 * time.Millisecond})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.readSession(ctx)

	port.mu.Lock()
	port.onWrite = func(w string) {
		if strings.Contains(w, "sensors:status") {
			go func() {
				port.feed("[info]:blower:speed set to 50\n")
				port.feed("[info]:sensors:Sensor service status: INACTIVE\n")
			}()
		}
	}
	port.mu.Unlock()

	lines, err := l.Request(ctx, "sensors:status", 2*time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "Sensor service status: INACTIVE" {
		t.Fatalf("lines = %v, want only the sensors line", lines)
	}
	if st := parseSensorsStatus(lines); st.Status != "INACTIVE" || st.IsRunning {
		t.Fatalf("parsed status = %+v", st)
	}
}

func TestReadSessionUpdatesReadings(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.readSession(ctx)

	// Split across two chunks to exercise line accumulation.
	port.feed(`[data]:{"name":"DHT22_FEEDER","value":[{"type":"temperature","unit":"C","va`)
	port.feed(`lue":22.5},{"type":"humidity","unit":"%","value":45.2}]}` + "\n")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := l.ReadingValue("DHT22_FEEDER", "humidity"); ok {
			if v != 45.2 {
				t.Fatalf("humidity = %v, want 45.2", v)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for readings update")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap, ok := l.SnapshotFor("DHT22_FEEDER")
	if !ok || len(snap.Values) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	// copy-on-read: mutating the returned slice must not leak into the table
	snap.Values[0].Value = -1
	again, _ := l.SnapshotFor("DHT22_FEEDER")
	if again.Values[0].Value == -1 {
		t.Fatal("snapshot values alias the table")
	}
}

func TestReadSessionSurvivesForcedClose(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.readSession(context.Background())
	}()

	port.feed("[data]:{\"name\":\"HX711_FEEDER\",\"value\":[{\"type\":\"weight\",\"unit\":\"kg\",\"value\":4.2}]}\n")
	_ = port.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read session did not exit after port close")
	}
	if st := l.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", st.State)
	}
}

func TestPortLossCleansUpInFlightRequest(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	l := testLink(t, port, Config{})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.readSession(context.Background())
	}()

	const timeout = 150 * time.Millisecond
	errc := make(chan error, 1)
	go func() {
		_, err := l.Request(context.Background(), "sensors:status", timeout)
		errc <- err
	}()

	// Kill the port only after the command went out, so the request is truly
	// in flight when the session dies.
	deadline := time.Now().Add(2 * time.Second)
	for !port.wroteCommand("sensors:status") {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the command write")
		}
		time.Sleep(time.Millisecond)
	}
	_ = port.Close()

	select {
	case err := <-errc:
		var te *CommandTimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("err = %v, want CommandTimeoutError", err)
		}
	case <-time.After(timeout + time.Second):
		t.Fatal("Request did not return after the port died")
	}
	if n := l.pending.size(); n != 0 {
		t.Fatalf("pending entries after deadline = %d, want 0", n)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read session did not exit after port close")
	}
	if st := l.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", st.State)
	}
}

func TestRunReconnectsAfterSessionLoss(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var opened []*fakePort

	l := New(Config{RetryAttempts: 5, RetryDelay: 10 * time.Millisecond, RetryCooldown: 50 * time.Millisecond},
		WithLogger(logx.Nop()),
		WithOpener(func(name string, baud int, readTimeout time.Duration) (Port, error) {
			p := newFakePort()
			mu.Lock()
			opened = append(opened, p)
			mu.Unlock()
			return p, nil
		}),
		WithLister(func() ([]PortInfo, error) {
			return []PortInfo{{Name: "/dev/ttyACM0", IsUSB: true, Product: "Arduino Uno"}}, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = l.Run(ctx)
	}()

	waitOpened := func(n int) *fakePort {
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			cnt := len(opened)
			var p *fakePort
			if cnt >= n {
				p = opened[n-1]
			}
			mu.Unlock()
			if p != nil {
				return p
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for connection #%d", n)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	first := waitOpened(1)
	_ = first.Close()

	second := waitOpened(2)
	if second == first {
		t.Fatal("expected a fresh port on reconnect")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestWriteFailureDisconnects(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	port.failWrites = true
	l := testLink(t, port, Config{})
	if err := l.Connect("/dev/ttyUSB7"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if l.Send("relay:led:on") {
		t.Fatal("Send must fail when the write fails")
	}
	if st := l.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %v, want disconnected after write failure", st.State)
	}
}

func TestDiscoverPrefersConfiguredPort(t *testing.T) {
	t.Parallel()
	l := New(Config{Port: "/dev/ttyS9"},
		WithLogger(logx.Nop()),
		WithLister(func() ([]PortInfo, error) {
			t.Fatal("lister must not run when a port is configured")
			return nil, nil
		}),
	)
	port, ok := l.Discover()
	if !ok || port != "/dev/ttyS9" {
		t.Fatalf("Discover = (%q, %v)", port, ok)
	}
}

func TestConnectErrorWrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("no such device")
	l := New(Config{},
		WithLogger(logx.Nop()),
		WithOpener(func(name string, baud int, readTimeout time.Duration) (Port, error) {
			return nil, cause
		}),
	)
	err := l.Connect("/dev/ttyUSB0")
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConnectError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("ConnectError must wrap the driver error")
	}
	if st := l.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %v, want disconnected after failed connect", st.State)
	}
}
