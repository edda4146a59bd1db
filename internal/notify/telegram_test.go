package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"feederd/internal/eventbus"
	"feederd/internal/feeder"
	"feederd/pkg/logx"
)

type senderStub struct {
	mu   sync.Mutex
	sent []string
}

func (s *senderStub) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, _ := what.(string)
	s.sent = append(s.sent, text)
	return &tele.Message{ID: len(s.sent)}, nil
}

func (s *senderStub) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func newTestService(cfg Config) (*Service, *senderStub) {
	stub := &senderStub{}
	svc := New(cfg, eventbus.New(), logx.Nop())
	svc.dial = func(string) (sender, error) { return stub, nil }
	return svc, stub
}

func triggerEvent(level string, value float64) eventbus.Event {
	return eventbus.Event{
		Type: eventbus.TypeAlertTriggered,
		Data: map[string]any{"alert_id": "a1", "sensor": "soil_moisture", "level": level, "value": value},
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAlertAndFeedEventsAreSent(t *testing.T) {
	t.Parallel()

	svc, stub := newTestService(Config{Enabled: true, Token: "t", ChatID: 42})

	svc.handle(triggerEvent("critical", 85.5))
	svc.handle(eventbus.Event{
		Type: eventbus.TypeFeedFailed,
		Data: feeder.Result{Source: feeder.SourceManual, FeedSize: 100, Error: "not connected"},
	})
	svc.handle(eventbus.Event{Type: eventbus.TypeFeedCompleted, Data: feeder.Result{Success: true}})

	got := stub.messages()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(got), got)
	}
	if !strings.Contains(got[0], "CRITICAL") || !strings.Contains(got[0], "soil_moisture") {
		t.Fatalf("unexpected alert text %q", got[0])
	}
	if !strings.Contains(got[1], "Feed failed") || !strings.Contains(got[1], "not connected") {
		t.Fatalf("unexpected feed text %q", got[1])
	}
}

func TestDisabledServiceSendsNothing(t *testing.T) {
	t.Parallel()

	svc, stub := newTestService(Config{Enabled: false, Token: "t", ChatID: 42})
	svc.handle(triggerEvent("warning", 70))

	if got := stub.messages(); len(got) != 0 {
		t.Fatalf("disabled notifier sent %v", got)
	}
}

func TestRateLimitDropsBurstOverflow(t *testing.T) {
	t.Parallel()

	svc, stub := newTestService(Config{Enabled: true, Token: "t", ChatID: 42, MinInterval: time.Hour})
	for i := 0; i < sendBurst+3; i++ {
		svc.handle(triggerEvent("warning", float64(i)))
	}

	if got := stub.messages(); len(got) != sendBurst {
		t.Fatalf("sent %d messages, want burst of %d", len(got), sendBurst)
	}
}

func TestDialFailureCoolsDownAndRecoversOnNewToken(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(Config{Enabled: true, Token: "bad", ChatID: 42})
	var dials int
	svc.dial = func(string) (sender, error) {
		dials++
		return nil, errors.New("unauthorized")
	}

	svc.handle(triggerEvent("warning", 1))
	svc.handle(triggerEvent("warning", 2))
	if dials != 1 {
		t.Fatalf("dials = %d, want 1 (second send within cooldown)", dials)
	}

	// A token change resets the cooldown.
	svc.Apply(Config{Enabled: true, Token: "fresh", ChatID: 42})
	svc.handle(triggerEvent("warning", 3))
	if dials != 2 {
		t.Fatalf("dials = %d, want 2 after token change", dials)
	}
}

func TestRunDeliversBusEvents(t *testing.T) {
	t.Parallel()

	svc, stub := newTestService(Config{Enabled: true, Token: "t", ChatID: 42, MinInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()

	// Publish until the subscriber is attached and a send lands.
	waitFor(t, 2*time.Second, "bus event delivery", func() bool {
		svc.bus.Publish(triggerEvent("critical", 90))
		return len(stub.messages()) > 0
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
