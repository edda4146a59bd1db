// Package notify pushes alert and feed events to a Telegram chat. The bot is
// send-only: it never polls for updates, and the daemon runs fine without it.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"feederd/internal/eventbus"
	"feederd/internal/feeder"
	"feederd/pkg/logx"
)

// Config holds the notifier settings.
type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// MinInterval rate-limits outgoing messages (default 3s, burst 5).
	// Messages over the limit are dropped, not queued: a stale alert
	// notification is worse than a missing one.
	MinInterval time.Duration
}

const (
	defaultMinInterval = 3 * time.Second
	sendBurst          = 5

	// Bot setup needs a Telegram round-trip; failures back off this long.
	dialRetryEvery = 30 * time.Second
)

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service subscribes to the event bus and relays selected events. The bot is
// built lazily on first use so a dead network at boot never blocks startup.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	dial    func(token string) (sender, error)

	mu       sync.Mutex
	cfg      Config
	bot      sender
	lastDial time.Time
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	return &Service{
		log:     log,
		bus:     bus,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), sendBurst),
		dial:    dialTelegram,
	}
}

func dialTelegram(token string) (sender, error) {
	return tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
}

// Apply swaps the runtime settings. A changed token drops the current bot so
// the next send rebuilds it.
func (s *Service) Apply(cfg Config) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Token != s.cfg.Token {
		s.bot = nil
		s.lastDial = time.Time{}
	}
	if cfg.MinInterval != s.cfg.MinInterval {
		s.limiter.SetLimit(rate.Every(cfg.MinInterval))
	}
	s.cfg = cfg
	s.log.Info("notifier settings applied", logx.Bool("enabled", cfg.Enabled))
}

// Run consumes bus events until ctx is canceled. Meant for the supervisor.
func (s *Service) Run(ctx context.Context) error {
	events, unsubscribe := s.bus.Subscribe(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ev)
		}
	}
}

func (s *Service) handle(ev eventbus.Event) {
	text := formatEvent(ev)
	if text == "" {
		return
	}
	if !s.ready() {
		return
	}
	if !s.limiter.Allow() {
		s.log.Debug("notification dropped by rate limit", logx.String("type", ev.Type))
		return
	}
	s.send(text)
}

func (s *Service) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.cfg.Token != "" && s.cfg.ChatID != 0
}

func (s *Service) send(text string) {
	bot, chatID, err := s.ensureBot()
	if err != nil {
		s.log.Warn("telegram bot unavailable; notification dropped", logx.Err(err))
		return
	}
	if _, err := bot.Send(tele.ChatID(chatID), text); err != nil {
		s.log.Warn("telegram send failed", logx.Err(err))
		return
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", chatID))
}

func (s *Service) ensureBot() (sender, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, s.cfg.ChatID, nil
	}
	if !s.lastDial.IsZero() && time.Since(s.lastDial) < dialRetryEvery {
		return nil, 0, fmt.Errorf("bot setup cooling down since %s", s.lastDial.Format(time.TimeOnly))
	}
	s.lastDial = time.Now()
	bot, err := s.dial(s.cfg.Token)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram bot setup: %w", err)
	}
	s.bot = bot
	s.log.Info("telegram notifier connected")
	return bot, s.cfg.ChatID, nil
}

// formatEvent renders the events worth an operator's attention; everything
// else maps to "".
func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeAlertTriggered:
		sensor, level, value, ok := alertFields(ev.Data)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%s%s alert: %s at %.2f", levelPrefix(level), strings.ToUpper(level), sensor, value)
	case eventbus.TypeAlertEscalated:
		sensor, _, value, ok := alertFields(ev.Data)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🚨 ESCALATED to critical: %s at %.2f", sensor, value)
	case eventbus.TypeAlertResolved:
		sensor, _, value, ok := alertFields(ev.Data)
		if !ok {
			return ""
		}
		return fmt.Sprintf("✅ Resolved: %s back to normal at %.2f", sensor, value)
	case eventbus.TypeFeedFailed:
		res, ok := ev.Data.(feeder.Result)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🚨 Feed failed (%s, %d g): %s", res.Source, res.FeedSize, res.Error)
	default:
		return ""
	}
}

func levelPrefix(level string) string {
	if level == "critical" {
		return "🚨 "
	}
	return "⚠️ "
}

func alertFields(data any) (sensor, level string, value float64, ok bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", "", 0, false
	}
	sensor, _ = m["sensor"].(string)
	level, _ = m["level"].(string)
	value, _ = m["value"].(float64)
	return sensor, level, value, sensor != ""
}
