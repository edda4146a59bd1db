// Package api exposes the daemon over HTTP: sensor readings, scheduler and
// feed control, alert state, local history, and a typed pass-through to the
// board command set.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"feederd/internal/alerts"
	"feederd/internal/device"
	"feederd/internal/feeder"
	"feederd/internal/history"
	"feederd/internal/scheduler"
	"feederd/internal/settings"
	"feederd/pkg/logx"
)

// Config holds the HTTP server settings. Zero values fall back to the
// documented defaults.
type Config struct {
	Addr         string // default ":8080"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// DeviceReader is the read-only slice of the serial link the API serves.
type DeviceReader interface {
	Status() device.Status
	Readings() map[string]device.Snapshot
	SnapshotFor(name string) (device.Snapshot, bool)
}

// BoardController is the typed command surface behind the control routes.
type BoardController interface {
	ControlBlower(action string, value int) error
	ControlActuator(action string) error
	ControlAuger(action string, value int) error
	ControlRelay(target, action string) error
	SensorsStart() error
	SensorsStop() error
	SensorsInterval(ms int) error
	SensorsStatus(ctx context.Context) (device.SensorsStatus, error)
}

// Scheduler is the job-pool surface the API reads and patches. Start/stop go
// through Deps closures so jobs bind to the daemon context, never a request's.
type Scheduler interface {
	Snapshot() scheduler.Status
	UpdateSettings(ctx context.Context, p scheduler.SettingsPatch) (settings.SyncSettings, error)
}

// Feeder runs and reports the feeding sequence.
type Feeder interface {
	Feed(ctx context.Context, req feeder.Request) (feeder.Result, error)
	StopAll() error
	Snapshot() feeder.Status
}

// AlertReader serves the active-alert map and the transition log.
type AlertReader interface {
	ActiveAlerts(ctx context.Context) (map[string]alerts.Record, error)
	RecentLog(ctx context.Context, n int64) ([]alerts.LogEntry, error)
}

// HistoryReader serves the local history tables. A disabled store answers
// history.ErrDisabled, which maps to 404.
type HistoryReader interface {
	RecentSensors(ctx context.Context, sensor string, limit int) ([]history.SensorRow, error)
	RecentFeeds(ctx context.Context, limit int) ([]history.FeedRow, error)
	RecentAlerts(ctx context.Context, limit int) ([]history.AlertRow, error)
}

// Pinger reports shared-store reachability for the health summary.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handlers to the rest of the daemon. RunAsync hands a named
// task to the daemon's supervisor; the server never spawns bare goroutines.
type Deps struct {
	Device    DeviceReader
	Control   BoardController
	Scheduler Scheduler
	Feeder    Feeder
	Alerts    AlertReader
	History   HistoryReader
	Remote    Pinger

	StartScheduler func()
	StopScheduler  func()
	RunAsync       func(name string, fn func(ctx context.Context))

	StartedAt time.Time
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(log), recovery(log))

	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log, engine: engine}
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.health)

	api := s.engine.Group("/api")
	{
		api.GET("/sensors", s.sensors)
		api.GET("/sensors/:name", s.sensorByName)

		api.GET("/scheduler/status", s.schedulerStatus)
		api.POST("/scheduler/start", s.schedulerStart)
		api.POST("/scheduler/stop", s.schedulerStop)
		api.POST("/scheduler/settings", s.schedulerSettings)

		api.POST("/feed", s.feedStart)
		api.GET("/feed/status", s.feedStatus)
		api.POST("/feed/stop", s.feedStop)

		api.GET("/alerts/active", s.alertsActive)
		api.GET("/alerts/log", s.alertsLog)

		api.GET("/history/sensors", s.historySensors)
		api.GET("/history/feeds", s.historyFeeds)
		api.GET("/history/alerts", s.historyAlerts)

		api.POST("/control/:device/:action", s.control)
	}
}

// Run serves until ctx is canceled, then shuts down gracefully. A serve
// failure is returned so the supervisor can restart the server.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			s.log.Warn("api shutdown incomplete", logx.Err(err))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	}
}
