// Package app wires the daemon together: config, logging, the shared store,
// the serial link, the scheduler with its job table, and the optional HTTP,
// notify, and pprof surfaces. It owns startup order and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feederd/internal/alerts"
	"feederd/internal/api"
	"feederd/internal/config"
	"feederd/internal/device"
	"feederd/internal/eventbus"
	"feederd/internal/feeder"
	"feederd/internal/history"
	"feederd/internal/monitor"
	"feederd/internal/notify"
	"feederd/internal/observability/pprof"
	"feederd/internal/remote"
	"feederd/internal/runtime/supervisor"
	"feederd/internal/scheduler"
	"feederd/internal/settings"
	"feederd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  remote.Store
	keys   remote.Keys
	source *settings.Source
	hist   *history.Store

	link *device.Link
	ctrl *device.Controller
	eval *alerts.Evaluator
	feed *feeder.Service
	mon  *monitor.Service

	sched *scheduler.Scheduler
	api   *api.Server
	notif *notify.Service
	prof  *pprof.Service

	apiEnabled   bool
	schedEnabled bool
	startedAt    time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Shared store. An unreachable store degrades to the in-process one
	// instead of failing startup: feeding must not depend on the network,
	// and the settings source falls back to its local cache anyway.
	rcfg, err := mapRemoteConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := remote.Open(rcfg, log.With(logx.String("comp", "remote")))
	if err != nil {
		log.Warn("remote store unreachable; continuing on in-process store", logx.Err(err))
		store = remote.NewMemory()
	}
	keys := remote.NewKeys(cfg.Remote.KeyPrefix)

	source := settings.NewSource(store, keys, settingsCachePath(cfg),
		defaultSyncSettings(cfg), defaultFeederSettings(cfg),
		log.With(logx.String("comp", "settings")))

	// History (optional). Unlike the remote store this is local disk; a
	// broken path is a deployment bug worth failing on.
	hcfg, err := mapHistoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(hcfg, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}
	if hist != nil {
		log.Info("history enabled", logx.String("path", hcfg.Path))
	}

	dcfg, err := mapDeviceConfig(cfg)
	if err != nil {
		return nil, err
	}
	link := device.New(dcfg,
		device.WithLogger(log.With(logx.String("comp", "device"))),
		device.WithBus(bus),
	)
	ctrl := device.NewController(link)

	evalOpts := []alerts.Option{
		alerts.WithBus(bus),
		alerts.WithLogger(log.With(logx.String("comp", "alerts"))),
	}
	if hist != nil {
		evalOpts = append(evalOpts, alerts.WithSink(hist))
	}
	eval := alerts.NewEvaluator(store, keys, evalOpts...)

	feedOpts := []feeder.Option{
		feeder.WithLogger(log.With(logx.String("comp", "feeder"))),
		feeder.WithBus(bus),
		feeder.WithReadings(link),
	}
	if hist != nil {
		feedOpts = append(feedOpts, feeder.WithHistory(hist))
	}
	feed := feeder.New(mapFeederConfig(cfg), ctrl, source, feedOpts...)

	mon := monitor.New(store, keys, ctrl, link, log.With(logx.String("comp", "monitor")))

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scfg, source,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
	)

	// The notifier run loop is always on; the Enabled flag only gates
	// sending, so a hot-reload can switch it on without a restart.
	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, bus, log.With(logx.String("comp", "notify")))

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	prof := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		keys:         keys,
		source:       source,
		hist:         hist,
		link:         link,
		ctrl:         ctrl,
		eval:         eval,
		feed:         feed,
		mon:          mon,
		sched:        sched,
		notif:        notif,
		prof:         prof,
		apiEnabled:   cfg.API.Enabled,
		schedEnabled: cfg.Scheduler.Enabled,
	}

	if err := a.registerJobs(); err != nil {
		return nil, err
	}

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = api.New(acfg, api.Deps{
		Device:    link,
		Control:   ctrl,
		Scheduler: sched,
		Feeder:    feed,
		Alerts:    eval,
		History:   hist,
		Remote:    store,

		StartScheduler: a.startScheduler,
		StopScheduler:  sched.Stop,
		RunAsync:       a.runAsync,

		StartedAt: time.Now(),
	}, log.With(logx.String("comp", "api")))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// startScheduler binds scheduler workers to the daemon run context, never to
// a caller's (an HTTP request context would kill the workers on response).
func (a *App) startScheduler() {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	a.sched.Start(ctx)
}

// runAsync hands a named task to the supervisor so API-triggered work (a
// manual feed) survives its request and shows up in goroutine accounting.
func (a *App) runAsync(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		go fn(context.Background())
		return
	}
	a.sup.Go0(name, fn)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// Serial link maintenance: discovery, connect, read loop, reconnect
	// policy. Run only returns on cancel; the restart wrapper covers bugs.
	a.sup.GoRestart("device.maintain", a.link.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go0("device.onconnect", a.watchDeviceEvents)

	if a.schedEnabled {
		a.sched.Start(a.sup.Context())
	}

	if a.apiEnabled {
		a.sup.GoRestart("api.serve", a.api.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.sup.Go("notify.run", a.notif.Run)

	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the running subsystems. Logging,
// notify, pprof, and the scheduler enabled flag apply live; constructor-bound
// sections get a restart-required warning instead of a half-applied change.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if ncfg, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if pcfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.prof.Reconfigure(ctx, pcfg)
	}

	prevSched := a.schedEnabled
	a.schedEnabled = newCfg.Scheduler.Enabled
	if prevSched && !a.schedEnabled {
		a.log.Info("scheduler disabled via config")
		a.sched.Stop()
	} else if !prevSched && a.schedEnabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	for _, s := range sections {
		switch s {
		case "device", "remote", "settings", "history", "api", "feeder":
			a.log.Warn("section changed; restart required to take effect", logx.String("section", s))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first: no new job runs once shutdown begins.
	step("scheduler", 6*time.Second, func(context.Context) error { a.sched.Stop(); return nil })

	// A feed in flight holds hardware in a moving state; stop it cleanly.
	step("feeder", 2*time.Second, func(context.Context) error {
		if a.feed.Snapshot().IsRunning {
			return a.feed.StopAll()
		}
		return nil
	})

	step("pprof", time.Second, func(c context.Context) error {
		a.prof.Stop(c)
		return nil
	})

	step("history", time.Second, func(context.Context) error { return a.hist.Close() })
	step("remote", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (link, API, notify, config watch/reload).
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
