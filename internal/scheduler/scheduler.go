// Package scheduler runs the daemon's named periodic jobs, one goroutine per
// job, with intervals hot-reloadable from the settings source. A dedicated
// watch worker polls for remote interval changes and restarts the others.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feederd/internal/eventbus"
	"feederd/internal/settings"
	"feederd/pkg/logx"
)

// watchJobName is the reserved worker that re-reads settings and restarts the
// job pool on change.
const watchJobName = "settings_watch"

type Config struct {
	WatchInterval time.Duration
	StopTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WatchInterval <= 0 {
		c.WatchInterval = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// SettingsSource is the slice of settings.Source the scheduler needs.
type SettingsSource interface {
	Sync(ctx context.Context) settings.SyncSettings
	SaveSync(ctx context.Context, v settings.SyncSettings) error
}

type JobFunc func(ctx context.Context) error

type jobKind int

const (
	jobInterval jobKind = iota
	jobTunable
	jobCron
)

type jobSpec struct {
	name string
	kind jobKind

	// every serves jobInterval, pick (whole seconds) serves jobTunable,
	// spec/sched serve jobCron.
	every time.Duration
	pick  func(settings.SyncSettings) int
	spec  string
	sched cron.Schedule

	fn JobFunc
}

// interval resolves the effective wait for non-cron jobs. ok=false means the
// job is disabled for this run.
func (j *jobSpec) interval(st settings.SyncSettings) (time.Duration, bool) {
	if j.kind == jobTunable {
		secs := j.pick(st)
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if j.every <= 0 {
		return 0, false
	}
	return j.every, true
}

type worker struct {
	name string
	stop chan struct{}
	done chan struct{}
}

func newWorker(name string) *worker {
	return &worker{name: name, stop: make(chan struct{}), done: make(chan struct{})}
}

type Scheduler struct {
	cfg    Config
	source SettingsSource
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	mu       sync.Mutex
	jobs     []*jobSpec
	workers  map[string]*worker
	settings settings.SyncSettings
	running  bool
	runCtx   context.Context
}

type Option func(*Scheduler)

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(s *Scheduler) { s.bus = b } }

func New(cfg Config, source SettingsSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		source: source,
		log:    logx.Nop(),
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		workers: map[string]*worker{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a fixed-interval job. every <= 0 keeps it registered but
// disabled.
func (s *Scheduler) Add(name string, every time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobSpec{name: name, kind: jobInterval, every: every, fn: fn})
}

// AddTunable registers a job whose interval comes from the sync settings.
// pick returns whole seconds; 0 disables the job until the next restart.
func (s *Scheduler) AddTunable(name string, pick func(settings.SyncSettings) int, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobSpec{name: name, kind: jobTunable, pick: pick, fn: fn})
}

// AddCron registers a job aligned to a cron spec (5- or 6-field).
func (s *Scheduler) AddCron(name, spec string, fn JobFunc) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobSpec{name: name, kind: jobCron, spec: spec, sched: sched, fn: fn})
	return nil
}

// Start loads settings and launches one worker per enabled job plus the
// settings watcher. Starting a running scheduler is a logged no-op.
func (s *Scheduler) Start(ctx context.Context) {
	st := s.source.Sync(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("scheduler already running")
		return
	}
	s.settings = st
	s.runCtx = ctx
	s.running = true
	s.startWorkersLocked()
	s.log.Info("scheduler started",
		logx.Int("workers", len(s.workers)),
		logx.Int("sync_sensors", st.SyncSensors),
		logx.Int("sync_schedule", st.SyncSchedule),
		logx.Int("sync_feed_preset", st.SyncFeedPreset),
	)
}

// Stop signals every worker and joins them, bounded by StopTimeout. Must not
// be called from a job body; a job that needs a restart goes through the
// settings watcher instead.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopping := s.stopWorkersLocked(nil)
	s.mu.Unlock()

	start := time.Now()
	s.join(stopping)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// startWorkersLocked spawns workers for every enabled job whose name is not
// already live, then ensures the watch worker exists. Callers hold s.mu.
func (s *Scheduler) startWorkersLocked() {
	for _, j := range s.jobs {
		if _, live := s.workers[j.name]; live {
			s.log.Warn("job already has a live worker", logx.String("job", j.name))
			continue
		}
		if j.kind == jobCron {
			w := newWorker(j.name)
			s.workers[j.name] = w
			go s.runCron(s.runCtx, w, j)
			continue
		}
		every, ok := j.interval(s.settings)
		if !ok {
			s.log.Info("job disabled", logx.String("job", j.name))
			continue
		}
		w := newWorker(j.name)
		s.workers[j.name] = w
		go s.runInterval(s.runCtx, w, j, every)
	}
	// Present during a watcher-initiated restart; only spawn when missing.
	if _, live := s.workers[watchJobName]; !live {
		w := newWorker(watchJobName)
		s.workers[watchJobName] = w
		go s.runWatch(s.runCtx, w)
	}
}

// stopWorkersLocked removes every worker except the given one from the table
// and signals it. The caller joins outside the lock.
func (s *Scheduler) stopWorkersLocked(except *worker) []*worker {
	stopping := make([]*worker, 0, len(s.workers))
	for name, w := range s.workers {
		if w == except {
			continue
		}
		delete(s.workers, name)
		close(w.stop)
		stopping = append(stopping, w)
	}
	return stopping
}

func (s *Scheduler) join(stopping []*worker) {
	tmr := time.NewTimer(s.cfg.StopTimeout)
	defer tmr.Stop()
	for i, w := range stopping {
		select {
		case <-w.done:
		case <-tmr.C:
			var leaked []string
			for _, rest := range stopping[i:] {
				select {
				case <-rest.done:
				default:
					leaked = append(leaked, rest.name)
				}
			}
			sort.Strings(leaked)
			s.log.Warn("workers leaked past stop deadline",
				logx.Strings("jobs", leaked),
				logx.Duration("timeout", s.cfg.StopTimeout),
			)
			return
		}
	}
}

// restart performs a stop-and-start of the worker pool. except is non-nil
// when the caller is itself a worker (the settings watcher), which must not
// join its own done channel.
func (s *Scheduler) restart(except *worker) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopping := s.stopWorkersLocked(except)
	s.mu.Unlock()

	s.join(stopping)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		// Stop raced in during the join; leave the pool down.
		return
	}
	s.startWorkersLocked()
	s.log.Info("scheduler restarted", logx.Int("workers", len(s.workers)))
}

type Status struct {
	Running     bool                  `json:"running"`
	Settings    settings.SyncSettings `json:"settings"`
	ActiveJobs  []string              `json:"active_jobs"`
	LiveWorkers int                   `json:"live_workers"`
}

// Snapshot reports the pool state. Always succeeds.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:    s.running,
		Settings:   s.settings,
		ActiveJobs: make([]string, 0, len(s.workers)),
	}
	for name, w := range s.workers {
		st.ActiveJobs = append(st.ActiveJobs, name)
		select {
		case <-w.done:
		default:
			st.LiveWorkers++
		}
	}
	sort.Strings(st.ActiveJobs)
	return st
}
