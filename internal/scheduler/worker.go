package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"feederd/internal/eventbus"
	"feederd/pkg/logx"
)

// runInterval is the worker loop for fixed and tunable jobs: run the body,
// then wait. The wait is interruptible so Stop never blocks a full interval.
func (s *Scheduler) runInterval(ctx context.Context, w *worker, j *jobSpec, every time.Duration) {
	defer close(w.done)
	log := s.log.With(logx.String("job", j.name))
	log.Debug("worker started", logx.Duration("every", every))

	for {
		s.runBody(ctx, j, log)

		tmr := time.NewTimer(every)
		select {
		case <-ctx.Done():
			tmr.Stop()
			log.Debug("worker canceled")
			return
		case <-w.stop:
			tmr.Stop()
			log.Debug("worker stopped")
			return
		case <-tmr.C:
		}
	}
}

// runCron waits for the schedule's next activation instead of a fixed
// interval, so the body fires on wall-clock alignment.
func (s *Scheduler) runCron(ctx context.Context, w *worker, j *jobSpec) {
	defer close(w.done)
	log := s.log.With(logx.String("job", j.name))
	log.Debug("worker started", logx.String("schedule", j.spec))

	for {
		wait := time.Until(j.sched.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			log.Debug("worker canceled")
			return
		case <-w.stop:
			tmr.Stop()
			log.Debug("worker stopped")
			return
		case <-tmr.C:
		}
		s.runBody(ctx, j, log)
	}
}

// runWatch re-reads the settings source every WatchInterval and restarts the
// pool when the intervals changed remotely. It passes itself to restart so it
// is never asked to join its own done channel.
func (s *Scheduler) runWatch(ctx context.Context, w *worker) {
	defer close(w.done)
	log := s.log.With(logx.String("job", watchJobName))
	log.Debug("worker started", logx.Duration("every", s.cfg.WatchInterval))

	for {
		tmr := time.NewTimer(s.cfg.WatchInterval)
		select {
		case <-ctx.Done():
			tmr.Stop()
			log.Debug("worker canceled")
			return
		case <-w.stop:
			tmr.Stop()
			log.Debug("worker stopped")
			return
		case <-tmr.C:
		}

		latest := s.source.Sync(ctx)
		s.mu.Lock()
		changed := latest != s.settings
		if changed {
			s.settings = latest
		}
		s.mu.Unlock()
		if !changed {
			continue
		}

		log.Info("sync settings changed remotely",
			logx.Int("sync_sensors", latest.SyncSensors),
			logx.Int("sync_schedule", latest.SyncSchedule),
			logx.Int("sync_feed_preset", latest.SyncFeedPreset),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSettingsChanged, Data: latest})
		}
		s.restart(w)
	}
}

// runBody executes one job iteration. Panics and errors are contained so the
// worker loop always reaches its next wait.
func (s *Scheduler) runBody(ctx context.Context, j *jobSpec, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := j.fn(ctx); err != nil {
		log.Warn("job failed", logx.Err(err))
	}
}
