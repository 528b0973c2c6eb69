package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
)

// PauseKey is the settings key holding the pause flag.
const PauseKey = "scheduler_paused"

type StageRunner interface {
	Run(ctx context.Context, instrument string, stage po3.Stage, trigger po3.Trigger) pipeline.Report
	Expire(ctx context.Context, instrument string) (po3.Status, bool, error)
}

// Maintainer runs the order housekeeping jobs.
type Maintainer interface {
	Reconcile(ctx context.Context) error
	CloseAll(ctx context.Context, reason string) (int, error)
}

type Settings interface {
	GetBool(ctx context.Context, key string, def bool) (bool, error)
	SetBool(ctx context.Context, key string, v bool) error
}

type Scheduler struct {
	cron        *cron.Cron
	runner      StageRunner
	maintainer  Maintainer
	settings    Settings
	instruments []string
	sem         chan struct{}
	config      *config.Config
	logger      *logger.Logger

	mu   sync.Mutex
	base context.Context
}

func NewScheduler(runner StageRunner, maintainer Maintainer, settings Settings, cfg *config.Config, log *logger.Logger) *Scheduler {
	n := cfg.Trading.DispatchConcurrency
	if n < 1 {
		n = 1
	}
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location()),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:      runner,
		maintainer:  maintainer,
		settings:    settings,
		instruments: cfg.Instruments,
		sem:         make(chan struct{}, n),
		config:      cfg,
		logger:      log,
		base:        context.Background(),
	}
}

// Start registers every job and starts the cron loop. Jobs run with ctx and
// the loop stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	sc := s.config.Schedule
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"stage1", sc.Stage1, func() { s.scheduled(po3.StageBias) }},
		{"stage2", sc.Stage2, func() { s.scheduled(po3.StageManipulation) }},
		{"stage3", sc.Stage3, func() { s.scheduled(po3.StageEntry) }},
		{"holdclose", sc.HoldClose, func() { s.scheduled(po3.StageHoldClose) }},
		{"reconcile", sc.Reconcile, s.reconcile},
		{"end_of_day", sc.EndOfDay, s.endOfDay},
		{"cutoff", sc.Cutoff, s.sweep},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		s.logger.Info("job scheduled", "job", j.name, "spec", j.spec)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "instruments", s.instruments, "timezone", s.config.Trading.Timezone)

	go func() {
		<-ctx.Done()
		<-s.Stop().Done()
		s.logger.Info("scheduler stopped")
	}()
	return nil
}

// Stop halts the cron loop; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Scheduler) Paused(ctx context.Context) bool {
	paused, err := s.settings.GetBool(ctx, PauseKey, false)
	if err != nil {
		s.logger.Error("read pause flag, assuming paused", "error", err)
		return true
	}
	return paused
}

func (s *Scheduler) Pause(ctx context.Context) error {
	s.logger.Info("scheduler paused")
	return s.settings.SetBool(ctx, PauseKey, true)
}

func (s *Scheduler) Resume(ctx context.Context) error {
	s.logger.Info("scheduler resumed")
	return s.settings.SetBool(ctx, PauseKey, false)
}

func (s *Scheduler) scheduled(stage po3.Stage) {
	ctx := s.ctx()
	if s.Paused(ctx) {
		s.logger.Debug("scheduler paused, job skipped", "stage", stage.String())
		return
	}
	s.Dispatch(ctx, stage, po3.TriggerScheduled)
}

// Dispatch runs stage for each instrument (all configured ones when none are
// given) with bounded concurrency. A panicking run never takes down the others.
func (s *Scheduler) Dispatch(ctx context.Context, stage po3.Stage, trigger po3.Trigger, instruments ...string) []pipeline.Report {
	if len(instruments) == 0 {
		instruments = s.instruments
	}
	reports := make([]pipeline.Report, len(instruments))

	var wg sync.WaitGroup
	for i, inst := range instruments {
		wg.Add(1)
		go func(i int, inst string) {
			defer wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				reports[i] = pipeline.Report{Instrument: inst, Stage: stage, Trigger: trigger, Err: ctx.Err()}
				return
			}
			defer func() { <-s.sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic in dispatched run", "instrument", inst, "stage", stage.String(), "panic", fmt.Sprint(r))
					reports[i] = pipeline.Report{Instrument: inst, Stage: stage, Trigger: trigger, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			reports[i] = s.runner.Run(ctx, inst, stage, trigger)
		}(i, inst)
	}
	wg.Wait()
	return reports
}

// Force runs stage with FORCED semantics; pause does not apply.
func (s *Scheduler) Force(ctx context.Context, stage po3.Stage, instruments ...string) []pipeline.Report {
	return s.Dispatch(ctx, stage, po3.TriggerForced, instruments...)
}

// FullCycle forces stages 1 to 3 in order for one instrument and stops at the
// first stage that does not hand over to the next.
func (s *Scheduler) FullCycle(ctx context.Context, instrument string) []pipeline.Report {
	var out []pipeline.Report
	for _, stage := range []po3.Stage{po3.StageBias, po3.StageManipulation, po3.StageEntry} {
		rep := s.Force(ctx, stage, instrument)[0]
		out = append(out, rep)
		if !rep.Ran() || rep.Err != nil || rep.To != (stage+1).Precondition() {
			break
		}
	}
	return out
}

func (s *Scheduler) reconcile() {
	ctx := s.ctx()
	if err := s.maintainer.Reconcile(ctx); err != nil {
		s.logger.Error("reconcile orders", "error", err)
	}
}

// endOfDay flattens every open order; it runs even while paused.
func (s *Scheduler) endOfDay() {
	ctx := s.ctx()
	n, err := s.maintainer.CloseAll(ctx, "end of day")
	if err != nil {
		s.logger.Error("end of day close", "error", err)
		return
	}
	s.logger.Info("end of day close finished", "settled", n)
}

func (s *Scheduler) sweep() {
	ctx := s.ctx()
	for _, inst := range s.instruments {
		to, changed, err := s.runner.Expire(ctx, inst)
		if err != nil {
			s.logger.Error("cutoff sweep", "instrument", inst, "error", err)
			continue
		}
		if changed {
			s.logger.Info("cutoff applied", "instrument", inst, "status", to)
		}
	}
}

// cronLogger adapts the slog wrapper to cron.Logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
