// Package scheduler triggers pipeline runs on a cron schedule and on demand, never
// letting two runs overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// DefaultSpec runs once a day at midnight.
const DefaultSpec = "0 0 * * *"

// Runner executes one ingestion run.
type Runner interface {
	Run(ctx context.Context) (ingest.RunSummary, error)
}

// Config controls when runs fire.
type Config struct {
	// Spec is a standard five-field cron expression or descriptor such as "@every 24h".
	Spec       string
	RunOnStart bool
	Location   *time.Location
}

// Scheduler gates runs so at most one executes and at most one waits.
type Scheduler struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	pending bool
	stopped bool
	last    *ingest.RunSummary
	wg      sync.WaitGroup
}

// New validates the cron spec and builds a Scheduler.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New(cron.WithLocation(cfg.Location), cron.WithLogger(cronLogger{logger.Sugar()}))
	s := &Scheduler{cfg: cfg, runner: runner, logger: logger, cron: c}
	if _, err := c.AddFunc(cfg.Spec, func() { s.Trigger() }); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Start begins the cron loop and, when configured, fires the first run immediately.
// Runs execute under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.cfg.Spec), zap.Bool("run_on_start", s.cfg.RunOnStart))
	if s.cfg.RunOnStart {
		s.Trigger()
	}
}

// Trigger requests a run. It reports false when the request coalesced into an
// already-pending run or the scheduler is not accepting work.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.stopped {
		return false
	}
	if s.running {
		if s.pending {
			return false
		}
		s.pending = true
		s.logger.Debug("run queued behind in-flight run")
		return true
	}
	s.running = true
	s.wg.Add(1)
	go s.loop(s.ctx)
	return true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.runOnce(ctx)

		s.mu.Lock()
		if !s.pending || s.stopped {
			s.running = false
			s.pending = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Warn("run failed", zap.String("run_id", summary.RunID), zap.Error(err))
	}

	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
}

// Running reports whether a run is executing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastSummary returns the summary of the most recently finished run.
func (s *Scheduler) LastSummary() (ingest.RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ingest.RunSummary{}, false
	}
	return *s.last, true
}

// Stop halts the cron loop, cancels the in-flight run and waits for it to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight run: %w", ctx.Err())
	}
}

// cronLogger routes robfig/cron diagnostics through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
