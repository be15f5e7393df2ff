/*
scheduler.go - Automated cycle closing

PURPOSE:
  Periodically snapshots billing cycles that have elapsed, so closed
  cycles can be read without replaying their records.

DESIGN:
  - robfig/cron drives the runs; a panicking run is recovered and logged
  - Each run is bounded by Timeout
  - A run closes every elapsed, unclosed cycle of every account
  - Cycles that are already closed are skipped by the engine

CONFIGURATION:
  - Spec: Standard cron expression or descriptor (default "@every 1m")
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewCycleCloseScheduler(engine, "@every 1m", logger)
  if err := scheduler.Start(ctx); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CloseCycles endpoint (manual trigger)
  - billing/ledger.go: Engine.CloseAllCycles
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/cdr-ledger/billing"
)

// DefaultCloseSpec runs the scheduler once a minute.
const DefaultCloseSpec = "@every 1m"

// CycleCloseScheduler closes elapsed billing cycles on a cron schedule.
type CycleCloseScheduler struct {
	Engine  *billing.Engine
	Spec    string
	Timeout time.Duration
	Enabled bool

	logger *zap.Logger
	cron   *cron.Cron
	mu     sync.Mutex
}

// NewCycleCloseScheduler creates a new scheduler. An empty spec uses
// DefaultCloseSpec.
func NewCycleCloseScheduler(engine *billing.Engine, spec string, logger *zap.Logger) *CycleCloseScheduler {
	if spec == "" {
		spec = DefaultCloseSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleCloseScheduler{
		Engine:  engine,
		Spec:    spec,
		Timeout: 25 * time.Second,
		Enabled: true,
		logger:  logger,
	}
}

// Start schedules runs. ctx bounds every run started by the scheduler.
func (s *CycleCloseScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger.Sugar()})))
	_, err := c.AddFunc(s.Spec, func() {
		rctx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		s.RunOnce(rctx)
	})
	if err != nil {
		return err
	}

	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", zap.String("spec", s.Spec))
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *CycleCloseScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
		s.logger.Info("scheduler stopped")
	}
}

// RunOnce closes every elapsed cycle now and returns how many snapshots
// were written.
func (s *CycleCloseScheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.Engine.CloseAllCycles(ctx)
	if err != nil {
		s.logger.Error("closing cycles failed",
			zap.Int("closed", n),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return n, err
	}
	if n > 0 {
		s.logger.Info("cycles closed", zap.Int("closed", n), zap.Duration("duration", time.Since(start)))
	}
	return n, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
