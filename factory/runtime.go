package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/billing/store"
	"github.com/warp/cdr-ledger/config"
	"github.com/warp/cdr-ledger/store/redis"
	"github.com/warp/cdr-ledger/store/sqlite"
)

// =============================================================================
// RUNTIME - Everything the server needs, built from config
// =============================================================================

// Runtime holds the assembled engine and what it was built from.
type Runtime struct {
	Engine *billing.Engine
	Store  billing.Store

	// Manual is set when the manual clock is configured.
	Manual *billing.ManualClock

	closers []func() error
}

// Build opens the configured store and constructs the engine. reg may be nil
// to skip metrics registration.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{}
	st, err := rt.openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	rt.Store = st

	rule, err := billing.BalanceRuleByName(cfg.Billing.BalanceRule)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var clock billing.Clock = billing.SystemClock{}
	if cfg.IsManualClock() {
		start := cfg.Billing.ManualStart
		if start == 0 {
			start = uint64(time.Now().Unix())
		}
		rt.Manual = billing.NewManualClock(start)
		clock = rt.Manual
	}

	opts := []billing.Option{
		billing.WithClock(clock),
		billing.WithBalanceRule(rule),
		billing.WithLogger(logger.Named("billing")),
		billing.WithBatchWorkers(cfg.Billing.BatchWorkers),
	}
	if reg != nil {
		opts = append(opts, billing.WithMetrics(billing.NewMetrics(reg)))
	}

	engine, err := billing.New(st, cfg.Billing.CyclePeriod, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = engine

	logger.Info("ledger ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int64("cycle_period", cfg.Billing.CyclePeriod),
		zap.String("balance_rule", rule.Name()),
		zap.String("clock", cfg.Billing.Clock))
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (billing.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil

	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil

	case config.DriverRedis:
		s, err := redis.Dial(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", billing.ErrInvalidConfiguration, cfg.Driver)
	}
}

// Close stops the engine and releases the store.
func (rt *Runtime) Close() error {
	if rt.Engine != nil {
		rt.Engine.Close()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
