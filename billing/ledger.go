/*
ledger.go - The CDR ledger engine

PURPOSE:
  Engine is the facade callers drive. It reads the clock once per
  operation, resolves the user's current cycle from the account anchor and
  delegates to the Store with an explicit cycle index.

CURRENT-CYCLE OPERATIONS:
  AddCDR, CurrentBillingCycleOf, CurrentSizeOfCDRs, CDROf, CDROfService,
  RemoveCDR and OutstandingBalanceOf. Once time crosses a cycle boundary,
  earlier records drop out of the current-cycle view but are not lost.

CYCLE-QUALIFIED OPERATIONS:
  SizeOfCycle, CDRAt, CDRAtService, RemoveCDRAt, CDRsOfCycle and Cycles
  address a specific cycle index, current or past.

UNKNOWN USERS:
  A user with no history is in cycle 0 with no records: sizes are 0,
  positional lookups fail with ErrOutOfRange and the outstanding balance is
  0. Only Account() reports ErrUnknownUser.

CONCURRENCY:
  Operations on one user are serialized by a per-user RWMutex (mutations
  exclusive, queries shared). Different users proceed independently.

EXAMPLE:
  engine, _ := billing.New(store.NewMemory(), 1000, billing.WithClock(clock))
  engine.AddCDR(ctx, user, cdr)      // cycle 0
  clock.Advance(1000)
  engine.CurrentBillingCycleOf(ctx, user) // 1
  engine.CurrentSizeOfCDRs(ctx, user)     // 0, cycle 1 starts empty
  engine.SizeOfCycle(ctx, user, 0)        // 1, still retained

SEE ALSO:
  - cycle.go: Cycle index calculation
  - store.go: Store contract
  - balance.go: Aggregation rules
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const defaultBatchWorkers = 8

// =============================================================================
// ENGINE
// =============================================================================

// Engine composes the cycle calculator, record store and balance rule.
type Engine struct {
	store     Store
	snapshots SnapshotStore
	cycles    CycleConfig
	clock     Clock
	rule      BalanceRule
	logger    *zap.Logger
	metrics   *Metrics

	batchWorkers int
	pool         pond.Pool

	locks *xsync.Map[UserID, *sync.RWMutex]
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithBalanceRule sets the outstanding balance rule. Defaults to
// LatestSnapshot.
func WithBalanceRule(r BalanceRule) Option { return func(e *Engine) { e.rule = r } }

// WithSnapshots sets where closed cycles are recorded. When omitted, the
// store is used if it implements SnapshotStore.
func WithSnapshots(s SnapshotStore) Option { return func(e *Engine) { e.snapshots = s } }

// WithBatchWorkers bounds the concurrency of AddCDRBatch.
func WithBatchWorkers(n int) Option { return func(e *Engine) { e.batchWorkers = n } }

// New creates an engine. cyclePeriod is the billing cycle length in
// timestamp units and must be positive.
func New(store Store, cyclePeriod int64, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfiguration)
	}
	cycles, err := NewCycleConfig(cyclePeriod)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:        store,
		cycles:       cycles,
		clock:        SystemClock{},
		rule:         LatestSnapshot{},
		logger:       zap.NewNop(),
		batchWorkers: defaultBatchWorkers,
		locks:        xsync.NewMap[UserID, *sync.RWMutex](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.snapshots == nil {
		if ss, ok := store.(SnapshotStore); ok {
			e.snapshots = ss
		}
	}
	if e.batchWorkers <= 0 {
		return nil, fmt.Errorf("%w: batch workers must be positive, got %d", ErrInvalidConfiguration, e.batchWorkers)
	}
	e.pool = pond.NewPool(e.batchWorkers)
	return e, nil
}

// Close stops the batch worker pool after queued work finishes.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// CyclePeriod returns the configured cycle length.
func (e *Engine) CyclePeriod() uint64 { return e.cycles.Period }

// BalanceRule returns the configured aggregation rule.
func (e *Engine) BalanceRule() BalanceRule { return e.rule }

// Clock returns the engine's time source.
func (e *Engine) Clock() Clock { return e.clock }

// userLock returns the user's mutex, creating it. Only writers call it, so
// queries for unknown users never grow the map.
func (e *Engine) userLock(user UserID) *sync.RWMutex {
	mu, _ := e.locks.LoadOrStore(user, &sync.RWMutex{})
	return mu
}

// readLock read-locks the user's mutex if one exists and returns the unlock
// func. Without an entry no write has gone through this engine for the user;
// each store call is still atomic on its own.
func (e *Engine) readLock(user UserID) func() {
	mu, ok := e.locks.Load(user)
	if !ok {
		return func() {}
	}
	mu.RLock()
	return mu.RUnlock
}

// resolve returns the account and the cycle containing now. known is false
// for a user without history, whose cycle is cycle 0 anchored at now.
func (e *Engine) resolve(ctx context.Context, user UserID, now uint64) (acc Account, cycle Cycle, known bool, err error) {
	acc, err = e.store.Account(ctx, user)
	if errors.Is(err, ErrUnknownUser) {
		return Account{}, e.cycles.Window(now, 0), false, nil
	}
	if err != nil {
		return Account{}, Cycle{}, false, fmt.Errorf("load account: %w", err)
	}
	return acc, e.cycles.CycleFor(acc.FirstRecordTime, now), true, nil
}

// =============================================================================
// CURRENT-CYCLE OPERATIONS
// =============================================================================

// AddCDR appends cdr to the user's current cycle, opening the account on the
// first call.
func (e *Engine) AddCDR(ctx context.Context, user UserID, cdr CDR) (rec Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("add_cdr", start, err) }()

	if err := cdr.Validate(); err != nil {
		return Record{}, err
	}

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	now := e.clock.Now()
	acc, cycle, known, err := e.resolve(ctx, user, now)
	if err != nil {
		return Record{}, err
	}
	anchor := now
	if known {
		anchor = acc.FirstRecordTime
	}

	rec, err = e.store.Append(ctx, user, anchor, cycle.Index, cdr)
	if err != nil {
		return Record{}, fmt.Errorf("append cdr: %w", err)
	}

	e.metrics.cdrAppended(cdr.ServiceType, !known)
	if !known {
		e.logger.Info("account opened",
			zap.Stringer("user", user),
			zap.Uint64("first_record_time", anchor))
	}
	e.logger.Debug("cdr appended",
		zap.Stringer("user", user),
		zap.Uint64("cycle", cycle.Index),
		zap.Uint64("seq", rec.Seq),
		zap.Stringer("service_type", cdr.ServiceType))
	return rec, nil
}

// CurrentBillingCycleOf returns the user's cycle index as of now. Users
// without history are in cycle 0.
func (e *Engine) CurrentBillingCycleOf(ctx context.Context, user UserID) (uint64, error) {
	cycle, err := e.CurrentCycle(ctx, user)
	if err != nil {
		return 0, err
	}
	return cycle.Index, nil
}

// CurrentCycle returns the window containing now.
func (e *Engine) CurrentCycle(ctx context.Context, user UserID) (cycle Cycle, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("current_cycle", start, err) }()

	defer e.readLock(user)()

	_, cycle, _, err = e.resolve(ctx, user, e.clock.Now())
	return cycle, err
}

// CurrentSizeOfCDRs returns the number of records in the current cycle.
func (e *Engine) CurrentSizeOfCDRs(ctx context.Context, user UserID) (n int, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("current_size", start, err) }()

	defer e.readLock(user)()

	_, cycle, _, err := e.resolve(ctx, user, e.clock.Now())
	if err != nil {
		return 0, err
	}
	return e.store.Count(ctx, user, cycle.Index)
}

// CDROf returns the record at pos in the current cycle.
func (e *Engine) CDROf(ctx context.Context, user UserID, pos int) (cdr CDR, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("cdr_of", start, err) }()

	defer e.readLock(user)()

	_, cycle, _, err := e.resolve(ctx, user, e.clock.Now())
	if err != nil {
		return CDR{}, err
	}
	rec, err := e.store.RecordAt(ctx, user, cycle.Index, pos)
	if err != nil {
		return CDR{}, err
	}
	return rec.CDR, nil
}

// CDROfService returns the pos-th current-cycle record of the given service
// type.
func (e *Engine) CDROfService(ctx context.Context, user UserID, pos int, serviceType ServiceType) (cdr CDR, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("cdr_of_service", start, err) }()

	defer e.readLock(user)()

	_, cycle, _, err := e.resolve(ctx, user, e.clock.Now())
	if err != nil {
		return CDR{}, err
	}
	rec, err := e.store.RecordAtService(ctx, user, cycle.Index, pos, serviceType)
	if err != nil {
		return CDR{}, err
	}
	return rec.CDR, nil
}

// CDRsOfCurrentCycle returns the current cycle and its records in position
// order.
func (e *Engine) CDRsOfCurrentCycle(ctx context.Context, user UserID) (cycle Cycle, records []Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("cdrs_of_current_cycle", start, err) }()

	defer e.readLock(user)()

	_, cycle, _, err = e.resolve(ctx, user, e.clock.Now())
	if err != nil {
		return Cycle{}, nil, err
	}
	records, err = e.store.Records(ctx, user, cycle.Index)
	return cycle, records, err
}

// RemoveCDR removes the record at pos in the current cycle. Later records
// shift down by one.
func (e *Engine) RemoveCDR(ctx context.Context, user UserID, pos int) (err error) {
	start := time.Now()
	defer func() { e.metrics.observe("remove_cdr", start, err) }()

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	_, cycle, _, err := e.resolve(ctx, user, e.clock.Now())
	if err != nil {
		return err
	}
	return e.removeLocked(ctx, user, cycle.Index, pos)
}

func (e *Engine) removeLocked(ctx context.Context, user UserID, cycle uint64, pos int) error {
	rec, err := e.store.RemoveAt(ctx, user, cycle, pos)
	if err != nil {
		return err
	}
	e.metrics.cdrRemoved()
	e.logger.Debug("cdr removed",
		zap.Stringer("user", user),
		zap.Uint64("cycle", cycle),
		zap.Int("position", pos),
		zap.Uint64("seq", rec.Seq))
	return nil
}

// OutstandingBalanceOf folds every retained record of the user with the
// configured BalanceRule.
func (e *Engine) OutstandingBalanceOf(ctx context.Context, user UserID) (bal Amount, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("outstanding_balance", start, err) }()

	defer e.readLock(user)()

	history, err := e.store.History(ctx, user)
	if err != nil {
		return Amount{}, fmt.Errorf("load history: %w", err)
	}
	return e.rule.Aggregate(history), nil
}

// Account returns ErrUnknownUser for a user without history.
func (e *Engine) Account(ctx context.Context, user UserID) (Account, error) {
	defer e.readLock(user)()
	return e.store.Account(ctx, user)
}

// =============================================================================
// CYCLE-QUALIFIED OPERATIONS
// =============================================================================

// SizeOfCycle returns the number of records in the given cycle.
func (e *Engine) SizeOfCycle(ctx context.Context, user UserID, cycle uint64) (int, error) {
	defer e.readLock(user)()
	return e.store.Count(ctx, user, cycle)
}

// CDRAt returns the record at pos in the given cycle.
func (e *Engine) CDRAt(ctx context.Context, user UserID, cycle uint64, pos int) (Record, error) {
	defer e.readLock(user)()
	return e.store.RecordAt(ctx, user, cycle, pos)
}

// CDRAtService returns the pos-th record of the given service type in the
// given cycle.
func (e *Engine) CDRAtService(ctx context.Context, user UserID, cycle uint64, pos int, serviceType ServiceType) (Record, error) {
	defer e.readLock(user)()
	return e.store.RecordAtService(ctx, user, cycle, pos, serviceType)
}

// CDRsOfCycle returns the records of the given cycle in position order.
func (e *Engine) CDRsOfCycle(ctx context.Context, user UserID, cycle uint64) ([]Record, error) {
	defer e.readLock(user)()
	return e.store.Records(ctx, user, cycle)
}

// RemoveCDRAt removes the record at pos in the given cycle, which may be a
// past one.
func (e *Engine) RemoveCDRAt(ctx context.Context, user UserID, cycle uint64, pos int) (err error) {
	start := time.Now()
	defer func() { e.metrics.observe("remove_cdr_at", start, err) }()

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()
	return e.removeLocked(ctx, user, cycle, pos)
}

// Cycles summarizes every stored cycle of the user plus the current one,
// ascending. Users without history have none.
func (e *Engine) Cycles(ctx context.Context, user UserID) ([]CycleSummary, error) {
	defer e.readLock(user)()

	acc, current, known, err := e.resolve(ctx, user, e.clock.Now())
	if err != nil || !known {
		return nil, err
	}
	indices, err := e.store.Cycles(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	if len(indices) == 0 || indices[len(indices)-1] < current.Index {
		indices = append(indices, current.Index)
	}

	summaries := make([]CycleSummary, 0, len(indices))
	for _, idx := range indices {
		records, err := e.store.Records(ctx, user, idx)
		if err != nil {
			return nil, fmt.Errorf("load cycle %d: %w", idx, err)
		}
		summaries = append(summaries, CycleSummary{
			Cycle:     e.cycles.Window(acc.FirstRecordTime, idx),
			Size:      len(records),
			TotalCost: TotalCost{}.Aggregate(records),
			Current:   idx == current.Index,
		})
	}
	return summaries, nil
}

// =============================================================================
// CYCLE CLOSING
// =============================================================================

// CloseCycles writes a snapshot for every past cycle of the user that holds
// records and has not been closed yet. Returns the snapshots written.
func (e *Engine) CloseCycles(ctx context.Context, user UserID) (written []CycleSnapshot, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("close_cycles", start, err) }()

	if e.snapshots == nil {
		return nil, ErrStoreRequired
	}

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	acc, current, known, err := e.resolve(ctx, user, e.clock.Now())
	if err != nil || !known {
		return nil, err
	}
	indices, err := e.store.Cycles(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	history, err := e.store.History(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	for _, idx := range indices {
		if idx >= current.Index {
			break
		}
		existing, err := e.snapshots.Snapshot(ctx, user, idx)
		if err != nil {
			return written, fmt.Errorf("load snapshot %d: %w", idx, err)
		}
		if existing != nil {
			continue
		}

		var inCycle []Record
		for _, r := range history {
			if r.Cycle == idx {
				inCycle = append(inCycle, r)
			}
		}
		snap := CycleSnapshot{
			UserID:         user,
			Cycle:          e.cycles.Window(acc.FirstRecordTime, idx),
			Size:           len(inCycle),
			TotalCost:      TotalCost{}.Aggregate(inCycle),
			ClosingBalance: balanceThrough(e.rule, history, idx),
			BalanceRule:    e.rule.Name(),
			ClosedAt:       time.Now().UTC(),
		}
		saved, err := e.snapshots.SaveSnapshot(ctx, snap)
		if err != nil {
			return written, fmt.Errorf("save snapshot %d: %w", idx, err)
		}
		if !saved {
			continue
		}
		e.metrics.cycleClosed()
		e.logger.Info("cycle closed",
			zap.Stringer("user", user),
			zap.Uint64("cycle", idx),
			zap.Int("size", snap.Size),
			zap.Stringer("closing_balance", snap.ClosingBalance))
		written = append(written, snap)
	}
	return written, nil
}

// CloseAllCycles runs CloseCycles for every account and returns how many
// snapshots were written. Failures for one user do not stop the others.
func (e *Engine) CloseAllCycles(ctx context.Context) (int, error) {
	accounts, err := e.store.Accounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	var (
		total int
		errs  []error
	)
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		written, err := e.CloseCycles(ctx, acc.UserID)
		total += len(written)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", acc.UserID, err))
		}
	}
	return total, errors.Join(errs...)
}

// Snapshots returns the closed cycles of the user.
func (e *Engine) Snapshots(ctx context.Context, user UserID) ([]CycleSnapshot, error) {
	if e.snapshots == nil {
		return nil, ErrStoreRequired
	}
	return e.snapshots.Snapshots(ctx, user)
}

// =============================================================================
// BATCH INGESTION
// =============================================================================

// Entry is one CDR addressed to a user.
type Entry struct {
	UserID UserID `json:"user_id"`
	CDR    CDR    `json:"cdr"`
}

// BatchResult holds per-entry outcomes, indexed like the input.
type BatchResult struct {
	Records []Record
	Errors  []error
}

// Accepted returns how many entries were appended.
func (r BatchResult) Accepted() int {
	n := 0
	for _, err := range r.Errors {
		if err == nil {
			n++
		}
	}
	return n
}

// Err joins the per-entry errors, or returns nil if every entry succeeded.
func (r BatchResult) Err() error {
	var errs []error
	for i, err := range r.Errors {
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// AddCDRBatch appends entries. Entries of one user are applied in input
// order; different users run concurrently on the worker pool. Each entry
// is atomic on its own, the batch is not.
func (e *Engine) AddCDRBatch(ctx context.Context, entries []Entry) BatchResult {
	res := BatchResult{
		Records: make([]Record, len(entries)),
		Errors:  make([]error, len(entries)),
	}

	groups := make(map[UserID][]int)
	var order []UserID
	for i, entry := range entries {
		if _, ok := groups[entry.UserID]; !ok {
			order = append(order, entry.UserID)
		}
		groups[entry.UserID] = append(groups[entry.UserID], i)
	}

	group := e.pool.NewGroup()
	for _, user := range order {
		user, idxs := user, groups[user]
		group.Submit(func() {
			for _, i := range idxs {
				if err := ctx.Err(); err != nil {
					res.Errors[i] = err
					continue
				}
				res.Records[i], res.Errors[i] = e.AddCDR(ctx, user, entries[i].CDR)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("batch ingestion encountered error", zap.Error(err))
	}

	e.logger.Debug("batch ingested",
		zap.Int("entries", len(entries)),
		zap.Int("users", len(order)),
		zap.Int("accepted", res.Accepted()))
	return res
}
