/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements billing.Store and billing.SnapshotStore on SQLite so a ledger
  survives restarts. The same schema ports to PostgreSQL with minor dialect
  changes.

INTERFACES IMPLEMENTED:
  billing.Store:         Cycle-partitioned CDR persistence
  billing.SnapshotStore: Closed-cycle snapshots

KEY TABLES:
  accounts:        Per-user anchor and sequence counter
  cdrs:            Every retained CDR, keyed by (user_id, seq)
  cycle_snapshots: Frozen summaries of closed cycles

POSITIONS:
  Positions are not stored. The record at position p of (user, cycle) is the
  row with the p-th smallest seq, so removing a row reindexes the rest
  without rewriting them.

UNSIGNED COLUMNS:
  SQLite integers are signed 64-bit. Timestamps, cycle indices and anchors
  are uint64 and are stored bit-cast to int64; equality lookups are
  unaffected and ordering is done in Go after casting back. Amounts are
  stored as decimal TEXT.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Writes run inside SQL transactions so
  an append or removal is all-or-nothing.

MIGRATION:
  Schema is versioned under migrations/ and applied with golang-migrate on
  New().

USAGE:
  store, err := sqlite.New("./data/cdr-ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := billing.New(store, cyclePeriod)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/cdr-ledger/billing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Closing the migrator would close db.
	return nil
}

// =============================================================================
// RECORD STORE (billing.Store interface)
// =============================================================================

const recordColumns = `seq, cycle, service_type, timestamp, cost, balance`

// Append opens the account if needed, bumps its sequence and inserts the
// record in one transaction.
func (s *Store) Append(ctx context.Context, user billing.UserID, anchor, cycle uint64, cdr billing.CDR) (billing.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (user_id, first_record_time, next_seq, created_at)
		VALUES (?, ?, 0, ?)
	`, user.Hex(), toInt(anchor), now); err != nil {
		return billing.Record{}, fmt.Errorf("failed to open account: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET next_seq = next_seq + 1 WHERE user_id = ?`, user.Hex()); err != nil {
		return billing.Record{}, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM accounts WHERE user_id = ?`, user.Hex()).Scan(&seq); err != nil {
		return billing.Record{}, fmt.Errorf("failed to read sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cdrs (user_id, seq, cycle, service_type, timestamp, cost, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.Hex(),
		seq,
		toInt(cycle),
		int64(cdr.ServiceType),
		toInt(cdr.Timestamp),
		cdr.Cost.String(),
		cdr.Balance.String(),
		now,
	)
	if err != nil {
		return billing.Record{}, fmt.Errorf("failed to append cdr: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return billing.Record{}, fmt.Errorf("failed to commit append: %w", err)
	}
	return billing.Record{Seq: uint64(seq), Cycle: cycle, CDR: cdr}, nil
}

func (s *Store) Account(ctx context.Context, user billing.UserID) (billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, first_record_time, created_at FROM accounts WHERE user_id = ?`, user.Hex())
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Account{}, billing.ErrUnknownUser
	}
	return acc, err
}

func (s *Store) Accounts(ctx context.Context) ([]billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, first_record_time, created_at FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []billing.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *Store) Count(ctx context.Context, user billing.UserID, cycle uint64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(ctx, s.db, user, cycle, nil)
}

func (s *Store) RecordAt(ctx context.Context, user billing.UserID, cycle uint64, pos int) (billing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordAt(ctx, s.db, user, cycle, pos, nil)
}

func (s *Store) RecordAtService(ctx context.Context, user billing.UserID, cycle uint64, pos int, serviceType billing.ServiceType) (billing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordAt(ctx, s.db, user, cycle, pos, &serviceType)
}

// RemoveAt deletes the row at pos. Later rows keep their seq, so their
// positions drop by one.
func (s *Store) RemoveAt(ctx context.Context, user billing.UserID, cycle uint64, pos int) (billing.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.recordAt(ctx, tx, user, cycle, pos, nil)
	if err != nil {
		return billing.Record{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cdrs WHERE user_id = ? AND seq = ?`, user.Hex(), int64(rec.Seq)); err != nil {
		return billing.Record{}, fmt.Errorf("failed to remove cdr: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return billing.Record{}, fmt.Errorf("failed to commit removal: %w", err)
	}
	return rec, nil
}

func (s *Store) Records(ctx context.Context, user billing.UserID, cycle uint64) ([]billing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM cdrs
		WHERE user_id = ? AND cycle = ?
		ORDER BY seq ASC
	`, user.Hex(), toInt(cycle))
}

func (s *Store) Cycles(ctx context.Context, user billing.UserID) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT cycle FROM cdrs WHERE user_id = ?`, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []uint64
	for rows.Next() {
		var c int64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, uint64(c))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	return cycles, nil
}

func (s *Store) History(ctx context.Context, user billing.UserID) ([]billing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM cdrs
		WHERE user_id = ?
		ORDER BY seq ASC
	`, user.Hex())
}

// =============================================================================
// SNAPSHOT STORE (billing.SnapshotStore interface)
// =============================================================================

func (s *Store) SaveSnapshot(ctx context.Context, snap billing.CycleSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cycle_snapshots
		(user_id, cycle, cycle_start, cycle_end, size, total_cost, closing_balance, balance_rule, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.UserID.Hex(),
		toInt(snap.Cycle.Index),
		toInt(snap.Cycle.Start),
		toInt(snap.Cycle.End),
		snap.Size,
		snap.TotalCost.String(),
		snap.ClosingBalance.String(),
		snap.BalanceRule,
		snap.ClosedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return n == 1, nil
}

const snapshotColumns = `user_id, cycle, cycle_start, cycle_end, size, total_cost, closing_balance, balance_rule, closed_at`

func (s *Store) Snapshot(ctx context.Context, user billing.UserID, cycle uint64) (*billing.CycleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM cycle_snapshots WHERE user_id = ? AND cycle = ?`,
		user.Hex(), toInt(cycle))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Snapshots(ctx context.Context, user billing.UserID) ([]billing.CycleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM cycle_snapshots WHERE user_id = ?`, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var result []billing.CycleSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Cycle.Index < result[j].Cycle.Index })
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) count(ctx context.Context, q querier, user billing.UserID, cycle uint64, serviceType *billing.ServiceType) (int, error) {
	query := `SELECT COUNT(*) FROM cdrs WHERE user_id = ? AND cycle = ?`
	args := []any{user.Hex(), toInt(cycle)}
	if serviceType != nil {
		query += ` AND service_type = ?`
		args = append(args, int64(*serviceType))
	}

	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cdrs: %w", err)
	}
	return n, nil
}

// recordAt checks pos against the (optionally filtered) size, then fetches
// the row by rank.
func (s *Store) recordAt(ctx context.Context, q querier, user billing.UserID, cycle uint64, pos int, serviceType *billing.ServiceType) (billing.Record, error) {
	size, err := s.count(ctx, q, user, cycle, serviceType)
	if err != nil {
		return billing.Record{}, err
	}
	if pos < 0 || pos >= size {
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, size, serviceType)
	}

	query := `SELECT ` + recordColumns + ` FROM cdrs WHERE user_id = ? AND cycle = ?`
	args := []any{user.Hex(), toInt(cycle)}
	if serviceType != nil {
		query += ` AND service_type = ?`
		args = append(args, int64(*serviceType))
	}
	query += ` ORDER BY seq ASC LIMIT 1 OFFSET ?`
	args = append(args, pos)

	return scanRecord(q.QueryRowContext(ctx, query, args...))
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]billing.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cdrs: %w", err)
	}
	defer rows.Close()

	var records []billing.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row scanner) (billing.Record, error) {
	var (
		seq, cycle, serviceType, ts int64
		cost, balance               string
	)
	if err := row.Scan(&seq, &cycle, &serviceType, &ts, &cost, &balance); err != nil {
		return billing.Record{}, fmt.Errorf("failed to scan cdr: %w", err)
	}

	costAmt, err := billing.ParseAmount(cost)
	if err != nil {
		return billing.Record{}, fmt.Errorf("corrupt cost for seq %d: %w", seq, err)
	}
	balanceAmt, err := billing.ParseAmount(balance)
	if err != nil {
		return billing.Record{}, fmt.Errorf("corrupt balance for seq %d: %w", seq, err)
	}

	return billing.Record{
		Seq:   uint64(seq),
		Cycle: uint64(cycle),
		CDR: billing.CDR{
			ServiceType: billing.ServiceType(serviceType),
			Timestamp:   uint64(ts),
			Cost:        costAmt,
			Balance:     balanceAmt,
		},
	}, nil
}

func scanAccount(row scanner) (billing.Account, error) {
	var (
		userHex   string
		anchor    int64
		createdAt string
	)
	if err := row.Scan(&userHex, &anchor, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billing.Account{}, err
		}
		return billing.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	user, err := billing.ParseUserID(userHex)
	if err != nil {
		return billing.Account{}, err
	}
	created, _ := time.Parse(time.RFC3339Nano, createdAt)
	return billing.Account{
		UserID:          user,
		FirstRecordTime: uint64(anchor),
		CreatedAt:       created,
	}, nil
}

func scanSnapshot(row scanner) (billing.CycleSnapshot, error) {
	var (
		userHex, totalCost, closing, rule, closedAt string
		cycle, start, end                           int64
		size                                        int
	)
	if err := row.Scan(&userHex, &cycle, &start, &end, &size, &totalCost, &closing, &rule, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billing.CycleSnapshot{}, err
		}
		return billing.CycleSnapshot{}, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	user, err := billing.ParseUserID(userHex)
	if err != nil {
		return billing.CycleSnapshot{}, err
	}
	total, err := billing.ParseAmount(totalCost)
	if err != nil {
		return billing.CycleSnapshot{}, err
	}
	closingBalance, err := billing.ParseAmount(closing)
	if err != nil {
		return billing.CycleSnapshot{}, err
	}
	closed, _ := time.Parse(time.RFC3339Nano, closedAt)

	return billing.CycleSnapshot{
		UserID:         user,
		Cycle:          billing.Cycle{Index: uint64(cycle), Start: uint64(start), End: uint64(end)},
		Size:           size,
		TotalCost:      total,
		ClosingBalance: closingBalance,
		BalanceRule:    rule,
		ClosedAt:       closed,
	}, nil
}

// toInt bit-casts an unsigned column value for storage.
func toInt(v uint64) int64 { return int64(v) }
