/*
store.go - Persistence interface for cycle-partitioned CDRs

PURPOSE:
  Defines the interface between the engine and the database. A Store owns
  every CDR, partitioned per user per cycle index, and supports append,
  positional lookup, positional removal and size queries.

CYCLE-QUALIFIED CONTRACT:
  The Store never looks at the clock. Every method takes an explicit cycle
  index; the engine resolves "current cycle" before delegating. Past cycles
  stay addressable through the same methods.

ATOMICITY:
  Append() creates the account (if absent) and appends the record in one
  all-or-nothing step. RemoveAt() either removes and reindexes or leaves the
  sequence untouched.

ORDERING:
  Within one (user, cycle) sequence, insertion order is position order.
  Across cycles, Record.Seq orders records by append time.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for testing/dev
  - store/sqlite: SQLite with golang-migrate schema
  - store/redis: Redis lists per (user, cycle)

SEE ALSO:
  - ledger.go: Engine built on Store
  - storetest/: Conformance suite every implementation runs
*/
package billing

import "context"

// =============================================================================
// STORE - Interface for record persistence
// =============================================================================

// Store persists CDRs per user per cycle. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append creates the account with FirstRecordTime=anchor if it does not
	// exist yet, assigns the next Seq and appends cdr to the end of the
	// (user, cycle) sequence. The anchor is ignored for existing accounts.
	Append(ctx context.Context, user UserID, anchor, cycle uint64, cdr CDR) (Record, error)

	// Account returns ErrUnknownUser if the user has never appended.
	Account(ctx context.Context, user UserID) (Account, error)

	// Accounts returns every account.
	Accounts(ctx context.Context) ([]Account, error)

	// Count returns the size of the (user, cycle) sequence. Unknown users
	// and empty cycles have size 0.
	Count(ctx context.Context, user UserID, cycle uint64) (int, error)

	// RecordAt returns the record at zero-based pos. Fails with
	// *OutOfRangeError when pos is not in [0, size).
	RecordAt(ctx context.Context, user UserID, cycle uint64, pos int) (Record, error)

	// RecordAtService returns the pos-th record among those whose service
	// type matches, in insertion order.
	RecordAtService(ctx context.Context, user UserID, cycle uint64, pos int, serviceType ServiceType) (Record, error)

	// RemoveAt removes the record at pos, shifting later records down.
	RemoveAt(ctx context.Context, user UserID, cycle uint64, pos int) (Record, error)

	// Records returns the (user, cycle) sequence in position order.
	Records(ctx context.Context, user UserID, cycle uint64) ([]Record, error)

	// Cycles returns, ascending, the cycle indices currently holding at
	// least one record.
	Cycles(ctx context.Context, user UserID) ([]uint64, error)

	// History returns every retained record of the user ordered by Seq.
	History(ctx context.Context, user UserID) ([]Record, error)
}

// =============================================================================
// HELPERS shared by implementations
// =============================================================================

// OutOfRange builds the error every implementation returns for a bad
// position.
func OutOfRange(user UserID, cycle uint64, pos, size int, serviceType *ServiceType) error {
	return &OutOfRangeError{
		UserID:      user,
		Cycle:       cycle,
		Position:    pos,
		Size:        size,
		ServiceType: serviceType,
	}
}

// FilterService returns the records whose service type matches, preserving
// order.
func FilterService(records []Record, serviceType ServiceType) []Record {
	var out []Record
	for _, r := range records {
		if r.CDR.ServiceType == serviceType {
			out = append(out, r)
		}
	}
	return out
}
