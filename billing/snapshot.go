package billing

import (
	"context"
	"time"
)

// =============================================================================
// SNAPSHOT - Frozen summary of a closed cycle
// =============================================================================

// CycleSnapshot captures a past cycle at the moment it was closed.
// Used for:
//   - Invoicing (what the cycle looked like when it ended)
//   - Audit trail
//   - Fast reads of closed cycles
//
// A snapshot is written once. Later edits to the past cycle through the
// cycle-qualified operations do not rewrite it.
type CycleSnapshot struct {
	UserID UserID
	Cycle  Cycle

	// Records held by the cycle when it was closed
	Size      int
	TotalCost Amount

	// Outstanding balance of the user as of the end of this cycle
	ClosingBalance Amount
	BalanceRule    string

	ClosedAt time.Time
}

// =============================================================================
// SNAPSHOT STORE - Persistence for snapshots
// =============================================================================

type SnapshotStore interface {
	// SaveSnapshot stores s unless a snapshot for (user, cycle) exists.
	// Returns false if one already existed.
	SaveSnapshot(ctx context.Context, s CycleSnapshot) (bool, error)

	// Snapshot returns nil when the cycle has not been closed.
	Snapshot(ctx context.Context, user UserID, cycle uint64) (*CycleSnapshot, error)

	// Snapshots returns all snapshots of a user ordered by cycle.
	Snapshots(ctx context.Context, user UserID) ([]CycleSnapshot, error)
}
