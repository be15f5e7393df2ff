package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLocks_QueriesDoNotGrowMap(t *testing.T) {
	ctx := context.Background()
	engine, err := New(&sliceStore{}, 100, WithClock(NewManualClock(1)))
	require.NoError(t, err)
	defer engine.Close()

	// GIVEN: Queries for users that never recorded anything
	for range 50 {
		user := NewUserID()
		_, err := engine.CurrentBillingCycleOf(ctx, user)
		require.NoError(t, err)
		_, err = engine.CurrentSizeOfCDRs(ctx, user)
		require.NoError(t, err)
		_, err = engine.OutstandingBalanceOf(ctx, user)
		require.NoError(t, err)
		_, _ = engine.CDROf(ctx, user, 0)
	}

	// THEN: No lock was allocated for them
	assert.Equal(t, 0, engine.locks.Size())

	// WHEN: A user writes
	user := NewUserID()
	_, err = engine.AddCDR(ctx, user, CDR{Cost: NewAmount(1), Balance: NewAmount(1)})
	require.NoError(t, err)

	// THEN: Exactly that user has a lock, and reads use it
	assert.Equal(t, 1, engine.locks.Size())
	n, err := engine.CurrentSizeOfCDRs(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, engine.locks.Size())
}
