// Package storetest holds the behavior every billing.Store implementation
// must share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cdr-ledger/billing"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) billing.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s billing.Store)
	}{
		{"UnknownUser", testUnknownUser},
		{"AppendOpensAccountOnce", testAppendOpensAccountOnce},
		{"PositionalOrder", testPositionalOrder},
		{"CycleIsolation", testCycleIsolation},
		{"ServiceFilter", testServiceFilter},
		{"RemoveReindexes", testRemoveReindexes},
		{"RemoveOutOfRangeLeavesSequence", testRemoveOutOfRange},
		{"HistoryOrderedBySeq", testHistoryOrderedBySeq},
		{"LargeValuesRoundTrip", testLargeValues},
		{"Accounts", testAccounts},
		{"Snapshots", testSnapshots},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func cdr(st billing.ServiceType, ts uint64, cost, balance int64) billing.CDR {
	return billing.CDR{
		ServiceType: st,
		Timestamp:   ts,
		Cost:        billing.NewAmount(cost),
		Balance:     billing.NewAmount(balance),
	}
}

// AssertCDR compares CDRs by value; decimal representations may differ.
func AssertCDR(t *testing.T, want, got billing.CDR) {
	t.Helper()
	assert.Equal(t, want.ServiceType, got.ServiceType, "service type")
	assert.Equal(t, want.Timestamp, got.Timestamp, "timestamp")
	assert.True(t, want.Cost.Equal(got.Cost), "cost: want %s, got %s", want.Cost, got.Cost)
	assert.True(t, want.Balance.Equal(got.Balance), "balance: want %s, got %s", want.Balance, got.Balance)
}

func mustAppend(t *testing.T, s billing.Store, user billing.UserID, anchor, cycle uint64, c billing.CDR) billing.Record {
	t.Helper()
	rec, err := s.Append(context.Background(), user, anchor, cycle, c)
	require.NoError(t, err)
	return rec
}

func assertOutOfRange(t *testing.T, err error, pos, size int) {
	t.Helper()
	require.ErrorIs(t, err, billing.ErrOutOfRange)
	var oor *billing.OutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, pos, oor.Position)
	assert.Equal(t, size, oor.Size)
}

// =============================================================================
// CASES
// =============================================================================

func testUnknownUser(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	_, err := s.Account(ctx, user)
	assert.ErrorIs(t, err, billing.ErrUnknownUser)

	n, err := s.Count(ctx, user, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.RecordAt(ctx, user, 0, 0)
	assertOutOfRange(t, err, 0, 0)

	_, err = s.RemoveAt(ctx, user, 0, 0)
	assertOutOfRange(t, err, 0, 0)

	cycles, err := s.Cycles(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, cycles)

	history, err := s.History(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testAppendOpensAccountOnce(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	mustAppend(t, s, user, 1000, 0, cdr(billing.ServiceVoice, 1000, 1, 1))
	mustAppend(t, s, user, 9999, 3, cdr(billing.ServiceVoice, 4000, 1, 1))

	acc, err := s.Account(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, user, acc.UserID)
	assert.Equal(t, uint64(1000), acc.FirstRecordTime, "anchor is fixed by the first append")
	assert.WithinDuration(t, time.Now(), acc.CreatedAt, time.Minute)
}

func testPositionalOrder(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	var want []billing.CDR
	for i := 0; i < 5; i++ {
		c := cdr(billing.ServiceData, uint64(100+i), int64(i), int64(10*i))
		want = append(want, c)
		rec := mustAppend(t, s, user, 100, 0, c)
		assert.Equal(t, uint64(0), rec.Cycle)
	}

	n, err := s.Count(ctx, user, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for i, w := range want {
		rec, err := s.RecordAt(ctx, user, 0, i)
		require.NoError(t, err)
		AssertCDR(t, w, rec.CDR)
	}

	_, err = s.RecordAt(ctx, user, 0, 5)
	assertOutOfRange(t, err, 5, 5)
	_, err = s.RecordAt(ctx, user, 0, -1)
	assertOutOfRange(t, err, -1, 5)

	records, err := s.Records(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, w := range want {
		AssertCDR(t, w, records[i].CDR)
	}
}

func testCycleIsolation(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceVoice, 1, 1, 1))
	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceVoice, 2, 1, 1))
	mustAppend(t, s, user, 0, 2, cdr(billing.ServiceSMS, 2001, 3, 3))

	n0, err := s.Count(ctx, user, 0)
	require.NoError(t, err)
	n1, err := s.Count(ctx, user, 1)
	require.NoError(t, err)
	n2, err := s.Count(ctx, user, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, []int{n0, n1, n2})

	rec, err := s.RecordAt(ctx, user, 2, 0)
	require.NoError(t, err)
	AssertCDR(t, cdr(billing.ServiceSMS, 2001, 3, 3), rec.CDR)

	cycles, err := s.Cycles(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2}, cycles)

	// Other users do not see these records.
	n, err := s.Count(ctx, billing.NewUserID(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testServiceFilter(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceVoice, 1, 1, 1))
	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceData, 2, 2, 2))
	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceVoice, 3, 3, 3))
	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceData, 4, 4, 4))
	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceData, 5, 5, 5))

	for i, ts := range []uint64{2, 4, 5} {
		rec, err := s.RecordAtService(ctx, user, 0, i, billing.ServiceData)
		require.NoError(t, err)
		assert.Equal(t, ts, rec.CDR.Timestamp)
	}
	_, err := s.RecordAtService(ctx, user, 0, 3, billing.ServiceData)
	assertOutOfRange(t, err, 3, 3)

	_, err = s.RecordAtService(ctx, user, 0, 0, billing.ServiceSMS)
	assertOutOfRange(t, err, 0, 0)
	var oor *billing.OutOfRangeError
	require.ErrorAs(t, err, &oor)
	require.NotNil(t, oor.ServiceType)
	assert.Equal(t, billing.ServiceSMS, *oor.ServiceType)
}

func testRemoveReindexes(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	for i := 0; i < 5; i++ {
		mustAppend(t, s, user, 0, 1, cdr(billing.ServiceVoice, uint64(i), int64(i), int64(i)))
	}

	removed, err := s.RemoveAt(ctx, user, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), removed.CDR.Timestamp)

	records, err := s.Records(ctx, user, 1)
	require.NoError(t, err)
	var got []uint64
	for _, r := range records {
		got = append(got, r.CDR.Timestamp)
	}
	assert.Equal(t, []uint64{0, 1, 2, 4}, got)

	rec, err := s.RecordAt(ctx, user, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.CDR.Timestamp, "record formerly at 4 is now at 3")

	// Emptying a cycle removes it from the cycle listing.
	for i := 0; i < 4; i++ {
		_, err := s.RemoveAt(ctx, user, 1, 0)
		require.NoError(t, err)
	}
	cycles, err := s.Cycles(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, cycles)

	// The account outlives its records.
	_, err = s.Account(ctx, user)
	assert.NoError(t, err)
}

func testRemoveOutOfRange(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceVoice, 1, 1, 1))
	mustAppend(t, s, user, 0, 0, cdr(billing.ServiceVoice, 2, 1, 1))

	_, err := s.RemoveAt(ctx, user, 0, 2)
	assertOutOfRange(t, err, 2, 2)
	_, err = s.RemoveAt(ctx, user, 0, -1)
	assertOutOfRange(t, err, -1, 2)

	n, err := s.Count(ctx, user, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testHistoryOrderedBySeq(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	var seqs []uint64
	for cycle := uint64(0); cycle < 3; cycle++ {
		for i := 0; i < 2; i++ {
			rec := mustAppend(t, s, user, 0, cycle, cdr(billing.ServiceVoice, cycle*10+uint64(i), 1, int64(cycle)))
			seqs = append(seqs, rec.Seq)
		}
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "seq increases per append")
	}

	_, err := s.RemoveAt(ctx, user, 1, 0)
	require.NoError(t, err)

	history, err := s.History(ctx, user)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Seq, history[i-1].Seq)
	}
	assert.Equal(t, []uint64{0, 0, 1, 2, 2}, []uint64{
		history[0].Cycle, history[1].Cycle, history[2].Cycle, history[3].Cycle, history[4].Cycle,
	})
}

func testLargeValues(t *testing.T, s billing.Store) {
	ctx := context.Background()
	user := billing.NewUserID()

	huge, err := billing.ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	c := billing.CDR{
		ServiceType: 255,
		Timestamp:   ^uint64(0),
		Cost:        huge,
		Balance:     billing.NewAmount(0),
	}
	mustAppend(t, s, user, ^uint64(0)-1, ^uint64(0)>>1, c)

	rec, err := s.RecordAt(ctx, user, ^uint64(0)>>1, 0)
	require.NoError(t, err)
	AssertCDR(t, c, rec.CDR)

	acc, err := s.Account(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0)-1, acc.FirstRecordTime)
}

func testAccounts(t *testing.T, s billing.Store) {
	ctx := context.Background()
	a, b := billing.NewUserID(), billing.NewUserID()

	mustAppend(t, s, a, 10, 0, cdr(billing.ServiceVoice, 10, 1, 1))
	mustAppend(t, s, b, 20, 0, cdr(billing.ServiceVoice, 20, 1, 1))
	mustAppend(t, s, a, 10, 0, cdr(billing.ServiceVoice, 30, 1, 1))

	accounts, err := s.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	anchors := map[billing.UserID]uint64{}
	for _, acc := range accounts {
		anchors[acc.UserID] = acc.FirstRecordTime
	}
	assert.Equal(t, map[billing.UserID]uint64{a: 10, b: 20}, anchors)
}

func testSnapshots(t *testing.T, s billing.Store) {
	ss, ok := s.(billing.SnapshotStore)
	if !ok {
		t.Skip("store does not implement SnapshotStore")
	}
	ctx := context.Background()
	user := billing.NewUserID()

	got, err := ss.Snapshot(ctx, user, 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := func(idx uint64, bal int64) billing.CycleSnapshot {
		return billing.CycleSnapshot{
			UserID:         user,
			Cycle:          billing.Cycle{Index: idx, Start: idx * 100, End: (idx + 1) * 100},
			Size:           2,
			TotalCost:      billing.NewAmount(7),
			ClosingBalance: billing.NewAmount(bal),
			BalanceRule:    billing.BalanceRuleLatest,
			ClosedAt:       time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	saved, err := ss.SaveSnapshot(ctx, snap(1, 5))
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = ss.SaveSnapshot(ctx, snap(0, 3))
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = ss.SaveSnapshot(ctx, snap(1, 99))
	require.NoError(t, err)
	assert.False(t, saved, "snapshots are written once")

	got, err = ss.Snapshot(ctx, user, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, billing.Cycle{Index: 1, Start: 100, End: 200}, got.Cycle)
	assert.Equal(t, 2, got.Size)
	assert.True(t, got.ClosingBalance.Equal(billing.NewAmount(5)))
	assert.True(t, got.TotalCost.Equal(billing.NewAmount(7)))
	assert.Equal(t, billing.BalanceRuleLatest, got.BalanceRule)
	assert.True(t, got.ClosedAt.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))

	all, err := ss.Snapshots(ctx, user)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(0), all[0].Cycle.Index)
	assert.Equal(t, uint64(1), all[1].Cycle.Index)
}
