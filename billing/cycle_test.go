package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cdr-ledger/billing"
)

func TestCycleIndex(t *testing.T) {
	cases := []struct {
		name       string
		first, now uint64
		period     uint64
		want       uint64
	}{
		{name: "same instant", first: 1000, now: 1000, period: 10, want: 0},
		{name: "inside first window", first: 1000, now: 1009, period: 10, want: 0},
		{name: "boundary instant opens the next window", first: 1000, now: 1010, period: 10, want: 1},
		{name: "many windows", first: 1727971507, now: 1727971507 + 12*7862400 + 5, period: 7862400, want: 12},
		{name: "now before first is cycle zero", first: 1000, now: 10, period: 10, want: 0},
		{name: "zero period is cycle zero", first: 0, now: 100, period: 0, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, billing.CycleIndex(tc.first, tc.now, tc.period))
		})
	}
}

func TestCycleIndex_Monotonic(t *testing.T) {
	// GIVEN: A fixed anchor
	// WHEN: Time advances one unit at a time
	// THEN: The index never decreases and steps by at most one
	prev := uint64(0)
	for now := uint64(500); now < 1500; now++ {
		got := billing.CycleIndex(500, now, 7)
		assert.GreaterOrEqual(t, got, prev)
		assert.LessOrEqual(t, got-prev, uint64(1))
		prev = got
	}
}

func TestNewCycleConfig_RejectsNonPositive(t *testing.T) {
	for _, period := range []int64{0, -1, -1000} {
		_, err := billing.NewCycleConfig(period)
		assert.ErrorIs(t, err, billing.ErrInvalidConfiguration, "period %d", period)
	}

	cc, err := billing.NewCycleConfig(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), cc.Period)
}

func TestCycleConfig_CycleFor(t *testing.T) {
	cc, err := billing.NewCycleConfig(1000)
	require.NoError(t, err)

	c := cc.CycleFor(5000, 6999)
	assert.Equal(t, billing.Cycle{Index: 1, Start: 6000, End: 7000}, c)
	assert.True(t, c.Contains(6000))
	assert.True(t, c.Contains(6999))
	assert.False(t, c.Contains(7000), "windows are right-open")
	assert.False(t, c.Contains(5999))

	assert.Equal(t, billing.Cycle{Index: 2, Start: 7000, End: 8000}, c.Next())
	assert.Equal(t, billing.Cycle{Index: 0, Start: 5000, End: 6000}, c.Previous())
	assert.Equal(t, c.Previous(), c.Previous().Previous(), "cycle zero has no predecessor")
	assert.Equal(t, "#1 [6000, 7000)", c.String())
}
