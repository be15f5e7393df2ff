package billing

import (
	"fmt"
	"math"
)

// =============================================================================
// CYCLE - The time window records are partitioned by
// =============================================================================

// Cycle is one billing window of a user, [Start, End) in timestamp units.
// Cycles are derived from the account anchor and are never stored.
//
// Examples (period 1000, first record at 5000):
//   - t=5000 → cycle 0, [5000, 6000)
//   - t=5999 → cycle 0
//   - t=6000 → cycle 1, [6000, 7000)
type Cycle struct {
	Index uint64
	Start uint64
	End   uint64
}

// Contains returns true if t falls within [Start, End).
func (c Cycle) Contains(t uint64) bool {
	return t >= c.Start && t < c.End
}

// Next returns the cycle following this one.
func (c Cycle) Next() Cycle {
	length := c.End - c.Start
	return Cycle{Index: c.Index + 1, Start: c.End, End: c.End + length}
}

// Previous returns the cycle before this one. Cycle zero has no predecessor
// and is returned unchanged.
func (c Cycle) Previous() Cycle {
	if c.Index == 0 {
		return c
	}
	length := c.End - c.Start
	return Cycle{Index: c.Index - 1, Start: c.Start - length, End: c.Start}
}

func (c Cycle) String() string {
	return fmt.Sprintf("#%d [%d, %d)", c.Index, c.Start, c.End)
}

// =============================================================================
// CYCLE CALCULATOR
// =============================================================================

// CycleIndex returns floor((now - first) / period). A now before first is the
// degenerate case and maps to cycle 0. period must be positive.
func CycleIndex(first, now, period uint64) uint64 {
	if now <= first || period == 0 {
		return 0
	}
	return (now - first) / period
}

// CycleConfig holds the configured cycle length.
type CycleConfig struct {
	Period uint64
}

// NewCycleConfig validates the period. Zero and negative periods fail with
// ErrInvalidConfiguration.
func NewCycleConfig(period int64) (CycleConfig, error) {
	if period <= 0 {
		return CycleConfig{}, fmt.Errorf("%w: cycle period must be positive, got %d", ErrInvalidConfiguration, period)
	}
	return CycleConfig{Period: uint64(period)}, nil
}

// IndexFor returns the cycle index of now for an account anchored at first.
func (cc CycleConfig) IndexFor(first, now uint64) uint64 {
	return CycleIndex(first, now, cc.Period)
}

// CycleFor returns the window containing now for an account anchored at
// first.
func (cc CycleConfig) CycleFor(first, now uint64) Cycle {
	return cc.Window(first, cc.IndexFor(first, now))
}

// Window returns the window of cycle index for an account anchored at first.
// The last window before math.MaxUint64 ends there.
func (cc CycleConfig) Window(first, index uint64) Cycle {
	start := first + index*cc.Period
	end := start + cc.Period
	if end < start {
		end = math.MaxUint64
	}
	return Cycle{Index: index, Start: start, End: end}
}
