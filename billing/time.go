package billing

import (
	"math"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Source of the current logical time
// =============================================================================

// Clock supplies "now" in timestamp units (seconds). The engine reads it once
// per operation.
type Clock interface {
	Now() uint64
}

// SystemClock reads wall-clock Unix seconds.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ManualClock only moves when told to. It stands in for block production
// when driving the ledger from tests or a simulation.
type ManualClock struct {
	mu  sync.RWMutex
	now uint64
}

func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d seconds and returns the new time. The
// clock stops at math.MaxUint64 instead of wrapping.
func (c *ManualClock) Advance(d uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > math.MaxUint64-c.now {
		c.now = math.MaxUint64
	} else {
		c.now += d
	}
	return c.now
}

// Set moves the clock to t. Moving backwards is ignored; time never
// decreases.
func (c *ManualClock) Set(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

// UnixTime converts a timestamp to time.Time for display.
func UnixTime(ts uint64) time.Time {
	return time.Unix(int64(ts), 0).UTC()
}
