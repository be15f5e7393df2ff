/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations and the HTTP layer classify failures with these.

ERROR CATEGORIES:
  1. Position errors - OutOfRange on positional lookup or removal
  2. Validation errors - bad identifiers, amounts, configuration
  3. Lookup errors - UnknownUser for explicit account queries

USAGE:
  if errors.Is(err, billing.ErrOutOfRange) {
      var oor *billing.OutOfRangeError
      errors.As(err, &oor) // position and size that were checked
  }

SEE ALSO:
  - ledger.go: Engine operations returning these errors
  - api/handlers.go: HTTP status mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOutOfRange is returned when a position is not within [0, size) of
	// the resolved, possibly filtered, cycle sequence.
	ErrOutOfRange = errors.New("position out of range")

	// ErrUnknownUser is returned by Account lookups for a user with no
	// recorded history. Positional and size queries default to zero instead.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInvalidConfiguration is returned at construction for a zero or
	// negative cycle period, or a missing store.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidAmount is returned for negative or fractional amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidUserID is returned when a user identifier cannot be parsed.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStoreRequired is returned when an operation needs a capability the
	// configured store does not provide (e.g. snapshots).
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OutOfRangeError reports the position that was requested and the size of the
// sequence it was checked against.
type OutOfRangeError struct {
	UserID      UserID
	Cycle       uint64
	Position    int
	Size        int
	ServiceType *ServiceType // set for filtered lookups
}

func (e *OutOfRangeError) Error() string {
	if e.ServiceType != nil {
		return fmt.Sprintf("position %d out of range: %d records of service type %s in cycle %d",
			e.Position, e.Size, *e.ServiceType, e.Cycle)
	}
	return fmt.Sprintf("position %d out of range: %d records in cycle %d",
		e.Position, e.Size, e.Cycle)
}

func (e *OutOfRangeError) Unwrap() error {
	return ErrOutOfRange
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// IsNotFound returns true if the error indicates a missing user or record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrUnknownUser)
}

// errorKind labels an error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case IsClientError(err):
		return "invalid_input"
	default:
		return "internal"
	}
}
