/*
Package billing provides the per-subscriber CDR ledger engine.

PURPOSE:
  This package records usage events (Call Detail Records), partitions them
  into billing cycles derived from elapsed time, and answers questions about
  cycle position, record contents and outstanding balance. Storage is
  pluggable: the same engine runs over memory, SQLite or Redis.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserID: 16-byte opaque subscriber identifier
  - ServiceType: small enumerator for the kind of usage (voice, data, SMS)
  - Amount: non-negative integer quantity (cost, balance snapshot)
  - CDR: an immutable usage event
  - Record: a CDR as stored, with its append sequence and cycle
  - Account: the per-user anchor that fixes cycle zero

DESIGN PRINCIPLES:
  1. Immutability: CDRs are never modified, only removed whole
  2. Precision: Amounts use decimal.Decimal, no silent truncation
  3. Derivation: cycles and balances are computed, never stored as state

USAGE:
  engine, err := billing.New(store.NewMemory(), 30*24*3600)
  _, err = engine.AddCDR(ctx, user, billing.CDR{
      ServiceType: billing.ServiceVoice,
      Timestamp:   1727971507,
      Cost:        billing.NewAmount(1),
      Balance:     billing.NewAmount(1),
  })

SEE ALSO:
  - cycle.go: Cycle index calculation
  - store.go: Record store interface
  - balance.go: Outstanding balance rules
  - ledger.go: Engine facade
*/
package billing

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// USER ID - 16-byte opaque subscriber identifier
// =============================================================================

// UserID identifies a subscriber. The engine never interprets its contents.
type UserID [16]byte

// NewUserID returns a random identifier.
func NewUserID() UserID {
	return UserID(uuid.New())
}

// ParseUserID accepts 32 hex digits (optionally 0x-prefixed) or the dashed
// UUID form.
func ParseUserID(s string) (UserID, error) {
	raw := strings.TrimSpace(s)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return UserID{}, fmt.Errorf("%w: %q", ErrInvalidUserID, s)
	}
	return UserID(u), nil
}

// MustParseUserID is ParseUserID for constants in tests and fixtures.
func MustParseUserID(s string) UserID {
	id, err := ParseUserID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the identifier as 0x-prefixed hex, the bytes16 wire form.
func (u UserID) String() string { return "0x" + hex.EncodeToString(u[:]) }

// Hex renders the identifier without prefix. Used as a storage key.
func (u UserID) Hex() string { return hex.EncodeToString(u[:]) }

func (u UserID) IsZero() bool { return u == UserID{} }

func (u UserID) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *UserID) UnmarshalText(b []byte) error {
	id, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// =============================================================================
// SERVICE TYPE
// =============================================================================

// ServiceType identifies the kind of usage a CDR records. Any uint8 value is
// accepted; the named values are the ones the engine reports in metrics.
type ServiceType uint8

const (
	ServiceUnspecified ServiceType = 0
	ServiceVoice       ServiceType = 1
	ServiceData        ServiceType = 2
	ServiceSMS         ServiceType = 3
)

func (s ServiceType) String() string {
	switch s {
	case ServiceUnspecified:
		return "unspecified"
	case ServiceVoice:
		return "voice"
	case ServiceData:
		return "data"
	case ServiceSMS:
		return "sms"
	default:
		return strconv.Itoa(int(s))
	}
}

// =============================================================================
// AMOUNT - Non-negative integer quantity
// =============================================================================

// Amount is an unbounded, non-negative integer. It carries both the cost of a
// CDR and the balance snapshot recorded alongside it.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(v int64) Amount { return Amount{Value: decimal.NewFromInt(v)} }

func NewAmountFromUint(v uint64) Amount {
	return Amount{Value: decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)}
}

// ParseAmount parses base-10 integer text. Negative values fail with
// ErrInvalidAmount, as do fractions and exponent forms such as "1e5": the
// digits written are the digits stored.
func ParseAmount(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, s)
	}
	a := Amount{Value: decimal.NewFromBigInt(v, 0)}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// Validate rejects values the ledger cannot represent as unsigned integers.
func (a Amount) Validate() error {
	if a.Value.IsNegative() {
		return fmt.Errorf("%w: negative value %s", ErrInvalidAmount, a.Value)
	}
	if !a.Value.Equal(a.Value.Truncate(0)) {
		return fmt.Errorf("%w: fractional value %s", ErrInvalidAmount, a.Value)
	}
	return nil
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) IsZero() bool        { return a.Value.IsZero() }
func (a Amount) String() string      { return a.Value.String() }

// MarshalJSON encodes the amount as a decimal string so values beyond 2^53
// survive JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value.String())
}

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// =============================================================================
// CDR - Call Detail Record
// =============================================================================

// CDR is a single usage event. Immutable once stored.
type CDR struct {
	ServiceType ServiceType `json:"service_type"`
	Timestamp   uint64      `json:"timestamp"`
	Cost        Amount      `json:"cost"`
	Balance     Amount      `json:"balance"`
}

func (c CDR) Validate() error {
	if err := c.Cost.Validate(); err != nil {
		return fmt.Errorf("cost: %w", err)
	}
	if err := c.Balance.Validate(); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	return nil
}

// Record is a CDR as held by a Store.
//
// Seq is assigned by the store on append and increases strictly per user, so
// it orders records across cycles. Cycle is the index the record was
// appended under.
type Record struct {
	Seq   uint64
	Cycle uint64
	CDR   CDR
}

// =============================================================================
// ACCOUNT - Implicit per-user anchor
// =============================================================================

// Account is created on a user's first append. FirstRecordTime anchors cycle
// zero and never changes afterwards.
type Account struct {
	UserID          UserID
	FirstRecordTime uint64
	CreatedAt       time.Time
}

// CycleSummary describes one stored cycle of a user.
type CycleSummary struct {
	Cycle     Cycle
	Size      int
	TotalCost Amount
	Current   bool
}
