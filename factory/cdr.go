/*
Package factory provides JSON to Go CDR conversion and runtime assembly.

PURPOSE:
  Converts CDR payloads received over HTTP into billing.CDR values, and
  builds the store, clock and engine described by a config.Config.

JSON SCHEMA:
  A CDR is accepted in either of two shapes.

  Object:
    {"service_type": 1, "timestamp": 1727971507, "cost": "25", "balance": 1000}

  Tuple (service type, timestamp, cost, balance):
    [1, 1727971507, 25, "1000"]

  Amounts may be JSON numbers or decimal strings of any size. Timestamps
  are unsigned 64-bit. Service types fit in one byte.

  A batch is a list of entries:
    [{"user_id": "0x8ba1f109551bd432803012645ac136dd", "cdr": [1, 1727971507, 1, 1]}]

USAGE:
  cdr, err := factory.ParseCDR(body)
  entries, err := factory.ParseEntries(body)

SEE ALSO:
  - billing/types.go: CDR and Amount
  - factory/runtime.go: Config to engine
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/warp/cdr-ledger/billing"
)

// ErrInvalidCDR is returned for payloads that are neither a CDR object nor a
// four-element tuple.
var ErrInvalidCDR = errors.New("invalid cdr payload")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CDRJSON is the object representation of a CDR, as written in responses.
type CDRJSON struct {
	ServiceType billing.ServiceType `json:"service_type"`
	Timestamp   uint64              `json:"timestamp"`
	Cost        billing.Amount      `json:"cost"`
	Balance     billing.Amount      `json:"balance"`
}

// EntryJSON is one element of a batch.
type EntryJSON struct {
	UserID string          `json:"user_id"`
	CDR    json.RawMessage `json:"cdr"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseCDR decodes an object or tuple payload and validates it.
func ParseCDR(raw []byte) (billing.CDR, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return billing.CDR{}, fmt.Errorf("%w: empty body", ErrInvalidCDR)
	}

	var (
		cdr billing.CDR
		err error
	)
	switch trimmed[0] {
	case '{':
		cdr, err = parseObject(trimmed)
	case '[':
		cdr, err = parseTuple(trimmed)
	default:
		return billing.CDR{}, fmt.Errorf("%w: expected object or array", ErrInvalidCDR)
	}
	if err != nil {
		return billing.CDR{}, err
	}
	if err := cdr.Validate(); err != nil {
		return billing.CDR{}, err
	}
	return cdr, nil
}

// ParseEntries decodes a batch. Any malformed entry fails the whole batch;
// nothing has been applied at that point.
func ParseEntries(raw []byte) ([]billing.Entry, error) {
	var items []EntryJSON
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCDR, err)
	}

	entries := make([]billing.Entry, 0, len(items))
	for i, item := range items {
		user, err := billing.ParseUserID(item.UserID)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		cdr, err := ParseCDR(item.CDR)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, billing.Entry{UserID: user, CDR: cdr})
	}
	return entries, nil
}

// ToJSON converts a CDR to its object representation.
func ToJSON(cdr billing.CDR) CDRJSON {
	return CDRJSON{
		ServiceType: cdr.ServiceType,
		Timestamp:   cdr.Timestamp,
		Cost:        cdr.Cost,
		Balance:     cdr.Balance,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseObject(raw []byte) (billing.CDR, error) {
	var cj CDRJSON
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cj); err != nil {
		if errors.Is(err, billing.ErrInvalidAmount) {
			return billing.CDR{}, err
		}
		return billing.CDR{}, fmt.Errorf("%w: %v", ErrInvalidCDR, err)
	}
	return billing.CDR(cj), nil
}

func parseTuple(raw []byte) (billing.CDR, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return billing.CDR{}, fmt.Errorf("%w: %v", ErrInvalidCDR, err)
	}
	if len(fields) != 4 {
		return billing.CDR{}, fmt.Errorf("%w: tuple needs 4 fields, got %d", ErrInvalidCDR, len(fields))
	}

	st, err := parseUint(fields[0], 8)
	if err != nil {
		return billing.CDR{}, fmt.Errorf("%w: service type: %v", ErrInvalidCDR, err)
	}
	ts, err := parseUint(fields[1], 64)
	if err != nil {
		return billing.CDR{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidCDR, err)
	}
	cost, err := billing.ParseAmount(scalar(fields[2]))
	if err != nil {
		return billing.CDR{}, fmt.Errorf("cost: %w", err)
	}
	balance, err := billing.ParseAmount(scalar(fields[3]))
	if err != nil {
		return billing.CDR{}, fmt.Errorf("balance: %w", err)
	}

	return billing.CDR{
		ServiceType: billing.ServiceType(st),
		Timestamp:   ts,
		Cost:        cost,
		Balance:     balance,
	}, nil
}

// scalar strips the quotes of a JSON string so numbers and numeric strings
// parse the same way.
func scalar(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func parseUint(raw json.RawMessage, bits int) (uint64, error) {
	return strconv.ParseUint(scalar(raw), 10, bits)
}
