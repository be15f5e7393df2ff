/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts and cycles:
    AccountDTO, CycleDTO, CycleSummaryDTO, SnapshotDTO

  Records:
    RecordDTO (wraps factory.CDRJSON), SizeDTO, BalanceDTO

  Batch:
    BatchResponse, BatchItemDTO

  Clock:
    ClockDTO, AdvanceClockRequest

AMOUNTS:
  Amounts are written as decimal strings. Request bodies for CDRs are
  parsed by the factory package, which also accepts numbers and tuples.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/cdr.go: CDRJSON type
*/
package api

import (
	"time"

	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/factory"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// AccountDTO represents a user's account in API responses.
type AccountDTO struct {
	UserID          string `json:"user_id"`
	FirstRecordTime uint64 `json:"first_record_time"`
	CreatedAt       string `json:"created_at"`
}

// CycleDTO is a billing cycle window. End is exclusive.
type CycleDTO struct {
	Index uint64 `json:"index"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// RecordDTO is a CDR with its location. Position is omitted where it is not
// known, e.g. in append responses.
type RecordDTO struct {
	Position *int            `json:"position,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Cycle    *uint64         `json:"cycle,omitempty"`
	CDR      factory.CDRJSON `json:"cdr"`
}

// SizeDTO is the number of records in a cycle.
type SizeDTO struct {
	Cycle uint64 `json:"cycle"`
	Size  int    `json:"size"`
}

// BalanceDTO is the outstanding balance under the configured rule.
type BalanceDTO struct {
	UserID  string         `json:"user_id"`
	Balance billing.Amount `json:"balance"`
	Rule    string         `json:"rule"`
}

// CycleSummaryDTO describes one cycle in a user's history.
type CycleSummaryDTO struct {
	CycleDTO
	Size      int            `json:"size"`
	TotalCost billing.Amount `json:"total_cost"`
	Current   bool           `json:"current"`
}

// SnapshotDTO is a closed cycle.
type SnapshotDTO struct {
	CycleDTO
	Size           int            `json:"size"`
	TotalCost      billing.Amount `json:"total_cost"`
	ClosingBalance billing.Amount `json:"closing_balance"`
	BalanceRule    string         `json:"balance_rule"`
	ClosedAt       string         `json:"closed_at"`
}

// BatchItemDTO is the outcome of one batch entry.
type BatchItemDTO struct {
	Index int     `json:"index"`
	Seq   uint64  `json:"seq,omitempty"`
	Cycle *uint64 `json:"cycle,omitempty"`
	Error string  `json:"error,omitempty"`
}

// BatchResponse summarizes a batch ingestion.
type BatchResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []BatchItemDTO `json:"results"`
}

// CloseCyclesResponse reports how many snapshots a manual close wrote.
type CloseCyclesResponse struct {
	Closed int `json:"closed"`
}

// ClockDTO is the engine's current time.
type ClockDTO struct {
	Now    uint64 `json:"now"`
	Manual bool   `json:"manual"`
}

// AdvanceClockRequest moves the manual clock forward.
type AdvanceClockRequest struct {
	Seconds uint64 `json:"seconds"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCycleDTO(c billing.Cycle) CycleDTO {
	return CycleDTO{Index: c.Index, Start: c.Start, End: c.End}
}

func toAccountDTO(a billing.Account) AccountDTO {
	return AccountDTO{
		UserID:          a.UserID.String(),
		FirstRecordTime: a.FirstRecordTime,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
	}
}

func toRecordDTOs(records []billing.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(records))
	for i, r := range records {
		pos, cycle := i, r.Cycle
		dtos[i] = RecordDTO{
			Position: &pos,
			Seq:      r.Seq,
			Cycle:    &cycle,
			CDR:      factory.ToJSON(r.CDR),
		}
	}
	return dtos
}

func toSnapshotDTO(s billing.CycleSnapshot) SnapshotDTO {
	return SnapshotDTO{
		CycleDTO:       toCycleDTO(s.Cycle),
		Size:           s.Size,
		TotalCost:      s.TotalCost,
		ClosingBalance: s.ClosingBalance,
		BalanceRule:    s.BalanceRule,
		ClosedAt:       s.ClosedAt.Format(time.RFC3339),
	}
}
