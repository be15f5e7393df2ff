/*
balance.go - Outstanding balance aggregation

PURPOSE:
  Computes what a user currently owes by folding over their retained CDRs.
  Balance is never stored as a running total; it is always recomputed from
  the records, so removing a CDR is reflected immediately.

RULES:
  LatestSnapshot (default):
    Each CDR carries the account balance at insertion time. The outstanding
    balance is the Balance field of the most recently appended record that
    is still present (highest Seq). Removing that record falls back to the
    one appended before it.

  TotalCost:
    Sum of Cost over every retained record. Removing a record subtracts
    exactly its cost.

  Records are retained across cycles, so both rules span the user's whole
  stored history, not only the current cycle.

SEE ALSO:
  - ledger.go: OutstandingBalanceOf
  - snapshot.go: ClosingBalance of a closed cycle
*/
package billing

import "fmt"

// BalanceRule folds records into an outstanding balance. Records are passed
// ordered by Seq.
type BalanceRule interface {
	Name() string
	Aggregate(records []Record) Amount
}

const (
	BalanceRuleLatest    = "latest"
	BalanceRuleTotalCost = "total_cost"
)

// LatestSnapshot reports the balance snapshot of the newest retained record.
type LatestSnapshot struct{}

func (LatestSnapshot) Name() string { return BalanceRuleLatest }

func (LatestSnapshot) Aggregate(records []Record) Amount {
	var (
		latest Record
		found  bool
	)
	for _, r := range records {
		if !found || r.Seq > latest.Seq {
			latest, found = r, true
		}
	}
	if !found {
		return NewAmount(0)
	}
	return latest.CDR.Balance
}

// TotalCost sums the cost of every retained record.
type TotalCost struct{}

func (TotalCost) Name() string { return BalanceRuleTotalCost }

func (TotalCost) Aggregate(records []Record) Amount {
	total := NewAmount(0)
	for _, r := range records {
		total = total.Add(r.CDR.Cost)
	}
	return total
}

// BalanceRuleByName resolves a configured rule name.
func BalanceRuleByName(name string) (BalanceRule, error) {
	switch name {
	case "", BalanceRuleLatest:
		return LatestSnapshot{}, nil
	case BalanceRuleTotalCost:
		return TotalCost{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown balance rule %q", ErrInvalidConfiguration, name)
	}
}

// balanceThrough aggregates the records appended in cycles up to and
// including cycle.
func balanceThrough(rule BalanceRule, history []Record, cycle uint64) Amount {
	var upTo []Record
	for _, r := range history {
		if r.Cycle <= cycle {
			upTo = append(upTo, r)
		}
	}
	return rule.Aggregate(upTo)
}
