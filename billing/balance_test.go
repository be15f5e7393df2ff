package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cdr-ledger/billing"
)

func rec(seq, cycle uint64, cost, bal int64) billing.Record {
	return billing.Record{Seq: seq, Cycle: cycle, CDR: cdr(billing.ServiceVoice, 0, cost, bal)}
}

func TestLatestSnapshot(t *testing.T) {
	rule := billing.LatestSnapshot{}

	assert.True(t, rule.Aggregate(nil).IsZero(), "no records owe nothing")

	// Out of order on purpose: the highest Seq wins, not the last element.
	got := rule.Aggregate([]billing.Record{rec(1, 0, 5, 100), rec(3, 1, 5, 90), rec(2, 0, 5, 95)})
	assert.Equal(t, "90", got.String())
}

func TestTotalCost(t *testing.T) {
	rule := billing.TotalCost{}

	assert.True(t, rule.Aggregate(nil).IsZero())
	got := rule.Aggregate([]billing.Record{rec(1, 0, 5, 100), rec(2, 0, 7, 93), rec(3, 2, 11, 82)})
	assert.Equal(t, "23", got.String())
}

func TestBalanceRuleByName(t *testing.T) {
	for name, want := range map[string]string{
		"":           billing.BalanceRuleLatest,
		"latest":     billing.BalanceRuleLatest,
		"total_cost": billing.BalanceRuleTotalCost,
	} {
		rule, err := billing.BalanceRuleByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, rule.Name())
	}

	_, err := billing.BalanceRuleByName("average")
	assert.ErrorIs(t, err, billing.ErrInvalidConfiguration)
}
