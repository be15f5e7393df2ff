package store_test

import (
	"testing"

	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/billing/store"
	"github.com/warp/cdr-ledger/billing/storetest"
)

var (
	_ billing.Store         = (*store.Memory)(nil)
	_ billing.SnapshotStore = (*store.Memory)(nil)
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) billing.Store {
		return store.NewMemory()
	})
}
