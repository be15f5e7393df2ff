// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/cdr-ledger/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	accounts  map[billing.UserID]*account
	records   map[key][]billing.Record
	snapshots map[key]billing.CycleSnapshot
}

type account struct {
	billing.Account
	nextSeq uint64
}

type key struct {
	UserID billing.UserID
	Cycle  uint64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[billing.UserID]*account),
		records:   make(map[key][]billing.Record),
		snapshots: make(map[key]billing.CycleSnapshot),
	}
}

// Append opens the account if needed and appends to the (user, cycle)
// sequence. Nothing can fail after the account is created, so the two steps
// are atomic under the lock.
func (m *Memory) Append(_ context.Context, user billing.UserID, anchor, cycle uint64, cdr billing.CDR) (billing.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[user]
	if !ok {
		acc = &account{Account: billing.Account{
			UserID:          user,
			FirstRecordTime: anchor,
			CreatedAt:       time.Now().UTC(),
		}}
		m.accounts[user] = acc
	}

	acc.nextSeq++
	rec := billing.Record{Seq: acc.nextSeq, Cycle: cycle, CDR: cdr}
	k := key{UserID: user, Cycle: cycle}
	m.records[k] = append(m.records[k], rec)
	return rec, nil
}

func (m *Memory) Account(_ context.Context, user billing.UserID) (billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[user]
	if !ok {
		return billing.Account{}, billing.ErrUnknownUser
	}
	return acc.Account, nil
}

func (m *Memory) Accounts(_ context.Context) ([]billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		result = append(result, acc.Account)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID.Hex() < result[j].UserID.Hex()
	})
	return result, nil
}

func (m *Memory) Count(_ context.Context, user billing.UserID, cycle uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[key{UserID: user, Cycle: cycle}]), nil
}

func (m *Memory) RecordAt(_ context.Context, user billing.UserID, cycle uint64, pos int) (billing.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seq := m.records[key{UserID: user, Cycle: cycle}]
	if pos < 0 || pos >= len(seq) {
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, len(seq), nil)
	}
	return seq[pos], nil
}

func (m *Memory) RecordAtService(_ context.Context, user billing.UserID, cycle uint64, pos int, serviceType billing.ServiceType) (billing.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := billing.FilterService(m.records[key{UserID: user, Cycle: cycle}], serviceType)
	if pos < 0 || pos >= len(matches) {
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, len(matches), &serviceType)
	}
	return matches[pos], nil
}

func (m *Memory) RemoveAt(_ context.Context, user billing.UserID, cycle uint64, pos int) (billing.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{UserID: user, Cycle: cycle}
	seq := m.records[k]
	if pos < 0 || pos >= len(seq) {
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, len(seq), nil)
	}

	removed := seq[pos]
	next := make([]billing.Record, 0, len(seq)-1)
	next = append(next, seq[:pos]...)
	next = append(next, seq[pos+1:]...)
	if len(next) == 0 {
		delete(m.records, k)
	} else {
		m.records[k] = next
	}
	return removed, nil
}

func (m *Memory) Records(_ context.Context, user billing.UserID, cycle uint64) ([]billing.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seq := m.records[key{UserID: user, Cycle: cycle}]
	result := make([]billing.Record, len(seq))
	copy(result, seq)
	return result, nil
}

func (m *Memory) Cycles(_ context.Context, user billing.UserID) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cycles []uint64
	for k, seq := range m.records {
		if k.UserID == user && len(seq) > 0 {
			cycles = append(cycles, k.Cycle)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	return cycles, nil
}

func (m *Memory) History(_ context.Context, user billing.UserID) ([]billing.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Record
	for k, seq := range m.records {
		if k.UserID == user {
			result = append(result, seq...)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, s billing.CycleSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{UserID: s.UserID, Cycle: s.Cycle.Index}
	if _, exists := m.snapshots[k]; exists {
		return false, nil
	}
	m.snapshots[k] = s
	return true, nil
}

func (m *Memory) Snapshot(_ context.Context, user billing.UserID, cycle uint64) (*billing.CycleSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[key{UserID: user, Cycle: cycle}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) Snapshots(_ context.Context, user billing.UserID) ([]billing.CycleSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.CycleSnapshot
	for k, s := range m.snapshots {
		if k.UserID == user {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Cycle.Index < result[j].Cycle.Index })
	return result, nil
}
