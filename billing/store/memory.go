// Package store provides in-memory billing stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/agency-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory ledger + contracts (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	entries   map[billing.EntryID]billing.Entry
	keys      map[billing.EntryKey]billing.EntryID
	contracts map[contractKey]billing.Contract
}

type contractKey struct {
	ID   string
	Type billing.ContractType
}

func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[billing.EntryID]billing.Entry),
		keys:      make(map[billing.EntryKey]billing.EntryID),
		contracts: make(map[contractKey]billing.Contract),
	}
}

var _ billing.Store = (*Memory)(nil)

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) Insert(_ context.Context, e billing.Entry) (billing.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[e.Key()]; exists {
		return billing.Entry{}, &billing.DuplicateInstallmentError{Key: e.Key()}
	}
	if e.ID == "" {
		e.ID = billing.EntryID(uuid.NewString())
	}
	if _, exists := m.entries[e.ID]; exists {
		return billing.Entry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Metadata = copyMetadata(e.Metadata)

	m.entries[e.ID] = e
	m.keys[e.Key()] = e.ID
	return e, nil
}

func (m *Memory) QueryOpenByContract(_ context.Context, contractID string, contractType billing.ContractType) ([]billing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterLocked(func(e billing.Entry) bool {
		return e.ContractID == contractID && e.ContractType == contractType && e.Status.Open()
	}), nil
}

func (m *Memory) BulkUpdateStatus(_ context.Context, ids []billing.EntryID, status billing.EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		m.updateLocked(id, status)
	}
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id billing.EntryID, status billing.EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateLocked(id, status)
	return nil
}

// updateLocked only rewrites entries that are still open.
func (m *Memory) updateLocked(id billing.EntryID, status billing.EntryStatus) {
	e, ok := m.entries[id]
	if !ok || !e.Status.Open() {
		return
	}
	e.Status = status
	m.entries[id] = e
}

func (m *Memory) GetEntry(_ context.Context, id billing.EntryID) (*billing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, billing.ErrEntryNotFound
	}
	e.Metadata = copyMetadata(e.Metadata)
	return &e, nil
}

func (m *Memory) EntriesByContract(_ context.Context, contractID string, contractType billing.ContractType) ([]billing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterLocked(func(e billing.Entry) bool {
		return e.ContractID == contractID && e.ContractType == contractType
	}), nil
}

func (m *Memory) Settle(_ context.Context, id billing.EntryID, paidOn billing.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return billing.ErrEntryNotFound
	}
	if !e.Status.Open() {
		return billing.ErrEntryNotOpen
	}
	e.Status = billing.EntryPaid
	e.PaymentDate = &paidOn
	m.entries[id] = e
	return nil
}

// filterLocked returns matching entries ordered by due date.
func (m *Memory) filterLocked(match func(billing.Entry) bool) []billing.Entry {
	result := []billing.Entry{}
	for _, e := range m.entries {
		if match(e) {
			e.Metadata = copyMetadata(e.Metadata)
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (m *Memory) SaveContract(_ context.Context, c billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.UpdatedAt = time.Now().UTC()
	m.contracts[contractKey{ID: c.ID, Type: c.Type}] = c
	return nil
}

func (m *Memory) GetContract(_ context.Context, id string, contractType billing.ContractType) (*billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[contractKey{ID: id, Type: contractType}]
	if !ok {
		return nil, billing.ErrContractNotFound
	}
	return &c, nil
}

func (m *Memory) ListContracts(ctx context.Context) ([]billing.Contract, error) {
	return m.ListContractsByStatus(ctx)
}

// ListContractsByStatus returns contracts in any of the given statuses, or
// every contract when none are given.
func (m *Memory) ListContractsByStatus(_ context.Context, statuses ...billing.ContractStatus) ([]billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[billing.ContractStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	result := []billing.Contract{}
	for _, c := range m.contracts {
		if len(want) == 0 || want[c.Status] {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
