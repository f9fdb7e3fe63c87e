/*
store.go - Persistence interfaces used by the billing engine

The ledger is the system of record for entries; the Reconciler only
orchestrates. Every write must be safe to retry:

  - Insert rejects a second entry for the same (contract, type, competence)
    with ErrDuplicateInstallment.
  - UpdateStatus / BulkUpdateStatus only touch entries that are still
    pending or overdue, so a paid entry is never rewritten even if it was
    settled between the query and the update.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
*/
package billing

import "context"

// LedgerStore is what the Reconciler needs from the ledger.
type LedgerStore interface {
	// Insert persists a new entry and returns it as stored (ID and
	// CreatedAt filled in). Returns ErrDuplicateInstallment on conflict.
	Insert(ctx context.Context, entry Entry) (Entry, error)

	// QueryOpenByContract returns the pending and overdue entries of a
	// contract, ordered by due date.
	QueryOpenByContract(ctx context.Context, contractID string, contractType ContractType) ([]Entry, error)

	// BulkUpdateStatus sets the status of every listed open entry in one call.
	BulkUpdateStatus(ctx context.Context, ids []EntryID, status EntryStatus) error

	// UpdateStatus sets the status of one open entry.
	UpdateStatus(ctx context.Context, id EntryID, status EntryStatus) error
}

// LedgerReader exposes ledger lookups to the application layer.
type LedgerReader interface {
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)
	EntriesByContract(ctx context.Context, contractID string, contractType ContractType) ([]Entry, error)
}

// Settler records a payment against an open entry.
type Settler interface {
	Settle(ctx context.Context, id EntryID, paidOn Date) error
}

// Ledger is the full ledger surface implemented by the stores.
type Ledger interface {
	LedgerStore
	LedgerReader
	Settler
}

// ContractStore provides contract records. The engine itself never writes
// contracts; SaveContract serves the surrounding application.
type ContractStore interface {
	SaveContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id string, contractType ContractType) (*Contract, error)
	ListContracts(ctx context.Context) ([]Contract, error)
	ListContractsByStatus(ctx context.Context, statuses ...ContractStatus) ([]Contract, error)
}

// Store bundles both stores.
type Store interface {
	Ledger
	ContractStore
}

