/*
Package billing provides the recurring billing engine of the agency CRM.

PURPOSE:
  Clients sign contracts for a recurring plan or a standalone service. Each
  contract bills a flat monthly amount between a start date and an optional
  end date. This package turns a contract into monthly installments, writes
  them into the ledger exactly once, and keeps unpaid ledger entries in line
  with the contract's status.

KEY CONCEPTS IN THIS FILE (types.go):
  - Contract: what the client signed (dates, amount, status)
  - Installment: one computed monthly bill, never stored as-is
  - Entry: the ledger row an installment becomes
  - Competence: the YYYY-MM month an installment bills for

COMPONENTS:
  1. Scheduler (schedule.go): pure date sequencing, no I/O
  2. StatusPolicy (policy.go): contract status x due-date position -> entry status
  3. Reconciler (reconciler.go): generation and status propagation

USAGE:
  r := billing.NewReconciler(ledger, billing.SystemClock{}, log)
  result, err := r.GenerateInstallments(ctx, contract)

SEE ALSO:
  - store.go: ledger and contract store interfaces
  - billing/store/memory.go: in-memory stores
  - store/sqlite/sqlite.go: SQLite stores
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRACT
// =============================================================================

// ContractType discriminates the two contract tables sharing one shape.
type ContractType string

const (
	ContractPlan    ContractType = "plan"
	ContractService ContractType = "service"
)

func (t ContractType) Valid() bool {
	return t == ContractPlan || t == ContractService
}

// Label is the human-readable name used in entry descriptions.
func (t ContractType) Label() string {
	switch t {
	case ContractPlan:
		return "Plan"
	case ContractService:
		return "Standalone service"
	default:
		return string(t)
	}
}

type ContractStatus string

const (
	ContractActive   ContractStatus = "active"
	ContractPaused   ContractStatus = "paused"
	ContractCanceled ContractStatus = "canceled"
	ContractFinished ContractStatus = "finished"
)

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractActive, ContractPaused, ContractCanceled, ContractFinished:
		return true
	}
	return false
}

// Contract is a client's agreement to a recurring plan or service.
// StartDate and EndDate are kept as delivered by the contract store
// (YYYY-MM-DD); an empty EndDate means the contract is open-ended.
type Contract struct {
	ID            string
	ClientID      string
	Type          ContractType
	StartDate     string
	EndDate       string
	MonthlyAmount decimal.Decimal
	Status        ContractStatus
	Name          string // plan or service name
	Notes         string
	UpdatedAt     time.Time
}

// =============================================================================
// INSTALLMENT - Computed, never persisted directly
// =============================================================================

type Installment struct {
	DueDate    Date
	Competence string
	Amount     decimal.Decimal
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryID string

type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryPaid     EntryStatus = "paid"
	EntryOverdue  EntryStatus = "overdue"
	EntryCanceled EntryStatus = "canceled"
	EntryRefunded EntryStatus = "refunded"
)

// Open reports whether status propagation may still rewrite the entry.
func (s EntryStatus) Open() bool {
	return s == EntryPending || s == EntryOverdue
}

// Origin values for the "origin" metadata key.
const (
	OriginAutomatic = "automatic"
	OriginManual    = "manual"
)

// Metadata keys set on generated entries.
const (
	MetaContractID   = "contract_id"
	MetaContractType = "contract_type"
	MetaCompetence   = "competence"
	MetaOrigin       = "origin"
)

// Entry is one monthly bill in the ledger. At most one entry exists per
// (ContractID, ContractType, Competence).
type Entry struct {
	ID           EntryID
	ClientID     string
	ContractID   string
	ContractType ContractType
	Competence   string
	DueDate      Date
	Amount       decimal.Decimal
	Status       EntryStatus
	PaymentDate  *Date
	Description  string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// EntryKey is the uniqueness key of a ledger entry.
type EntryKey struct {
	ContractID   string
	ContractType ContractType
	Competence   string
}

func (e Entry) Key() EntryKey {
	return EntryKey{ContractID: e.ContractID, ContractType: e.ContractType, Competence: e.Competence}
}
