/*
errors.go - Error types for the billing engine

ERROR CATEGORIES:
  1. Validation - bad or missing contract data (client error)
  2. Conflict   - installment already in the ledger (expected, no-op)
  3. Store      - anything the ledger or contract store reports otherwise

Conflicts are never surfaced as failures by the Reconciler; they are counted
as skipped installments. Store failures on a single insert are recorded in
the GenerationResult; query failures abort PropagateStatus.
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingStartDate is returned when generation is requested for a
	// contract without a start date.
	ErrMissingStartDate = errors.New("contract has no start date")

	// ErrDuplicateInstallment is returned by a LedgerStore when an entry with
	// the same (contract, type, competence) already exists.
	ErrDuplicateInstallment = errors.New("installment already generated")

	ErrInvalidContractStatus = errors.New("invalid contract status")
	ErrInvalidContractType   = errors.New("invalid contract type")
	ErrInvalidDate           = errors.New("invalid date")

	ErrContractNotFound = errors.New("contract not found")
	ErrEntryNotFound    = errors.New("ledger entry not found")

	// ErrEntryNotOpen is returned when settling an entry that is no longer
	// pending or overdue.
	ErrEntryNotOpen = errors.New("ledger entry is not open")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type MissingStartDateError struct {
	ContractID   string
	ContractType ContractType
	Value        string // the unparseable start date, empty when absent
}

func (e *MissingStartDateError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("cannot generate installments for %s contract %s: invalid start date %q",
			e.ContractType, e.ContractID, e.Value)
	}
	return fmt.Sprintf("cannot generate installments for %s contract %s: no start date",
		e.ContractType, e.ContractID)
}

func (e *MissingStartDateError) Unwrap() error {
	return ErrMissingStartDate
}

// DuplicateInstallmentError carries the uniqueness key that collided.
type DuplicateInstallmentError struct {
	Key EntryKey
}

func (e *DuplicateInstallmentError) Error() string {
	return fmt.Sprintf("installment %s already generated for %s contract %s",
		e.Key.Competence, e.Key.ContractType, e.Key.ContractID)
}

func (e *DuplicateInstallmentError) Unwrap() error {
	return ErrDuplicateInstallment
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingStartDate) ||
		errors.Is(err, ErrInvalidContractStatus) ||
		errors.Is(err, ErrInvalidContractType) ||
		errors.Is(err, ErrInvalidDate)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateInstallment) ||
		errors.Is(err, ErrEntryNotOpen)
}
