/*
reconciler.go - Contract billing reconciliation

PURPOSE:
  Brings the ledger in line with a contract. Two operations:

  GenerateInstallments:
    Schedules the contract, then inserts one entry per installment. The
    initial status comes from the StatusPolicy and the contract's current
    status. A duplicate (already generated) installment is skipped; any other
    insert failure is recorded and the batch continues.

  PropagateStatus:
    Rewrites the status of the contract's pending/overdue entries after the
    contract changes status. Paid, canceled and refunded entries are never
    touched.

IDEMPOTENCE:
  Generation relies on the ledger's (contract, type, competence) uniqueness,
  so concurrent or repeated calls leave one entry per month. Propagation
  computes target statuses from the contract status alone, so re-running it
  converges to the same end state.

FAILURE SEMANTICS:
  - Missing start date: MissingStartDateError, nothing written.
  - Query failure in PropagateStatus: returned, nothing changed.
  - Update failure in PropagateStatus: returned; rows already updated stay
    updated and a re-run finishes the job.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// RESULTS
// =============================================================================

// SkipReason explains why an installment produced no new entry.
type SkipReason string

const SkipAlreadyGenerated SkipReason = "already_generated"

type SkippedInstallment struct {
	Installment Installment
	Reason      SkipReason
}

type FailedInstallment struct {
	Installment Installment
	Err         error
}

// GenerationResult collects per-installment outcomes of one generation run.
type GenerationResult struct {
	Created []Entry
	Skipped []SkippedInstallment
	Failed  []FailedInstallment
}

// Complete reports whether every installment is now in the ledger.
func (r *GenerationResult) Complete() bool { return len(r.Failed) == 0 }

// PropagationResult summarizes a status propagation.
type PropagationResult struct {
	Matched int         // open entries found
	Updated int         // entries whose status was written
	Target  EntryStatus // set when the mapping is uniform
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Ledger    LedgerStore
	Clock     Clock
	Policy    StatusPolicy
	Scheduler Scheduler
	Log       zerolog.Logger
}

// NewReconciler wires a reconciler with the default policy and month cap.
func NewReconciler(ledger LedgerStore, clock Clock, log zerolog.Logger) *Reconciler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reconciler{
		Ledger:    ledger,
		Clock:     clock,
		Policy:    DefaultStatusPolicy(),
		Scheduler: Scheduler{MaxMonths: DefaultMaxMonths},
		Log:       log,
	}
}

// GenerateInstallments writes the contract's missing installments to the
// ledger and returns the entries it created. Bad contract dates are returned
// as client errors before anything is written.
func (r *Reconciler) GenerateInstallments(ctx context.Context, c Contract) (*GenerationResult, error) {
	if err := validateDates(c); err != nil {
		return nil, err
	}

	schedule := r.Scheduler.Compute(c.StartDate, c.EndDate, c.MonthlyAmount)
	result := &GenerationResult{}

	today := Today(r.Clock)
	for _, inst := range schedule.Installments {
		entry := r.entryFor(c, inst, today)

		saved, err := r.Ledger.Insert(ctx, entry)
		switch {
		case err == nil:
			result.Created = append(result.Created, saved)
		case errors.Is(err, ErrDuplicateInstallment):
			result.Skipped = append(result.Skipped, SkippedInstallment{
				Installment: inst,
				Reason:      SkipAlreadyGenerated,
			})
		default:
			r.Log.Warn().Err(err).
				Str("contract_id", c.ID).
				Str("contract_type", string(c.Type)).
				Str("competence", inst.Competence).
				Msg("failed to insert installment")
			result.Failed = append(result.Failed, FailedInstallment{Installment: inst, Err: err})
		}
	}

	r.Log.Info().
		Str("contract_id", c.ID).
		Str("contract_type", string(c.Type)).
		Int("created", len(result.Created)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Msg("installments generated")

	return result, nil
}

// validateDates rejects contracts the scheduler would silently plan as empty.
func validateDates(c Contract) error {
	raw := strings.TrimSpace(c.StartDate)
	if raw == "" {
		return &MissingStartDateError{ContractID: c.ID, ContractType: c.Type}
	}
	start, err := ParseDate(raw)
	if err != nil {
		return &MissingStartDateError{ContractID: c.ID, ContractType: c.Type, Value: raw}
	}

	if strings.TrimSpace(c.EndDate) == "" {
		return nil
	}
	end, err := ParseDate(c.EndDate)
	if err != nil {
		return fmt.Errorf("%w: %s contract %s has end date %q", ErrInvalidDate, c.Type, c.ID, c.EndDate)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: %s contract %s ends %s before it starts %s",
			ErrInvalidDate, c.Type, c.ID, end, start)
	}
	return nil
}

func (r *Reconciler) entryFor(c Contract, inst Installment, today Date) Entry {
	return Entry{
		ClientID:     c.ClientID,
		ContractID:   c.ID,
		ContractType: c.Type,
		Competence:   inst.Competence,
		DueDate:      inst.DueDate,
		Amount:       inst.Amount,
		Status:       r.Policy.StatusFor(c.Status, inst.DueDate, today),
		Description:  Describe(c, inst),
		Metadata: map[string]string{
			MetaContractID:   c.ID,
			MetaContractType: string(c.Type),
			MetaCompetence:   inst.Competence,
			MetaOrigin:       OriginAutomatic,
		},
	}
}

// Describe builds the entry description: "Plan: Gold (2025-01) - notes".
func Describe(c Contract, inst Installment) string {
	var b strings.Builder
	b.WriteString(c.Type.Label())
	if name := strings.TrimSpace(c.Name); name != "" {
		b.WriteString(": ")
		b.WriteString(name)
	}
	b.WriteString(" (")
	b.WriteString(inst.Competence)
	b.WriteString(")")
	if notes := strings.TrimSpace(c.Notes); notes != "" {
		b.WriteString(" - ")
		b.WriteString(notes)
	}
	return b.String()
}

// PropagateStatus applies a contract's new status to its open entries.
func (r *Reconciler) PropagateStatus(ctx context.Context, contractID string, contractType ContractType, status ContractStatus) (*PropagationResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContractStatus, status)
	}

	open, err := r.Ledger.QueryOpenByContract(ctx, contractID, contractType)
	if err != nil {
		return nil, fmt.Errorf("query open entries: %w", err)
	}

	result := &PropagationResult{Matched: len(open)}
	if len(open) == 0 {
		return result, nil
	}

	if target, ok := r.Policy.Uniform(status); ok {
		result.Target = target
		ids := make([]EntryID, 0, len(open))
		for _, e := range open {
			if e.Status != target {
				ids = append(ids, e.ID)
			}
		}
		if len(ids) > 0 {
			if err := r.Ledger.BulkUpdateStatus(ctx, ids, target); err != nil {
				return result, fmt.Errorf("bulk update to %s: %w", target, err)
			}
		}
		result.Updated = len(ids)
	} else {
		today := Today(r.Clock)
		for _, e := range open {
			target := r.Policy.StatusFor(status, e.DueDate, today)
			if target == e.Status {
				continue
			}
			if err := r.Ledger.UpdateStatus(ctx, e.ID, target); err != nil {
				return result, fmt.Errorf("update entry %s to %s: %w", e.ID, target, err)
			}
			result.Updated++
		}
	}

	r.Log.Info().
		Str("contract_id", contractID).
		Str("contract_type", string(contractType)).
		Str("status", string(status)).
		Int("matched", result.Matched).
		Int("updated", result.Updated).
		Msg("contract status propagated")

	return result, nil
}
