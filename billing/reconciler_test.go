package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/agency-billing/billing"
	"github.com/warp/agency-billing/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// "now" for every reconciler test: 2025-03-15
var testNow = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

func newTestReconciler(ledger billing.LedgerStore) *billing.Reconciler {
	return billing.NewReconciler(ledger, billing.FixedClock{At: testNow}, zerolog.Nop())
}

func planContract(status billing.ContractStatus) billing.Contract {
	return billing.Contract{
		ID:            "ctr-1",
		ClientID:      "client-1",
		Type:          billing.ContractPlan,
		StartDate:     "2025-01-10",
		EndDate:       "2025-06-10",
		MonthlyAmount: dec("1500"),
		Status:        status,
		Name:          "Growth",
		Notes:         "social media",
	}
}

func statuses(entries []billing.Entry) map[string]billing.EntryStatus {
	out := make(map[string]billing.EntryStatus, len(entries))
	for _, e := range entries {
		out[e.Competence] = e.Status
	}
	return out
}

// flakyLedger fails inserts for chosen competences and can fail queries/updates.
type flakyLedger struct {
	*store.Memory
	failInsert map[string]error
	failQuery  error
	failUpdate error
	bulkCalls  int
	rowCalls   int
}

func (f *flakyLedger) Insert(ctx context.Context, e billing.Entry) (billing.Entry, error) {
	if err, ok := f.failInsert[e.Competence]; ok {
		return billing.Entry{}, err
	}
	return f.Memory.Insert(ctx, e)
}

func (f *flakyLedger) QueryOpenByContract(ctx context.Context, id string, t billing.ContractType) ([]billing.Entry, error) {
	if f.failQuery != nil {
		return nil, f.failQuery
	}
	return f.Memory.QueryOpenByContract(ctx, id, t)
}

func (f *flakyLedger) BulkUpdateStatus(ctx context.Context, ids []billing.EntryID, s billing.EntryStatus) error {
	f.bulkCalls++
	if f.failUpdate != nil {
		return f.failUpdate
	}
	return f.Memory.BulkUpdateStatus(ctx, ids, s)
}

func (f *flakyLedger) UpdateStatus(ctx context.Context, id billing.EntryID, s billing.EntryStatus) error {
	f.rowCalls++
	if f.failUpdate != nil && f.rowCalls > 1 {
		return f.failUpdate
	}
	return f.Memory.UpdateStatus(ctx, id, s)
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerate_ActiveContract_AllPending(t *testing.T) {
	mem := store.NewMemory()
	r := newTestReconciler(mem)
	ctx := context.Background()

	result, err := r.GenerateInstallments(ctx, planContract(billing.ContractActive))
	require.NoError(t, err)

	require.Len(t, result.Created, 6)
	assert.Empty(t, result.Skipped)
	assert.Empty(t, result.Failed)
	assert.True(t, result.Complete())

	first := result.Created[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "client-1", first.ClientID)
	assert.Equal(t, "2025-01", first.Competence)
	assert.Equal(t, "2025-01-10", first.DueDate.String())
	assert.Equal(t, "1500.00", first.Amount.StringFixed(2))
	assert.Equal(t, billing.EntryPending, first.Status)
	assert.Equal(t, "Plan: Growth (2025-01) - social media", first.Description)
	assert.Equal(t, map[string]string{
		billing.MetaContractID:   "ctr-1",
		billing.MetaContractType: "plan",
		billing.MetaCompetence:   "2025-01",
		billing.MetaOrigin:       billing.OriginAutomatic,
	}, first.Metadata)

	for i := 1; i < len(result.Created); i++ {
		assert.True(t, result.Created[i-1].DueDate.Before(result.Created[i].DueDate), "ascending due dates")
	}
}

func TestGenerate_InitialStatusFollowsContractStatus(t *testing.T) {
	// Today is 2025-03-15: Jan 10, Feb 10 and Mar 10 are past, Apr-Jun are not.
	tests := []struct {
		status billing.ContractStatus
		want   map[string]billing.EntryStatus
	}{
		{billing.ContractCanceled, map[string]billing.EntryStatus{
			"2025-01": billing.EntryCanceled, "2025-02": billing.EntryCanceled, "2025-03": billing.EntryCanceled,
			"2025-04": billing.EntryCanceled, "2025-05": billing.EntryCanceled, "2025-06": billing.EntryCanceled,
		}},
		{billing.ContractFinished, map[string]billing.EntryStatus{
			"2025-01": billing.EntryOverdue, "2025-02": billing.EntryOverdue, "2025-03": billing.EntryOverdue,
			"2025-04": billing.EntryPending, "2025-05": billing.EntryPending, "2025-06": billing.EntryPending,
		}},
		{billing.ContractPaused, map[string]billing.EntryStatus{
			"2025-01": billing.EntryPending, "2025-02": billing.EntryPending, "2025-03": billing.EntryPending,
			"2025-04": billing.EntryPending, "2025-05": billing.EntryPending, "2025-06": billing.EntryPending,
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := newTestReconciler(store.NewMemory())

			result, err := r.GenerateInstallments(context.Background(), planContract(tt.status))
			require.NoError(t, err)
			assert.Equal(t, tt.want, statuses(result.Created))
		})
	}
}

func TestGenerate_FinishedContract_DueTodayIsPending(t *testing.T) {
	c := planContract(billing.ContractFinished)
	c.StartDate = "2025-03-15"
	c.EndDate = "2025-03-15"

	result, err := newTestReconciler(store.NewMemory()).GenerateInstallments(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, billing.EntryPending, result.Created[0].Status)
}

func TestGenerate_Twice_NoDuplicates(t *testing.T) {
	// GIVEN: installments already generated for a contract
	// WHEN: generating again with unchanged parameters
	// THEN: nothing new is created and every installment is reported as skipped

	mem := store.NewMemory()
	r := newTestReconciler(mem)
	ctx := context.Background()
	c := planContract(billing.ContractActive)

	first, err := r.GenerateInstallments(ctx, c)
	require.NoError(t, err)
	require.Len(t, first.Created, 6)

	second, err := r.GenerateInstallments(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Skipped, 6)
	for _, s := range second.Skipped {
		assert.Equal(t, billing.SkipAlreadyGenerated, s.Reason)
	}

	entries, err := mem.EntriesByContract(ctx, c.ID, c.Type)
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	ids := make(map[billing.EntryID]bool)
	for _, e := range first.Created {
		ids[e.ID] = true
	}
	for _, e := range entries {
		assert.True(t, ids[e.ID], "ledger holds exactly the entries of the first run")
	}
}

func TestGenerate_SameIDDifferentType_Independent(t *testing.T) {
	mem := store.NewMemory()
	r := newTestReconciler(mem)
	ctx := context.Background()

	plan := planContract(billing.ContractActive)
	service := plan
	service.Type = billing.ContractService
	service.Name = "SEO audit"

	_, err := r.GenerateInstallments(ctx, plan)
	require.NoError(t, err)
	result, err := r.GenerateInstallments(ctx, service)
	require.NoError(t, err)

	assert.Len(t, result.Created, 6)
	assert.Equal(t, "Standalone service: SEO audit (2025-01) - social media", result.Created[0].Description)
}

func TestGenerate_PartialFailure_ContinuesBatch(t *testing.T) {
	// GIVEN: the ledger rejects the February insert with a transient error
	// WHEN: generating
	// THEN: the other five installments are still created

	ledger := &flakyLedger{
		Memory:     store.NewMemory(),
		failInsert: map[string]error{"2025-02": errors.New("connection reset")},
	}
	r := newTestReconciler(ledger)

	result, err := r.GenerateInstallments(context.Background(), planContract(billing.ContractActive))
	require.NoError(t, err)

	assert.Len(t, result.Created, 5)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "2025-02", result.Failed[0].Installment.Competence)
	assert.EqualError(t, result.Failed[0].Err, "connection reset")
	assert.False(t, result.Complete())

	// A retry fills the gap and skips the rest.
	ledger.failInsert = nil
	retry, err := r.GenerateInstallments(context.Background(), planContract(billing.ContractActive))
	require.NoError(t, err)
	require.Len(t, retry.Created, 1)
	assert.Equal(t, "2025-02", retry.Created[0].Competence)
	assert.Len(t, retry.Skipped, 5)
}

func TestGenerate_WrappedConflictIsSkipped(t *testing.T) {
	ledger := &flakyLedger{
		Memory: store.NewMemory(),
		failInsert: map[string]error{
			"2025-03": &billing.DuplicateInstallmentError{Key: billing.EntryKey{ContractID: "ctr-1", Competence: "2025-03"}},
		},
	}

	result, err := newTestReconciler(ledger).GenerateInstallments(context.Background(), planContract(billing.ContractActive))
	require.NoError(t, err)
	assert.Len(t, result.Created, 5)
	assert.Len(t, result.Skipped, 1)
	assert.Empty(t, result.Failed)
}

func TestGenerate_MissingStartDate(t *testing.T) {
	c := planContract(billing.ContractActive)
	c.StartDate = "  "

	result, err := newTestReconciler(store.NewMemory()).GenerateInstallments(context.Background(), c)

	assert.Nil(t, result)
	var missing *billing.MissingStartDateError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ctr-1", missing.ContractID)
	assert.ErrorIs(t, err, billing.ErrMissingStartDate)
	assert.True(t, billing.IsClientError(err))
}

func TestGenerate_UnparseableStartDate(t *testing.T) {
	mem := store.NewMemory()
	c := planContract(billing.ContractActive)
	c.StartDate = "2025-13-45"

	result, err := newTestReconciler(mem).GenerateInstallments(context.Background(), c)

	assert.Nil(t, result)
	var missing *billing.MissingStartDateError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "2025-13-45", missing.Value)
	assert.Contains(t, err.Error(), "invalid start date")
	assert.True(t, billing.IsClientError(err))

	entries, err := mem.EntriesByContract(context.Background(), c.ID, c.Type)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerate_BadEndDate_InvalidDate(t *testing.T) {
	tests := []struct {
		name string
		end  string
	}{
		{"unparseable", "2025-06-31"},
		{"inverted range", "2024-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A contract whose end date cannot produce installments
			mem := store.NewMemory()
			c := planContract(billing.ContractActive)
			c.EndDate = tt.end

			// WHEN: Generation is requested
			result, err := newTestReconciler(mem).GenerateInstallments(context.Background(), c)

			// THEN: The caller gets a client error and nothing is written
			assert.Nil(t, result)
			assert.ErrorIs(t, err, billing.ErrInvalidDate)
			assert.True(t, billing.IsClientError(err))

			entries, err := mem.EntriesByContract(context.Background(), c.ID, c.Type)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestGenerate_OpenEnded_FirstInstallmentOnly(t *testing.T) {
	c := planContract(billing.ContractActive)
	c.EndDate = ""

	result, err := newTestReconciler(store.NewMemory()).GenerateInstallments(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, "2025-01-10", result.Created[0].DueDate.String())
}

// =============================================================================
// STATUS PROPAGATION
// =============================================================================

func generated(t *testing.T, ledger billing.LedgerStore, status billing.ContractStatus) *billing.GenerationResult {
	t.Helper()
	result, err := newTestReconciler(ledger).GenerateInstallments(context.Background(), planContract(status))
	require.NoError(t, err)
	return result
}

func TestPropagate_Canceled_Convergent(t *testing.T) {
	// GIVEN: three open entries
	// WHEN: canceling the contract twice
	// THEN: all three are canceled after the first call; the second matches nothing

	mem := store.NewMemory()
	ctx := context.Background()
	c := planContract(billing.ContractActive)
	c.EndDate = "2025-03-10"
	_, err := newTestReconciler(mem).GenerateInstallments(ctx, c)
	require.NoError(t, err)

	r := newTestReconciler(mem)
	first, err := r.PropagateStatus(ctx, c.ID, c.Type, billing.ContractCanceled)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Matched)
	assert.Equal(t, 3, first.Updated)
	assert.Equal(t, billing.EntryCanceled, first.Target)

	second, err := r.PropagateStatus(ctx, c.ID, c.Type, billing.ContractCanceled)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Matched)

	entries, err := mem.EntriesByContract(ctx, c.ID, c.Type)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, billing.EntryCanceled, e.Status)
	}
}

func TestPropagate_NeverTouchesPaid(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	result := generated(t, mem, billing.ContractActive)

	paid := result.Created[0]
	require.NoError(t, mem.Settle(ctx, paid.ID, billing.MustParseDate("2025-01-12")))

	_, err := newTestReconciler(mem).PropagateStatus(ctx, "ctr-1", billing.ContractPlan, billing.ContractCanceled)
	require.NoError(t, err)

	got, err := mem.GetEntry(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPaid, got.Status)
	require.NotNil(t, got.PaymentDate)
	assert.Equal(t, "2025-01-12", got.PaymentDate.String())
}

func TestPropagate_Finished_PerEntryDueDateCheck(t *testing.T) {
	ledger := &flakyLedger{Memory: store.NewMemory()}
	ctx := context.Background()
	generated(t, ledger, billing.ContractActive)

	result, err := newTestReconciler(ledger).PropagateStatus(ctx, "ctr-1", billing.ContractPlan, billing.ContractFinished)
	require.NoError(t, err)

	assert.Equal(t, 6, result.Matched)
	assert.Equal(t, 3, result.Updated, "only past-due entries change")
	assert.Equal(t, 0, ledger.bulkCalls)
	assert.Equal(t, 3, ledger.rowCalls)

	entries, err := ledger.EntriesByContract(ctx, "ctr-1", billing.ContractPlan)
	require.NoError(t, err)
	assert.Equal(t, map[string]billing.EntryStatus{
		"2025-01": billing.EntryOverdue, "2025-02": billing.EntryOverdue, "2025-03": billing.EntryOverdue,
		"2025-04": billing.EntryPending, "2025-05": billing.EntryPending, "2025-06": billing.EntryPending,
	}, statuses(entries))
}

func TestPropagate_Paused_NormalizesOverdueToPending(t *testing.T) {
	ledger := &flakyLedger{Memory: store.NewMemory()}
	ctx := context.Background()
	generated(t, ledger, billing.ContractFinished)

	result, err := newTestReconciler(ledger).PropagateStatus(ctx, "ctr-1", billing.ContractPlan, billing.ContractPaused)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Matched)
	assert.Equal(t, 3, result.Updated, "only the overdue entries change")
	assert.Equal(t, 1, ledger.bulkCalls, "uniform mapping is a single batch update")
	assert.Equal(t, 0, ledger.rowCalls)

	entries, err := ledger.EntriesByContract(ctx, "ctr-1", billing.ContractPlan)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, billing.EntryPending, e.Status)
	}
}

func TestPropagate_UniformMapping_CountsOnlyChangedRows(t *testing.T) {
	// GIVEN: Six pending entries of an active contract
	ledger := &flakyLedger{Memory: store.NewMemory()}
	ctx := context.Background()
	generated(t, ledger, billing.ContractActive)

	// WHEN: The same status is propagated again
	result, err := newTestReconciler(ledger).PropagateStatus(ctx, "ctr-1", billing.ContractPlan, billing.ContractActive)

	// THEN: Everything matches, nothing is written
	require.NoError(t, err)
	assert.Equal(t, 6, result.Matched)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, billing.EntryPending, result.Target)
	assert.Equal(t, 0, ledger.bulkCalls)
}

func TestPropagate_QueryFailure_Aborts(t *testing.T) {
	ledger := &flakyLedger{Memory: store.NewMemory(), failQuery: errors.New("timeout")}

	result, err := newTestReconciler(ledger).PropagateStatus(context.Background(), "ctr-1", billing.ContractPlan, billing.ContractCanceled)

	assert.Nil(t, result)
	assert.ErrorContains(t, err, "timeout")
	assert.Equal(t, 0, ledger.bulkCalls)
}

func TestPropagate_PartialRowFailure_ConvergesOnRetry(t *testing.T) {
	// GIVEN: the second per-row update fails
	// WHEN: propagating "finished", then retrying after the store recovers
	// THEN: the first row stays updated and the retry finishes the rest

	ledger := &flakyLedger{Memory: store.NewMemory()}
	ctx := context.Background()
	generated(t, ledger, billing.ContractActive)
	r := newTestReconciler(ledger)

	ledger.failUpdate = errors.New("write failed")
	result, err := r.PropagateStatus(ctx, "ctr-1", billing.ContractPlan, billing.ContractFinished)
	require.Error(t, err)
	assert.Equal(t, 1, result.Updated)

	ledger.failUpdate = nil
	_, err = r.PropagateStatus(ctx, "ctr-1", billing.ContractPlan, billing.ContractFinished)
	require.NoError(t, err)

	entries, err := ledger.EntriesByContract(ctx, "ctr-1", billing.ContractPlan)
	require.NoError(t, err)
	overdue := 0
	for _, e := range entries {
		if e.Status == billing.EntryOverdue {
			overdue++
		}
	}
	assert.Equal(t, 3, overdue)
}

func TestPropagate_InvalidStatus(t *testing.T) {
	_, err := newTestReconciler(store.NewMemory()).PropagateStatus(context.Background(), "ctr-1", billing.ContractPlan, "archived")

	assert.ErrorIs(t, err, billing.ErrInvalidContractStatus)
	assert.True(t, billing.IsClientError(err))
}
