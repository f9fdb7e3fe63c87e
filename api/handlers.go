/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes contracts, the receivables ledger and the Reconciler over REST.
  Handlers parse and validate input, delegate to billing.Reconciler or the
  store, and serialize the result.

ENDPOINTS:
  Contracts:
    GET    /api/contracts                          List contracts
    POST   /api/contracts                          Create or replace a contract
    GET    /api/contracts/{type}/{id}              Get contract
    POST   /api/contracts/{type}/{id}/installments Generate installments
    PUT    /api/contracts/{type}/{id}/status       Change status and propagate
    GET    /api/contracts/{type}/{id}/entries      Ledger entries of a contract

  Ledger:
    POST   /api/entries/{id}/settle                Mark an entry paid

  Tools:
    POST   /api/schedule/preview                   Compute a schedule, no writes
    POST   /api/reconciliation/sweep               Run the status sweep now

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 404: Contract or entry not found
  - 409: Entry is not open
  - 422: Dates produce no installments
  - 500: Store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Periodic sweep
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/agency-billing/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      billing.Store
	Reconciler *billing.Reconciler
	Log        zerolog.Logger
}

// NewHandler creates a handler whose reconciler writes to the same store.
func NewHandler(store billing.Store, reconciler *billing.Reconciler, log zerolog.Logger) *Handler {
	return &Handler{
		Store:      store,
		Reconciler: reconciler,
		Log:        log,
	}
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.Store.ListContracts(r.Context())
	if err != nil {
		h.writeDomainError(w, "failed to list contracts", err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveContract(w http.ResponseWriter, r *http.Request) {
	var req SaveContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	contract, err := contractFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contract", err)
		return
	}

	ctx := r.Context()
	if err := h.Store.SaveContract(ctx, contract); err != nil {
		h.writeDomainError(w, "failed to save contract", err)
		return
	}

	saved, err := h.Store.GetContract(ctx, contract.ID, contract.Type)
	if err != nil {
		h.writeDomainError(w, "failed to load contract", err)
		return
	}

	resp := SaveContractResponse{Contract: toContractDTO(*saved)}
	if req.Generate {
		result, err := h.Reconciler.GenerateInstallments(ctx, *saved)
		if err != nil {
			h.writeDomainError(w, "contract saved but installments were not generated", err)
			return
		}
		resp.Generation = toGenerationDTO(result)
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	contract, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*contract))
}

// GenerateInstallments writes the contract's missing installments. Re-running
// it is safe: installments already in the ledger come back as skipped.
func (h *Handler) GenerateInstallments(w http.ResponseWriter, r *http.Request) {
	contract, ok := h.loadContract(w, r)
	if !ok {
		return
	}

	result, err := h.Reconciler.GenerateInstallments(r.Context(), *contract)
	if err != nil {
		h.writeDomainError(w, "failed to generate installments", err)
		return
	}

	writeJSON(w, http.StatusOK, toGenerationDTO(result))
}

// ChangeStatus stores the contract's new status and then propagates it to the
// open ledger entries. The status is saved first so a failed propagation can
// be retried by repeating the request or left to the sweep.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	status := billing.ContractStatus(strings.TrimSpace(req.Status))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status",
			fmt.Errorf("%w: %q", billing.ErrInvalidContractStatus, req.Status))
		return
	}

	contract, ok := h.loadContract(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	contract.Status = status
	if err := h.Store.SaveContract(ctx, *contract); err != nil {
		h.writeDomainError(w, "failed to save contract", err)
		return
	}

	result, err := h.Reconciler.PropagateStatus(ctx, contract.ID, contract.Type, status)
	if err != nil {
		h.writeDomainError(w, "status saved but propagation did not complete", err)
		return
	}

	writeJSON(w, http.StatusOK, ChangeStatusResponse{
		Contract:    toContractDTO(*contract),
		Propagation: toPropagationDTO(result),
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	contract, ok := h.loadContract(w, r)
	if !ok {
		return
	}

	entries, err := h.Store.EntriesByContract(r.Context(), contract.ID, contract.Type)
	if err != nil {
		h.writeDomainError(w, "failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// LEDGER
// =============================================================================

// SettleEntry marks an open entry as paid. The payment date defaults to today.
func (h *Handler) SettleEntry(w http.ResponseWriter, r *http.Request) {
	id := billing.EntryID(chi.URLParam(r, "id"))

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	paidOn := billing.Today(h.Reconciler.Clock)
	if strings.TrimSpace(req.PaymentDate) != "" {
		d, err := billing.ParseDate(req.PaymentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payment_date", err)
			return
		}
		paidOn = d
	}

	ctx := r.Context()
	if err := h.Store.Settle(ctx, id, paidOn); err != nil {
		h.writeDomainError(w, "failed to settle entry", err)
		return
	}

	entry, err := h.Store.GetEntry(ctx, id)
	if err != nil {
		h.writeDomainError(w, "failed to load entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*entry))
}

// =============================================================================
// TOOLS
// =============================================================================

// PreviewSchedule runs the scheduler without touching the ledger.
func (h *Handler) PreviewSchedule(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	schedule := h.Reconciler.Scheduler.Compute(req.StartDate, req.EndDate, req.MonthlyAmount)
	if schedule.Empty() {
		writeError(w, http.StatusUnprocessableEntity, "dates produce no installments",
			fmt.Errorf("start %q, end %q", req.StartDate, req.EndDate))
		return
	}

	writeJSON(w, http.StatusOK, toPreviewDTO(schedule))
}

// TriggerSweep runs the reconciliation sweep synchronously.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Sweep(r.Context())
	if err != nil {
		h.writeDomainError(w, "sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SweepStatuses are the contract statuses whose entries keep changing after
// the status itself stopped changing: finished contracts accrue overdue
// entries as days pass, canceled ones may hold stragglers from a failed run.
var SweepStatuses = []billing.ContractStatus{billing.ContractFinished, billing.ContractCanceled}

// Sweep re-propagates the current status of every finished or canceled
// contract. A failing contract is logged and counted; the sweep continues.
func (h *Handler) Sweep(ctx context.Context) (SweepDTO, error) {
	contracts, err := h.Store.ListContractsByStatus(ctx, SweepStatuses...)
	if err != nil {
		return SweepDTO{}, fmt.Errorf("list contracts: %w", err)
	}

	summary := SweepDTO{Contracts: len(contracts)}
	for _, c := range contracts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := h.Reconciler.PropagateStatus(ctx, c.ID, c.Type, c.Status)
		if result != nil {
			summary.Updated += result.Updated
		}
		if err != nil {
			summary.Failed++
			h.Log.Warn().Err(err).
				Str("contract_id", c.ID).
				Str("contract_type", string(c.Type)).
				Msg("sweep: propagation failed")
		}
	}
	return summary, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// loadContract resolves {type}/{id} from the URL. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) loadContract(w http.ResponseWriter, r *http.Request) (*billing.Contract, bool) {
	contractType := billing.ContractType(chi.URLParam(r, "type"))
	if !contractType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid contract type",
			fmt.Errorf("%w: %q", billing.ErrInvalidContractType, contractType))
		return nil, false
	}

	contract, err := h.Store.GetContract(r.Context(), chi.URLParam(r, "id"), contractType)
	if err != nil {
		h.writeDomainError(w, "failed to load contract", err)
		return nil, false
	}
	return contract, true
}

func contractFromRequest(req SaveContractRequest) (billing.Contract, error) {
	c := billing.Contract{
		ID:            strings.TrimSpace(req.ID),
		ClientID:      strings.TrimSpace(req.ClientID),
		Type:          billing.ContractType(strings.TrimSpace(req.Type)),
		StartDate:     strings.TrimSpace(req.StartDate),
		EndDate:       strings.TrimSpace(req.EndDate),
		MonthlyAmount: req.MonthlyAmount,
		Status:        billing.ContractStatus(strings.TrimSpace(req.Status)),
		Name:          strings.TrimSpace(req.Name),
		Notes:         strings.TrimSpace(req.Notes),
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = billing.ContractActive
	}

	if c.ClientID == "" {
		return c, errors.New("client_id is required")
	}
	if !c.Type.Valid() {
		return c, fmt.Errorf("%w: %q", billing.ErrInvalidContractType, req.Type)
	}
	if !c.Status.Valid() {
		return c, fmt.Errorf("%w: %q", billing.ErrInvalidContractStatus, req.Status)
	}
	if c.StartDate != "" {
		if _, err := billing.ParseDate(c.StartDate); err != nil {
			return c, fmt.Errorf("start_date: %w", err)
		}
	}
	if c.EndDate != "" {
		if _, err := billing.ParseDate(c.EndDate); err != nil {
			return c, fmt.Errorf("end_date: %w", err)
		}
	}
	if c.MonthlyAmount.IsNegative() {
		return c, errors.New("monthly_amount must not be negative")
	}
	return c, nil
}

func toPropagationDTO(r *billing.PropagationResult) PropagationDTO {
	return PropagationDTO{
		Matched: r.Matched,
		Updated: r.Updated,
		Target:  string(r.Target),
	}
}

// writeDomainError maps billing errors to HTTP statuses. Anything
// unrecognized is a 500 and gets logged.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case billing.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
