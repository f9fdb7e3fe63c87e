/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

Amounts are decimal strings with two places ("1500.00"); dates are
YYYY-MM-DD.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/agency-billing/billing"
)

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	Type          string `json:"type"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date,omitempty"`
	MonthlyAmount string `json:"monthly_amount"`
	Status        string `json:"status"`
	Name          string `json:"name,omitempty"`
	Notes         string `json:"notes,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// SaveContractRequest creates or replaces a contract. With Generate set, the
// contract's installments are generated right after it is saved.
type SaveContractRequest struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"client_id"`
	Type          string          `json:"type"`
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	Status        string          `json:"status"`
	Name          string          `json:"name"`
	Notes         string          `json:"notes"`
	Generate      bool            `json:"generate"`
}

type SaveContractResponse struct {
	Contract   ContractDTO    `json:"contract"`
	Generation *GenerationDTO `json:"generation,omitempty"`
}

type ChangeStatusRequest struct {
	Status string `json:"status"`
}

type ChangeStatusResponse struct {
	Contract    ContractDTO    `json:"contract"`
	Propagation PropagationDTO `json:"propagation"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID           string            `json:"id"`
	ClientID     string            `json:"client_id"`
	ContractID   string            `json:"contract_id"`
	ContractType string            `json:"contract_type"`
	Competence   string            `json:"competence"`
	DueDate      string            `json:"due_date"`
	Amount       string            `json:"amount"`
	Status       string            `json:"status"`
	PaymentDate  string            `json:"payment_date,omitempty"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
}

type SettleRequest struct {
	PaymentDate string `json:"payment_date"`
}

// GenerationDTO reports the outcome of an installment generation so an
// operator can decide whether to re-run it.
type GenerationDTO struct {
	CreatedCount int                    `json:"created_count"`
	SkippedCount int                    `json:"skipped_count"`
	FailedCount  int                    `json:"failed_count"`
	Created      []EntryDTO             `json:"created"`
	Skipped      []InstallmentDTO       `json:"skipped"`
	Failed       []FailedInstallmentDTO `json:"failed"`
}

type InstallmentDTO struct {
	DueDate    string `json:"due_date"`
	Competence string `json:"competence"`
	Amount     string `json:"amount"`
}

type FailedInstallmentDTO struct {
	InstallmentDTO
	Error string `json:"error"`
}

type PropagationDTO struct {
	Matched int    `json:"matched"`
	Updated int    `json:"updated"`
	Target  string `json:"target,omitempty"`
}

// =============================================================================
// SCHEDULE PREVIEW
// =============================================================================

type PreviewRequest struct {
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
}

type PreviewDTO struct {
	Count         int              `json:"count"`
	MonthlyAmount string           `json:"monthly_amount"`
	Total         string           `json:"total"`
	Installments  []InstallmentDTO `json:"installments"`
}

// =============================================================================
// RECONCILIATION SWEEP
// =============================================================================

type SweepDTO struct {
	Contracts int `json:"contracts"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toContractDTO(c billing.Contract) ContractDTO {
	dto := ContractDTO{
		ID:            c.ID,
		ClientID:      c.ClientID,
		Type:          string(c.Type),
		StartDate:     c.StartDate,
		EndDate:       c.EndDate,
		MonthlyAmount: c.MonthlyAmount.StringFixed(2),
		Status:        string(c.Status),
		Name:          c.Name,
		Notes:         c.Notes,
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = c.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTO(e billing.Entry) EntryDTO {
	dto := EntryDTO{
		ID:           string(e.ID),
		ClientID:     e.ClientID,
		ContractID:   e.ContractID,
		ContractType: string(e.ContractType),
		Competence:   e.Competence,
		DueDate:      e.DueDate.String(),
		Amount:       e.Amount.StringFixed(2),
		Status:       string(e.Status),
		Description:  e.Description,
		Metadata:     e.Metadata,
	}
	if e.PaymentDate != nil {
		dto.PaymentDate = e.PaymentDate.String()
	}
	if !e.CreatedAt.IsZero() {
		dto.CreatedAt = e.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTOs(entries []billing.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toInstallmentDTO(inst billing.Installment) InstallmentDTO {
	return InstallmentDTO{
		DueDate:    inst.DueDate.String(),
		Competence: inst.Competence,
		Amount:     inst.Amount.StringFixed(2),
	}
}

func toGenerationDTO(r *billing.GenerationResult) *GenerationDTO {
	dto := &GenerationDTO{
		CreatedCount: len(r.Created),
		SkippedCount: len(r.Skipped),
		FailedCount:  len(r.Failed),
		Created:      toEntryDTOs(r.Created),
		Skipped:      make([]InstallmentDTO, len(r.Skipped)),
		Failed:       make([]FailedInstallmentDTO, len(r.Failed)),
	}
	for i, s := range r.Skipped {
		dto.Skipped[i] = toInstallmentDTO(s.Installment)
	}
	for i, f := range r.Failed {
		dto.Failed[i] = FailedInstallmentDTO{
			InstallmentDTO: toInstallmentDTO(f.Installment),
			Error:          f.Err.Error(),
		}
	}
	return dto
}

func toPreviewDTO(s billing.Schedule) PreviewDTO {
	dto := PreviewDTO{
		Count:         s.Count,
		MonthlyAmount: s.MonthlyAmount.StringFixed(2),
		Total:         s.Total().StringFixed(2),
		Installments:  make([]InstallmentDTO, len(s.Installments)),
	}
	for i, inst := range s.Installments {
		dto.Installments[i] = toInstallmentDTO(inst)
	}
	return dto
}
