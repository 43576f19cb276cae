/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Domain math is decimal; DTOs carry float64 with two-digit semantics, the
  same convention the wire contract prescribes. Conversion happens only at
  this boundary.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/allocation"
	"github.com/warp/billing-engine/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// BATCH TYPES
// =============================================================================

// BatchDTO represents a batch in API responses.
type BatchDTO struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	CompanyID    string  `json:"company_id"`
	PeriodFrom   *string `json:"period_from,omitempty"`
	PeriodTo     *string `json:"period_to,omitempty"`
	BillingMonth string  `json:"billing_month,omitempty"`
	Status       string  `json:"status"`
	TotalRecords int     `json:"total_records"`
	CreatedAt    string  `json:"created_at"`
	PostedAt     *string `json:"posted_at,omitempty"`
}

// LineDTO represents a draft line in API responses.
type LineDTO struct {
	ID             string  `json:"id"`
	BatchID        string  `json:"batch_id"`
	CustomerRef    string  `json:"customer_ref"`
	Quantity       float64 `json:"quantity"`
	Rate           float64 `json:"rate"`
	TaxPercent     float64 `json:"tax_percent"`
	ComputedAmount float64 `json:"computed_amount"`
	DueDate        string  `json:"due_date"`
	Selected       bool    `json:"is_selected"`
	ErrorFlag      bool    `json:"error_flag"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	InvoiceID      string  `json:"invoice_id,omitempty"`
}

// PreviewDTO is a batch with its current lines.
type PreviewDTO struct {
	Batch BatchDTO  `json:"batch"`
	Lines []LineDTO `json:"items"`
}

// StageBatchRequest creates a STAGED batch from generation output.
type StageBatchRequest struct {
	Type         string             `json:"type"`
	CompanyID    string             `json:"company_id"`
	PeriodFrom   string             `json:"period_from,omitempty"`
	PeriodTo     string             `json:"period_to,omitempty"`
	BillingMonth string             `json:"billing_month,omitempty"`
	Lines        []StageLineRequest `json:"items"`
}

// StageLineRequest is one computed line of a batch to stage.
type StageLineRequest struct {
	CustomerRef string  `json:"customer_ref"`
	Quantity    float64 `json:"quantity"`
	Rate        float64 `json:"rate"`
	TaxPercent  float64 `json:"tax_percent"`
	DueDate     string  `json:"due_date"`
}

// UpdateLineRequest edits a staged line. Omitted fields are left unchanged.
type UpdateLineRequest struct {
	Quantity   *float64 `json:"quantity,omitempty"`
	Rate       *float64 `json:"rate,omitempty"`
	TaxPercent *float64 `json:"tax_percent,omitempty"`
	DueDate    *string  `json:"due_date,omitempty"`
}

// SelectAllRequest sets the selection bit batch-wide.
type SelectAllRequest struct {
	Selected bool `json:"selected"`
}

// BulkUpdateRequest applies one patch to many lines independently.
type BulkUpdateRequest struct {
	ItemIDs []string          `json:"item_ids"`
	Patch   UpdateLineRequest `json:"patch"`
}

// BulkResultDTO summarizes a bulk edit.
type BulkResultDTO struct {
	Applied int               `json:"applied"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// PostBatchRequest starts posting a batch.
type PostBatchRequest struct {
	InvoiceDate string `json:"invoice_date"`
}

// PostResultDTO is the structured posting summary.
type PostResultDTO struct {
	BatchID string           `json:"batch_id"`
	Status  string           `json:"status"`
	Success int              `json:"success"`
	Failed  int              `json:"failed"`
	Skipped int              `json:"skipped"`
	Lines   []LineOutcomeDTO `json:"items"`
}

// LineOutcomeDTO reports one line's posting outcome.
type LineOutcomeDTO struct {
	ItemID        string `json:"item_id"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	Error         string `json:"error,omitempty"`
}

// =============================================================================
// CLAUSE TYPES
// =============================================================================

// ClauseDTO represents an agreement clause.
type ClauseDTO struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	PointNum    string `json:"point_num"`
	PointTitle  string `json:"point_title"`
	PointText   string `json:"point_text"`
	SequenceNo  int    `json:"sequence_no"`
	Status      string `json:"status,omitempty"`
}

// CreateClauseRequest adds a clause; the sequence number is assigned server-side.
type CreateClauseRequest struct {
	PointNum   string `json:"point_num"`
	PointTitle string `json:"point_title"`
	PointText  string `json:"point_text"`
	Status     string `json:"status,omitempty"`
}

// UpdateClauseRequest edits clause content. Omitted fields are left unchanged.
type UpdateClauseRequest struct {
	PointNum   *string `json:"point_num,omitempty"`
	PointTitle *string `json:"point_title,omitempty"`
	PointText  *string `json:"point_text,omitempty"`
	Status     *string `json:"status,omitempty"`
}

// ReorderClauseRequest moves a clause one position: "up" or "down".
type ReorderClauseRequest struct {
	Direction string `json:"direction"`
}

// =============================================================================
// PAYMENT TYPES
// =============================================================================

// InvoiceDTO represents an invoice with its derived balance and status.
type InvoiceDTO struct {
	ID            string  `json:"id"`
	CompanyID     string  `json:"company_id"`
	HCFID         string  `json:"hcf_id,omitempty"`
	InvoiceNumber string  `json:"invoice_number"`
	InvoiceDate   string  `json:"invoice_date"`
	DueDate       string  `json:"due_date"`
	InvoiceValue  float64 `json:"invoice_value"`
	TotalPaid     float64 `json:"total_paid_amount"`
	Balance       float64 `json:"balance_amount"`
	Status        string  `json:"status"`
}

// RecordPaymentRequest records one payment event. An empty allocations list
// selects FIFO over the named invoices (or all outstanding when none named).
type RecordPaymentRequest struct {
	CompanyID   string              `json:"company_id"`
	PaymentDate string              `json:"payment_date"`
	Amount      float64             `json:"payment_amount"`
	Mode        string              `json:"payment_mode"`
	InvoiceIDs  []string            `json:"invoice_ids,omitempty"`
	Allocations []AllocationRequest `json:"allocations,omitempty"`
}

// AllocationRequest is one manual {invoiceId, allocatedAmount} pair.
type AllocationRequest struct {
	InvoiceID string  `json:"invoice_id"`
	Amount    float64 `json:"allocated_amount"`
}

// AllocationDTO is one committed or planned slice of a payment.
type AllocationDTO struct {
	PaymentID string  `json:"payment_id,omitempty"`
	InvoiceID string  `json:"invoice_id"`
	Amount    float64 `json:"allocated_amount"`
	Balance   float64 `json:"new_balance,omitempty"`
	Status    string  `json:"new_status,omitempty"`
}

// PaymentDTO is the response after recording a payment.
type PaymentDTO struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	PaymentDate string          `json:"payment_date"`
	Amount      float64         `json:"payment_amount"`
	Mode        string          `json:"payment_mode"`
	Allocations []AllocationDTO `json:"allocations"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBatchDTO(b billing.Batch) BatchDTO {
	dto := BatchDTO{
		ID:           string(b.ID),
		Type:         string(b.Type),
		CompanyID:    string(b.CompanyID),
		BillingMonth: b.Period.BillingMonth,
		Status:       string(b.Status),
		TotalRecords: b.TotalRecords,
		CreatedAt:    b.CreatedAt.Format(time.RFC3339),
	}
	if b.Period.From != nil {
		s := b.Period.From.Format(dateLayout)
		dto.PeriodFrom = &s
	}
	if b.Period.To != nil {
		s := b.Period.To.Format(dateLayout)
		dto.PeriodTo = &s
	}
	if b.PostedAt != nil {
		s := b.PostedAt.Format(time.RFC3339)
		dto.PostedAt = &s
	}
	return dto
}

func toLineDTO(l billing.DraftLine) LineDTO {
	return LineDTO{
		ID:             string(l.ID),
		BatchID:        string(l.BatchID),
		CustomerRef:    l.CustomerRef,
		Quantity:       l.Quantity.InexactFloat64(),
		Rate:           l.Rate.InexactFloat64(),
		TaxPercent:     l.TaxPercent.InexactFloat64(),
		ComputedAmount: l.ComputedAmount.InexactFloat64(),
		DueDate:        l.DueDate.Format(dateLayout),
		Selected:       l.Selected,
		ErrorFlag:      l.ErrorFlag,
		ErrorMessage:   l.ErrorMessage,
		InvoiceID:      string(l.InvoiceID),
	}
}

func toPreviewDTO(p billing.Preview) PreviewDTO {
	dto := PreviewDTO{Batch: toBatchDTO(p.Batch), Lines: make([]LineDTO, len(p.Lines))}
	for i, l := range p.Lines {
		dto.Lines[i] = toLineDTO(l)
	}
	return dto
}

func toClauseDTO(c billing.AgreementClause) ClauseDTO {
	return ClauseDTO{
		ID:          string(c.ID),
		AgreementID: string(c.AgreementID),
		PointNum:    c.PointNum,
		PointTitle:  c.PointTitle,
		PointText:   c.PointText,
		SequenceNo:  c.SequenceNo,
		Status:      c.Status,
	}
}

func toClauseDTOs(clauses []billing.AgreementClause) []ClauseDTO {
	dtos := make([]ClauseDTO, len(clauses))
	for i, c := range clauses {
		dtos[i] = toClauseDTO(c)
	}
	return dtos
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:            string(inv.ID),
		CompanyID:     string(inv.CompanyID),
		HCFID:         inv.HCFID,
		InvoiceNumber: inv.Number,
		InvoiceDate:   inv.Date.Format(dateLayout),
		DueDate:       inv.DueDate.Format(dateLayout),
		InvoiceValue:  inv.Value.InexactFloat64(),
		TotalPaid:     inv.TotalPaid.InexactFloat64(),
		Balance:       inv.Balance().InexactFloat64(),
		Status:        string(inv.Status()),
	}
}

func toPaymentDTO(p billing.Payment, plan *allocation.Plan) PaymentDTO {
	dto := PaymentDTO{
		ID:          string(p.ID),
		CompanyID:   string(p.CompanyID),
		PaymentDate: p.Date.Format(dateLayout),
		Amount:      p.Amount.InexactFloat64(),
		Mode:        p.Mode,
	}
	for _, line := range plan.Lines {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			PaymentID: string(p.ID),
			InvoiceID: string(line.InvoiceID),
			Amount:    line.Amount.InexactFloat64(),
			Balance:   line.NewBalance.InexactFloat64(),
			Status:    string(line.NewStatus),
		})
	}
	return dto
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
