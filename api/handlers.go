/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Batches:
    GET    /api/billing/batches                     List batches
    POST   /api/billing/batches/draft               Stage a batch
    GET    /api/billing/batches/{id}                Preview (batch + items)
    PUT    /api/billing/batches/{id}/items/{itemID}        Update a line
    POST   /api/billing/batches/{id}/items/{itemID}/select Toggle selection
    POST   /api/billing/batches/{id}/select-all            Select/deselect all
    DELETE /api/billing/batches/{id}/items/{itemID}        Remove a line
    POST   /api/billing/batches/{id}/items/bulk     Bulk edit
    POST   /api/billing/batches/{id}/post           Post batch

  Agreement clauses:
    GET    /api/agreements/{id}/clauses             List clauses
    POST   /api/agreements/{id}/clauses             Create clause
    PUT    /api/agreements/{id}/clauses/{clauseID}  Update clause
    PATCH  /api/agreements/{id}/clauses/{clauseID}/reorder  Move up/down

  Payments:
    POST   /api/payments                            Record payment
    GET    /api/payments/invoice/{id}               Allocations for invoice
    GET    /api/payments/outstanding                Outstanding invoices

ERROR HANDLING:
  Domain errors map to status codes by taxonomy:
    validation / duplicate point  -> 400
    not found                     -> 404
    invalid state / conflict      -> 409
    over-allocation               -> 422
    everything else               -> 500
  A partial posting failure is NOT an error: the batch reaches a terminal
  state and the summary comes back as 200.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Credential extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/allocation"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/sequence"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    billing.Store
	Batches  *billing.Lifecycle
	Clauses  *sequence.ClauseService
	Payments *allocation.PaymentService
	Log      zerolog.Logger
}

// NewHandler wires the services over one store.
func NewHandler(store billing.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Store:    store,
		Batches:  billing.NewLifecycle(store),
		Clauses:  sequence.NewClauseService(store),
		Payments: allocation.NewPaymentService(store),
		Log:      log,
	}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns all batches, optionally filtered by company.
// GET /api/billing/batches?company_id=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Store.ListBatches(r.Context(), billing.CompanyID(r.URL.Query().Get("company_id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// StageBatch creates a STAGED batch from generation output.
// POST /api/billing/batches/draft
func (h *Handler) StageBatch(w http.ResponseWriter, r *http.Request) {
	var req StageBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	nb := billing.NewBatch{
		Type:      billing.BatchType(req.Type),
		CompanyID: billing.CompanyID(req.CompanyID),
	}
	nb.Period.BillingMonth = req.BillingMonth
	if req.PeriodFrom != "" {
		t, err := time.Parse(dateLayout, req.PeriodFrom)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_from", err)
			return
		}
		nb.Period.From = &t
	}
	if req.PeriodTo != "" {
		t, err := time.Parse(dateLayout, req.PeriodTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_to", err)
			return
		}
		nb.Period.To = &t
	}

	lines := make([]billing.NewLine, len(req.Lines))
	for i, l := range req.Lines {
		due, err := time.Parse(dateLayout, l.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date", err)
			return
		}
		lines[i] = billing.NewLine{
			CustomerRef: l.CustomerRef,
			Quantity:    decimal.NewFromFloat(l.Quantity),
			Rate:        decimal.NewFromFloat(l.Rate),
			TaxPercent:  decimal.NewFromFloat(l.TaxPercent),
			DueDate:     due,
		}
	}

	preview, err := h.Batches.Stage(r.Context(), CredentialFrom(r.Context()), nb, lines)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPreviewDTO(*preview))
}

// PreviewBatch returns a batch with its current lines. Valid from any state;
// pollers use it while a post is in flight.
// GET /api/billing/batches/{id}
func (h *Handler) PreviewBatch(w http.ResponseWriter, r *http.Request) {
	preview, err := h.Batches.Preview(r.Context(), billing.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(*preview))
}

// UpdateLine edits one staged line and recomputes its derived fields.
// PUT /api/billing/batches/{id}/items/{itemID}
func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	var req UpdateLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch, err := toLinePatch(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	line, err := h.Batches.UpdateLine(r.Context(), CredentialFrom(r.Context()),
		billing.BatchID(chi.URLParam(r, "id")),
		billing.ItemID(chi.URLParam(r, "itemID")), patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*line))
}

// ToggleSelection flips a line's selection bit. Errored lines are silently
// left unselected.
// POST /api/billing/batches/{id}/items/{itemID}/select
func (h *Handler) ToggleSelection(w http.ResponseWriter, r *http.Request) {
	line, err := h.Batches.ToggleSelection(r.Context(),
		billing.BatchID(chi.URLParam(r, "id")),
		billing.ItemID(chi.URLParam(r, "itemID")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*line))
}

// SelectAll sets the selection bit batch-wide, skipping errored lines.
// POST /api/billing/batches/{id}/select-all
func (h *Handler) SelectAll(w http.ResponseWriter, r *http.Request) {
	var req SelectAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	changed, err := h.Batches.SelectAll(r.Context(),
		billing.BatchID(chi.URLParam(r, "id")), req.Selected)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// RemoveLine deletes a staged line.
// DELETE /api/billing/batches/{id}/items/{itemID}
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	err := h.Batches.RemoveLine(r.Context(),
		billing.BatchID(chi.URLParam(r, "id")),
		billing.ItemID(chi.URLParam(r, "itemID")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkUpdate applies one patch to many lines as independent updates.
// POST /api/billing/batches/{id}/items/bulk
func (h *Handler) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req BulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	patch, err := toLinePatch(req.Patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	ids := make([]billing.ItemID, len(req.ItemIDs))
	for i, id := range req.ItemIDs {
		ids[i] = billing.ItemID(id)
	}
	result := h.Batches.BulkUpdate(r.Context(), CredentialFrom(r.Context()),
		billing.BatchID(chi.URLParam(r, "id")), ids, patch)

	dto := BulkResultDTO{Applied: result.Applied, Failed: result.Failed}
	if len(result.Errors) > 0 {
		dto.Errors = make(map[string]string, len(result.Errors))
		for id, msg := range result.Errors {
			dto.Errors[string(id)] = msg
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// PostBatch posts the selected, error-free lines of a batch.
// POST /api/billing/batches/{id}/post
func (h *Handler) PostBatch(w http.ResponseWriter, r *http.Request) {
	var req PostBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	invoiceDate, err := time.Parse(dateLayout, req.InvoiceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invoice_date", err)
		return
	}

	batchID := billing.BatchID(chi.URLParam(r, "id"))
	result, err := h.Batches.Post(r.Context(), CredentialFrom(r.Context()), batchID, invoiceDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.Log.Info().
		Str("batch_id", string(batchID)).
		Str("status", string(result.Status)).
		Int("success", result.Success).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("batch posted")

	dto := PostResultDTO{
		BatchID: string(result.BatchID),
		Status:  string(result.Status),
		Success: result.Success,
		Failed:  result.Failed,
		Skipped: result.Skipped,
	}
	for _, l := range result.Lines {
		dto.Lines = append(dto.Lines, LineOutcomeDTO{
			ItemID:        string(l.ItemID),
			InvoiceID:     string(l.InvoiceID),
			InvoiceNumber: l.InvoiceNumber,
			Error:         l.Error,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// CLAUSE HANDLERS
// =============================================================================

// ListClauses returns an agreement's clauses in sequence order.
// GET /api/agreements/{id}/clauses
func (h *Handler) ListClauses(w http.ResponseWriter, r *http.Request) {
	clauses, err := h.Clauses.List(r.Context(), billing.AgreementID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClauseDTOs(clauses))
}

// CreateClause adds a clause at the end of the agreement's sequence.
// POST /api/agreements/{id}/clauses
func (h *Handler) CreateClause(w http.ResponseWriter, r *http.Request) {
	var req CreateClauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	clause, err := h.Clauses.Create(r.Context(), CredentialFrom(r.Context()),
		billing.AgreementID(chi.URLParam(r, "id")),
		sequence.NewClause{
			PointNum:   req.PointNum,
			PointTitle: req.PointTitle,
			PointText:  req.PointText,
			Status:     req.Status,
		})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClauseDTO(*clause))
}

// UpdateClause edits clause content.
// PUT /api/agreements/{id}/clauses/{clauseID}
func (h *Handler) UpdateClause(w http.ResponseWriter, r *http.Request) {
	var req UpdateClauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	clauseID := billing.ClauseID(chi.URLParam(r, "clauseID"))
	if err := h.requireClauseInAgreement(w, r, clauseID); err != nil {
		return
	}
	clause, err := h.Clauses.Update(r.Context(), CredentialFrom(r.Context()),
		clauseID,
		sequence.ClausePatch{
			PointNum:   req.PointNum,
			PointTitle: req.PointTitle,
			PointText:  req.PointText,
			Status:     req.Status,
		})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClauseDTO(*clause))
}

// ReorderClause moves a clause one position via an atomic neighbor swap.
// PATCH /api/agreements/{id}/clauses/{clauseID}/reorder
func (h *Handler) ReorderClause(w http.ResponseWriter, r *http.Request) {
	var req ReorderClauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dir, err := sequence.ParseDirection(req.Direction)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	clauseID := billing.ClauseID(chi.URLParam(r, "clauseID"))
	if err := h.requireClauseInAgreement(w, r, clauseID); err != nil {
		return
	}
	clauses, err := h.Clauses.Move(r.Context(), CredentialFrom(r.Context()), clauseID, dir)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClauseDTOs(clauses))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment records a payment and allocates it FIFO or manually.
// POST /api/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	paymentDate, err := time.Parse(dateLayout, req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment_date", err)
		return
	}

	record := allocation.RecordRequest{
		CompanyID: billing.CompanyID(req.CompanyID),
		Date:      paymentDate,
		Amount:    decimal.NewFromFloat(req.Amount),
		Mode:      req.Mode,
	}
	for _, id := range req.InvoiceIDs {
		record.InvoiceIDs = append(record.InvoiceIDs, billing.InvoiceID(id))
	}
	for _, a := range req.Allocations {
		record.Manual = append(record.Manual, allocation.ManualLine{
			InvoiceID: billing.InvoiceID(a.InvoiceID),
			Amount:    decimal.NewFromFloat(a.Amount),
		})
	}

	payment, plan, err := h.Payments.Record(r.Context(), CredentialFrom(r.Context()), record)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.Log.Info().
		Str("payment_id", string(payment.ID)).
		Str("company_id", req.CompanyID).
		Str("mode", string(plan.Mode)).
		Int("invoices", len(plan.Lines)).
		Msg("payment recorded")

	writeJSON(w, http.StatusCreated, toPaymentDTO(*payment, plan))
}

// InvoiceAllocations returns the committed allocations against one invoice.
// GET /api/payments/invoice/{id}
func (h *Handler) InvoiceAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Payments.ForInvoice(r.Context(), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = AllocationDTO{
			PaymentID: string(a.PaymentID),
			InvoiceID: string(a.InvoiceID),
			Amount:    a.Amount.InexactFloat64(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OutstandingInvoices returns a company's open invoices, oldest first.
// GET /api/payments/outstanding?company_id=
func (h *Handler) OutstandingInvoices(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}
	invoices, err := h.Payments.Outstanding(r.Context(), billing.CompanyID(companyID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// requireClauseInAgreement rejects a clause reached through another
// agreement's URL. Writes the 404 itself; a non-nil return means the handler
// must stop.
func (h *Handler) requireClauseInAgreement(w http.ResponseWriter, r *http.Request, id billing.ClauseID) error {
	clause, err := h.Store.GetClause(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return err
	}
	if clause.AgreementID != billing.AgreementID(chi.URLParam(r, "id")) {
		h.writeDomainError(w, r, billing.ErrClauseNotFound)
		return billing.ErrClauseNotFound
	}
	return nil
}

func toLinePatch(req UpdateLineRequest) (billing.LinePatch, error) {
	patch := billing.LinePatch{
		Quantity:   decimalPtr(req.Quantity),
		Rate:       decimalPtr(req.Rate),
		TaxPercent: decimalPtr(req.TaxPercent),
	}
	if req.DueDate != nil {
		t, err := time.Parse(dateLayout, *req.DueDate)
		if err != nil {
			return billing.LinePatch{}, err
		}
		patch.DueDate = &t
	}
	return patch, nil
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case billing.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, billing.ErrOverAllocation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "over_allocation"})
	case billing.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
	case errors.Is(err, billing.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_state"})
	case billing.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	default:
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
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
