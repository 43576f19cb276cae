/*
batch.go - Batch lifecycle state machine

PURPOSE:
  Owns the STAGED -> PROCESSING -> POSTED/FAILED lifecycle of a billing
  batch and the STAGED-only mutation window for its lines.

LIFECYCLE:
  STAGED      Initial. Lines may be edited, selected, and removed.
  PROCESSING  Transient, set the instant posting begins. Non-retryable;
              pollers treat it as "wait".
  POSTED      Terminal. At least one line materialized into an invoice.
  FAILED      Terminal but retryable: a new Post picks up only the lines
              that have not materialized yet.

IDEMPOTENT RETRY:
  Posting is at-least-once per line, best-effort per batch. Each line
  records the invoice it materialized into, so retrying Post on a FAILED
  batch never double-creates an invoice: already-posted lines are skipped
  and counted separately.

PARTIAL FAILURE:
  Lines succeed or fail independently during a post; there is no global
  rollback. The result is a structured {success, failed, skipped} summary
  with per-line reasons, and the batch always reaches a terminal state.

SEE ALSO:
  - derive.go: Amount/flag recomputation on every edit
  - store.go: The guarded transitions the store must provide
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LIFECYCLE MANAGER
// =============================================================================

// Lifecycle manages staged batches through edit, selection, and posting.
type Lifecycle struct {
	Store BatchStore
}

func NewLifecycle(store BatchStore) *Lifecycle {
	return &Lifecycle{Store: store}
}

// Preview is a batch together with its current lines. Valid from any state;
// callers poll it while a post is in flight and use it to re-enter a FAILED
// batch before retrying.
type Preview struct {
	Batch Batch
	Lines []DraftLine
}

// =============================================================================
// STAGING
// =============================================================================

// NewBatch describes a batch to stage.
type NewBatch struct {
	Type      BatchType
	CompanyID CompanyID
	Period    Period
}

// NewLine describes one computed line of a batch to stage.
type NewLine struct {
	CustomerRef string
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	TaxPercent  decimal.Decimal
	DueDate     time.Time
}

// Stage persists a new STAGED batch from generation output. Every line's
// derived fields are computed here; error-free lines start selected.
func (m *Lifecycle) Stage(ctx context.Context, cred Credential, nb NewBatch, lines []NewLine) (*Preview, error) {
	if nb.CompanyID == "" {
		return nil, &ValidationError{Field: "companyId", Message: "required"}
	}
	if len(lines) == 0 {
		return nil, &ValidationError{Field: "lines", Message: "a batch needs at least one line"}
	}

	batch := Batch{
		ID:           BatchID(uuid.NewString()),
		Type:         nb.Type,
		CompanyID:    nb.CompanyID,
		Period:       nb.Period,
		Status:       BatchStaged,
		TotalRecords: len(lines),
		Version:      1,
		CreatedBy:    cred.ActorID,
		CreatedAt:    time.Now().UTC(),
	}

	staged := make([]DraftLine, len(lines))
	for i, nl := range lines {
		line := DraftLine{
			ID:          ItemID(uuid.NewString()),
			BatchID:     batch.ID,
			CustomerRef: nl.CustomerRef,
			Quantity:    nl.Quantity,
			Rate:        nl.Rate,
			TaxPercent:  nl.TaxPercent,
			DueDate:     nl.DueDate,
			Version:     1,
		}
		line.Refresh()
		line.Selected = !line.ErrorFlag
		staged[i] = line
	}

	if err := m.Store.CreateBatch(ctx, batch, staged); err != nil {
		return nil, err
	}
	return &Preview{Batch: batch, Lines: staged}, nil
}

// =============================================================================
// PREVIEW / EDIT WINDOW
// =============================================================================

// Preview returns the batch and its lines. Valid from any state.
func (m *Lifecycle) Preview(ctx context.Context, id BatchID) (*Preview, error) {
	batch, err := m.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := m.Store.ListLines(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Preview{Batch: *batch, Lines: lines}, nil
}

// LinePatch carries the editable fields of a draft line. Nil means "leave as is".
type LinePatch struct {
	Quantity   *decimal.Decimal
	Rate       *decimal.Decimal
	TaxPercent *decimal.Decimal
	DueDate    *time.Time
}

func (p LinePatch) empty() bool {
	return p.Quantity == nil && p.Rate == nil && p.TaxPercent == nil && p.DueDate == nil
}

// UpdateLine mutates a single staged line and recomputes its derived fields.
// No batch-wide recompute happens; the side effect is exactly one line.
// A line whose recomputed amount turns non-positive keeps its selection bit,
// but Post filters on selected AND error-free, so it can never materialize.
func (m *Lifecycle) UpdateLine(ctx context.Context, cred Credential, batchID BatchID, id ItemID, patch LinePatch) (*DraftLine, error) {
	if patch.empty() {
		return nil, &ValidationError{Message: "no fields to update"}
	}

	batch, err := m.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != BatchStaged {
		return nil, &InvalidStateError{
			Subject: fmt.Sprintf("batch %s", batchID),
			Current: string(batch.Status),
			Wanted:  string(BatchStaged),
		}
	}

	line, err := m.Store.GetLine(ctx, id)
	if err != nil {
		return nil, err
	}
	if line.BatchID != batchID {
		return nil, ErrItemNotFound
	}

	if patch.Quantity != nil {
		line.Quantity = *patch.Quantity
	}
	if patch.Rate != nil {
		line.Rate = *patch.Rate
	}
	if patch.TaxPercent != nil {
		line.TaxPercent = *patch.TaxPercent
	}
	if patch.DueDate != nil {
		line.DueDate = *patch.DueDate
	}
	line.Refresh()

	expected := line.Version
	if err := m.Store.SaveLine(ctx, *line, expected); err != nil {
		return nil, err
	}
	line.Version = expected + 1
	return line, nil
}

// ToggleSelection flips a line's selection bit. Errored lines can never be
// selected: the attempt is silently rejected and the line returned unchanged.
func (m *Lifecycle) ToggleSelection(ctx context.Context, batchID BatchID, id ItemID) (*DraftLine, error) {
	line, err := m.Store.GetLine(ctx, id)
	if err != nil {
		return nil, err
	}
	if line.BatchID != batchID {
		return nil, ErrItemNotFound
	}
	if line.ErrorFlag && !line.Selected {
		return line, nil
	}

	line.Selected = !line.Selected
	expected := line.Version
	if err := m.Store.SaveLine(ctx, *line, expected); err != nil {
		return nil, err
	}
	line.Version = expected + 1
	return line, nil
}

// SelectAll sets the selection bit on every line of the batch. Errored lines
// are skipped silently. Returns the number of lines changed.
func (m *Lifecycle) SelectAll(ctx context.Context, batchID BatchID, selected bool) (int, error) {
	lines, err := m.Store.ListLines(ctx, batchID)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, line := range lines {
		if selected && line.ErrorFlag {
			continue
		}
		if line.Selected == selected {
			continue
		}
		line.Selected = selected
		if err := m.Store.SaveLine(ctx, line, line.Version); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// RemoveLine deletes a staged line. Unlike the selection flips this is a
// persisted removal with a real backend contract, not a client-local one.
func (m *Lifecycle) RemoveLine(ctx context.Context, batchID BatchID, id ItemID) error {
	line, err := m.Store.GetLine(ctx, id)
	if err != nil {
		return err
	}
	if line.BatchID != batchID {
		return ErrItemNotFound
	}
	return m.Store.DeleteLine(ctx, batchID, id)
}

// =============================================================================
// BULK EDITS
// =============================================================================

// BulkResult summarizes a bulk edit: how many lines applied, how many were
// rejected, and why. Partial failure never blocks or rolls back the rest.
type BulkResult struct {
	Applied int
	Failed  int
	Errors  map[ItemID]string
}

// BulkUpdate applies one patch to N lines as N independent UpdateLine calls
// ("apply rate to selected rows", "apply due date to selected rows").
func (m *Lifecycle) BulkUpdate(ctx context.Context, cred Credential, batchID BatchID, ids []ItemID, patch LinePatch) BulkResult {
	result := BulkResult{Errors: make(map[ItemID]string)}
	for _, id := range ids {
		if _, err := m.UpdateLine(ctx, cred, batchID, id, patch); err != nil {
			result.Failed++
			result.Errors[id] = err.Error()
			continue
		}
		result.Applied++
	}
	return result
}

// =============================================================================
// POSTING
// =============================================================================

// LineOutcome reports what happened to one line during a post.
type LineOutcome struct {
	ItemID        ItemID
	InvoiceID     InvoiceID
	InvoiceNumber string
	Error         string
}

// PostResult is the structured summary of a post. Skipped counts lines that
// had already materialized in an earlier attempt.
type PostResult struct {
	BatchID BatchID
	Status  BatchStatus
	Success int
	Failed  int
	Skipped int
	Lines   []LineOutcome
}

// Post transitions the batch to PROCESSING and materializes every line that
// is selected, error-free, and not yet posted. Lines succeed or fail
// independently. The batch ends POSTED when at least one line has
// materialized (in this attempt or a previous one), FAILED otherwise.
func (m *Lifecycle) Post(ctx context.Context, cred Credential, id BatchID, invoiceDate time.Time) (*PostResult, error) {
	batch, err := m.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !batch.Status.Postable() {
		return nil, &InvalidStateError{
			Subject: fmt.Sprintf("batch %s", id),
			Current: string(batch.Status),
			Wanted:  fmt.Sprintf("%s or %s", BatchStaged, BatchFailed),
		}
	}

	if err := m.Store.BeginPost(ctx, id, batch.Version); err != nil {
		return nil, err
	}

	lines, err := m.Store.ListLines(ctx, id)
	if err != nil {
		// The batch is PROCESSING; bring it to a terminal state regardless.
		now := time.Now().UTC()
		_ = m.Store.FinishPost(ctx, id, BatchFailed, now)
		return nil, err
	}

	result := &PostResult{BatchID: id}
	for _, line := range lines {
		if line.Posted() {
			result.Skipped++
			result.Lines = append(result.Lines, LineOutcome{ItemID: line.ID, InvoiceID: line.InvoiceID})
			continue
		}
		if !line.Selected || line.ErrorFlag {
			continue
		}

		inv := Materialize(line, *batch, invoiceDate, cred)
		inv.ID = InvoiceID(uuid.NewString())
		inv.CreatedAt = time.Now().UTC()
		inv.Version = 1

		number, err := m.Store.Materialize(ctx, line, inv)
		if err != nil {
			result.Failed++
			result.Lines = append(result.Lines, LineOutcome{ItemID: line.ID, Error: err.Error()})
			continue
		}
		result.Success++
		result.Lines = append(result.Lines, LineOutcome{
			ItemID:        line.ID,
			InvoiceID:     inv.ID,
			InvoiceNumber: number,
		})
	}

	now := time.Now().UTC()
	if result.Success+result.Skipped > 0 {
		result.Status = BatchPosted
	} else {
		result.Status = BatchFailed
	}
	if err := m.Store.FinishPost(ctx, id, result.Status, now); err != nil {
		return nil, err
	}
	return result, nil
}
