// Package memory provides an in-memory billing.Store for tests and dev.
//
// Semantics match store/sqlite: version-guarded writes, atomic pair swaps,
// all-or-nothing payment commits. Not intended for production.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-engine/billing"
)

type Store struct {
	mu          sync.RWMutex
	batches     map[billing.BatchID]billing.Batch
	lines       map[billing.ItemID]billing.DraftLine
	lineOrder   []billing.ItemID
	invoices    map[billing.InvoiceID]billing.Invoice
	clauses     map[billing.ClauseID]billing.AgreementClause
	payments    map[billing.PaymentID]billing.Payment
	allocations []billing.PaymentAllocation
	sequences   map[string]int64 // companyID|yearMonth -> last value
	processing  map[billing.BatchID]time.Time
}

func New() *Store {
	return &Store{
		batches:    make(map[billing.BatchID]billing.Batch),
		lines:      make(map[billing.ItemID]billing.DraftLine),
		invoices:   make(map[billing.InvoiceID]billing.Invoice),
		clauses:    make(map[billing.ClauseID]billing.AgreementClause),
		payments:   make(map[billing.PaymentID]billing.Payment),
		sequences:  make(map[string]int64),
		processing: make(map[billing.BatchID]time.Time),
	}
}

// =============================================================================
// BATCH STORE
// =============================================================================

func (s *Store) CreateBatch(_ context.Context, batch billing.Batch, lines []billing.DraftLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[batch.ID] = batch
	for _, line := range lines {
		s.lines[line.ID] = line
		s.lineOrder = append(s.lineOrder, line.ID)
	}
	return nil
}

func (s *Store) GetBatch(_ context.Context, id billing.BatchID) (*billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, billing.ErrBatchNotFound
	}
	return &batch, nil
}

func (s *Store) ListBatches(_ context.Context, companyID billing.CompanyID) ([]billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Batch
	for _, b := range s.batches {
		if companyID == "" || b.CompanyID == companyID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListLines(_ context.Context, id billing.BatchID) ([]billing.DraftLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.DraftLine
	for _, lineID := range s.lineOrder {
		line, ok := s.lines[lineID]
		if ok && line.BatchID == id {
			out = append(out, line)
		}
	}
	return out, nil
}

func (s *Store) GetLine(_ context.Context, id billing.ItemID) (*billing.DraftLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, ok := s.lines[id]
	if !ok {
		return nil, billing.ErrItemNotFound
	}
	return &line, nil
}

func (s *Store) SaveLine(_ context.Context, line billing.DraftLine, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStagedLocked(line.BatchID); err != nil {
		return err
	}
	current, ok := s.lines[line.ID]
	if !ok {
		return billing.ErrItemNotFound
	}
	if current.Version != expectedVersion {
		return &billing.ConflictError{Subject: fmt.Sprintf("line %s", line.ID)}
	}
	line.Version = expectedVersion + 1
	s.lines[line.ID] = line
	return nil
}

func (s *Store) DeleteLine(_ context.Context, batchID billing.BatchID, id billing.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStagedLocked(batchID); err != nil {
		return err
	}
	line, ok := s.lines[id]
	if !ok || line.BatchID != batchID {
		return billing.ErrItemNotFound
	}
	delete(s.lines, id)
	for i, lineID := range s.lineOrder {
		if lineID == id {
			s.lineOrder = append(s.lineOrder[:i], s.lineOrder[i+1:]...)
			break
		}
	}

	batch := s.batches[batchID]
	batch.TotalRecords--
	batch.Version++
	s.batches[batchID] = batch
	return nil
}

func (s *Store) BeginPost(_ context.Context, id billing.BatchID, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return billing.ErrBatchNotFound
	}
	if !batch.Status.Postable() {
		return &billing.InvalidStateError{
			Subject: fmt.Sprintf("batch %s", id),
			Current: string(batch.Status),
			Wanted:  fmt.Sprintf("%s or %s", billing.BatchStaged, billing.BatchFailed),
		}
	}
	if batch.Version != expectedVersion {
		return &billing.ConflictError{Subject: fmt.Sprintf("batch %s", id)}
	}
	batch.Status = billing.BatchProcessing
	batch.Version++
	s.batches[id] = batch
	s.processing[id] = time.Now().UTC()
	return nil
}

func (s *Store) Materialize(_ context.Context, line billing.DraftLine, inv billing.Invoice) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.lines[line.ID]
	if !ok {
		return "", billing.ErrItemNotFound
	}
	if current.Posted() {
		return "", &billing.ConflictError{Subject: fmt.Sprintf("line %s", line.ID)}
	}

	key := fmt.Sprintf("%s|%s", inv.CompanyID, inv.Date.Format("200601"))
	s.sequences[key]++
	number := fmt.Sprintf("INV-%s-%04d", inv.Date.Format("200601"), s.sequences[key])

	inv.Number = number
	s.invoices[inv.ID] = inv

	current.InvoiceID = inv.ID
	current.Version++
	s.lines[line.ID] = current
	return number, nil
}

func (s *Store) FinishPost(_ context.Context, id billing.BatchID, status billing.BatchStatus, postedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return billing.ErrBatchNotFound
	}
	if batch.Status != billing.BatchProcessing {
		return &billing.InvalidStateError{
			Subject: fmt.Sprintf("batch %s", id),
			Current: string(batch.Status),
			Wanted:  string(billing.BatchProcessing),
		}
	}
	batch.Status = status
	if status == billing.BatchPosted {
		t := postedAt
		batch.PostedAt = &t
	}
	batch.Version++
	s.batches[id] = batch
	delete(s.processing, id)
	return nil
}

func (s *Store) requireStagedLocked(id billing.BatchID) error {
	batch, ok := s.batches[id]
	if !ok {
		return billing.ErrBatchNotFound
	}
	if batch.Status != billing.BatchStaged {
		return &billing.InvalidStateError{
			Subject: fmt.Sprintf("batch %s", id),
			Current: string(batch.Status),
			Wanted:  string(billing.BatchStaged),
		}
	}
	return nil
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (s *Store) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *Store) GetInvoices(_ context.Context, ids []billing.InvoiceID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, ok := s.invoices[id]
		if !ok {
			return nil, billing.ErrInvoiceNotFound
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *Store) ListOutstanding(_ context.Context, companyID billing.CompanyID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Invoice
	for _, inv := range s.invoices {
		if inv.CompanyID == companyID && !inv.Cancelled && inv.Balance().IsPositive() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// SeedInvoice inserts an invoice directly, bypassing batch posting.
// Test and dev helper.
func (s *Store) SeedInvoice(inv billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

// =============================================================================
// CLAUSE STORE
// =============================================================================

func (s *Store) ListClauses(_ context.Context, agreementID billing.AgreementID) ([]billing.AgreementClause, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.AgreementClause
	for _, c := range s.clauses {
		if c.AgreementID == agreementID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (s *Store) GetClause(_ context.Context, id billing.ClauseID) (*billing.AgreementClause, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clauses[id]
	if !ok {
		return nil, billing.ErrClauseNotFound
	}
	return &c, nil
}

func (s *Store) CreateClause(_ context.Context, clause billing.AgreementClause) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clauses {
		if c.AgreementID == clause.AgreementID && c.PointNum == clause.PointNum {
			return &billing.DuplicatePointNumError{
				AgreementID: clause.AgreementID,
				PointNum:    clause.PointNum,
				ExistingID:  c.ID,
			}
		}
	}
	s.clauses[clause.ID] = clause
	return nil
}

func (s *Store) UpdateClause(_ context.Context, clause billing.AgreementClause, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.clauses[clause.ID]
	if !ok {
		return billing.ErrClauseNotFound
	}
	if current.Version != expectedVersion {
		return &billing.ConflictError{Subject: fmt.Sprintf("clause %s", clause.ID)}
	}
	for _, c := range s.clauses {
		if c.ID != clause.ID && c.AgreementID == clause.AgreementID && c.PointNum == clause.PointNum {
			return &billing.DuplicatePointNumError{
				AgreementID: clause.AgreementID,
				PointNum:    clause.PointNum,
				ExistingID:  c.ID,
			}
		}
	}
	clause.SequenceNo = current.SequenceNo // sequence moves only via SwapSequence
	clause.Version = expectedVersion + 1
	s.clauses[clause.ID] = clause
	return nil
}

func (s *Store) SwapSequence(_ context.Context, swap billing.ClauseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, okA := s.clauses[swap.A.ClauseID]
	b, okB := s.clauses[swap.B.ClauseID]
	if !okA || !okB {
		return billing.ErrClauseNotFound
	}
	if a.Version != swap.A.ExpectedVersion || b.Version != swap.B.ExpectedVersion {
		return &billing.ConflictError{
			Subject: fmt.Sprintf("agreement %s clause order", swap.AgreementID),
		}
	}

	// Both rows move together or not at all.
	a.SequenceNo = swap.A.NewSequenceNo
	b.SequenceNo = swap.B.NewSequenceNo
	a.Version++
	b.Version++
	s.clauses[a.ID] = a
	s.clauses[b.ID] = b
	return nil
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

func (s *Store) CommitPayment(_ context.Context, payment billing.Payment, updates []billing.InvoiceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every version first; nothing is written on conflict.
	staged := make(map[billing.InvoiceID]billing.Invoice, len(updates))
	for _, u := range updates {
		inv, ok := s.invoices[u.InvoiceID]
		if !ok {
			return billing.ErrInvoiceNotFound
		}
		if inv.Version != u.ExpectedVersion {
			return &billing.ConflictError{Subject: fmt.Sprintf("invoice %s", u.InvoiceID)}
		}
		inv.TotalPaid = u.NewTotalPaid
		inv.Version++
		staged[u.InvoiceID] = inv
	}

	for id, inv := range staged {
		s.invoices[id] = inv
	}
	s.payments[payment.ID] = payment
	s.allocations = append(s.allocations, payment.Allocations...)
	return nil
}

func (s *Store) AllocationsForInvoice(_ context.Context, id billing.InvoiceID) ([]billing.PaymentAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.PaymentAllocation
	for _, a := range s.allocations {
		if a.InvoiceID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

// =============================================================================
// SWEEPER SUPPORT
// =============================================================================

func (s *Store) StuckProcessing(_ context.Context, cutoff time.Time) ([]billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Batch
	for id, started := range s.processing {
		if started.Before(cutoff) {
			out = append(out, s.batches[id])
		}
	}
	return out, nil
}
