/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the interface between the domain logic and the database. Guarded
  writes carry the version observed at read time; a write that matches zero
  rows is classified by the store as either a state violation or a
  concurrency conflict, never silently merged.

KEY INTERFACES:
  BatchStore:   Batch/line persistence plus the posting transitions
  InvoiceStore: Invoice reads for allocation
  ClauseStore:  Agreement clause persistence with the atomic pair swap
  PaymentStore: Atomic payment commit

ATOMICITY CONTRACTS:
  - SwapSequence applies both rows of a ClauseSwap in one transaction.
    A half-applied swap (duplicate sequenceNo) must be impossible.
  - Materialize inserts the invoice, assigns its number from the company
    sequence, and stamps the line's invoice_id in one transaction. A unique
    constraint on the source line guarantees a retried post cannot create a
    second invoice for the same line.
  - CommitPayment writes the payment, its allocations, and every invoice
    update in one transaction. No reader observes a half-applied payment.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite (sqlx)
  - store/memory: In-memory for tests and dev

SEE ALSO:
  - batch.go: Uses BatchStore
  - sequence/: Uses ClauseStore
  - allocation/: Uses InvoiceStore + PaymentStore
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// BATCH STORE
// =============================================================================

type BatchStore interface {
	// CreateBatch persists a new STAGED batch with its lines.
	CreateBatch(ctx context.Context, batch Batch, lines []DraftLine) error

	// GetBatch returns a batch by ID, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id BatchID) (*Batch, error)

	// ListBatches returns batches, newest first. Empty companyID means all.
	ListBatches(ctx context.Context, companyID CompanyID) ([]Batch, error)

	// ListLines returns the lines of a batch in stable creation order.
	ListLines(ctx context.Context, id BatchID) ([]DraftLine, error)

	// GetLine returns a line by ID, or ErrItemNotFound.
	GetLine(ctx context.Context, id ItemID) (*DraftLine, error)

	// SaveLine writes a mutated line. Fails with InvalidStateError unless
	// the owning batch is STAGED, and with ConflictError unless the line's
	// stored version equals expectedVersion. Increments the version.
	SaveLine(ctx context.Context, line DraftLine, expectedVersion int) error

	// DeleteLine removes a staged line. Same STAGED guard as SaveLine.
	DeleteLine(ctx context.Context, batchID BatchID, id ItemID) error

	// BeginPost transitions STAGED/FAILED -> PROCESSING under the batch's
	// version. InvalidStateError when the status is not postable,
	// ConflictError when the version moved.
	BeginPost(ctx context.Context, id BatchID, expectedVersion int) error

	// Materialize atomically creates the invoice for a line and stamps the
	// line's invoice reference. Returns the assigned invoice number.
	Materialize(ctx context.Context, line DraftLine, inv Invoice) (string, error)

	// FinishPost transitions PROCESSING -> POSTED/FAILED.
	FinishPost(ctx context.Context, id BatchID, status BatchStatus, postedAt time.Time) error
}

// =============================================================================
// INVOICE STORE
// =============================================================================

type InvoiceStore interface {
	// GetInvoice returns an invoice by ID, or ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// GetInvoices returns the named invoices; ErrInvoiceNotFound if any is missing.
	GetInvoices(ctx context.Context, ids []InvoiceID) ([]Invoice, error)

	// ListOutstanding returns non-cancelled invoices with a positive balance
	// for a company, oldest invoice date first.
	ListOutstanding(ctx context.Context, companyID CompanyID) ([]Invoice, error)
}

// =============================================================================
// CLAUSE STORE
// =============================================================================

type ClauseStore interface {
	// ListClauses returns an agreement's clauses ordered by sequenceNo.
	ListClauses(ctx context.Context, agreementID AgreementID) ([]AgreementClause, error)

	// GetClause returns a clause by ID, or ErrClauseNotFound.
	GetClause(ctx context.Context, id ClauseID) (*AgreementClause, error)

	// CreateClause inserts a clause. DuplicatePointNumError when the point
	// number already exists in the agreement.
	CreateClause(ctx context.Context, clause AgreementClause) error

	// UpdateClause writes clause text fields under the clause's version.
	UpdateClause(ctx context.Context, clause AgreementClause, expectedVersion int) error

	// SwapSequence exchanges the sequence numbers of two clauses in one
	// transaction. ConflictError (and no change at all) when either side's
	// version moved.
	SwapSequence(ctx context.Context, swap ClauseSwap) error
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

type PaymentStore interface {
	// CommitPayment persists the payment, its allocations, and all invoice
	// updates atomically. ConflictError (and full rollback) when any
	// invoice's version moved since the plan was built.
	CommitPayment(ctx context.Context, payment Payment, updates []InvoiceUpdate) error

	// AllocationsForInvoice returns the committed allocations against one invoice.
	AllocationsForInvoice(ctx context.Context, id InvoiceID) ([]PaymentAllocation, error)
}

// Store is the full persistence surface, implemented by store/sqlite and
// store/memory.
type Store interface {
	BatchStore
	InvoiceStore
	ClauseStore
	PaymentStore
}
