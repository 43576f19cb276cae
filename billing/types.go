/*
Package billing provides the core invoice billing engine.

PURPOSE:
  This package contains the domain types and the batch lifecycle logic for
  staging, editing, and posting billing runs. A generation step (external to
  this package) computes a batch of draft lines; an operator edits and
  selects lines while the batch is STAGED; posting converts the selected,
  error-free lines into permanent invoices.

KEY CONCEPTS IN THIS FILE (types.go):
  - Batch / DraftLine: A staged billing run and its editable lines
  - Invoice: The permanent record a draft line materializes into
  - Payment / PaymentAllocation: Money applied against invoice balances
  - AgreementClause: An ordered clause within a service agreement
  - Credential: Request-scoped actor identity (never ambient state)

DESIGN PRINCIPLES:
  1. Derived values stay derived: computed amounts, error flags, balances,
     and statuses are recalculated from stored fields on every write, never
     persisted as independently mutable state.
  2. Precision: Uses decimal.Decimal for all currency math.
  3. Type Safety: Strong typing for IDs prevents mixing batch/item/invoice IDs.
  4. Tagged variants: a draft line and a posted invoice are different types
     with one explicit materialization function between them, not one mutable
     record with optional fields.

SEE ALSO:
  - derive.go: Pure derivation functions (amounts, flags, statuses)
  - batch.go: Batch lifecycle state machine
  - store.go: Persistence interfaces
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID string
type ItemID string
type InvoiceID string
type PaymentID string
type CompanyID string
type AgreementID string
type ClauseID string

// =============================================================================
// CREDENTIAL - Request-scoped actor identity
// =============================================================================

// Credential identifies the actor behind a service call. It is passed
// explicitly into every mutating operation; there is no process-wide
// session or token singleton.
type Credential struct {
	ActorID   string
	ActorType string // "operator", "system", "admin"
}

// Anonymous is the credential used when authentication is disabled.
var Anonymous = Credential{ActorID: "anonymous", ActorType: "operator"}

// =============================================================================
// BATCH - A staged billing run
// =============================================================================

type BatchType string

const (
	BatchManual BatchType = "manual"
	BatchWeight BatchType = "weight"
	BatchBed    BatchType = "bed"
)

type BatchStatus string

const (
	BatchStaged     BatchStatus = "STAGED"     // Initial, mutable
	BatchProcessing BatchStatus = "PROCESSING" // Transient, set the instant posting begins
	BatchPosted     BatchStatus = "POSTED"     // Terminal success
	BatchFailed     BatchStatus = "FAILED"     // Terminal, retryable via a new post
)

// Terminal reports whether no further STAGED-window mutation is possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchPosted || s == BatchFailed
}

// Postable reports whether a post may begin from this status.
// PROCESSING is non-retryable; POSTED is final.
func (s BatchStatus) Postable() bool {
	return s == BatchStaged || s == BatchFailed
}

// Period is the billing window a batch covers. Either a from/to range or a
// billing month label, depending on batch type.
type Period struct {
	From         *time.Time
	To           *time.Time
	BillingMonth string // "2024-03" style label, empty for range periods
}

type Batch struct {
	ID           BatchID
	Type         BatchType
	CompanyID    CompanyID
	Period       Period
	Status       BatchStatus
	TotalRecords int
	Version      int // Optimistic concurrency token

	CreatedBy string
	CreatedAt time.Time
	PostedAt  *time.Time
}

// =============================================================================
// DRAFT LINE - An editable line within a STAGED batch
// =============================================================================

// DraftLine is a computed billing line awaiting operator review. It exists
// only while its batch is pre-POSTED; once materialized, InvoiceID records
// the permanent invoice it became (the per-item posted marker that makes
// post retries idempotent).
type DraftLine struct {
	ID          ItemID
	BatchID     BatchID
	CustomerRef string // HCF / customer the line bills; empty means unresolved
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	TaxPercent  decimal.Decimal
	DueDate     time.Time

	// Derived on every write, never edited directly.
	ComputedAmount decimal.Decimal
	ErrorFlag      bool
	ErrorMessage   string

	Selected  bool
	InvoiceID InvoiceID // Set once, when the line is posted
	Version   int
}

// Posted reports whether this line has already materialized into an invoice.
func (l DraftLine) Posted() bool { return l.InvoiceID != "" }

// =============================================================================
// INVOICE - Permanent billing record
// =============================================================================

type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "Draft"
	StatusGenerated     InvoiceStatus = "Generated"
	StatusPartiallyPaid InvoiceStatus = "PartiallyPaid"
	StatusPaid          InvoiceStatus = "Paid"
	StatusCancelled     InvoiceStatus = "Cancelled"
)

// Invoice is created by batch posting (or manual creation) and mutated only
// by payment allocation. Never deleted, only cancelled.
//
// Balance and Status are projections of stored fields; there is no separate
// balance column that can drift.
type Invoice struct {
	ID           InvoiceID
	CompanyID    CompanyID
	HCFID        string
	Number       string // Per-company sequential number, assigned at posting
	Date         time.Time
	DueDate      time.Time
	Value        decimal.Decimal
	TotalPaid    decimal.Decimal
	Cancelled    bool
	SourceItemID ItemID // Draft line this invoice came from, if batch-posted
	Version      int

	CreatedBy string
	CreatedAt time.Time
}

// Balance returns invoiceValue - totalPaidAmount.
func (inv Invoice) Balance() decimal.Decimal {
	return inv.Value.Sub(inv.TotalPaid)
}

// Status derives the invoice status from its amounts. See DeriveStatus.
func (inv Invoice) Status() InvoiceStatus {
	return DeriveStatus(inv.Value, inv.TotalPaid, inv.Cancelled)
}

// Allocatable reports whether the invoice can receive a payment allocation.
func (inv Invoice) Allocatable() bool {
	s := inv.Status()
	return (s == StatusGenerated || s == StatusPartiallyPaid) && inv.Balance().IsPositive()
}

// =============================================================================
// PAYMENT - Money applied against invoices
// =============================================================================

type Payment struct {
	ID          PaymentID
	CompanyID   CompanyID
	Date        time.Time
	Amount      decimal.Decimal
	Mode        string // "cash", "cheque", "transfer", ...
	Allocations []PaymentAllocation

	CreatedBy string
	CreatedAt time.Time
}

// PaymentAllocation is one slice of a payment applied to one invoice.
// Immutable once committed.
type PaymentAllocation struct {
	PaymentID PaymentID
	InvoiceID InvoiceID
	Amount    decimal.Decimal
}

// InvoiceUpdate carries the recomputed paid total for one invoice touched by
// a payment, plus the version observed when the allocation was planned. The
// store applies all updates of a payment in a single transaction.
type InvoiceUpdate struct {
	InvoiceID       InvoiceID
	NewTotalPaid    decimal.Decimal
	ExpectedVersion int
}

// =============================================================================
// AGREEMENT CLAUSE - Ordered clause within an agreement
// =============================================================================

type AgreementClause struct {
	ID          ClauseID
	AgreementID AgreementID
	PointNum    string // Unique within the agreement (case-sensitive)
	PointTitle  string
	PointText   string
	SequenceNo  int // Strict total order within the agreement
	Status      string
	Version     int

	CreatedBy string
	CreatedAt time.Time
}

// ClauseSwap is an atomic two-row sequence exchange, produced by the
// sequence engine and applied by the store as a single transaction. Either
// both rows move or neither does.
type ClauseSwap struct {
	AgreementID AgreementID
	A           ClauseMove
	B           ClauseMove
}

// ClauseMove is one side of a swap: the clause, its new sequence number, and
// the version observed when the swap was planned.
type ClauseMove struct {
	ClauseID        ClauseID
	NewSequenceNo   int
	ExpectedVersion int
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// MustDecimal parses a decimal literal, returning zero on malformed input.
// Intended for constants and tests.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
