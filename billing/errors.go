/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Leaf packages (sequence, allocation) and stores wrap these errors
  with additional context.

ERROR CATEGORIES:
  1. Validation errors  - Business rule violations, no retry, no partial commit
  2. State errors       - Operation invalid for the entity's current status
  3. Concurrency errors - Optimistic lock failures, re-read and retry
  4. Allocation errors  - Payment exceeding outstanding balances

USAGE:
  Callers classify with errors.Is():

    if errors.Is(err, billing.ErrConcurrentModification) {
        // re-read and retry the whole operation
    }

SEE ALSO:
  - batch.go: Raises state errors
  - sequence/: Raises duplicate point-number errors
  - allocation/: Raises over-allocation errors
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all business-rule rejections.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState is returned when an operation is not valid for the
	// entity's current status (editing a non-STAGED batch, reordering past
	// a list boundary, re-posting a PROCESSING batch).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrConcurrentModification is returned when optimistic locking detects
	// a conflict. The caller must re-read and retry the whole operation.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrOverAllocation is returned when a FIFO payment exceeds the total
	// outstanding balance of its candidate invoices. The engine never
	// creates a credit balance.
	ErrOverAllocation = errors.New("payment exceeds outstanding balance")

	// ErrDuplicatePointNum is returned when a clause write would violate
	// point-number uniqueness within an agreement.
	ErrDuplicatePointNum = errors.New("duplicate point number in agreement")

	// ErrBatchNotFound / ErrItemNotFound / ErrInvoiceNotFound / ErrClauseNotFound
	// are returned when a referenced record does not exist.
	ErrBatchNotFound   = errors.New("batch not found")
	ErrItemNotFound    = errors.New("batch item not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrClauseNotFound  = errors.New("agreement clause not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a single rejected field or rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidStateError reports the status that blocked an operation.
type InvalidStateError struct {
	Subject string // "batch b-1", "clause c-9"
	Current string
	Wanted  string // status (or position) the operation required
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is %s, operation requires %s", e.Subject, e.Current, e.Wanted)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConflictError reports an optimistic lock failure on a specific record.
type ConflictError struct {
	Subject string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s was modified concurrently", e.Subject)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// OverAllocationError details a rejected FIFO payment.
type OverAllocationError struct {
	Payment     string // decimal strings, for the caller's summary
	Outstanding string
	Excess      string
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("payment %s exceeds outstanding %s by %s", e.Payment, e.Outstanding, e.Excess)
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// DuplicatePointNumError details a clause uniqueness violation.
type DuplicatePointNumError struct {
	AgreementID AgreementID
	PointNum    string
	ExistingID  ClauseID
}

func (e *DuplicatePointNumError) Error() string {
	return fmt.Sprintf("point %q already exists in agreement %s (clause: %s)",
		e.PointNum, e.AgreementID, e.ExistingID)
}

func (e *DuplicatePointNumError) Unwrap() error { return ErrDuplicatePointNum }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry after a re-read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicatePointNum) ||
		errors.Is(err, ErrOverAllocation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrClauseNotFound)
}
