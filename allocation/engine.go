/*
Package allocation applies payments against outstanding invoice balances.

PURPOSE:
  Given a payment amount and a set of candidate invoices, produce the set
  of per-invoice allocations and recomputed balances. Two modes:

  FIFO (empty or zero-valued allocation list):
    Candidates sorted by invoice date ascending, ties broken by invoice
    number ascending for determinism. The walk allocates
    min(remaining payment, balance) to each invoice until the payment is
    exhausted. A remainder after the last candidate is rejected with
    OverAllocation - the engine never creates a credit balance.

  Manual (explicit pairs):
    Each pair must name a candidate invoice, be positive, and fit within
    that invoice's current balance; the pair sum must fit within the
    payment. Any invalid pair rejects the whole payment. No partial commit.

BALANCE INVARIANT:
  For every touched invoice: newTotalPaid = oldTotalPaid + allocated,
  newBalance = invoiceValue - newTotalPaid, newBalance >= 0, and the new
  status derives from the new amounts (billing.DeriveStatus).

  Plan is a pure function; committing the plan (payment row + allocation
  rows + invoice updates, one transaction) is the service's job.

SEE ALSO:
  - service.go: Loads candidates and commits plans atomically
  - billing/derive.go: Status derivation
*/
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// PLAN TYPES
// =============================================================================

type Mode string

const (
	ModeFIFO   Mode = "fifo"
	ModeManual Mode = "manual"
)

// ManualLine is one caller-supplied {invoiceId, allocatedAmount} pair.
type ManualLine struct {
	InvoiceID billing.InvoiceID
	Amount    decimal.Decimal
}

// PlanLine is the computed outcome for one invoice.
type PlanLine struct {
	InvoiceID       billing.InvoiceID
	InvoiceNumber   string
	Amount          decimal.Decimal
	NewTotalPaid    decimal.Decimal
	NewBalance      decimal.Decimal
	NewStatus       billing.InvoiceStatus
	ExpectedVersion int
}

// Plan is the validated outcome of an allocation. TotalAllocated always
// equals the payment amount in FIFO mode and the pair sum in manual mode.
type Plan struct {
	Mode           Mode
	Lines          []PlanLine
	TotalAllocated decimal.Decimal
}

// Updates converts the plan into the store's invoice update set.
func (p *Plan) Updates() []billing.InvoiceUpdate {
	updates := make([]billing.InvoiceUpdate, len(p.Lines))
	for i, l := range p.Lines {
		updates[i] = billing.InvoiceUpdate{
			InvoiceID:       l.InvoiceID,
			NewTotalPaid:    l.NewTotalPaid,
			ExpectedVersion: l.ExpectedVersion,
		}
	}
	return updates
}

// =============================================================================
// PLAN CONSTRUCTION
// =============================================================================

// Build validates the request and computes the allocation plan. A manual
// list that is empty or carries only zero amounts selects FIFO mode. Build
// never mutates its inputs and commits nothing.
func Build(payment decimal.Decimal, candidates []billing.Invoice, manual []ManualLine) (*Plan, error) {
	if !payment.IsPositive() {
		return nil, &billing.ValidationError{Field: "paymentAmount", Message: "must be positive"}
	}
	if len(candidates) == 0 {
		return nil, &billing.ValidationError{Field: "invoices", Message: "at least one candidate invoice required"}
	}
	for _, inv := range candidates {
		if !inv.Allocatable() {
			return nil, &billing.ValidationError{
				Field:   "invoices",
				Message: "invoice " + inv.Number + " is not open for allocation",
			}
		}
	}

	if zeroValued(manual) {
		return buildFIFO(payment, candidates)
	}
	return buildManual(payment, candidates, manual)
}

// zeroValued reports whether the manual list carries no amounts at all.
// Clients send such lists (empty, or rows with zeroed amount fields) to mean
// "allocate FIFO", not as a manual plan.
func zeroValued(manual []ManualLine) bool {
	for _, m := range manual {
		if !m.Amount.IsZero() {
			return false
		}
	}
	return true
}

func buildFIFO(payment decimal.Decimal, candidates []billing.Invoice) (*Plan, error) {
	sorted := make([]billing.Invoice, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].Number < sorted[j].Number
	})

	plan := &Plan{Mode: ModeFIFO, TotalAllocated: decimal.Zero}
	remaining := payment
	for _, inv := range sorted {
		if remaining.IsZero() {
			break
		}
		amount := decimal.Min(remaining, inv.Balance())
		plan.Lines = append(plan.Lines, planLine(inv, amount))
		plan.TotalAllocated = plan.TotalAllocated.Add(amount)
		remaining = remaining.Sub(amount)
	}

	if remaining.IsPositive() {
		outstanding := payment.Sub(remaining)
		return nil, &billing.OverAllocationError{
			Payment:     payment.StringFixed(2),
			Outstanding: outstanding.StringFixed(2),
			Excess:      remaining.StringFixed(2),
		}
	}
	return plan, nil
}

func buildManual(payment decimal.Decimal, candidates []billing.Invoice, manual []ManualLine) (*Plan, error) {
	byID := make(map[billing.InvoiceID]billing.Invoice, len(candidates))
	for _, inv := range candidates {
		byID[inv.ID] = inv
	}

	plan := &Plan{Mode: ModeManual, TotalAllocated: decimal.Zero}
	seen := make(map[billing.InvoiceID]bool, len(manual))
	for _, m := range manual {
		inv, ok := byID[m.InvoiceID]
		if !ok {
			return nil, &billing.ValidationError{
				Field:   "allocations",
				Message: "invoice " + string(m.InvoiceID) + " is not a candidate",
			}
		}
		if seen[m.InvoiceID] {
			return nil, &billing.ValidationError{
				Field:   "allocations",
				Message: "invoice " + inv.Number + " allocated twice",
			}
		}
		seen[m.InvoiceID] = true

		if !m.Amount.IsPositive() {
			return nil, &billing.ValidationError{
				Field:   "allocations",
				Message: "allocation for " + inv.Number + " must be positive",
			}
		}
		if m.Amount.GreaterThan(inv.Balance()) {
			return nil, &billing.ValidationError{
				Field: "allocations",
				Message: "allocation " + m.Amount.StringFixed(2) + " exceeds balance " +
					inv.Balance().StringFixed(2) + " on " + inv.Number,
			}
		}

		plan.Lines = append(plan.Lines, planLine(inv, m.Amount))
		plan.TotalAllocated = plan.TotalAllocated.Add(m.Amount)
	}

	if plan.TotalAllocated.GreaterThan(payment) {
		return nil, &billing.ValidationError{
			Field: "allocations",
			Message: "allocated total " + plan.TotalAllocated.StringFixed(2) +
				" exceeds payment " + payment.StringFixed(2),
		}
	}
	return plan, nil
}

func planLine(inv billing.Invoice, amount decimal.Decimal) PlanLine {
	newPaid := inv.TotalPaid.Add(amount)
	return PlanLine{
		InvoiceID:       inv.ID,
		InvoiceNumber:   inv.Number,
		Amount:          amount,
		NewTotalPaid:    newPaid,
		NewBalance:      inv.Value.Sub(newPaid),
		NewStatus:       billing.DeriveStatus(inv.Value, newPaid, inv.Cancelled),
		ExpectedVersion: inv.Version,
	}
}
