// derive.go - Pure derivation functions for computed fields.
//
// Every value here is a projection of stored fields: computed amounts,
// error flags, balances, and statuses are recalculated on each write and
// never persisted as independently mutable state.

package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeAmount returns quantity x rate plus tax, rounded to two fractional
// digits: round(quantity x rate x (1 + taxPercent/100), 2).
func ComputeAmount(quantity, rate, taxPercent decimal.Decimal) decimal.Decimal {
	gross := quantity.Mul(rate)
	taxed := gross.Add(gross.Mul(taxPercent.Div(hundred)))
	return taxed.Round(2)
}

// DeriveLineError recomputes the error flag for a draft line. A line is in
// error when its computed amount is non-positive or its customer reference
// is unresolved. Errored lines can never be selected for posting.
func DeriveLineError(amount decimal.Decimal, customerRef string) (bool, string) {
	if customerRef == "" {
		return true, "customer reference unresolved"
	}
	if !amount.IsPositive() {
		return true, "computed amount must be positive"
	}
	return false, ""
}

// DeriveStatus derives an invoice status from its amounts:
//
//	Cancelled          if cancelled
//	Paid               if balance == 0 and totalPaid > 0
//	PartiallyPaid      if 0 < totalPaid < invoiceValue
//	Generated          if totalPaid == 0
//
// StatusDraft applies only to lines that have not been posted; a persisted
// Invoice is never Draft.
func DeriveStatus(value, totalPaid decimal.Decimal, cancelled bool) InvoiceStatus {
	switch {
	case cancelled:
		return StatusCancelled
	case value.Sub(totalPaid).IsZero() && totalPaid.IsPositive():
		return StatusPaid
	case totalPaid.IsPositive() && totalPaid.LessThan(value):
		return StatusPartiallyPaid
	default:
		return StatusGenerated
	}
}

// Refresh recomputes the derived fields of a line in place. Called after
// every mutation of quantity, rate, tax, or customer reference.
func (l *DraftLine) Refresh() {
	l.ComputedAmount = ComputeAmount(l.Quantity, l.Rate, l.TaxPercent)
	l.ErrorFlag, l.ErrorMessage = DeriveLineError(l.ComputedAmount, l.CustomerRef)
}

// Materialize converts a draft line into the invoice it becomes at posting.
// This is the single mapping between the two variants; the invoice number is
// assigned by the store inside the posting transaction.
func Materialize(line DraftLine, batch Batch, invoiceDate time.Time, cred Credential) Invoice {
	return Invoice{
		CompanyID:    batch.CompanyID,
		HCFID:        line.CustomerRef,
		Date:         invoiceDate,
		DueDate:      line.DueDate,
		Value:        line.ComputedAmount,
		TotalPaid:    decimal.Zero,
		SourceItemID: line.ID,
		CreatedBy:    cred.ActorID,
	}
}
