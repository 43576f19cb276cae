// service.go - Payment service: candidate loading and atomic commit.

package allocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// PaymentStore is the persistence surface the service needs.
type PaymentStore interface {
	billing.InvoiceStore
	billing.PaymentStore
}

// PaymentService records payments. The plan is computed first; the payment
// record, its allocations, and every invoice update commit in one storage
// transaction, or none do.
type PaymentService struct {
	Store PaymentStore
}

func NewPaymentService(store PaymentStore) *PaymentService {
	return &PaymentService{Store: store}
}

// RecordRequest describes one payment event. An empty Manual list selects
// FIFO. When InvoiceIDs is empty in FIFO mode, every outstanding invoice of
// the company is a candidate.
type RecordRequest struct {
	CompanyID  billing.CompanyID
	Date       time.Time
	Amount     decimal.Decimal
	Mode       string // payment instrument: "cash", "cheque", "transfer"
	InvoiceIDs []billing.InvoiceID
	Manual     []ManualLine
}

// Record validates, plans, and commits a payment. Created once per payment
// event; allocations are immutable once committed.
func (s *PaymentService) Record(ctx context.Context, cred billing.Credential, req RecordRequest) (*billing.Payment, *Plan, error) {
	if req.CompanyID == "" {
		return nil, nil, &billing.ValidationError{Field: "companyId", Message: "required"}
	}

	var candidates []billing.Invoice
	var err error
	if len(req.InvoiceIDs) > 0 {
		candidates, err = s.Store.GetInvoices(ctx, req.InvoiceIDs)
	} else {
		candidates, err = s.Store.ListOutstanding(ctx, req.CompanyID)
	}
	if err != nil {
		return nil, nil, err
	}
	// Named candidates may reference any invoice; the payment's company must
	// own every one of them.
	for _, inv := range candidates {
		if inv.CompanyID != req.CompanyID {
			return nil, nil, &billing.ValidationError{
				Field:   "invoiceIds",
				Message: "invoice " + inv.Number + " belongs to another company",
			}
		}
	}

	plan, err := Build(req.Amount, candidates, req.Manual)
	if err != nil {
		return nil, nil, err
	}

	payment := billing.Payment{
		ID:        billing.PaymentID(uuid.NewString()),
		CompanyID: req.CompanyID,
		Date:      req.Date,
		Amount:    req.Amount,
		Mode:      req.Mode,
		CreatedBy: cred.ActorID,
		CreatedAt: time.Now().UTC(),
	}
	for _, line := range plan.Lines {
		payment.Allocations = append(payment.Allocations, billing.PaymentAllocation{
			PaymentID: payment.ID,
			InvoiceID: line.InvoiceID,
			Amount:    line.Amount,
		})
	}

	if err := s.Store.CommitPayment(ctx, payment, plan.Updates()); err != nil {
		return nil, nil, err
	}
	return &payment, plan, nil
}

// ForInvoice returns the committed allocations against one invoice.
func (s *PaymentService) ForInvoice(ctx context.Context, id billing.InvoiceID) ([]billing.PaymentAllocation, error) {
	if _, err := s.Store.GetInvoice(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.AllocationsForInvoice(ctx, id)
}

// Outstanding returns the open invoices of a company, oldest first.
func (s *PaymentService) Outstanding(ctx context.Context, companyID billing.CompanyID) ([]billing.Invoice, error) {
	return s.Store.ListOutstanding(ctx, companyID)
}
