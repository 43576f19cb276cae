// service.go - Clause service applying sequence plans through the store.
//
// The service holds no state; every operation re-reads the agreement's
// clauses, plans against what it read, and lets the store's version checks
// reject the write if another operator got there first.

package sequence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/billing-engine/billing"
)

// ClauseService mediates clause writes. Both invariants (point-number
// uniqueness, distinct sequence numbers) must hold before any write commits.
type ClauseService struct {
	Store billing.ClauseStore
}

func NewClauseService(store billing.ClauseStore) *ClauseService {
	return &ClauseService{Store: store}
}

// List returns the agreement's clauses in sequence order.
func (s *ClauseService) List(ctx context.Context, agreementID billing.AgreementID) ([]billing.AgreementClause, error) {
	return s.Store.ListClauses(ctx, agreementID)
}

// NewClause describes a clause to create. The sequence number is allocated
// by the service, never chosen by the caller.
type NewClause struct {
	PointNum   string
	PointTitle string
	PointText  string
	Status     string
}

// Create validates uniqueness, allocates the next sequence number, and
// inserts the clause. The owning agreement must be editable; that invariant
// belongs to the caller.
func (s *ClauseService) Create(ctx context.Context, cred billing.Credential, agreementID billing.AgreementID, nc NewClause) (*billing.AgreementClause, error) {
	if nc.PointNum == "" {
		return nil, &billing.ValidationError{Field: "pointNum", Message: "required"}
	}

	clauses, err := s.Store.ListClauses(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if err := CheckPointNum(clauses, "", nc.PointNum); err != nil {
		return nil, err
	}

	clause := billing.AgreementClause{
		ID:          billing.ClauseID(uuid.NewString()),
		AgreementID: agreementID,
		PointNum:    nc.PointNum,
		PointTitle:  nc.PointTitle,
		PointText:   nc.PointText,
		SequenceNo:  NextSequenceNo(clauses),
		Status:      nc.Status,
		Version:     1,
		CreatedBy:   cred.ActorID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Store.CreateClause(ctx, clause); err != nil {
		return nil, err
	}
	return &clause, nil
}

// ClausePatch carries the editable fields of a clause. Nil means "leave as is".
// Sequence numbers are only ever changed through Move.
type ClausePatch struct {
	PointNum   *string
	PointTitle *string
	PointText  *string
	Status     *string
}

// Update edits a clause's content. A point-number change re-runs the
// uniqueness check against every other clause of the agreement.
func (s *ClauseService) Update(ctx context.Context, cred billing.Credential, id billing.ClauseID, patch ClausePatch) (*billing.AgreementClause, error) {
	clause, err := s.Store.GetClause(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.PointNum != nil && *patch.PointNum != clause.PointNum {
		siblings, err := s.Store.ListClauses(ctx, clause.AgreementID)
		if err != nil {
			return nil, err
		}
		if err := CheckPointNum(siblings, clause.ID, *patch.PointNum); err != nil {
			return nil, err
		}
		clause.PointNum = *patch.PointNum
	}
	if patch.PointTitle != nil {
		clause.PointTitle = *patch.PointTitle
	}
	if patch.PointText != nil {
		clause.PointText = *patch.PointText
	}
	if patch.Status != nil {
		clause.Status = *patch.Status
	}

	expected := clause.Version
	if err := s.Store.UpdateClause(ctx, *clause, expected); err != nil {
		return nil, err
	}
	clause.Version = expected + 1
	return clause, nil
}

// Move shifts a clause one position up or down by exchanging sequence
// numbers with its immediate neighbor. The exchange is a single atomic
// store operation; two concurrent moves against the same agreement cannot
// both succeed against the same neighbor. Returns the re-read, re-sorted
// clause list.
func (s *ClauseService) Move(ctx context.Context, cred billing.Credential, id billing.ClauseID, dir Direction) ([]billing.AgreementClause, error) {
	clause, err := s.Store.GetClause(ctx, id)
	if err != nil {
		return nil, err
	}

	clauses, err := s.Store.ListClauses(ctx, clause.AgreementID)
	if err != nil {
		return nil, err
	}

	swap, err := PlanMove(clauses, id, dir)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SwapSequence(ctx, swap); err != nil {
		return nil, err
	}
	return s.Store.ListClauses(ctx, clause.AgreementID)
}
