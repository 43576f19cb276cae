/*
Package sequence enforces the ordering invariants of agreement clauses.

PURPOSE:
  Two independent checks guard every clause write:
    1. Uniqueness: a point number appears at most once per agreement
       (case-sensitive exact match, excluding the clause being edited).
    2. Ordering: sequence numbers stay pairwise distinct within an
       agreement after any successful reorder.

SWAP, NOT INSERT:
  Reordering is a two-element transposition: moving a clause up or down
  exchanges its sequence number with exactly its immediate neighbor in the
  sequence-sorted list. The whole list is never renumbered. The engine only
  PLANS the swap; the store applies both rows in a single transaction so a
  half-applied swap (duplicate sequenceNo) cannot be observed.

NUMBER ALLOCATION:
  A new clause takes max(existing sequenceNo) + 1. Numbers are never
  reused, even after deletions, so contiguity is not guaranteed and not
  required.

SEE ALSO:
  - service.go: Applies plans through billing.ClauseStore
*/
package sequence

import (
	"fmt"
	"sort"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// DIRECTION
// =============================================================================

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection validates a direction string from the API.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Up, Down:
		return Direction(s), nil
	default:
		return "", &billing.ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", s)}
	}
}

// =============================================================================
// PURE PLANNING FUNCTIONS
// =============================================================================

// SortBySequence returns the clauses ordered by ascending sequenceNo.
// The input slice is not modified.
func SortBySequence(clauses []billing.AgreementClause) []billing.AgreementClause {
	sorted := make([]billing.AgreementClause, len(clauses))
	copy(sorted, clauses)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNo < sorted[j].SequenceNo
	})
	return sorted
}

// NextSequenceNo returns max(existing sequenceNo) + 1 for a new clause.
// Never reuses a number, even after deletions.
func NextSequenceNo(clauses []billing.AgreementClause) int {
	max := 0
	for _, c := range clauses {
		if c.SequenceNo > max {
			max = c.SequenceNo
		}
	}
	return max + 1
}

// CheckPointNum rejects a point number already used by another clause of the
// same agreement. The clause identified by exclude (the one being edited) is
// ignored.
func CheckPointNum(clauses []billing.AgreementClause, exclude billing.ClauseID, pointNum string) error {
	for _, c := range clauses {
		if c.ID == exclude {
			continue
		}
		if c.PointNum == pointNum {
			return &billing.DuplicatePointNumError{
				AgreementID: c.AgreementID,
				PointNum:    pointNum,
				ExistingID:  c.ID,
			}
		}
	}
	return nil
}

// PlanMove builds the swap that moves one clause a single position. Moving
// up requires a predecessor, moving down a successor; a move past the list
// boundary is an InvalidState error and plans nothing.
func PlanMove(clauses []billing.AgreementClause, id billing.ClauseID, dir Direction) (billing.ClauseSwap, error) {
	sorted := SortBySequence(clauses)

	idx := -1
	for i, c := range sorted {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return billing.ClauseSwap{}, billing.ErrClauseNotFound
	}

	var neighbor int
	switch dir {
	case Up:
		if idx == 0 {
			return billing.ClauseSwap{}, &billing.InvalidStateError{
				Subject: fmt.Sprintf("clause %s", id),
				Current: "first in sequence",
				Wanted:  "a predecessor to swap with",
			}
		}
		neighbor = idx - 1
	case Down:
		if idx == len(sorted)-1 {
			return billing.ClauseSwap{}, &billing.InvalidStateError{
				Subject: fmt.Sprintf("clause %s", id),
				Current: "last in sequence",
				Wanted:  "a successor to swap with",
			}
		}
		neighbor = idx + 1
	default:
		return billing.ClauseSwap{}, &billing.ValidationError{Field: "direction", Message: string(dir)}
	}

	c, n := sorted[idx], sorted[neighbor]
	return billing.ClauseSwap{
		AgreementID: c.AgreementID,
		A: billing.ClauseMove{
			ClauseID:        c.ID,
			NewSequenceNo:   n.SequenceNo,
			ExpectedVersion: c.Version,
		},
		B: billing.ClauseMove{
			ClauseID:        n.ID,
			NewSequenceNo:   c.SequenceNo,
			ExpectedVersion: n.Version,
		},
	}, nil
}

// CheckDistinct verifies the ordering invariant over a clause set: sequence
// numbers pairwise distinct within the agreement. Used by tests and by the
// store's post-swap assertion.
func CheckDistinct(clauses []billing.AgreementClause) error {
	seen := make(map[int]billing.ClauseID, len(clauses))
	for _, c := range clauses {
		if other, ok := seen[c.SequenceNo]; ok {
			return &billing.ValidationError{
				Field:   "sequenceNo",
				Message: fmt.Sprintf("clauses %s and %s share sequence %d", other, c.ID, c.SequenceNo),
			}
		}
		seen[c.SequenceNo] = c.ID
	}
	return nil
}
