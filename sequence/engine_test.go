package sequence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/sequence"
)

// =============================================================================
// FIXTURES
// =============================================================================

func clause(id, pointNum string, seq int) billing.AgreementClause {
	return billing.AgreementClause{
		ID:          billing.ClauseID(id),
		AgreementID: "agr-1",
		PointNum:    pointNum,
		SequenceNo:  seq,
		Version:     1,
	}
}

// apply executes a planned swap in memory, the way the store would.
func apply(clauses []billing.AgreementClause, swap billing.ClauseSwap) []billing.AgreementClause {
	out := make([]billing.AgreementClause, len(clauses))
	copy(out, clauses)
	for i, c := range out {
		switch c.ID {
		case swap.A.ClauseID:
			out[i].SequenceNo = swap.A.NewSequenceNo
			out[i].Version++
		case swap.B.ClauseID:
			out[i].SequenceNo = swap.B.NewSequenceNo
			out[i].Version++
		}
	}
	return out
}

func order(clauses []billing.AgreementClause) []billing.ClauseID {
	sorted := sequence.SortBySequence(clauses)
	ids := make([]billing.ClauseID, len(sorted))
	for i, c := range sorted {
		ids[i] = c.ID
	}
	return ids
}

// =============================================================================
// MOVE PLANNING
// =============================================================================

func TestPlanMove_UpSwapsWithPredecessor(t *testing.T) {
	// GIVEN: Clauses [P1/seq1, P2/seq2, P3/seq3]
	// WHEN: P2 moves up
	// THEN: P1 and P2 exchange sequence numbers; P3 untouched

	clauses := []billing.AgreementClause{
		clause("c1", "P1", 1), clause("c2", "P2", 2), clause("c3", "P3", 3),
	}

	swap, err := sequence.PlanMove(clauses, "c2", sequence.Up)
	require.NoError(t, err)

	assert.Equal(t, billing.ClauseID("c2"), swap.A.ClauseID)
	assert.Equal(t, 1, swap.A.NewSequenceNo)
	assert.Equal(t, billing.ClauseID("c1"), swap.B.ClauseID)
	assert.Equal(t, 2, swap.B.NewSequenceNo)

	after := apply(clauses, swap)
	assert.Equal(t, []billing.ClauseID{"c2", "c1", "c3"}, order(after))
	assert.NoError(t, sequence.CheckDistinct(after))
}

func TestPlanMove_UpThenDown_RestoresOrder(t *testing.T) {
	clauses := []billing.AgreementClause{
		clause("c1", "P1", 1), clause("c2", "P2", 2), clause("c3", "P3", 3),
	}

	swap, err := sequence.PlanMove(clauses, "c2", sequence.Up)
	require.NoError(t, err)
	moved := apply(clauses, swap)

	swap, err = sequence.PlanMove(moved, "c2", sequence.Down)
	require.NoError(t, err)
	restored := apply(moved, swap)

	assert.Equal(t, []billing.ClauseID{"c1", "c2", "c3"}, order(restored))
}

func TestPlanMove_BoundaryMoves_Rejected(t *testing.T) {
	// The first clause cannot move up, the last cannot move down.
	clauses := []billing.AgreementClause{
		clause("c1", "P1", 1), clause("c2", "P2", 2),
	}

	_, err := sequence.PlanMove(clauses, "c1", sequence.Up)
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	_, err = sequence.PlanMove(clauses, "c2", sequence.Down)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestPlanMove_GapsInNumbering(t *testing.T) {
	// Sequence numbers are not contiguous after deletions; neighbors are
	// determined by sort position, not by seq +/- 1.
	clauses := []billing.AgreementClause{
		clause("c1", "P1", 1), clause("c3", "P3", 7), clause("c4", "P4", 9),
	}

	swap, err := sequence.PlanMove(clauses, "c4", sequence.Up)
	require.NoError(t, err)

	after := apply(clauses, swap)
	assert.Equal(t, []billing.ClauseID{"c1", "c4", "c3"}, order(after))
}

func TestPlanMove_UnknownClause(t *testing.T) {
	clauses := []billing.AgreementClause{clause("c1", "P1", 1)}
	_, err := sequence.PlanMove(clauses, "ghost", sequence.Up)
	assert.ErrorIs(t, err, billing.ErrClauseNotFound)
}

func TestPlanMove_CarriesObservedVersions(t *testing.T) {
	// The plan pins the versions it saw so the store can detect a
	// concurrent reorder.
	a := clause("c1", "P1", 1)
	a.Version = 4
	b := clause("c2", "P2", 2)
	b.Version = 7

	swap, err := sequence.PlanMove([]billing.AgreementClause{a, b}, "c2", sequence.Up)
	require.NoError(t, err)
	assert.Equal(t, 7, swap.A.ExpectedVersion)
	assert.Equal(t, 4, swap.B.ExpectedVersion)
}

// =============================================================================
// NUMBER ALLOCATION
// =============================================================================

func TestNextSequenceNo_NeverReusesAfterDeletion(t *testing.T) {
	clauses := []billing.AgreementClause{
		clause("c1", "P1", 1), clause("c3", "P3", 3),
	}
	// Seq 2 was deleted; the next clause still takes 4, not 2.
	assert.Equal(t, 4, sequence.NextSequenceNo(clauses))

	assert.Equal(t, 1, sequence.NextSequenceNo(nil))
}

// =============================================================================
// UNIQUENESS
// =============================================================================

func TestCheckPointNum_CaseSensitiveExactMatch(t *testing.T) {
	clauses := []billing.AgreementClause{
		clause("c1", "3", 1), clause("c2", "3a", 2),
	}

	err := sequence.CheckPointNum(clauses, "", "3")
	assert.ErrorIs(t, err, billing.ErrDuplicatePointNum)

	// "3A" differs from "3a" by case: allowed.
	assert.NoError(t, sequence.CheckPointNum(clauses, "", "3A"))

	// Editing c1 to keep its own number is not a collision.
	assert.NoError(t, sequence.CheckPointNum(clauses, "c1", "3"))
}

func TestCheckDistinct_FlagsSharedSequence(t *testing.T) {
	clauses := []billing.AgreementClause{
		clause("c1", "P1", 2), clause("c2", "P2", 2),
	}
	err := sequence.CheckDistinct(clauses)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// DIRECTION PARSING
// =============================================================================

func TestParseDirection(t *testing.T) {
	dir, err := sequence.ParseDirection("up")
	require.NoError(t, err)
	assert.Equal(t, sequence.Up, dir)

	_, err = sequence.ParseDirection("sideways")
	assert.ErrorIs(t, err, billing.ErrValidation)
}
