package sequence_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/sequence"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var cred = billing.Credential{ActorID: "op-1", ActorType: "operator"}

func newTestService(t *testing.T) *sequence.ClauseService {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return sequence.NewClauseService(store)
}

func createClauses(t *testing.T, svc *sequence.ClauseService, agreementID billing.AgreementID, pointNums ...string) []billing.AgreementClause {
	t.Helper()
	out := make([]billing.AgreementClause, len(pointNums))
	for i, pn := range pointNums {
		c, err := svc.Create(context.Background(), cred, agreementID, sequence.NewClause{
			PointNum:   pn,
			PointTitle: "clause " + pn,
			Status:     "active",
		})
		require.NoError(t, err)
		out[i] = *c
	}
	return out
}

func pointNums(clauses []billing.AgreementClause) []string {
	out := make([]string, len(clauses))
	for i, c := range clauses {
		out[i] = c.PointNum
	}
	return out
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_AllocatesSequenceNumbers(t *testing.T) {
	svc := newTestService(t)
	created := createClauses(t, svc, "agr-1", "1", "2", "3")

	assert.Equal(t, 1, created[0].SequenceNo)
	assert.Equal(t, 2, created[1].SequenceNo)
	assert.Equal(t, 3, created[2].SequenceNo)
}

func TestCreate_DuplicatePointNum_Rejected(t *testing.T) {
	// GIVEN: An agreement with clauses numbered 1..3
	// WHEN: Another clause claims point "3"
	// THEN: Rejected; the existing clause is untouched

	svc := newTestService(t)
	createClauses(t, svc, "agr-1", "1", "2", "3")
	ctx := context.Background()

	_, err := svc.Create(ctx, cred, "agr-1", sequence.NewClause{PointNum: "3"})
	assert.ErrorIs(t, err, billing.ErrDuplicatePointNum)

	clauses, err := svc.List(ctx, "agr-1")
	require.NoError(t, err)
	assert.Len(t, clauses, 3)
	assert.Equal(t, []string{"1", "2", "3"}, pointNums(clauses))
}

func TestCreate_SamePointNumInOtherAgreement_Allowed(t *testing.T) {
	svc := newTestService(t)
	createClauses(t, svc, "agr-1", "3")
	createClauses(t, svc, "agr-2", "3")
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdate_PointNumChange_ReChecksUniqueness(t *testing.T) {
	svc := newTestService(t)
	clauses := createClauses(t, svc, "agr-1", "1", "2")
	ctx := context.Background()

	taken := "1"
	_, err := svc.Update(ctx, cred, clauses[1].ID, sequence.ClausePatch{PointNum: &taken})
	assert.ErrorIs(t, err, billing.ErrDuplicatePointNum)

	// Keeping its own number is fine.
	same := "2"
	updated, err := svc.Update(ctx, cred, clauses[1].ID, sequence.ClausePatch{PointNum: &same})
	require.NoError(t, err)
	assert.Equal(t, "2", updated.PointNum)
}

func TestUpdate_NeverTouchesSequence(t *testing.T) {
	svc := newTestService(t)
	clauses := createClauses(t, svc, "agr-1", "1", "2")
	ctx := context.Background()

	title := "renamed"
	updated, err := svc.Update(ctx, cred, clauses[0].ID, sequence.ClausePatch{PointTitle: &title})
	require.NoError(t, err)
	assert.Equal(t, clauses[0].SequenceNo, updated.SequenceNo)
}

// =============================================================================
// MOVE
// =============================================================================

func TestMove_PersistsAtomically(t *testing.T) {
	// GIVEN: Clauses [1, 2, 3] in sequence order
	// WHEN: Clause "2" moves up
	// THEN: The persisted order is [2, 1, 3] and no sequence number repeats

	svc := newTestService(t)
	clauses := createClauses(t, svc, "agr-1", "1", "2", "3")
	ctx := context.Background()

	after, err := svc.Move(ctx, cred, clauses[1].ID, sequence.Up)
	require.NoError(t, err)

	assert.Equal(t, []string{"2", "1", "3"}, pointNums(after))
	assert.NoError(t, sequence.CheckDistinct(after))

	// The move bumped both versions; a re-read confirms persistence.
	reread, err := svc.List(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1", "3"}, pointNums(reread))
}

func TestMove_Boundary_RejectedWithoutWrite(t *testing.T) {
	svc := newTestService(t)
	clauses := createClauses(t, svc, "agr-1", "1", "2")
	ctx := context.Background()

	_, err := svc.Move(ctx, cred, clauses[0].ID, sequence.Up)
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	after, err := svc.List(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, pointNums(after))
}

func TestMove_StaleVersion_Conflicts(t *testing.T) {
	// A swap planned against versions that have since moved must fail as a
	// whole; neither clause's sequence changes.

	svc := newTestService(t)
	clauses := createClauses(t, svc, "agr-1", "1", "2")
	ctx := context.Background()

	stale := billing.ClauseSwap{
		AgreementID: "agr-1",
		A: billing.ClauseMove{
			ClauseID:        clauses[1].ID,
			NewSequenceNo:   clauses[0].SequenceNo,
			ExpectedVersion: clauses[1].Version + 5,
		},
		B: billing.ClauseMove{
			ClauseID:        clauses[0].ID,
			NewSequenceNo:   clauses[1].SequenceNo,
			ExpectedVersion: clauses[0].Version,
		},
	}
	err := svc.Store.SwapSequence(ctx, stale)
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)

	after, err := svc.List(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, pointNums(after))
	assert.Equal(t, clauses[0].SequenceNo, after[0].SequenceNo)
	assert.Equal(t, clauses[1].SequenceNo, after[1].SequenceNo)
}
