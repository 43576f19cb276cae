package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testCred = billing.Credential{ActorID: "op-1", ActorType: "operator"}

func newTestLifecycle(t *testing.T) (*billing.Lifecycle, *memory.Store) {
	t.Helper()
	store := memory.New()
	return billing.NewLifecycle(store), store
}

func stageTestBatch(t *testing.T, m *billing.Lifecycle, lines ...billing.NewLine) *billing.Preview {
	t.Helper()
	preview, err := m.Stage(context.Background(), testCred, billing.NewBatch{
		Type:      billing.BatchWeight,
		CompanyID: "co-1",
	}, lines)
	require.NoError(t, err)
	return preview
}

func line(customerRef, quantity, rate string) billing.NewLine {
	return billing.NewLine{
		CustomerRef: customerRef,
		Quantity:    billing.MustDecimal(quantity),
		Rate:        billing.MustDecimal(rate),
		TaxPercent:  billing.MustDecimal("0"),
		DueDate:     time.Date(2024, time.April, 30, 0, 0, 0, 0, time.UTC),
	}
}

var invoiceDate = time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)

// =============================================================================
// STAGING
// =============================================================================

func TestStage_DerivesFieldsAndSelection(t *testing.T) {
	// GIVEN: Generation output with one good and one zero-amount line
	// WHEN: The batch is staged
	// THEN: Derived fields are computed and only the good line is selected

	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"), line("hcf-2", "0", "50"))

	assert.Equal(t, billing.BatchStaged, preview.Batch.Status)
	assert.Equal(t, 2, preview.Batch.TotalRecords)

	good, bad := preview.Lines[0], preview.Lines[1]
	assert.True(t, billing.MustDecimal("500").Equal(good.ComputedAmount))
	assert.False(t, good.ErrorFlag)
	assert.True(t, good.Selected)

	assert.True(t, bad.ErrorFlag)
	assert.False(t, bad.Selected)
}

// =============================================================================
// STAGED-ONLY EDIT WINDOW
// =============================================================================

func TestUpdateLine_RecomputesAmount(t *testing.T) {
	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"))
	ctx := context.Background()

	rate := billing.MustDecimal("75")
	updated, err := m.UpdateLine(ctx, testCred, preview.Batch.ID, preview.Lines[0].ID,
		billing.LinePatch{Rate: &rate})
	require.NoError(t, err)

	assert.True(t, billing.MustDecimal("750").Equal(updated.ComputedAmount))
	assert.False(t, updated.ErrorFlag)
}

func TestUpdateLine_NonStagedBatch_Rejected(t *testing.T) {
	// GIVEN: A batch that has been posted
	// WHEN: An operator tries to edit a line
	// THEN: The edit is rejected with InvalidState

	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"))
	ctx := context.Background()

	_, err := m.Post(ctx, testCred, preview.Batch.ID, invoiceDate)
	require.NoError(t, err)

	rate := billing.MustDecimal("75")
	_, err = m.UpdateLine(ctx, testCred, preview.Batch.ID, preview.Lines[0].ID,
		billing.LinePatch{Rate: &rate})
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestToggleSelection_ErroredLine_SilentlyRejected(t *testing.T) {
	// Errored lines can never be selected; the attempt is not an error.
	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "0", "50"))
	ctx := context.Background()

	bad := preview.Lines[0]
	require.True(t, bad.ErrorFlag)
	require.False(t, bad.Selected)

	got, err := m.ToggleSelection(ctx, preview.Batch.ID, bad.ID)
	assert.NoError(t, err)
	assert.False(t, got.Selected, "errored line must stay unselected")
}

func TestSelectAll_SkipsErroredLines(t *testing.T) {
	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m,
		line("hcf-1", "10", "50"), line("hcf-2", "0", "50"), line("hcf-3", "5", "60"))
	ctx := context.Background()

	// Deselect everything first.
	_, err := m.SelectAll(ctx, preview.Batch.ID, false)
	require.NoError(t, err)

	changed, err := m.SelectAll(ctx, preview.Batch.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, changed, "only error-free lines select")
}

func TestRemoveLine_PersistedRemoval(t *testing.T) {
	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"), line("hcf-2", "5", "60"))
	ctx := context.Background()

	err := m.RemoveLine(ctx, preview.Batch.ID, preview.Lines[0].ID)
	require.NoError(t, err)

	after, err := m.Preview(ctx, preview.Batch.ID)
	require.NoError(t, err)
	assert.Len(t, after.Lines, 1)
	assert.Equal(t, 1, after.Batch.TotalRecords)
}

func TestBulkUpdate_PartialFailureDoesNotBlockRest(t *testing.T) {
	// GIVEN: Three lines, one ID bogus
	// WHEN: A bulk rate apply runs
	// THEN: Two apply, one fails, nothing rolls back

	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"), line("hcf-2", "5", "60"))
	ctx := context.Background()

	rate := billing.MustDecimal("80")
	result := m.BulkUpdate(ctx, testCred, preview.Batch.ID,
		[]billing.ItemID{preview.Lines[0].ID, preview.Lines[1].ID, "no-such-line"},
		billing.LinePatch{Rate: &rate})

	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Errors, billing.ItemID("no-such-line"))

	after, err := m.Preview(ctx, preview.Batch.ID)
	require.NoError(t, err)
	assert.True(t, billing.MustDecimal("800").Equal(after.Lines[0].ComputedAmount))
}

// =============================================================================
// POSTING
// =============================================================================

func TestPost_SkipsErroredSelectedLines(t *testing.T) {
	// GIVEN: Batch with items [{500, ok}, {0, error}, {300, ok}]
	// WHEN: The batch is posted
	// THEN: The two error-free lines materialize, batch ends POSTED,
	//       result {success: 2, failed: 0} - the errored line was never
	//       selectable, so it is neither success nor failure.

	m, store := newTestLifecycle(t)
	preview := stageTestBatch(t, m,
		line("hcf-1", "10", "50"), line("hcf-2", "0", "50"), line("hcf-3", "5", "60"))
	ctx := context.Background()

	result, err := m.Post(ctx, testCred, preview.Batch.ID, invoiceDate)
	require.NoError(t, err)

	assert.Equal(t, billing.BatchPosted, result.Status)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Skipped)

	after, err := m.Preview(ctx, preview.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.BatchPosted, after.Batch.Status)
	assert.NotNil(t, after.Batch.PostedAt)

	// Each materialized line points at a real invoice with its amount.
	for _, l := range after.Lines {
		if l.ErrorFlag {
			assert.Empty(t, l.InvoiceID)
			continue
		}
		require.True(t, l.Posted())
		inv, err := store.GetInvoice(ctx, l.InvoiceID)
		require.NoError(t, err)
		assert.True(t, l.ComputedAmount.Equal(inv.Value))
		assert.Equal(t, billing.StatusGenerated, inv.Status())
		assert.Equal(t, l.ID, inv.SourceItemID)
	}
}

func TestPost_ProcessingAndPostedAreNotPostable(t *testing.T) {
	m, store := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"))
	ctx := context.Background()

	_, err := m.Post(ctx, testCred, preview.Batch.ID, invoiceDate)
	require.NoError(t, err)

	// POSTED is final.
	_, err = m.Post(ctx, testCred, preview.Batch.ID, invoiceDate)
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	// PROCESSING is non-retryable: stage another batch and freeze it mid-post.
	preview2 := stageTestBatch(t, m, line("hcf-9", "1", "10"))
	require.NoError(t, store.BeginPost(ctx, preview2.Batch.ID, preview2.Batch.Version))

	_, err = m.Post(ctx, testCred, preview2.Batch.ID, invoiceDate)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestPost_RetryAfterFailure_IsIdempotentPerLine(t *testing.T) {
	// GIVEN: A FAILED batch where one line already materialized
	// WHEN: Post runs again
	// THEN: The posted line is skipped (no duplicate invoice), the
	//       remaining line materializes, and the batch ends POSTED.

	m, store := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"), line("hcf-2", "5", "60"))
	ctx := context.Background()

	// Simulate a crash mid-post: first line materialized, batch FAILED.
	batch := preview.Batch
	require.NoError(t, store.BeginPost(ctx, batch.ID, batch.Version))
	first := preview.Lines[0]
	inv := billing.Materialize(first, batch, invoiceDate, testCred)
	inv.ID = "inv-already-posted"
	inv.Version = 1
	_, err := store.Materialize(ctx, first, inv)
	require.NoError(t, err)
	require.NoError(t, store.FinishPost(ctx, batch.ID, billing.BatchFailed, time.Time{}))

	// Retry.
	result, err := m.Post(ctx, testCred, batch.ID, invoiceDate)
	require.NoError(t, err)

	assert.Equal(t, billing.BatchPosted, result.Status)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Failed)

	// The already-posted line still references its original invoice.
	after, err := m.Preview(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceID("inv-already-posted"), after.Lines[0].InvoiceID)
}

func TestPost_NothingToMaterialize_EndsFailed(t *testing.T) {
	// All lines deselected: the post completes but nothing materialized.
	m, _ := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"))
	ctx := context.Background()

	_, err := m.SelectAll(ctx, preview.Batch.ID, false)
	require.NoError(t, err)

	result, err := m.Post(ctx, testCred, preview.Batch.ID, invoiceDate)
	require.NoError(t, err)
	assert.Equal(t, billing.BatchFailed, result.Status)
	assert.Equal(t, 0, result.Success)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSaveLine_StaleVersion_Conflicts(t *testing.T) {
	m, store := newTestLifecycle(t)
	preview := stageTestBatch(t, m, line("hcf-1", "10", "50"))
	ctx := context.Background()

	stale := preview.Lines[0]
	rate := billing.MustDecimal("75")
	_, err := m.UpdateLine(ctx, testCred, preview.Batch.ID, stale.ID, billing.LinePatch{Rate: &rate})
	require.NoError(t, err)

	// A second writer still holding the old version loses.
	err = store.SaveLine(ctx, stale, stale.Version)
	assert.True(t, errors.Is(err, billing.ErrConcurrentModification))
	assert.True(t, billing.IsRetryable(err))
}
