package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	h := NewHandler(store, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(h, ""))
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func stageBatch(t *testing.T, srv *httptest.Server, lines ...StageLineRequest) PreviewDTO {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/billing/batches/draft", StageBatchRequest{
		Type:         "weight",
		CompanyID:    "co-1",
		BillingMonth: "2024-03",
		Lines:        lines,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[PreviewDTO](t, resp)
}

func stageLine(ref string, qty, rate float64) StageLineRequest {
	return StageLineRequest{
		CustomerRef: ref,
		Quantity:    qty,
		Rate:        rate,
		DueDate:     "2024-04-30",
	}
}

// =============================================================================
// BATCH FLOW
// =============================================================================

func TestBatchFlow_StageEditPost(t *testing.T) {
	// Full operator flow: stage, edit one line, deselect another, post,
	// verify the summary and the terminal preview.

	srv, _ := newTestServer(t)

	preview := stageBatch(t, srv,
		stageLine("hcf-1", 10, 50),
		stageLine("hcf-2", 5, 60),
		stageLine("hcf-3", 0, 50)) // derives as errored

	require.Len(t, preview.Lines, 3)
	assert.Equal(t, "STAGED", preview.Batch.Status)
	assert.True(t, preview.Lines[2].ErrorFlag)
	assert.False(t, preview.Lines[2].Selected)

	base := srv.URL + "/api/billing/batches/" + preview.Batch.ID

	// Edit line 1: new rate recomputes the amount.
	rate := 80.0
	resp := doJSON(t, http.MethodPut, base+"/items/"+preview.Lines[0].ID,
		UpdateLineRequest{Rate: &rate})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[LineDTO](t, resp)
	assert.InDelta(t, 800, updated.ComputedAmount, 0.001)

	// Deselect line 2.
	resp = doJSON(t, http.MethodPost, base+"/items/"+preview.Lines[1].ID+"/select", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	toggled := decode[LineDTO](t, resp)
	assert.False(t, toggled.Selected)

	// Post: only line 1 materializes.
	resp = doJSON(t, http.MethodPost, base+"/post", PostBatchRequest{InvoiceDate: "2024-03-31"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[PostResultDTO](t, resp)

	assert.Equal(t, "POSTED", result.Status)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Lines, 1)
	assert.NotEmpty(t, result.Lines[0].InvoiceNumber)

	// Terminal preview: the posted line carries its invoice reference.
	resp = doJSON(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decode[PreviewDTO](t, resp)
	assert.Equal(t, "POSTED", final.Batch.Status)
	assert.NotEmpty(t, final.Lines[0].InvoiceID)
	assert.Empty(t, final.Lines[1].InvoiceID)
}

func TestBatch_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	preview := stageBatch(t, srv, stageLine("hcf-1", 10, 50))
	base := srv.URL + "/api/billing/batches/" + preview.Batch.ID

	// Unknown batch -> 404.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/billing/batches/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Post once, then editing the posted batch -> 409.
	resp = doJSON(t, http.MethodPost, base+"/post", PostBatchRequest{InvoiceDate: "2024-03-31"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	rate := 99.0
	resp = doJSON(t, http.MethodPut, base+"/items/"+preview.Lines[0].ID,
		UpdateLineRequest{Rate: &rate})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "invalid_state", body.Code)

	// Re-posting a POSTED batch -> 409.
	resp = doJSON(t, http.MethodPost, base+"/post", PostBatchRequest{InvoiceDate: "2024-03-31"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestBatch_SelectAllAndBulk(t *testing.T) {
	srv, _ := newTestServer(t)
	preview := stageBatch(t, srv,
		stageLine("hcf-1", 10, 50),
		stageLine("hcf-2", 5, 60))
	base := srv.URL + "/api/billing/batches/" + preview.Batch.ID

	resp := doJSON(t, http.MethodPost, base+"/select-all", SelectAllRequest{Selected: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decode[map[string]int](t, resp)
	assert.Equal(t, 2, counts["changed"])

	rate := 70.0
	resp = doJSON(t, http.MethodPost, base+"/items/bulk", BulkUpdateRequest{
		ItemIDs: []string{preview.Lines[0].ID, preview.Lines[1].ID, "ghost"},
		Patch:   UpdateLineRequest{Rate: &rate},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bulk := decode[BulkResultDTO](t, resp)
	assert.Equal(t, 2, bulk.Applied)
	assert.Equal(t, 1, bulk.Failed)
}

func TestBatch_RemoveLine(t *testing.T) {
	srv, _ := newTestServer(t)
	preview := stageBatch(t, srv, stageLine("hcf-1", 10, 50), stageLine("hcf-2", 5, 60))
	base := srv.URL + "/api/billing/batches/" + preview.Batch.ID

	resp := doJSON(t, http.MethodDelete, base+"/items/"+preview.Lines[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, base, nil)
	after := decode[PreviewDTO](t, resp)
	assert.Len(t, after.Lines, 1)
}

// =============================================================================
// CLAUSE FLOW
// =============================================================================

func TestClauseFlow_CreateAndReorder(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/agreements/agr-1/clauses"

	var created []ClauseDTO
	for _, pn := range []string{"1", "2", "3"} {
		resp := doJSON(t, http.MethodPost, base+"/", CreateClauseRequest{
			PointNum:   pn,
			PointTitle: "clause " + pn,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		created = append(created, decode[ClauseDTO](t, resp))
	}

	// Duplicate point number -> 400.
	resp := doJSON(t, http.MethodPost, base+"/", CreateClauseRequest{PointNum: "3"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Move clause "2" up; the response is the re-sorted list.
	resp = doJSON(t, http.MethodPatch, base+"/"+created[1].ID+"/reorder",
		ReorderClauseRequest{Direction: "up"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reordered := decode[[]ClauseDTO](t, resp)
	require.Len(t, reordered, 3)
	assert.Equal(t, "2", reordered[0].PointNum)
	assert.Equal(t, "1", reordered[1].PointNum)

	// The new top clause cannot move further up -> 409.
	resp = doJSON(t, http.MethodPatch, base+"/"+created[1].ID+"/reorder",
		ReorderClauseRequest{Direction: "up"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Bad direction -> 400.
	resp = doJSON(t, http.MethodPatch, base+"/"+created[0].ID+"/reorder",
		ReorderClauseRequest{Direction: "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestClause_WrongAgreementURL_NotFound(t *testing.T) {
	// A clause is only addressable under its own agreement; reaching it
	// through another agreement's URL is a 404, not a cross-agreement edit.

	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/agreements/agr-1/clauses/",
		CreateClauseRequest{PointNum: "1", PointTitle: "scope"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	clause := decode[ClauseDTO](t, resp)

	wrong := srv.URL + "/api/agreements/agr-2/clauses/" + clause.ID

	title := "hijacked"
	resp = doJSON(t, http.MethodPut, wrong, UpdateClauseRequest{PointTitle: &title})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPatch, wrong+"/reorder", ReorderClauseRequest{Direction: "down"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Through the right agreement the clause is untouched and editable.
	right := srv.URL + "/api/agreements/agr-1/clauses/" + clause.ID
	resp = doJSON(t, http.MethodPut, right, UpdateClauseRequest{PointTitle: &title})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edited := decode[ClauseDTO](t, resp)
	assert.Equal(t, "hijacked", edited.PointTitle)
}

// =============================================================================
// PAYMENT FLOW
// =============================================================================

func seedInvoice(store *memory.Store, id, number, value string, date time.Time) {
	store.SeedInvoice(billing.Invoice{
		ID:        billing.InvoiceID(id),
		CompanyID: "co-1",
		Number:    number,
		Date:      date,
		Value:     billing.MustDecimal(value),
		Version:   1,
	})
}

func TestPaymentFlow_FIFO(t *testing.T) {
	srv, store := newTestServer(t)
	seedInvoice(store, "i1", "INV-1", "400", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	seedInvoice(store, "i2", "INV-2", "500", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/", RecordPaymentRequest{
		CompanyID:   "co-1",
		PaymentDate: "2024-03-01",
		Amount:      700,
		Mode:        "transfer",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payment := decode[PaymentDTO](t, resp)

	require.Len(t, payment.Allocations, 2)
	assert.Equal(t, "i1", payment.Allocations[0].InvoiceID)
	assert.InDelta(t, 400, payment.Allocations[0].Amount, 0.001)
	assert.Equal(t, "Paid", payment.Allocations[0].Status)
	assert.InDelta(t, 200, payment.Allocations[1].Balance, 0.001)

	// Outstanding now only lists the partially paid invoice.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/payments/outstanding?company_id=co-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	open := decode[[]InvoiceDTO](t, resp)
	require.Len(t, open, 1)
	assert.Equal(t, "INV-2", open[0].InvoiceNumber)

	// Allocations are queryable per invoice.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/payments/invoice/i1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	allocs := decode[[]AllocationDTO](t, resp)
	require.Len(t, allocs, 1)
	assert.Equal(t, payment.ID, allocs[0].PaymentID)
}

func TestPayment_OverAllocation_Maps422(t *testing.T) {
	srv, store := newTestServer(t)
	seedInvoice(store, "i1", "INV-1", "400", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/", RecordPaymentRequest{
		CompanyID:   "co-1",
		PaymentDate: "2024-03-01",
		Amount:      900,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "over_allocation", body.Code)
}

func TestPayment_ManualExceedingBalance_Maps400(t *testing.T) {
	srv, store := newTestServer(t)
	seedInvoice(store, "i1", "INV-1", "400", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/", RecordPaymentRequest{
		CompanyID:   "co-1",
		PaymentDate: "2024-03-01",
		Amount:      500,
		InvoiceIDs:  []string{"i1"},
		Allocations: []AllocationRequest{{InvoiceID: "i1", Amount: 500}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// =============================================================================
// AUTH
// =============================================================================

func signToken(t *testing.T, secret, subject, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestBearerAuth_SecretSet(t *testing.T) {
	store := memory.New()
	h := NewHandler(store, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(h, "test-secret"))
	defer srv.Close()

	// No token -> 401.
	resp, err := http.Get(srv.URL + "/api/billing/batches")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Token signed with the wrong secret -> 401.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/billing/batches", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", "op-1", ""))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Valid token -> 200, and the subject becomes the acting operator.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/billing/batches/draft",
		bytes.NewReader(mustJSON(t, StageBatchRequest{
			Type:      "manual",
			CompanyID: "co-1",
			Lines:     []StageLineRequest{stageLine("hcf-1", 1, 10)},
		})))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "op-42", "admin"))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	preview := decode[PreviewDTO](t, resp)

	batch, err := store.GetBatch(req.Context(), billing.BatchID(preview.Batch.ID))
	require.NoError(t, err)
	assert.Equal(t, "op-42", batch.CreatedBy)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// =============================================================================
// SWEEPER
// =============================================================================

func TestSweep_FailsStuckProcessingBatches(t *testing.T) {
	// GIVEN: A batch frozen in PROCESSING past the age threshold
	// WHEN: A sweep runs
	// THEN: The batch is FAILED and can be retried

	srv, store := newTestServer(t)
	preview := stageBatch(t, srv, stageLine("hcf-1", 10, 50))
	ctx := context.Background()

	batchID := billing.BatchID(preview.Batch.ID)
	batch, err := store.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.NoError(t, store.BeginPost(ctx, batchID, batch.Version))

	sweeper := NewStaleBatchSweeper(store, zerolog.Nop())
	sweeper.MaxAge = -time.Second // everything processing counts as stuck
	sweeper.Sweep(ctx)

	after, err := store.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, billing.BatchFailed, after.Status)
	assert.True(t, after.Status.Postable())

	// A fresh sweep finds nothing.
	stuck, err := store.StuckProcessing(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
