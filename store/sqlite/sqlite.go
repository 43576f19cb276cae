/*
Package sqlite provides a SQLite-backed implementation of the billing stores.

PURPOSE:
  Implements billing.Store (batches, invoices, clauses, payments) using
  SQLite via sqlx. In production the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

GUARDED WRITES:
  Every mutation of a versioned row carries "AND version = ?". A write that
  matches zero rows is re-read and classified:
    - row gone            -> not found
    - status guard failed -> billing.InvalidStateError
    - version moved       -> billing.ConflictError
  Conflicts are never silently merged; the caller re-reads and retries.

ATOMIC OPERATIONS:
  - SwapSequence: one UPDATE exchanging both clauses' sequence numbers under
    both version guards; exactly two rows or rollback.
  - Materialize: invoice insert + number allocation + line stamp in one
    transaction; a unique index on the source line makes double-posting
    impossible even across racing retries.
  - CommitPayment: payment + allocations + invoice updates in one
    transaction.

KEY TABLES:
  batches, batch_lines:  Staged billing runs and their editable lines
  invoices:              Permanent invoice records
  invoice_sequences:     Per-company, per-month number allocation
  agreement_clauses:     Ordered clauses (unique point_num per agreement)
  payments, payment_allocations

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers don't
  block, single writer at a time, better crash recovery.

CONCURRENCY:
  Uses sync.RWMutex in addition to the version guards. With PostgreSQL,
  database-level concurrency control handles this instead.

SEE ALSO:
  - billing/store.go: Interface contracts
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Staged billing runs
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_type TEXT NOT NULL,
		company_id TEXT NOT NULL,
		period_from TEXT,
		period_to TEXT,
		billing_month TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		total_records INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		posted_at TEXT,
		processing_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batches_company
		ON batches(company_id);
	CREATE INDEX IF NOT EXISTS idx_batches_status
		ON batches(status);

	-- Editable lines of a staged batch
	CREATE TABLE IF NOT EXISTS batch_lines (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES batches(id),
		customer_ref TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		rate TEXT NOT NULL,
		tax_percent TEXT NOT NULL,
		due_date TEXT NOT NULL,
		computed_amount TEXT NOT NULL,
		error_flag BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT NOT NULL DEFAULT '',
		selected BOOLEAN NOT NULL DEFAULT FALSE,
		invoice_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batch_lines_batch
		ON batch_lines(batch_id);

	-- Permanent invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		hcf_id TEXT NOT NULL DEFAULT '',
		number TEXT NOT NULL UNIQUE,
		invoice_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		value TEXT NOT NULL,
		total_paid TEXT NOT NULL DEFAULT '0',
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		source_item_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one invoice per draft line, ever. This is what makes a
	-- retried post idempotent even if two posts race.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_source_item
		ON invoices(source_item_id) WHERE source_item_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_invoices_company_date
		ON invoices(company_id, invoice_date);

	-- Per-company, per-month invoice number allocation
	CREATE TABLE IF NOT EXISTS invoice_sequences (
		company_id TEXT NOT NULL,
		year_month TEXT NOT NULL,
		last_value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (company_id, year_month)
	);

	-- Agreement clauses
	CREATE TABLE IF NOT EXISTS agreement_clauses (
		id TEXT PRIMARY KEY,
		agreement_id TEXT NOT NULL,
		point_num TEXT NOT NULL,
		point_title TEXT NOT NULL DEFAULT '',
		point_text TEXT NOT NULL DEFAULT '',
		sequence_no INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: point-number uniqueness within an agreement
	CREATE UNIQUE INDEX IF NOT EXISTS idx_clauses_agreement_point
		ON agreement_clauses(agreement_id, point_num);
	CREATE INDEX IF NOT EXISTS idx_clauses_agreement_sequence
		ON agreement_clauses(agreement_id, sequence_no);

	-- Payments and their allocations
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		payment_id TEXT NOT NULL REFERENCES payments(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		PRIMARY KEY (payment_id, invoice_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_invoice
		ON payment_allocations(invoice_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD TYPES - sqlx row mappings
// =============================================================================

type batchRecord struct {
	ID           string         `db:"id"`
	BatchType    string         `db:"batch_type"`
	CompanyID    string         `db:"company_id"`
	PeriodFrom   sql.NullString `db:"period_from"`
	PeriodTo     sql.NullString `db:"period_to"`
	BillingMonth string         `db:"billing_month"`
	Status       string         `db:"status"`
	TotalRecords int            `db:"total_records"`
	Version      int            `db:"version"`
	CreatedBy    string         `db:"created_by"`
	CreatedAt    string         `db:"created_at"`
	PostedAt     sql.NullString `db:"posted_at"`
	ProcessingAt sql.NullString `db:"processing_at"`
}

type lineRecord struct {
	ID             string         `db:"id"`
	BatchID        string         `db:"batch_id"`
	CustomerRef    string         `db:"customer_ref"`
	Quantity       string         `db:"quantity"`
	Rate           string         `db:"rate"`
	TaxPercent     string         `db:"tax_percent"`
	DueDate        string         `db:"due_date"`
	ComputedAmount string         `db:"computed_amount"`
	ErrorFlag      bool           `db:"error_flag"`
	ErrorMessage   string         `db:"error_message"`
	Selected       bool           `db:"selected"`
	InvoiceID      sql.NullString `db:"invoice_id"`
	Version        int            `db:"version"`
	CreatedAt      string         `db:"created_at"`
}

type invoiceRecord struct {
	ID           string         `db:"id"`
	CompanyID    string         `db:"company_id"`
	HCFID        string         `db:"hcf_id"`
	Number       string         `db:"number"`
	InvoiceDate  string         `db:"invoice_date"`
	DueDate      string         `db:"due_date"`
	Value        string         `db:"value"`
	TotalPaid    string         `db:"total_paid"`
	Cancelled    bool           `db:"cancelled"`
	SourceItemID sql.NullString `db:"source_item_id"`
	Version      int            `db:"version"`
	CreatedBy    string         `db:"created_by"`
	CreatedAt    string         `db:"created_at"`
}

type clauseRecord struct {
	ID          string `db:"id"`
	AgreementID string `db:"agreement_id"`
	PointNum    string `db:"point_num"`
	PointTitle  string `db:"point_title"`
	PointText   string `db:"point_text"`
	SequenceNo  int    `db:"sequence_no"`
	Status      string `db:"status"`
	Version     int    `db:"version"`
	CreatedBy   string `db:"created_by"`
	CreatedAt   string `db:"created_at"`
}

type allocationRecord struct {
	PaymentID string `db:"payment_id"`
	InvoiceID string `db:"invoice_id"`
	Amount    string `db:"amount"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (r batchRecord) toBatch() billing.Batch {
	b := billing.Batch{
		ID:           billing.BatchID(r.ID),
		Type:         billing.BatchType(r.BatchType),
		CompanyID:    billing.CompanyID(r.CompanyID),
		Status:       billing.BatchStatus(r.Status),
		TotalRecords: r.TotalRecords,
		Version:      r.Version,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    parseTime(r.CreatedAt),
	}
	b.Period.BillingMonth = r.BillingMonth
	if r.PeriodFrom.Valid {
		t := parseTime(r.PeriodFrom.String)
		b.Period.From = &t
	}
	if r.PeriodTo.Valid {
		t := parseTime(r.PeriodTo.String)
		b.Period.To = &t
	}
	if r.PostedAt.Valid {
		t := parseTime(r.PostedAt.String)
		b.PostedAt = &t
	}
	return b
}

func (r lineRecord) toLine() billing.DraftLine {
	line := billing.DraftLine{
		ID:             billing.ItemID(r.ID),
		BatchID:        billing.BatchID(r.BatchID),
		CustomerRef:    r.CustomerRef,
		Quantity:       parseDecimal(r.Quantity),
		Rate:           parseDecimal(r.Rate),
		TaxPercent:     parseDecimal(r.TaxPercent),
		DueDate:        parseTime(r.DueDate),
		ComputedAmount: parseDecimal(r.ComputedAmount),
		ErrorFlag:      r.ErrorFlag,
		ErrorMessage:   r.ErrorMessage,
		Selected:       r.Selected,
		Version:        r.Version,
	}
	if r.InvoiceID.Valid {
		line.InvoiceID = billing.InvoiceID(r.InvoiceID.String)
	}
	return line
}

func (r invoiceRecord) toInvoice() billing.Invoice {
	inv := billing.Invoice{
		ID:        billing.InvoiceID(r.ID),
		CompanyID: billing.CompanyID(r.CompanyID),
		HCFID:     r.HCFID,
		Number:    r.Number,
		Date:      parseTime(r.InvoiceDate),
		DueDate:   parseTime(r.DueDate),
		Value:     parseDecimal(r.Value),
		TotalPaid: parseDecimal(r.TotalPaid),
		Cancelled: r.Cancelled,
		Version:   r.Version,
		CreatedBy: r.CreatedBy,
		CreatedAt: parseTime(r.CreatedAt),
	}
	if r.SourceItemID.Valid {
		inv.SourceItemID = billing.ItemID(r.SourceItemID.String)
	}
	return inv
}

func (r clauseRecord) toClause() billing.AgreementClause {
	return billing.AgreementClause{
		ID:          billing.ClauseID(r.ID),
		AgreementID: billing.AgreementID(r.AgreementID),
		PointNum:    r.PointNum,
		PointTitle:  r.PointTitle,
		PointText:   r.PointText,
		SequenceNo:  r.SequenceNo,
		Status:      r.Status,
		Version:     r.Version,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   parseTime(r.CreatedAt),
	}
}

// =============================================================================
// BATCH STORE
// =============================================================================

func (s *Store) CreateBatch(ctx context.Context, batch billing.Batch, lines []billing.DraftLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from, to, postedAt any
	if batch.Period.From != nil {
		from = formatTime(*batch.Period.From)
	}
	if batch.Period.To != nil {
		to = formatTime(*batch.Period.To)
	}
	if batch.PostedAt != nil {
		postedAt = formatTime(*batch.PostedAt)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, batch_type, company_id, period_from, period_to,
			billing_month, status, total_records, version, created_by, created_at, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.Type, batch.CompanyID, from, to,
		batch.Period.BillingMonth, batch.Status, batch.TotalRecords,
		batch.Version, batch.CreatedBy, formatTime(batch.CreatedAt), postedAt)
	if err != nil {
		return err
	}

	for _, line := range lines {
		if err := insertLine(ctx, tx, line); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertLine(ctx context.Context, tx *sqlx.Tx, line billing.DraftLine) error {
	var invoiceID any
	if line.InvoiceID != "" {
		invoiceID = string(line.InvoiceID)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO batch_lines (id, batch_id, customer_ref, quantity, rate,
			tax_percent, due_date, computed_amount, error_flag, error_message,
			selected, invoice_id, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.ID, line.BatchID, line.CustomerRef,
		line.Quantity.String(), line.Rate.String(), line.TaxPercent.String(),
		formatTime(line.DueDate), line.ComputedAmount.String(),
		line.ErrorFlag, line.ErrorMessage, line.Selected, invoiceID,
		line.Version, formatTime(time.Now().UTC()))
	return err
}

func (s *Store) GetBatch(ctx context.Context, id billing.BatchID) (*billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBatch(ctx, s.db, id)
}

func (s *Store) getBatch(ctx context.Context, q sqlx.QueryerContext, id billing.BatchID) (*billing.Batch, error) {
	var rec batchRecord
	err := sqlx.GetContext(ctx, q, &rec, `SELECT * FROM batches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	batch := rec.toBatch()
	return &batch, nil
}

func (s *Store) ListBatches(ctx context.Context, companyID billing.CompanyID) ([]billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT * FROM batches ORDER BY created_at DESC`
	args := []any{}
	if companyID != "" {
		query = `SELECT * FROM batches WHERE company_id = ? ORDER BY created_at DESC`
		args = append(args, companyID)
	}

	var recs []batchRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, err
	}
	batches := make([]billing.Batch, len(recs))
	for i, r := range recs {
		batches[i] = r.toBatch()
	}
	return batches, nil
}

func (s *Store) ListLines(ctx context.Context, id billing.BatchID) ([]billing.DraftLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []lineRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM batch_lines WHERE batch_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	lines := make([]billing.DraftLine, len(recs))
	for i, r := range recs {
		lines[i] = r.toLine()
	}
	return lines, nil
}

func (s *Store) GetLine(ctx context.Context, id billing.ItemID) (*billing.DraftLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec lineRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM batch_lines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	line := rec.toLine()
	return &line, nil
}

func (s *Store) SaveLine(ctx context.Context, line billing.DraftLine, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.requireBatchStatus(ctx, tx, line.BatchID, billing.BatchStaged); err != nil {
		return err
	}

	var invoiceID any
	if line.InvoiceID != "" {
		invoiceID = string(line.InvoiceID)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE batch_lines
		SET customer_ref = ?, quantity = ?, rate = ?, tax_percent = ?,
			due_date = ?, computed_amount = ?, error_flag = ?, error_message = ?,
			selected = ?, invoice_id = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		line.CustomerRef, line.Quantity.String(), line.Rate.String(),
		line.TaxPercent.String(), formatTime(line.DueDate),
		line.ComputedAmount.String(), line.ErrorFlag, line.ErrorMessage,
		line.Selected, invoiceID, line.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyLineMiss(ctx, tx, line.ID)
	}
	return tx.Commit()
}

func (s *Store) DeleteLine(ctx context.Context, batchID billing.BatchID, id billing.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.requireBatchStatus(ctx, tx, batchID, billing.BatchStaged); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM batch_lines WHERE id = ? AND batch_id = ?`, id, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrItemNotFound
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE batches SET total_records = total_records - 1, version = version + 1 WHERE id = ?`,
		batchID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) BeginPost(ctx context.Context, id billing.BatchID, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, processing_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status IN (?, ?)`,
		billing.BatchProcessing, formatTime(time.Now().UTC()), id, expectedVersion,
		billing.BatchStaged, billing.BatchFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		batch, err := s.getBatch(ctx, s.db, id)
		if err != nil {
			return err
		}
		if !batch.Status.Postable() {
			return &billing.InvalidStateError{
				Subject: fmt.Sprintf("batch %s", id),
				Current: string(batch.Status),
				Wanted:  fmt.Sprintf("%s or %s", billing.BatchStaged, billing.BatchFailed),
			}
		}
		return &billing.ConflictError{Subject: fmt.Sprintf("batch %s", id)}
	}
	return nil
}

func (s *Store) Materialize(ctx context.Context, line billing.DraftLine, inv billing.Invoice) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	number, err := nextInvoiceNumber(ctx, tx, inv.CompanyID, inv.Date)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, company_id, hcf_id, number, invoice_date,
			due_date, value, total_paid, cancelled, source_item_id, version,
			created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.CompanyID, inv.HCFID, number,
		formatTime(inv.Date), formatTime(inv.DueDate),
		inv.Value.String(), inv.TotalPaid.String(), inv.Cancelled,
		string(line.ID), inv.Version, inv.CreatedBy, formatTime(inv.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			// A previous attempt already materialized this line.
			return "", &billing.ConflictError{Subject: fmt.Sprintf("line %s", line.ID)}
		}
		return "", err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_lines SET invoice_id = ?, version = version + 1
		WHERE id = ? AND invoice_id IS NULL`,
		inv.ID, line.ID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", &billing.ConflictError{Subject: fmt.Sprintf("line %s", line.ID)}
	}

	return number, tx.Commit()
}

func (s *Store) FinishPost(ctx context.Context, id billing.BatchID, status billing.BatchStatus, postedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var posted any
	if status == billing.BatchPosted {
		posted = formatTime(postedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, posted_at = ?, version = version + 1
		WHERE id = ? AND status = ?`,
		status, posted, id, billing.BatchProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &billing.InvalidStateError{
			Subject: fmt.Sprintf("batch %s", id),
			Current: "not processing",
			Wanted:  string(billing.BatchProcessing),
		}
	}
	return nil
}

// nextInvoiceNumber allocates the next per-company, per-month number inside
// the caller's transaction. Numbers are monotonic and never reused.
func nextInvoiceNumber(ctx context.Context, tx *sqlx.Tx, companyID billing.CompanyID, date time.Time) (string, error) {
	yearMonth := date.Format("200601")
	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (company_id, year_month, last_value)
		VALUES (?, ?, 1)
		ON CONFLICT (company_id, year_month)
		DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`,
		companyID, yearMonth).Scan(&n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%s-%04d", yearMonth, n), nil
}

// requireBatchStatus checks the batch status inside the caller's transaction
// so a status flip between read and write cannot slip through.
func (s *Store) requireBatchStatus(ctx context.Context, tx *sqlx.Tx, id billing.BatchID, want billing.BatchStatus) error {
	batch, err := s.getBatch(ctx, tx, id)
	if err != nil {
		return err
	}
	if batch.Status != want {
		return &billing.InvalidStateError{
			Subject: fmt.Sprintf("batch %s", id),
			Current: string(batch.Status),
			Wanted:  string(want),
		}
	}
	return nil
}

func (s *Store) classifyLineMiss(ctx context.Context, tx *sqlx.Tx, id billing.ItemID) error {
	var exists int
	if err := tx.GetContext(ctx, &exists,
		`SELECT COUNT(1) FROM batch_lines WHERE id = ?`, id); err != nil {
		return err
	}
	if exists == 0 {
		return billing.ErrItemNotFound
	}
	return &billing.ConflictError{Subject: fmt.Sprintf("line %s", id)}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec invoiceRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM invoices WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv := rec.toInvoice()
	return &inv, nil
}

func (s *Store) GetInvoices(ctx context.Context, ids []billing.InvoiceID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM invoices WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}

	var recs []invoiceRecord
	if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	if len(recs) != len(ids) {
		return nil, billing.ErrInvoiceNotFound
	}
	invoices := make([]billing.Invoice, len(recs))
	for i, r := range recs {
		invoices[i] = r.toInvoice()
	}
	return invoices, nil
}

func (s *Store) ListOutstanding(ctx context.Context, companyID billing.CompanyID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Balance is derived, so the open test is on the stored columns:
	// not cancelled and total_paid < value. Decimal text compares wrongly
	// as strings, so filter in Go after a coarse SQL cut.
	var recs []invoiceRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM invoices
		WHERE company_id = ? AND cancelled = FALSE
		ORDER BY invoice_date ASC, number ASC`, companyID)
	if err != nil {
		return nil, err
	}

	var open []billing.Invoice
	for _, r := range recs {
		inv := r.toInvoice()
		if inv.Balance().IsPositive() {
			open = append(open, inv)
		}
	}
	return open, nil
}

// =============================================================================
// CLAUSE STORE
// =============================================================================

func (s *Store) ListClauses(ctx context.Context, agreementID billing.AgreementID) ([]billing.AgreementClause, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []clauseRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM agreement_clauses
		WHERE agreement_id = ? ORDER BY sequence_no ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	clauses := make([]billing.AgreementClause, len(recs))
	for i, r := range recs {
		clauses[i] = r.toClause()
	}
	return clauses, nil
}

func (s *Store) GetClause(ctx context.Context, id billing.ClauseID) (*billing.AgreementClause, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec clauseRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM agreement_clauses WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrClauseNotFound
	}
	if err != nil {
		return nil, err
	}
	clause := rec.toClause()
	return &clause, nil
}

func (s *Store) CreateClause(ctx context.Context, clause billing.AgreementClause) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agreement_clauses (id, agreement_id, point_num, point_title,
			point_text, sequence_no, status, version, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clause.ID, clause.AgreementID, clause.PointNum, clause.PointTitle,
		clause.PointText, clause.SequenceNo, clause.Status, clause.Version,
		clause.CreatedBy, formatTime(clause.CreatedAt))
	if isUniqueViolation(err) {
		return &billing.DuplicatePointNumError{
			AgreementID: clause.AgreementID,
			PointNum:    clause.PointNum,
		}
	}
	return err
}

func (s *Store) UpdateClause(ctx context.Context, clause billing.AgreementClause, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agreement_clauses
		SET point_num = ?, point_title = ?, point_text = ?, status = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		clause.PointNum, clause.PointTitle, clause.PointText, clause.Status,
		clause.ID, expectedVersion)
	if isUniqueViolation(err) {
		return &billing.DuplicatePointNumError{
			AgreementID: clause.AgreementID,
			PointNum:    clause.PointNum,
		}
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists,
			`SELECT COUNT(1) FROM agreement_clauses WHERE id = ?`, clause.ID); err != nil {
			return err
		}
		if exists == 0 {
			return billing.ErrClauseNotFound
		}
		return &billing.ConflictError{Subject: fmt.Sprintf("clause %s", clause.ID)}
	}
	return nil
}

// SwapSequence exchanges two clauses' sequence numbers in a single UPDATE
// under both version guards. Exactly two rows must move; anything else rolls
// back, so a duplicated sequence number cannot survive a failed swap.
func (s *Store) SwapSequence(ctx context.Context, swap billing.ClauseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE agreement_clauses
		SET sequence_no = CASE id WHEN ? THEN ? WHEN ? THEN ? END,
			version = version + 1
		WHERE agreement_id = ?
			AND ((id = ? AND version = ?) OR (id = ? AND version = ?))`,
		swap.A.ClauseID, swap.A.NewSequenceNo,
		swap.B.ClauseID, swap.B.NewSequenceNo,
		swap.AgreementID,
		swap.A.ClauseID, swap.A.ExpectedVersion,
		swap.B.ClauseID, swap.B.ExpectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 2 {
		return &billing.ConflictError{
			Subject: fmt.Sprintf("agreement %s clause order", swap.AgreementID),
		}
	}
	return tx.Commit()
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

func (s *Store) CommitPayment(ctx context.Context, payment billing.Payment, updates []billing.InvoiceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, company_id, payment_date, amount, mode, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.CompanyID, formatTime(payment.Date),
		payment.Amount.String(), payment.Mode, payment.CreatedBy,
		formatTime(payment.CreatedAt))
	if err != nil {
		return err
	}

	for _, alloc := range payment.Allocations {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_allocations (payment_id, invoice_id, amount)
			VALUES (?, ?, ?)`,
			alloc.PaymentID, alloc.InvoiceID, alloc.Amount.String())
		if err != nil {
			return err
		}
	}

	for _, u := range updates {
		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET total_paid = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			u.NewTotalPaid.String(), u.InvoiceID, u.ExpectedVersion)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &billing.ConflictError{Subject: fmt.Sprintf("invoice %s", u.InvoiceID)}
		}
	}
	return tx.Commit()
}

func (s *Store) AllocationsForInvoice(ctx context.Context, id billing.InvoiceID) ([]billing.PaymentAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []allocationRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT payment_id, invoice_id, amount FROM payment_allocations
		WHERE invoice_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	allocs := make([]billing.PaymentAllocation, len(recs))
	for i, r := range recs {
		allocs[i] = billing.PaymentAllocation{
			PaymentID: billing.PaymentID(r.PaymentID),
			InvoiceID: billing.InvoiceID(r.InvoiceID),
			Amount:    parseDecimal(r.Amount),
		}
	}
	return allocs, nil
}

// =============================================================================
// SWEEPER SUPPORT
// =============================================================================

// StuckProcessing returns batches that entered PROCESSING before the cutoff.
// The sweeper fails them so preview polling converges after a crash mid-post.
func (s *Store) StuckProcessing(ctx context.Context, cutoff time.Time) ([]billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []batchRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM batches
		WHERE status = ? AND processing_at IS NOT NULL AND processing_at < ?`,
		billing.BatchProcessing, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	batches := make([]billing.Batch, len(recs))
	for i, r := range recs {
		batches[i] = r.toBatch()
	}
	return batches, nil
}
