package ar

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for AR.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return classify(err)
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "uq_ar_invoices_tenant_event":
			return ErrConcurrentInvoice
		case "uq_ar_invoices_tenant_number":
			return ErrNumberTaken
		}
		return errors.Join(accounting.ErrConcurrency, err)
	case "40001", "40P01":
		return errors.Join(accounting.ErrConcurrency, err)
	}
	return err
}

type txRepo struct {
	tx pgx.Tx
}

var _ TxRepository = (*txRepo)(nil)

const invoiceColumns = `id, tenant_id, number, customer_id, customer_name, order_id, order_number, currency,
	invoice_date, due_date, subtotal, discount_amount, tax_amount, total, status, source_event_id,
	created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.Number, &inv.CustomerID, &inv.CustomerName, &inv.OrderID,
		&inv.OrderNumber, &inv.Currency, &inv.InvoiceDate, &inv.DueDate, &inv.Subtotal, &inv.DiscountAmount,
		&inv.TaxAmount, &inv.Total, &inv.Status, &inv.SourceEventID, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	return inv, err
}

func (t *txRepo) FindBySourceEvent(ctx context.Context, tenantID int64, eventID uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+`
FROM ar_invoices WHERE tenant_id = $1 AND source_event_id = $2`, tenantID, eventID))
	if err != nil {
		return Invoice{}, err
	}
	inv.Lines, err = t.lines(ctx, inv.ID)
	return inv, err
}

func (t *txRepo) GetInvoice(ctx context.Context, tenantID, id int64) (Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+`
FROM ar_invoices WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return Invoice{}, err
	}
	inv.Lines, err = t.lines(ctx, inv.ID)
	return inv, err
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ar_invoices (tenant_id, number, customer_id, customer_name, order_id,
	order_number, currency, invoice_date, due_date, subtotal, discount_amount, tax_amount, total, status, source_event_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING id, created_at, updated_at`,
		inv.TenantID, inv.Number, inv.CustomerID, inv.CustomerName, inv.OrderID, inv.OrderNumber, inv.Currency,
		inv.InvoiceDate, inv.DueDate, inv.Subtotal, inv.DiscountAmount, inv.TaxAmount, inv.Total, inv.Status,
		inv.SourceEventID).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	batch := &pgx.Batch{}
	for _, line := range inv.Lines {
		batch.Queue(`INSERT INTO ar_invoice_lines (invoice_id, tenant_id, line_no, product_id, description, quantity,
	unit_price, discount_percent, tax_percent, discount_amount, tax_amount, line_total)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
			inv.ID, inv.TenantID, line.LineNo, line.ProductID, line.Description, line.Quantity, line.UnitPrice,
			line.DiscountPercent, line.TaxPercent, line.DiscountAmount, line.TaxAmount, line.LineTotal)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := range inv.Lines {
		if err := results.QueryRow().Scan(&inv.Lines[i].ID); err != nil {
			return Invoice{}, err
		}
		inv.Lines[i].InvoiceID = inv.ID
	}
	return inv, results.Close()
}

func (t *txRepo) lines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, invoice_id, line_no, product_id, description, quantity, unit_price,
	discount_percent, tax_percent, discount_amount, tax_amount, line_total
FROM ar_invoice_lines WHERE invoice_id = $1 ORDER BY line_no`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InvoiceLine
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNo, &l.ProductID, &l.Description, &l.Quantity, &l.UnitPrice,
			&l.DiscountPercent, &l.TaxPercent, &l.DiscountAmount, &l.TaxAmount, &l.LineTotal); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
