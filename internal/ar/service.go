package ar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
)

// RepositoryPort defines data access methods for AR.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	FindBySourceEvent(ctx context.Context, tenantID int64, eventID uuid.UUID) (Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, tenantID, id int64) (Invoice, error)
}

// Service handles AR business logic.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// CreateFromOrder mirrors a confirmed order into an ISSUED invoice. It is
// idempotent on eventID: a second call returns the stored invoice and false.
func (s *Service) CreateFromOrder(ctx context.Context, tenantID int64, eventID uuid.UUID, order events.Order) (Invoice, bool, error) {
	draft, err := BuildInvoice(tenantID, eventID, order)
	if err != nil {
		return Invoice{}, false, err
	}
	var (
		invoice Invoice
		created bool
	)
	attempt := func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindBySourceEvent(ctx, tenantID, eventID)
		switch {
		case err == nil:
			invoice, created = existing, false
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}
		invoice, err = tx.InsertInvoice(ctx, draft)
		created = err == nil
		return err
	}
	err = s.repo.WithTx(ctx, attempt)
	if errors.Is(err, accounting.ErrConcurrency) && ctx.Err() == nil {
		err = s.repo.WithTx(ctx, attempt)
	}
	if err != nil {
		return Invoice{}, false, err
	}
	return invoice, created, nil
}

// GetInvoice returns an invoice with its lines.
func (s *Service) GetInvoice(ctx context.Context, tenantID, id int64) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoice(ctx, tenantID, id)
		return err
	})
	return inv, err
}

// BuildInvoice prices the order lines and assembles the invoice to store.
func BuildInvoice(tenantID int64, eventID uuid.UUID, order events.Order) (Invoice, error) {
	if tenantID <= 0 {
		return Invoice{}, accounting.ErrTenantRequired
	}
	if eventID == uuid.Nil {
		return Invoice{}, fmt.Errorf("%w: source event id required", ErrInvalidOrder)
	}
	if strings.TrimSpace(order.Number) == "" || len(order.Lines) == 0 {
		return Invoice{}, fmt.Errorf("%w: number and lines required", ErrInvalidOrder)
	}
	currency := strings.ToUpper(strings.TrimSpace(order.Currency))
	if currency == "" {
		currency = accounting.DefaultCurrency
	}
	if err := accounting.ValidateCurrency(currency); err != nil {
		return Invoice{}, err
	}
	invoiceDate := time.Date(order.OrderDate.Year(), order.OrderDate.Month(), order.OrderDate.Day(), 0, 0, 0, 0, time.UTC)
	inv := Invoice{
		TenantID:       tenantID,
		Number:         InvoiceNumber(strings.TrimSpace(order.Number)),
		CustomerID:     order.CustomerID,
		CustomerName:   order.CustomerName,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		Currency:       currency,
		InvoiceDate:    invoiceDate,
		DueDate:        invoiceDate.AddDate(0, 0, order.PaymentTermDays),
		Subtotal:       decimal.Zero,
		DiscountAmount: decimal.Zero,
		TaxAmount:      decimal.Zero,
		Total:          decimal.Zero,
		Status:         StatusIssued,
		SourceEventID:  eventID,
	}
	for i, l := range order.Lines {
		if !l.Quantity.IsPositive() || l.UnitPrice.IsNegative() {
			return Invoice{}, fmt.Errorf("%w: line %d quantity and price", ErrInvalidOrder, i+1)
		}
		discount, tax, total := PriceLine(l.Quantity, l.UnitPrice, l.DiscountPercent, l.TaxPercent)
		inv.Lines = append(inv.Lines, InvoiceLine{
			LineNo:          i + 1,
			ProductID:       l.ProductID,
			Description:     l.Description,
			Quantity:        l.Quantity,
			UnitPrice:       l.UnitPrice,
			DiscountPercent: l.DiscountPercent,
			TaxPercent:      l.TaxPercent,
			DiscountAmount:  discount,
			TaxAmount:       tax,
			LineTotal:       total,
		})
		inv.Subtotal = inv.Subtotal.Add(accounting.RoundMoney(l.Quantity.Mul(l.UnitPrice)))
		inv.DiscountAmount = inv.DiscountAmount.Add(discount)
		inv.TaxAmount = inv.TaxAmount.Add(tax)
		inv.Total = inv.Total.Add(total)
	}
	return inv, nil
}
