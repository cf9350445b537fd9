package ar

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// InvoiceStatus enumerates AR invoice statuses.
type InvoiceStatus string

const (
	StatusDraft  InvoiceStatus = "DRAFT"
	StatusIssued InvoiceStatus = "ISSUED"
	StatusPaid   InvoiceStatus = "PAID"
	StatusVoid   InvoiceStatus = "VOID"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("ar: not found")
	// ErrInvalidOrder indicates an order that cannot be invoiced.
	ErrInvalidOrder = fmt.Errorf("ar: invalid order: %w", accounting.ErrValidation)
	// ErrNumberTaken indicates another order already produced the same invoice number.
	ErrNumberTaken = fmt.Errorf("ar: invoice number taken: %w", accounting.ErrReference)
	// ErrConcurrentInvoice indicates another writer created the invoice for the same event.
	ErrConcurrentInvoice = fmt.Errorf("ar: invoice created concurrently: %w", accounting.ErrConcurrency)
)

// Invoice is an accounts receivable invoice mirrored from a confirmed order.
type Invoice struct {
	ID             int64
	TenantID       int64
	Number         string
	CustomerID     int64
	CustomerName   string
	OrderID        string
	OrderNumber    string
	Currency       string
	InvoiceDate    time.Time
	DueDate        time.Time
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
	Status         InvoiceStatus
	SourceEventID  uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Lines          []InvoiceLine
}

// InvoiceLine is one invoiced order line.
type InvoiceLine struct {
	ID              int64
	InvoiceID       int64
	LineNo          int
	ProductID       int64
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
	DiscountAmount  decimal.Decimal
	TaxAmount       decimal.Decimal
	LineTotal       decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// PriceLine computes the discount, tax and total of a line. Each amount is
// rounded to cents before it feeds the next.
func PriceLine(qty, unitPrice, discountPct, taxPct decimal.Decimal) (discount, tax, total decimal.Decimal) {
	gross := accounting.RoundMoney(qty.Mul(unitPrice))
	discount = accounting.RoundMoney(gross.Mul(discountPct).Div(hundred))
	net := gross.Sub(discount)
	tax = accounting.RoundMoney(net.Mul(taxPct).Div(hundred))
	total = net.Add(tax)
	return discount, tax, total
}

// InvoiceNumber derives the invoice number from the order number.
func InvoiceNumber(orderNumber string) string {
	return "INV-" + orderNumber
}
