package ar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
)

type memoryARRepo struct {
	mu       sync.Mutex
	invoices []Invoice
	nextID   int64
	failNext error
	txCount  int
}

func (r *memoryARRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	work := &memoryTx{repo: r, invoices: append([]Invoice(nil), r.invoices...)}
	if err := fn(ctx, work); err != nil {
		return err
	}
	r.invoices = work.invoices
	return nil
}

type memoryTx struct {
	repo     *memoryARRepo
	invoices []Invoice
}

func (t *memoryTx) FindBySourceEvent(_ context.Context, tenantID int64, eventID uuid.UUID) (Invoice, error) {
	for _, inv := range t.invoices {
		if inv.TenantID == tenantID && inv.SourceEventID == eventID {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (t *memoryTx) InsertInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	if err := t.repo.failNext; err != nil {
		t.repo.failNext = nil
		return Invoice{}, err
	}
	for _, existing := range t.invoices {
		if existing.TenantID == inv.TenantID && existing.Number == inv.Number {
			return Invoice{}, ErrNumberTaken
		}
	}
	t.repo.nextID++
	inv.ID = t.repo.nextID
	t.invoices = append(t.invoices, inv)
	return inv, nil
}

func (t *memoryTx) GetInvoice(_ context.Context, tenantID, id int64) (Invoice, error) {
	for _, inv := range t.invoices {
		if inv.TenantID == tenantID && inv.ID == id {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func sampleOrder() events.Order {
	return events.Order{
		ID:              "so-77",
		Number:          "SO-2024-0077",
		CustomerID:      12,
		CustomerName:    "PT Maju",
		OrderDate:       time.Date(2024, 3, 10, 15, 4, 0, 0, time.UTC),
		PaymentTermDays: 30,
		Lines: []events.OrderLine{
			{ProductID: 1, Quantity: decimal.NewFromInt(3), UnitPrice: decimal.RequireFromString("100.00"), DiscountPercent: decimal.NewFromInt(10), TaxPercent: decimal.NewFromInt(11)},
			{ProductID: 2, Quantity: decimal.RequireFromString("1.5"), UnitPrice: decimal.RequireFromString("20.00")},
		},
	}
}

func TestBuildInvoicePricesLines(t *testing.T) {
	inv, err := BuildInvoice(5, uuid.New(), sampleOrder())
	require.NoError(t, err)

	assert.Equal(t, "INV-SO-2024-0077", inv.Number)
	assert.Equal(t, "IDR", inv.Currency)
	assert.Equal(t, StatusIssued, inv.Status)
	assert.Equal(t, time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC), inv.DueDate)
	require.Len(t, inv.Lines, 2)
	// 300 - 30 discount = 270, tax 29.70
	assert.Equal(t, "30.00", inv.Lines[0].DiscountAmount.StringFixed(2))
	assert.Equal(t, "29.70", inv.Lines[0].TaxAmount.StringFixed(2))
	assert.Equal(t, "299.70", inv.Lines[0].LineTotal.StringFixed(2))
	assert.Equal(t, "30.00", inv.Lines[1].LineTotal.StringFixed(2))
	assert.Equal(t, "330.00", inv.Subtotal.StringFixed(2))
	assert.Equal(t, "329.70", inv.Total.StringFixed(2))
}

func TestBuildInvoiceRejectsBadOrder(t *testing.T) {
	order := sampleOrder()
	order.Lines[1].Quantity = decimal.Zero
	_, err := BuildInvoice(5, uuid.New(), order)
	require.ErrorIs(t, err, ErrInvalidOrder)
	require.ErrorIs(t, err, accounting.ErrValidation)

	_, err = BuildInvoice(5, uuid.Nil, sampleOrder())
	require.ErrorIs(t, err, accounting.ErrValidation)
}

func TestCreateFromOrderIsIdempotentOnEvent(t *testing.T) {
	repo := &memoryARRepo{}
	svc := NewService(repo, nil)
	eventID := uuid.New()

	first, created, err := svc.CreateFromOrder(context.Background(), 5, eventID, sampleOrder())
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := svc.CreateFromOrder(context.Background(), 5, eventID, sampleOrder())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, repo.invoices, 1)

	_, _, err = svc.CreateFromOrder(context.Background(), 5, uuid.New(), sampleOrder())
	require.ErrorIs(t, err, ErrNumberTaken)
}

func TestCreateFromOrderRetriesConcurrentInsert(t *testing.T) {
	repo := &memoryARRepo{failNext: ErrConcurrentInvoice}
	svc := NewService(repo, nil)

	inv, created, err := svc.CreateFromOrder(context.Background(), 5, uuid.New(), sampleOrder())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, inv.ID)
	assert.Equal(t, 2, repo.txCount)

	got, err := svc.GetInvoice(context.Background(), 5, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Number, got.Number)
}
