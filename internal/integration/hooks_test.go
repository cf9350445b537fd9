package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/memory"
	"github.com/odyssey-erp/odyssey-ledger/internal/ar"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

const tenant = int64(11)

type stubInvoicer struct {
	calls   int
	created map[uuid.UUID]ar.Invoice
	err     error
}

func (s *stubInvoicer) CreateFromOrder(_ context.Context, tenantID int64, eventID uuid.UUID, order events.Order) (ar.Invoice, bool, error) {
	s.calls++
	if s.err != nil {
		return ar.Invoice{}, false, s.err
	}
	if inv, ok := s.created[eventID]; ok {
		return inv, false, nil
	}
	inv, err := ar.BuildInvoice(tenantID, eventID, order)
	if err != nil {
		return ar.Invoice{}, false, err
	}
	inv.ID = int64(len(s.created) + 1)
	s.created[eventID] = inv
	return inv, true, nil
}

type harness struct {
	logs     *bytes.Buffer
	store    *memory.Store
	router   *events.Router
	bus      *events.LocalBus
	invoices *stubInvoicer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	store.SeedPeriod(accounting.Period{
		TenantID:  tenant,
		Name:      "2024-01",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	engine := accounting.NewService(store, nil, nil)
	engine.WithNow(func() time.Time { return time.Date(2024, 1, 26, 8, 0, 0, 0, time.UTC) })
	invoices := &stubInvoicer{created: map[uuid.UUID]ar.Invoice{}}
	logs := new(bytes.Buffer)
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	hooks := NewHooks(store, engine, accounting.NewProvisioner(store, nil), invoices, logger, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	router := events.NewRouter()
	hooks.Register(router)
	return &harness{logs: logs, store: store, router: router, bus: events.NewLocalBus(router), invoices: invoices}
}

func (h *harness) accountByCode(t *testing.T, code string) accounting.Account {
	t.Helper()
	for _, a := range h.store.Accounts(tenant) {
		if a.Code == code {
			return a
		}
	}
	t.Fatalf("account %s not provisioned", code)
	return accounting.Account{}
}

func payroll(gross, tax, net string) events.PayrollProcessed {
	return events.PayrollProcessed{Payroll: events.Payroll{
		ID:                "pay-001",
		Number:            "PR-2024-01-001",
		EmployeeID:        5,
		PayDate:           time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC),
		GrossSalary:       decimal.RequireFromString(gross),
		EmployeeTaxAmount: decimal.RequireFromString(tax),
		NetSalary:         decimal.RequireFromString(net),
	}}
}

func TestPayrollProcessedPostsBalancedEntry(t *testing.T) {
	h := newHarness(t)

	env, err := h.bus.Publish(context.Background(), tenant, payroll("5000", "800", "4200"))
	require.NoError(t, err)

	entries := h.store.Entries(tenant)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, accounting.JournalStatusPosted, entry.Status)
	assert.Equal(t, env.ID.String(), entry.IdempotencyKey)
	assert.Equal(t, accounting.ActorSystem, entry.PostedBy.Kind)
	assert.Equal(t, "5000.00", entry.TotalDebit.StringFixed(2))
	assert.Equal(t, "5000.00", entry.TotalCredit.StringFixed(2))
	require.Len(t, entry.Lines, 3)

	salary := h.accountByCode(t, "6000")
	tax := h.accountByCode(t, "2110")
	payable := h.accountByCode(t, "2100")
	assert.Equal(t, salary.ID, entry.Lines[0].AccountID)
	assert.Equal(t, "5000.00", entry.Lines[0].Debit.StringFixed(2))
	assert.Equal(t, tax.ID, entry.Lines[1].AccountID)
	assert.Equal(t, "800.00", entry.Lines[1].Credit.StringFixed(2))
	assert.Equal(t, payable.ID, entry.Lines[2].AccountID)
	assert.Equal(t, "4200.00", entry.Lines[2].Credit.StringFixed(2))
	assert.True(t, salary.IsSystem)
	assert.False(t, salary.AllowManualEntries)
	assert.True(t, payable.Balance.Equal(decimal.NewFromInt(4200)))
	assert.Len(t, h.store.Accounts(tenant), 3, "only accounts with non-zero legs are provisioned")
}

func TestPayrollRedeliveryPostsOnce(t *testing.T) {
	h := newHarness(t)
	env, err := events.NewEnvelope(tenant, payroll("5000", "800", "4200"), time.Now())
	require.NoError(t, err)

	require.NoError(t, h.router.Dispatch(context.Background(), env))
	require.NoError(t, h.router.Dispatch(context.Background(), env))

	assert.Len(t, h.store.Entries(tenant), 1)
	assert.True(t, h.accountByCode(t, "6000").Balance.Equal(decimal.NewFromInt(5000)))
}

func TestPayrollInconsistentAmountsIsValidationError(t *testing.T) {
	h := newHarness(t)

	_, err := h.bus.Publish(context.Background(), tenant, payroll("5000", "800", "4000"))
	require.ErrorIs(t, err, accounting.ErrUnbalanced)
	require.ErrorIs(t, err, accounting.ErrValidation)
	assert.Empty(t, h.store.Entries(tenant))
	assert.Empty(t, h.store.Accounts(tenant))

	failure := h.logRecord(t, "ledger posting failed")
	assert.Equal(t, "5000.00", failure["total_debit"])
	assert.Equal(t, "4800.00", failure["total_credit"])
	assert.Equal(t, "payroll:pay-001", failure["reference"])
	assert.Equal(t, float64(tenant), failure["tenant_id"])
}

func (h *harness) logRecord(t *testing.T, msg string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(h.logs.Bytes()))
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		if rec["msg"] == msg {
			return rec
		}
	}
	t.Fatalf("no %q log record in %s", msg, h.logs.String())
	return nil
}

func TestFailedPostingLeavesNoProvisionedAccounts(t *testing.T) {
	h := newHarness(t)
	h.store.FailOnce("InsertJournalLines", errors.New("connection reset"))

	_, err := h.bus.Publish(context.Background(), tenant, payroll("5000", "800", "4200"))
	require.Error(t, err)
	assert.Empty(t, h.store.Accounts(tenant))
	assert.Empty(t, h.store.Entries(tenant))
}

func TestConcurrencyErrorRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.store.FailOnce("InsertAccountIfAbsent", accounting.ErrConcurrentProvisioning)

	_, err := h.bus.Publish(context.Background(), tenant, payroll("5000", "800", "4200"))
	require.NoError(t, err)
	assert.Len(t, h.store.Entries(tenant), 1)
	assert.Equal(t, 2, h.store.Transactions())
}

func TestPayrollOutsideOpenPeriodFails(t *testing.T) {
	h := newHarness(t)
	evt := payroll("5000", "800", "4200")
	evt.Payroll.PayDate = time.Date(2024, 2, 25, 0, 0, 0, 0, time.UTC)

	_, err := h.bus.Publish(context.Background(), tenant, evt)
	require.ErrorIs(t, err, accounting.ErrPeriodNotFound)
	assert.Empty(t, h.store.Accounts(tenant))
}

func movement(kind events.MovementType, qty, cost string) events.StockMovementRecorded {
	return events.StockMovementRecorded{Movement: events.StockMovement{
		ID:        "mv-1",
		Reference: "GRN-0001",
		ProductID: 8,
		Type:      kind,
		Quantity:  decimal.RequireFromString(qty),
		UnitCost:  decimal.RequireFromString(cost),
		MovedAt:   time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}}
}

func TestStockMovementLegs(t *testing.T) {
	cases := []struct {
		name         string
		evt          events.StockMovementRecorded
		debit        string
		credit       string
		amount       string
		sameAccounts bool
	}{
		{name: "receipt increase", evt: movement(events.MovementReceipt, "10", "12.50"), debit: "1400", credit: "2000", amount: "125.00"},
		{name: "receipt decrease", evt: movement(events.MovementReceipt, "-4", "12.50"), debit: "2000", credit: "1400", amount: "50.00"},
		{name: "adjustment increase", evt: movement(events.MovementAdjustment, "2", "3.333"), debit: "1400", credit: "5100", amount: "6.67"},
		{name: "adjustment decrease", evt: movement(events.MovementAdjustment, "-2", "7"), debit: "5100", credit: "1400", amount: "14.00"},
		{name: "transfer", evt: movement(events.MovementTransfer, "5", "2"), debit: "1400", credit: "1400", amount: "10.00", sameAccounts: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.bus.Publish(context.Background(), tenant, tc.evt)
			require.NoError(t, err)

			entries := h.store.Entries(tenant)
			require.Len(t, entries, 1)
			lines := entries[0].Lines
			require.Len(t, lines, 2)
			debitAccount := h.accountByCode(t, tc.debit)
			creditAccount := h.accountByCode(t, tc.credit)
			var debitLine, creditLine accounting.JournalLine
			for _, l := range lines {
				if l.Debit.IsPositive() {
					debitLine = l
				} else {
					creditLine = l
				}
			}
			assert.Equal(t, debitAccount.ID, debitLine.AccountID)
			assert.Equal(t, creditAccount.ID, creditLine.AccountID)
			assert.Equal(t, tc.amount, debitLine.Debit.StringFixed(2))
			assert.Equal(t, tc.amount, creditLine.Credit.StringFixed(2))
			if tc.sameAccounts {
				assert.True(t, debitAccount.Balance.IsZero())
			}
		})
	}
}

func TestStockMovementZeroIsNoop(t *testing.T) {
	h := newHarness(t)

	_, err := h.bus.Publish(context.Background(), tenant, movement(events.MovementReceipt, "0", "12"))
	require.NoError(t, err)
	_, err = h.bus.Publish(context.Background(), tenant, movement(events.MovementReceipt, "3", "0"))
	require.NoError(t, err)

	assert.Empty(t, h.store.Entries(tenant))
	assert.Empty(t, h.store.Accounts(tenant))
	assert.Zero(t, h.store.Transactions())
}

func TestStockMovementUnknownTypeIsValidationError(t *testing.T) {
	h := newHarness(t)

	_, err := h.bus.Publish(context.Background(), tenant, movement("SCRAP", "1", "1"))
	require.ErrorIs(t, err, ErrUnknownMovementType)
	require.ErrorIs(t, err, accounting.ErrValidation)
	assert.Zero(t, h.store.Transactions())
}

func TestOrderConfirmedCreatesInvoiceOnce(t *testing.T) {
	h := newHarness(t)
	order := events.OrderConfirmed{Order: events.Order{
		ID:              "so-1",
		Number:          "SO-0001",
		CustomerID:      3,
		OrderDate:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		PaymentTermDays: 14,
		Lines: []events.OrderLine{
			{ProductID: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(50)},
		},
	}}
	env, err := events.NewEnvelope(tenant, order, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.router.Dispatch(context.Background(), env))
	require.NoError(t, h.router.Dispatch(context.Background(), env))

	require.Len(t, h.invoices.created, 1)
	inv := h.invoices.created[env.ID]
	assert.Equal(t, "INV-SO-0001", inv.Number)
	assert.Equal(t, "100.00", inv.Total.StringFixed(2))
	assert.Empty(t, h.store.Entries(tenant), "order confirmation posts no journal entry")
}

func TestOrderConfirmedPropagatesFailure(t *testing.T) {
	h := newHarness(t)
	h.invoices.err = ar.ErrConcurrentInvoice
	order := events.OrderConfirmed{Order: events.Order{
		ID: "so-2", Number: "SO-0002", CustomerID: 3, OrderDate: time.Now(),
		Lines: []events.OrderLine{{ProductID: 1, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(5)}},
	}}

	_, err := h.bus.Publish(context.Background(), tenant, order)
	require.ErrorIs(t, err, accounting.ErrConcurrency)
}
