package integration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/ar"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// ErrUnknownMovementType indicates a stock movement type without a contra account.
var ErrUnknownMovementType = fmt.Errorf("integration: unknown stock movement type: %w", accounting.ErrValidation)

// Ledger exposes the in-transaction posting operations integrators need.
type Ledger interface {
	PostEntryInTx(ctx context.Context, tx accounting.TxRepository, input accounting.PostingInput) (accounting.PostResult, error)
	Committed(ctx context.Context, entry accounting.JournalEntry, action string)
}

// Provisioner resolves system accounts inside the posting transaction.
type Provisioner interface {
	EnsureAccounts(ctx context.Context, tx accounting.TxRepository, tenantID int64, specs ...accounting.AccountSpec) (map[string]accounting.Account, error)
}

// Invoicer creates receivables from confirmed orders.
type Invoicer interface {
	CreateFromOrder(ctx context.Context, tenantID int64, eventID uuid.UUID, order events.Order) (ar.Invoice, bool, error)
}

// Hooks wires domain events from operational modules into the general ledger.
type Hooks struct {
	repo        accounting.RepositoryPort
	ledger      Ledger
	provisioner Provisioner
	invoices    Invoicer
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
}

// NewHooks constructs integration hooks.
func NewHooks(repo accounting.RepositoryPort, ledger Ledger, provisioner Provisioner, invoices Invoicer, logger *slog.Logger, metrics *jobmetrics.Metrics) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{repo: repo, ledger: ledger, provisioner: provisioner, invoices: invoices, logger: logger, metrics: metrics}
}

// Register binds one handler per event type.
func (h *Hooks) Register(r *events.Router) {
	events.On(r, h.HandleOrderConfirmed)
	events.On(r, h.HandlePayrollProcessed)
	events.On(r, h.HandleStockMovementRecorded)
}

type leg struct {
	account accounting.AccountSpec
	debit   bool
	amount  decimal.Decimal
}

func (h *Hooks) eventLogger(env events.Envelope) *slog.Logger {
	return h.logger.With(
		slog.String("event_id", env.ID.String()),
		slog.String("event_type", env.Type),
		slog.Int64("tenant_id", env.TenantID),
	)
}

// post provisions the accounts of every leg and posts one entry, all in a
// single transaction keyed by the event id.
func (h *Hooks) post(ctx context.Context, env events.Envelope, input accounting.PostingInput, legs []leg) error {
	logger := h.eventLogger(env)
	specs := make([]accounting.AccountSpec, 0, len(legs))
	for _, l := range legs {
		specs = append(specs, l.account)
	}
	input.TenantID = env.TenantID
	input.IdempotencyKey = env.Key()
	input.PostedBy = accounting.SystemActor

	var res accounting.PostResult
	err := accounting.RunInTx(ctx, h.repo, func(ctx context.Context, tx accounting.TxRepository) error {
		accounts, err := h.provisioner.EnsureAccounts(ctx, tx, env.TenantID, specs...)
		if err != nil {
			return err
		}
		input.Lines = input.Lines[:0]
		for _, l := range legs {
			line := accounting.PostingLineInput{AccountID: accounts[l.account.Code].ID, Description: l.account.Name}
			if l.debit {
				line.Debit = l.amount
			} else {
				line.Credit = l.amount
			}
			input.Lines = append(input.Lines, line)
		}
		res, err = h.ledger.PostEntryInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		h.metrics.ObservePosting(env.Type, jobmetrics.OutcomeFailed)
		debit, credit := legTotals(legs)
		logger.Error("ledger posting failed",
			slog.String("reference", input.Reference.Type+":"+input.Reference.ID),
			slog.Int("lines", len(legs)),
			slog.String("total_debit", debit.StringFixed(2)),
			slog.String("total_credit", credit.StringFixed(2)),
			slog.Any("error", err))
		return err
	}
	entry := res.Entry
	if res.Replayed {
		h.metrics.ObservePosting(env.Type, jobmetrics.OutcomeReplayed)
		logger.Info("event already posted", slog.Int64("entry_id", entry.ID), slog.String("number", entry.Number))
		return nil
	}
	h.ledger.Committed(ctx, entry, "journal.post")
	h.metrics.ObservePosting(env.Type, jobmetrics.OutcomePosted)
	logger.Info("ledger entry posted",
		slog.Int64("entry_id", entry.ID),
		slog.String("number", entry.Number),
		slog.String("total_debit", entry.TotalDebit.StringFixed(2)),
		slog.String("total_credit", entry.TotalCredit.StringFixed(2)))
	return nil
}

func (h *Hooks) skip(env events.Envelope, reason string) {
	h.metrics.ObservePosting(env.Type, jobmetrics.OutcomeSkipped)
	h.eventLogger(env).Info("event has no ledger effect", slog.String("reason", reason))
}

// HandlePayrollProcessed posts salary, tax and benefit legs of a payroll run.
func (h *Hooks) HandlePayrollProcessed(ctx context.Context, env events.Envelope, evt events.PayrollProcessed) error {
	p := evt.Payroll
	legs := payrollLegs(p)
	if len(legs) == 0 {
		h.skip(env, "zero payroll")
		return nil
	}
	return h.post(ctx, env, accounting.PostingInput{
		EntryDate:   p.PayDate,
		Description: fmt.Sprintf("Payroll %s", firstNonEmpty(p.Number, p.ID)),
		Currency:    p.Currency,
		Reference:   accounting.Reference{Type: "payroll", ID: p.ID, Number: p.Number},
	}, legs)
}

// HandleStockMovementRecorded posts the inventory valuation change of a movement.
func (h *Hooks) HandleStockMovementRecorded(ctx context.Context, env events.Envelope, evt events.StockMovementRecorded) error {
	m := evt.Movement
	legs, err := stockLegs(m)
	if err != nil {
		h.metrics.ObservePosting(env.Type, jobmetrics.OutcomeFailed)
		h.eventLogger(env).Error("stock movement rejected", slog.String("movement_type", string(m.Type)), slog.Any("error", err))
		return err
	}
	if len(legs) == 0 {
		h.skip(env, "zero quantity or cost")
		return nil
	}
	return h.post(ctx, env, accounting.PostingInput{
		EntryDate:   m.MovedAt,
		Description: fmt.Sprintf("Stock %s %s", m.Type, firstNonEmpty(m.Reference, m.ID)),
		Currency:    m.Currency,
		Reference:   accounting.Reference{Type: "stock_movement", ID: m.ID, Number: m.Reference},
	}, legs)
}

// HandleOrderConfirmed mirrors the order into a receivable invoice.
func (h *Hooks) HandleOrderConfirmed(ctx context.Context, env events.Envelope, evt events.OrderConfirmed) error {
	logger := h.eventLogger(env)
	inv, created, err := h.invoices.CreateFromOrder(ctx, env.TenantID, env.ID, evt.Order)
	if err != nil {
		h.metrics.ObservePosting(env.Type, jobmetrics.OutcomeFailed)
		logger.Error("ar invoice failed", slog.String("order_number", evt.Order.Number), slog.Any("error", err))
		return err
	}
	if !created {
		h.metrics.ObservePosting(env.Type, jobmetrics.OutcomeReplayed)
		logger.Info("ar invoice already exists", slog.Int64("invoice_id", inv.ID), slog.String("number", inv.Number))
		return nil
	}
	h.metrics.ObservePosting(env.Type, jobmetrics.OutcomePosted)
	logger.Info("ar invoice created",
		slog.Int64("invoice_id", inv.ID),
		slog.String("number", inv.Number),
		slog.String("total", inv.Total.StringFixed(2)))
	return nil
}

// payrollLegs lists the non-zero legs of a payroll run, debits first.
func payrollLegs(p events.Payroll) []leg {
	candidates := []leg{
		{SalaryExpense, true, p.GrossSalary},
		{EmployerTaxExpense, true, p.EmployerTaxAmount},
		{EmployerBenefitsExpense, true, p.EmployerBenefitsAmount},
		{EmployeeTaxPayable, false, p.EmployeeTaxAmount},
		{OtherDeductionsPayable, false, p.OtherDeductions},
		{SalariesPayable, false, p.NetSalary},
		{EmployerTaxPayable, false, p.EmployerTaxAmount},
		{EmployerBenefitsPayable, false, p.EmployerBenefitsAmount},
	}
	var out []leg
	for _, c := range candidates {
		c.amount = accounting.RoundMoney(c.amount)
		if c.amount.IsPositive() {
			out = append(out, c)
		}
	}
	return out
}

// stockLegs returns the two legs of a movement, or none when the amount is zero.
func stockLegs(m events.StockMovement) ([]leg, error) {
	var contra accounting.AccountSpec
	switch m.Type {
	case events.MovementReceipt:
		contra = AccountsPayable
	case events.MovementAdjustment:
		contra = InventoryAdjustmentExpense
	case events.MovementTransfer:
		contra = InventoryAsset
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMovementType, m.Type)
	}
	amount := accounting.RoundMoney(m.Quantity.Abs().Mul(m.UnitCost))
	if m.Quantity.IsZero() || amount.IsZero() {
		return nil, nil
	}
	increase := m.Quantity.IsPositive()
	return []leg{
		{InventoryAsset, increase, amount},
		{contra, !increase, amount},
	}, nil
}

func legTotals(legs []leg) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range legs {
		if l.debit {
			debit = debit.Add(l.amount)
		} else {
			credit = credit.Add(l.amount)
		}
	}
	return debit, credit
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
