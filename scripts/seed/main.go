package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type starterAccount struct {
	code   string
	name   string
	class  accounting.AccountClass
	parent string
}

// Starter chart. Codes stay clear of the integrator-managed accounts.
var starterChart = []starterAccount{
	{"1000", "Cash and Bank", accounting.AccountClassAsset, ""},
	{"1010", "Cash on Hand", accounting.AccountClassAsset, "1000"},
	{"1020", "Bank BCA", accounting.AccountClassAsset, "1000"},
	{"1030", "Bank Mandiri", accounting.AccountClassAsset, "1000"},
	{"1100", "Accounts Receivable", accounting.AccountClassAsset, ""},
	{"1110", "Employee Receivables", accounting.AccountClassAsset, "1100"},
	{"1500", "Fixed Assets", accounting.AccountClassAsset, ""},
	{"1510", "Office Equipment", accounting.AccountClassAsset, "1500"},
	{"1520", "Vehicles", accounting.AccountClassAsset, "1500"},
	{"3000", "Equity", accounting.AccountClassEquity, ""},
	{"3100", "Paid-in Capital", accounting.AccountClassEquity, "3000"},
	{"3200", "Retained Earnings", accounting.AccountClassEquity, "3000"},
	{"4000", "Sales Revenue", accounting.AccountClassRevenue, ""},
	{"4100", "Other Income", accounting.AccountClassRevenue, ""},
	{"5000", "Cost of Goods Sold", accounting.AccountClassExpense, ""},
	{"7000", "Operating Expenses", accounting.AccountClassExpense, ""},
	{"7100", "Rent Expense", accounting.AccountClassExpense, "7000"},
	{"7200", "Utilities Expense", accounting.AccountClassExpense, "7000"},
	{"7300", "Administrative Expense", accounting.AccountClassExpense, "7000"},
}

type seedResult struct {
	accounts int
	periods  int
	system   int
}

type seeder struct {
	chart       *accounting.Chart
	periods     *accounting.PeriodGate
	provisioner *accounting.Provisioner
	actor       accounting.Actor
}

func newSeeder(repo accounting.RepositoryPort, audit accounting.AuditPort, logger *slog.Logger) *seeder {
	return &seeder{
		chart:       accounting.NewChart(repo, audit),
		periods:     accounting.NewPeriodGate(repo, audit),
		provisioner: accounting.NewProvisioner(repo, logger),
		actor:       accounting.SystemActor,
	}
}

// seedTenant is safe to rerun: existing codes and overlapping periods are skipped.
func (s *seeder) seedTenant(ctx context.Context, tenantID int64, year int) (seedResult, error) {
	var res seedResult
	for _, a := range starterChart {
		in := accounting.NewAccountInput{
			TenantID:           tenantID,
			Code:               a.code,
			Name:               a.name,
			Class:              a.class,
			AllowManualEntries: true,
		}
		if a.parent != "" {
			parent, err := s.chart.FindByCode(ctx, tenantID, a.parent)
			if err != nil {
				return res, fmt.Errorf("seed: parent %s of %s: %w", a.parent, a.code, err)
			}
			in.ParentID = &parent.ID
		}
		_, err := s.chart.CreateAccount(ctx, in, s.actor)
		switch {
		case errors.Is(err, accounting.ErrDuplicateAccountCode):
		case err != nil:
			return res, fmt.Errorf("seed: account %s: %w", a.code, err)
		default:
			res.accounts++
		}
	}

	for _, spec := range integration.SystemAccounts() {
		if _, err := s.provisioner.Ensure(ctx, tenantID, spec); err != nil {
			return res, fmt.Errorf("seed: system account %s: %w", spec.Code, err)
		}
		res.system++
	}

	for month := time.January; month <= time.December; month++ {
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		_, err := s.periods.CreatePeriod(ctx, accounting.CreatePeriodInput{
			TenantID:  tenantID,
			Name:      start.Format("2006-01"),
			StartDate: start,
			EndDate:   start.AddDate(0, 1, -1),
		}, s.actor)
		switch {
		case errors.Is(err, accounting.ErrPeriodOverlap):
		case err != nil:
			return res, fmt.Errorf("seed: period %s: %w", start.Format("2006-01"), err)
		default:
			res.periods++
		}
	}
	return res, nil
}

func main() {
	tenant := flag.Int64("tenant", 1, "tenant id to seed")
	year := flag.Int("year", time.Now().Year(), "fiscal year to open")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	repo := accounting.NewRepository(pool)
	res, err := newSeeder(repo, shared.NewAuditLogger(pool), logger).seedTenant(ctx, *tenant, *year)
	if err != nil {
		logger.Error("seed failed", slog.Int64("tenant_id", *tenant), slog.Any("error", err))
		pool.Close()
		os.Exit(1)
	}
	logger.Info("seed complete",
		slog.Int64("tenant_id", *tenant),
		slog.Int("year", *year),
		slog.Int("accounts_created", res.accounts),
		slog.Int("system_accounts", res.system),
		slog.Int("periods_created", res.periods))
}
