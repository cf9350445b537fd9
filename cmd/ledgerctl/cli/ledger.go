package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// LedgerCLI exposes administrative ledger operations: period transitions,
// the chart of accounts tree and reversals.
type LedgerCLI struct {
	chart   *accounting.Chart
	periods *accounting.PeriodGate
	ledger  *accounting.Service
}

// NewLedgerCLI builds the helpers on one repository.
func NewLedgerCLI(repo accounting.RepositoryPort, audit accounting.AuditPort, ledger *accounting.Service) *LedgerCLI {
	return &LedgerCLI{
		chart:   accounting.NewChart(repo, audit),
		periods: accounting.NewPeriodGate(repo, audit),
		ledger:  ledger,
	}
}

// LedgerOptions carries the flags shared by the ledger commands.
type LedgerOptions struct {
	TenantID   int64
	ActorID    int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *LedgerOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func (o LedgerOptions) actor() accounting.Actor {
	return accounting.Actor{ID: o.ActorID, Kind: accounting.ActorUser}
}

// PeriodCreateCommand opens a new fiscal period.
func (c *LedgerCLI) PeriodCreateCommand(ctx context.Context, name, start, end string, opts LedgerOptions) int {
	opts.defaults()
	startDate, err := time.Parse(time.DateOnly, start)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "periods create: invalid --start %q (expected YYYY-MM-DD)\n", start)
		return 1
	}
	endDate, err := time.Parse(time.DateOnly, end)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "periods create: invalid --end %q (expected YYYY-MM-DD)\n", end)
		return 1
	}
	period, err := c.periods.CreatePeriod(ctx, accounting.CreatePeriodInput{
		TenantID:  opts.TenantID,
		Name:      name,
		StartDate: startDate,
		EndDate:   endDate,
	}, opts.actor())
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "periods create: %v\n", err)
		return 1
	}
	return printPeriod(opts, period)
}

// PeriodTransitionCommand closes or locks a period.
func (c *LedgerCLI) PeriodTransitionCommand(ctx context.Context, action string, periodID int64, opts LedgerOptions) int {
	opts.defaults()
	var (
		period accounting.Period
		err    error
	)
	switch action {
	case "close":
		period, err = c.periods.ClosePeriod(ctx, opts.TenantID, periodID, opts.actor())
	case "lock":
		period, err = c.periods.LockPeriod(ctx, opts.TenantID, periodID, opts.actor())
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "periods: unknown action %q\n", action)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "periods %s: %v\n", action, err)
		return 1
	}
	return printPeriod(opts, period)
}

func printPeriod(opts LedgerOptions, p accounting.Period) int {
	if opts.JSONOutput {
		return encodeJSON(opts, map[string]any{
			"id":     p.ID,
			"name":   p.Name,
			"start":  p.StartDate.Format(time.DateOnly),
			"end":    p.EndDate.Format(time.DateOnly),
			"status": p.Status,
		})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Period %d %s %s..%s %s\n", p.ID, p.Name, p.StartDate.Format(time.DateOnly), p.EndDate.Format(time.DateOnly), p.Status)
	return 0
}

type treeNode struct {
	Code     string      `json:"code"`
	Name     string      `json:"name"`
	Class    string      `json:"class"`
	Balance  string      `json:"balance"`
	System   bool        `json:"system"`
	Children []*treeNode `json:"children,omitempty"`
}

// AccountsTreeCommand prints the chart of accounts.
func (c *LedgerCLI) AccountsTreeCommand(ctx context.Context, opts LedgerOptions) int {
	opts.defaults()
	roots, err := c.chart.Tree(ctx, opts.TenantID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "accounts tree: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		out := make([]*treeNode, 0, len(roots))
		for _, r := range roots {
			out = append(out, toTreeNode(r))
		}
		return encodeJSON(opts, out)
	}
	for _, r := range roots {
		renderNode(opts.Stdout, r, 0)
	}
	return 0
}

func toTreeNode(n *accounting.AccountNode) *treeNode {
	out := &treeNode{
		Code:    n.Code,
		Name:    n.Name,
		Class:   string(n.Class),
		Balance: n.Balance.StringFixed(2),
		System:  n.IsSystem,
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, toTreeNode(child))
	}
	return out
}

func renderNode(w io.Writer, n *accounting.AccountNode, depth int) {
	_, _ = fmt.Fprintf(w, "%s%s %s [%s] %s\n", strings.Repeat("  ", depth), n.Code, n.Name, n.Class, n.Balance.StringFixed(2))
	for _, child := range n.Children {
		renderNode(w, child, depth+1)
	}
}

// ReverseCommand posts the reversal of a posted entry.
func (c *LedgerCLI) ReverseCommand(ctx context.Context, entryID int64, memo string, opts LedgerOptions) int {
	opts.defaults()
	entry, err := c.ledger.ReverseEntry(ctx, accounting.ReverseInput{
		TenantID: opts.TenantID,
		EntryID:  entryID,
		Actor:    opts.actor(),
		Memo:     memo,
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "entries reverse: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		return encodeJSON(opts, map[string]any{
			"id":          entry.ID,
			"number":      entry.Number,
			"reversal_of": entryID,
			"total":       entry.TotalDebit.StringFixed(2),
		})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Entry %d reversed by %s (%d), total %s\n", entryID, entry.Number, entry.ID, entry.TotalDebit.StringFixed(2))
	return 0
}

// IntegrityCommand lists unbalanced entries and exits 10 when any exist.
func (c *LedgerCLI) IntegrityCommand(ctx context.Context, opts LedgerOptions) int {
	opts.defaults()
	entries, err := c.ledger.ListUnbalancedEntries(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		type row struct {
			TenantID    int64  `json:"tenant_id"`
			EntryID     int64  `json:"entry_id"`
			Number      string `json:"number"`
			TotalDebit  string `json:"total_debit"`
			TotalCredit string `json:"total_credit"`
			LineDebit   string `json:"line_debit"`
			LineCredit  string `json:"line_credit"`
		}
		rows := make([]row, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, row{e.TenantID, e.EntryID, e.Number, e.TotalDebit.StringFixed(2), e.TotalCredit.StringFixed(2), e.LineDebit.StringFixed(2), e.LineCredit.StringFixed(2)})
		}
		if code := encodeJSON(opts, rows); code != 0 {
			return code
		}
	} else if len(entries) == 0 {
		_, _ = fmt.Fprintln(opts.Stdout, "All posted entries balance.")
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "%d unbalanced entr(ies):\n", len(entries))
		for _, e := range entries {
			_, _ = fmt.Fprintf(opts.Stdout, " - tenant %d entry %d %s totals %s/%s lines %s/%s\n",
				e.TenantID, e.EntryID, e.Number,
				e.TotalDebit.StringFixed(2), e.TotalCredit.StringFixed(2),
				e.LineDebit.StringFixed(2), e.LineCredit.StringFixed(2))
		}
	}
	if len(entries) > 0 {
		return 10
	}
	return 0
}

func encodeJSON(opts LedgerOptions, v any) int {
	if err := json.NewEncoder(opts.Stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
