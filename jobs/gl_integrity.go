package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// UnbalancedLister lists entries whose lines or cached totals disagree.
type UnbalancedLister interface {
	ListUnbalancedEntries(ctx context.Context) ([]accounting.UnbalancedEntry, error)
}

// GLIntegrityJob scans the ledger for entries violating the double-entry invariant.
type GLIntegrityJob struct {
	ledger  UnbalancedLister
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewGLIntegrityJob constructs the integrity scan.
func NewGLIntegrityJob(ledger UnbalancedLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &GLIntegrityJob{ledger: ledger, logger: logger, metrics: metrics}
}

// Run executes one scan and returns the flagged entries.
func (j *GLIntegrityJob) Run(ctx context.Context) ([]accounting.UnbalancedEntry, error) {
	tracker := j.metrics.Track("gl_integrity")
	entries, err := j.ledger.ListUnbalancedEntries(ctx)
	if err != nil {
		j.logger.Error("gl integrity scan", slog.Any("error", err))
		return nil, tracker.End(err)
	}
	j.metrics.SetUnbalanced(len(entries))
	for _, e := range entries {
		j.logger.Error("unbalanced journal entry",
			slog.Int64("tenant_id", e.TenantID),
			slog.Int64("entry_id", e.EntryID),
			slog.String("number", e.Number),
			slog.String("status", string(e.Status)),
			slog.String("total_debit", e.TotalDebit.StringFixed(2)),
			slog.String("total_credit", e.TotalCredit.StringFixed(2)),
			slog.String("line_debit", e.LineDebit.StringFixed(2)),
			slog.String("line_credit", e.LineCredit.StringFixed(2)))
	}
	j.logger.Info("gl integrity check executed", slog.String("job", "gl_integrity"), slog.Int("unbalanced", len(entries)))
	return entries, tracker.End(nil)
}

// Handle adapts the scan to an Asynq handler.
func (j *GLIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	_, err := j.Run(ctx)
	return err
}

// TaskHandler registers the scan on the worker mux.
func (j *GLIntegrityJob) TaskHandler() TaskHandler {
	return TaskHandler{Type: TaskGLIntegrity, Handler: j.Handle}
}
