package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

type stubLister struct {
	entries []accounting.UnbalancedEntry
	err     error
}

func (s stubLister) ListUnbalancedEntries(context.Context) ([]accounting.UnbalancedEntry, error) {
	return s.entries, s.err
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestGLIntegrityJobReportsUnbalancedEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := NewGLIntegrityJob(stubLister{entries: []accounting.UnbalancedEntry{{
		TenantID:    3,
		EntryID:     9,
		Number:      "JE-202401-000009",
		Status:      accounting.JournalStatusPosted,
		TotalDebit:  decimal.NewFromInt(100),
		TotalCredit: decimal.NewFromInt(90),
		LineDebit:   decimal.NewFromInt(100),
		LineCredit:  decimal.NewFromInt(100),
	}}}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)

	entries, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].EntryID)
	assert.Equal(t, float64(1), gauge(t, reg, "odyssey_ledger_unbalanced_entries"))
	assert.Equal(t, float64(1), counter(t, reg, "odyssey_jobs_total", map[string]string{"job": "gl_integrity", "status": "success"}))

	job.ledger = stubLister{}
	require.NoError(t, job.Handle(context.Background(), NewGLIntegrityTask()))
	assert.Equal(t, float64(0), gauge(t, reg, "odyssey_ledger_unbalanced_entries"))
}

func TestGLIntegrityJobPropagatesStoreFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	boom := errors.New("connection refused")
	job := NewGLIntegrityJob(stubLister{err: boom}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)

	err := job.Handle(context.Background(), NewGLIntegrityTask())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, float64(1), counter(t, reg, "odyssey_jobs_failures_total", map[string]string{"job": "gl_integrity"}))
	assert.Equal(t, TaskGLIntegrity, job.TaskHandler().Type)
}
