package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/memory"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

const tenant = int64(5)

type stubInspector struct {
	archived []*asynq.TaskInfo
	ran      []string
	runErr   error
}

func (s *stubInspector) ListArchivedTasks(queue string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	if queue != jobs.QueueLedger {
		return nil, asynq.ErrQueueNotFound
	}
	return s.archived, nil
}

func (s *stubInspector) RunTask(queue, id string) error {
	if s.runErr != nil {
		return s.runErr
	}
	s.ran = append(s.ran, queue+"/"+id)
	return nil
}

func archivedPayroll(t *testing.T) *asynq.TaskInfo {
	t.Helper()
	env, err := events.NewEnvelope(tenant, events.PayrollProcessed{Payroll: events.Payroll{
		ID:      "PR-9",
		PayDate: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}}, time.Now())
	require.NoError(t, err)
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	return &asynq.TaskInfo{
		ID:           env.ID.String(),
		Queue:        jobs.QueueLedger,
		Type:         jobs.EventTaskType(env.Type),
		Payload:      payload,
		Retried:      3,
		LastErr:      "accounting: fiscal period not found",
		LastFailedAt: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestFailuresListDecodesEnvelope(t *testing.T) {
	info := archivedPayroll(t)
	cli := NewFailuresCLI(&stubInspector{archived: []*asynq.TaskInfo{info}})

	stdout := new(bytes.Buffer)
	code := cli.ListCommand(context.Background(), FailuresOptions{JSONOutput: true, Stdout: stdout})
	require.Equal(t, 0, code)

	var got []Failure
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, info.ID, got[0].TaskID)
	assert.Equal(t, events.TypePayrollProcessed, got[0].EventType)
	assert.Equal(t, tenant, got[0].TenantID)
	assert.Equal(t, 3, got[0].Retried)

	stdout.Reset()
	require.Equal(t, 0, cli.ListCommand(context.Background(), FailuresOptions{Stdout: stdout}))
	assert.Contains(t, stdout.String(), info.ID)
	assert.Contains(t, stdout.String(), "fiscal period not found")
}

func TestFailuresRetry(t *testing.T) {
	inspector := &stubInspector{}
	cli := NewFailuresCLI(inspector)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	assert.Equal(t, 1, cli.RetryCommand(context.Background(), "", FailuresOptions{Stdout: stdout, Stderr: stderr}))
	assert.Equal(t, 0, cli.RetryCommand(context.Background(), "abc", FailuresOptions{Stdout: stdout, Stderr: stderr}))
	assert.Equal(t, []string{"ledger/abc"}, inspector.ran)

	inspector.runErr = asynq.ErrTaskNotFound
	assert.Equal(t, 1, cli.RetryCommand(context.Background(), "missing", FailuresOptions{Stdout: stdout, Stderr: stderr}))
	assert.Contains(t, stderr.String(), "failures retry")
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, env events.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

const movementJSON = `{"movement":{"id":"mv-1","reference":"GRN-1","product_id":4,"type":"RECEIPT","quantity":"10","unit_cost":"2.5","moved_at":"2024-01-10T00:00:00Z"}}`

func TestPublishCommand(t *testing.T) {
	q := new(mockEnqueuer)
	id := uuid.New()
	var sent events.Envelope
	q.On("Enqueue", mock.Anything, mock.MatchedBy(func(env events.Envelope) bool {
		return env.ID == id && env.TenantID == tenant
	})).Run(func(args mock.Arguments) {
		sent = args.Get(1).(events.Envelope)
	}).Return(nil).Once()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	code := PublishCommand(context.Background(), q, PublishOptions{
		Type:     events.TypeStockMovementRecorded,
		TenantID: tenant,
		EventID:  id.String(),
		Payload:  strings.NewReader(movementJSON),
		Stdout:   stdout,
		Stderr:   stderr,
	})
	require.Equal(t, 0, code, stderr.String())
	q.AssertExpectations(t)
	assert.Contains(t, stdout.String(), id.String())

	evt, err := events.Decode(sent.Type, sent.Payload)
	require.NoError(t, err)
	assert.True(t, evt.(events.StockMovementRecorded).Movement.UnitCost.Equal(decimal.RequireFromString("2.5")))
}

func TestPublishCommandRejectsBadInput(t *testing.T) {
	cases := map[string]PublishOptions{
		"no tenant":    {Type: events.TypeStockMovementRecorded, Payload: strings.NewReader(movementJSON)},
		"unknown type": {Type: "crm.lead_created", TenantID: tenant, Payload: strings.NewReader(movementJSON)},
		"invalid":      {Type: events.TypeStockMovementRecorded, TenantID: tenant, Payload: strings.NewReader(`{"movement":{}}`)},
		"bad id":       {Type: events.TypeStockMovementRecorded, TenantID: tenant, EventID: "nope", Payload: strings.NewReader(movementJSON)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			q := new(mockEnqueuer)
			opts.Stdout, opts.Stderr = new(bytes.Buffer), new(bytes.Buffer)
			assert.Equal(t, 1, PublishCommand(context.Background(), q, opts))
			q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		})
	}

	q := new(mockEnqueuer)
	q.On("Enqueue", mock.Anything, mock.AnythingOfType("events.Envelope")).Return(errors.New("redis down"))
	stderr := new(bytes.Buffer)
	code := PublishCommand(context.Background(), q, PublishOptions{
		Type: events.TypeStockMovementRecorded, TenantID: tenant, Payload: strings.NewReader(movementJSON),
		Stdout: new(bytes.Buffer), Stderr: stderr,
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "redis down")
	q.AssertNumberOfCalls(t, "Enqueue", 1)
}

type ledgerFixture struct {
	store *memory.Store
	svc   *accounting.Service
	cli   *LedgerCLI
	cash  accounting.Account
	sales accounting.Account
}

func newLedgerFixture() *ledgerFixture {
	store := memory.NewStore()
	store.SeedPeriod(accounting.Period{
		TenantID:  tenant,
		Name:      "2024-01",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	cash := store.SeedAccount(accounting.Account{TenantID: tenant, Code: "1000", Name: "Cash", Class: accounting.AccountClassAsset, IsActive: true, AllowManualEntries: true})
	sales := store.SeedAccount(accounting.Account{TenantID: tenant, Code: "4000", Name: "Sales Revenue", Class: accounting.AccountClassRevenue, IsActive: true, AllowManualEntries: true})
	svc := accounting.NewService(store, nil, nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC) })
	return &ledgerFixture{store: store, svc: svc, cli: NewLedgerCLI(store, nil, svc), cash: cash, sales: sales}
}

func (f *ledgerFixture) post(t *testing.T) accounting.JournalEntry {
	t.Helper()
	entry, err := f.svc.PostEntry(context.Background(), accounting.PostingInput{
		TenantID:  tenant,
		EntryDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Lines: []accounting.PostingLineInput{
			{AccountID: f.cash.ID, Debit: decimal.NewFromInt(100)},
			{AccountID: f.sales.ID, Credit: decimal.NewFromInt(100)},
		},
		PostedBy: accounting.Actor{ID: 1, Kind: accounting.ActorUser},
	})
	require.NoError(t, err)
	return entry
}

func TestPeriodCommands(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	opts := LedgerOptions{TenantID: tenant, ActorID: 1, JSONOutput: true, Stdout: stdout, Stderr: stderr}

	require.Equal(t, 0, f.cli.PeriodCreateCommand(ctx, "2024-02", "2024-02-01", "2024-02-29", opts), stderr.String())
	var created struct {
		ID     int64  `json:"id"`
		End    string `json:"end"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &created))
	assert.Equal(t, "2024-02-29", created.End)
	assert.Equal(t, "OPEN", created.Status)

	assert.Equal(t, 1, f.cli.PeriodTransitionCommand(ctx, "lock", created.ID, opts))
	assert.Equal(t, 0, f.cli.PeriodTransitionCommand(ctx, "close", created.ID, opts))
	assert.Equal(t, 0, f.cli.PeriodTransitionCommand(ctx, "lock", created.ID, opts))
	assert.Equal(t, 2, f.cli.PeriodTransitionCommand(ctx, "reopen", created.ID, opts))

	assert.Equal(t, 1, f.cli.PeriodCreateCommand(ctx, "overlap", "2024-01-15", "2024-02-10", opts))
	assert.Contains(t, stderr.String(), "overlaps")
	assert.Equal(t, 1, f.cli.PeriodCreateCommand(ctx, "bad", "01/03/2024", "2024-03-31", opts))
}

func TestAccountsTreeCommand(t *testing.T) {
	f := newLedgerFixture()
	stdout := new(bytes.Buffer)
	require.Equal(t, 0, f.cli.AccountsTreeCommand(context.Background(), LedgerOptions{TenantID: tenant, Stdout: stdout}))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1000 Cash [ASSET] 0.00", lines[0])
	assert.Equal(t, "4000 Sales Revenue [REVENUE] 0.00", lines[1])
}

func TestReverseAndIntegrityCommands(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	entry := f.post(t)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	opts := LedgerOptions{TenantID: tenant, ActorID: 1, Stdout: stdout, Stderr: stderr}
	require.Equal(t, 0, f.cli.ReverseCommand(ctx, entry.ID, "wrong customer", opts), stderr.String())
	assert.Contains(t, stdout.String(), "reversed by JE-202401-000002")

	assert.Equal(t, 1, f.cli.ReverseCommand(ctx, entry.ID, "again", opts))
	assert.Contains(t, stderr.String(), "not posted")

	stdout.Reset()
	assert.Equal(t, 0, f.cli.IntegrityCommand(ctx, opts))
	assert.Contains(t, stdout.String(), "All posted entries balance.")

	f.store.CorruptTotals(entry.ID, decimal.NewFromInt(100), decimal.NewFromInt(90))
	stdout.Reset()
	assert.Equal(t, 10, f.cli.IntegrityCommand(ctx, opts))
	assert.Contains(t, stdout.String(), entry.Number)
}
