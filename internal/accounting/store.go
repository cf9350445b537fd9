package accounting

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations available inside one transaction.
// Every method is scoped by tenant.
type TxRepository interface {
	GetAccount(ctx context.Context, tenantID, id int64) (Account, error)
	GetAccountByCode(ctx context.Context, tenantID int64, code string) (Account, error)
	GetAccountsByID(ctx context.Context, tenantID int64, ids []int64) (map[int64]Account, error)
	ListAccounts(ctx context.Context, tenantID int64) ([]Account, error)
	InsertAccount(ctx context.Context, in NewAccountInput) (Account, error)
	// InsertAccountIfAbsent inserts the account unless the code exists and
	// reports whether a row was created.
	InsertAccountIfAbsent(ctx context.Context, in NewAccountInput) (Account, bool, error)
	UpdateAccountParent(ctx context.Context, tenantID, id int64, parentID *int64) error
	SoftDeleteAccount(ctx context.Context, tenantID, id int64, at time.Time) error
	ApplyBalanceDeltas(ctx context.Context, tenantID int64, deltas map[int64]decimal.Decimal) error

	InsertPeriod(ctx context.Context, in CreatePeriodInput) (Period, error)
	PeriodOverlaps(ctx context.Context, tenantID int64, start, end time.Time) (bool, error)
	GetPeriod(ctx context.Context, tenantID, id int64) (Period, error)
	FindPeriodByDate(ctx context.Context, tenantID int64, date time.Time) (Period, error)
	GetPeriodForUpdate(ctx context.Context, tenantID, id int64) (Period, error)
	UpdatePeriodStatus(ctx context.Context, tenantID, id int64, status PeriodStatus, at time.Time) error

	NextEntrySequence(ctx context.Context, tenantID int64) (int64, error)
	InsertJournalEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []JournalLine) ([]JournalLine, error)
	GetJournalWithLines(ctx context.Context, tenantID, id int64) (JournalEntry, error)
	FindJournalByIdempotencyKey(ctx context.Context, tenantID int64, key string) (JournalEntry, error)
	MarkJournalPosted(ctx context.Context, tenantID, id int64, actor Actor, at time.Time) error
	MarkJournalReversed(ctx context.Context, tenantID, id, reversalID int64) error
	DeleteJournal(ctx context.Context, tenantID, id int64) error
	ListUnbalancedEntries(ctx context.Context) ([]UnbalancedEntry, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ChangeNotifier is told which accounts moved after a commit so read models
// can invalidate.
type ChangeNotifier interface {
	AccountsChanged(ctx context.Context, tenantID int64, accountIDs []int64) error
}

// MaxTxAttempts bounds how often RunInTx starts a transaction when attempts
// keep failing with a concurrency error.
const MaxTxAttempts = 5

func txBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.RandomizationFactor = 0.5
	return b
}

// RunInTx executes fn in a transaction. Attempts failing with a concurrency
// error are retried with jittered backoff, up to MaxTxAttempts in total.
func RunInTx(ctx context.Context, repo RepositoryPort, fn func(context.Context, TxRepository) error) error {
	if repo == nil {
		return errors.New("accounting: repository not configured")
	}
	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		last = repo.WithTx(ctx, fn)
		if last != nil && !errors.Is(last, ErrConcurrency) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	}, backoff.WithBackOff(txBackOff()), backoff.WithMaxTries(MaxTxAttempts))
	if err != nil && last != nil {
		return last
	}
	return err
}
