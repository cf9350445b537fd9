package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists accounting entities in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

var _ TxRepository = (*txRepository)(nil)

// WithTx executes fn within a read-committed transaction. Writers serialize
// on the rows they lock (period FOR SHARE, sequence and balance upserts) and
// each statement sees the latest committed versions. Driver errors are
// classified into the ledger error taxonomy.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return classifyPgError(err)
}

const accountColumns = `id, tenant_id, code, name, class, subtype, parent_id, currency, is_active, is_system,
allow_manual_entries, balance, deleted_at, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Class, &a.Subtype, &a.ParentID, &a.Currency,
		&a.IsActive, &a.IsSystem, &a.AllowManualEntries, &a.Balance, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *txRepository) GetAccount(ctx context.Context, tenantID, id int64) (Account, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) GetAccountByCode(ctx context.Context, tenantID int64, code string) (Account, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE tenant_id=$1 AND code=$2 AND deleted_at IS NULL`, tenantID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: code %s", ErrAccountNotFound, code)
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) GetAccountsByID(ctx context.Context, tenantID int64, ids []int64) (map[int64]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND id = ANY($2)`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (r *txRepository) ListAccounts(ctx context.Context, tenantID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE tenant_id=$1 AND deleted_at IS NULL ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *txRepository) InsertAccount(ctx context.Context, in NewAccountInput) (Account, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `INSERT INTO accounts
(tenant_id, code, name, class, subtype, parent_id, currency, is_system, allow_manual_entries)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING `+accountColumns,
		in.TenantID, in.Code, in.Name, in.Class, in.Subtype, in.ParentID, in.Currency, in.IsSystem, in.AllowManualEntries))
	if err != nil {
		return Account{}, classifyPgError(err)
	}
	return a, nil
}

// InsertAccountIfAbsent relies on uq_accounts_tenant_code. A conflicting row
// that the snapshot cannot see was committed by a concurrent writer.
func (r *txRepository) InsertAccountIfAbsent(ctx context.Context, in NewAccountInput) (Account, bool, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `INSERT INTO accounts
(tenant_id, code, name, class, subtype, currency, is_system, allow_manual_entries)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT ON CONSTRAINT uq_accounts_tenant_code DO NOTHING
RETURNING `+accountColumns,
		in.TenantID, in.Code, in.Name, in.Class, in.Subtype, in.Currency, in.IsSystem, in.AllowManualEntries))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, false, classifyPgError(err)
	}
	a, err = scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND code=$2`, in.TenantID, in.Code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, false, ErrConcurrentProvisioning
		}
		return Account{}, false, err
	}
	if !a.Postable() {
		return Account{}, false, fmt.Errorf("%w: %s", ErrAccountInactive, a.Code)
	}
	return a, false, nil
}

func (r *txRepository) UpdateAccountParent(ctx context.Context, tenantID, id int64, parentID *int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET parent_id=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, id, parentID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) SoftDeleteAccount(ctx context.Context, tenantID, id int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET deleted_at=$3, is_active=FALSE, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2 AND is_system=FALSE`, tenantID, id, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrProtectedAccount
	}
	return nil
}

// ApplyBalanceDeltas updates accounts in id order so concurrent postings
// acquire row locks consistently.
func (r *txRepository) ApplyBalanceDeltas(ctx context.Context, tenantID int64, deltas map[int64]decimal.Decimal) error {
	batch := &pgx.Batch{}
	for _, id := range sortedKeys(deltas) {
		if deltas[id].IsZero() {
			continue
		}
		batch.Queue(`UPDATE accounts SET balance = balance + $3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, id, deltas[id])
	}
	if batch.Len() == 0 {
		return nil
	}
	results := r.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		cmd, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return err
		}
		if cmd.RowsAffected() == 0 {
			_ = results.Close()
			return ErrAccountNotFound
		}
	}
	return results.Close()
}

const periodColumns = `id, tenant_id, name, start_date, end_date, status, closed_at, locked_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *txRepository) InsertPeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `INSERT INTO fiscal_periods (tenant_id, name, start_date, end_date, status)
VALUES ($1,$2,$3,$4,'OPEN') RETURNING `+periodColumns, in.TenantID, in.Name, in.StartDate, in.EndDate))
	if err != nil {
		return Period{}, classifyPgError(err)
	}
	return p, nil
}

func (r *txRepository) PeriodOverlaps(ctx context.Context, tenantID int64, start, end time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fiscal_periods
WHERE tenant_id=$1 AND start_date <= $3 AND end_date >= $2)`, tenantID, start, end).Scan(&exists)
	return exists, err
}

// GetPeriod reads the period with a share lock so a concurrent close waits
// for in-flight postings.
func (r *txRepository) GetPeriod(ctx context.Context, tenantID, id int64) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE tenant_id=$1 AND id=$2 FOR SHARE`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, fmt.Errorf("%w: id %d", ErrPeriodNotFound, id)
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) FindPeriodByDate(ctx context.Context, tenantID int64, date time.Time) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE tenant_id=$1 AND $2::date BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1 FOR SHARE`, tenantID, truncateDate(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, fmt.Errorf("%w: %s", ErrPeriodNotFound, date.Format("2006-01-02"))
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, tenantID, id int64) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, fmt.Errorf("%w: id %d", ErrPeriodNotFound, id)
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) UpdatePeriodStatus(ctx context.Context, tenantID, id int64, status PeriodStatus, at time.Time) error {
	var query string
	switch status {
	case PeriodStatusClosed:
		query = `UPDATE fiscal_periods SET status=$3, closed_at=$4, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`
	case PeriodStatusLocked:
		query = `UPDATE fiscal_periods SET status=$3, locked_at=$4, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, status)
	}
	cmd, err := r.tx.Exec(ctx, query, tenantID, id, status, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *txRepository) NextEntrySequence(ctx context.Context, tenantID int64) (int64, error) {
	var next int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_sequences (tenant_id, last_value) VALUES ($1, 1)
ON CONFLICT (tenant_id) DO UPDATE SET last_value = journal_sequences.last_value + 1
RETURNING last_value`, tenantID).Scan(&next)
	return next, err
}

const entryColumns = `id, tenant_id, number, entry_date, period_id, description, reference_type, reference_id,
reference_number, status, total_debit, total_credit, currency, posted_at, posted_by, posted_by_kind,
reversal_of, reversed_by, COALESCE(idempotency_key, ''), created_at, updated_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	var postedBy *int64
	var postedKind *string
	err := row.Scan(&e.ID, &e.TenantID, &e.Number, &e.EntryDate, &e.PeriodID, &e.Description, &e.Reference.Type,
		&e.Reference.ID, &e.Reference.Number, &e.Status, &e.TotalDebit, &e.TotalCredit, &e.Currency, &e.PostedAt,
		&postedBy, &postedKind, &e.ReversalOf, &e.ReversedBy, &e.IdempotencyKey, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return JournalEntry{}, err
	}
	if postedBy != nil {
		e.PostedBy.ID = *postedBy
	}
	if postedKind != nil {
		e.PostedBy.Kind = ActorKind(*postedKind)
	}
	return e, nil
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	var postedKind any
	if entry.PostedAt != nil {
		postedKind = string(entry.PostedBy.Kind)
	}
	inserted, err := scanEntry(r.tx.QueryRow(ctx, `INSERT INTO journal_entries
(tenant_id, number, entry_date, period_id, description, reference_type, reference_id, reference_number,
 status, total_debit, total_credit, currency, posted_at, posted_by, posted_by_kind, reversal_of, idempotency_key)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
RETURNING `+entryColumns,
		entry.TenantID, entry.Number, entry.EntryDate, entry.PeriodID, entry.Description, entry.Reference.Type,
		entry.Reference.ID, entry.Reference.Number, entry.Status, entry.TotalDebit, entry.TotalCredit, entry.Currency,
		entry.PostedAt, nullInt(entry.PostedBy.ID), postedKind, entry.ReversalOf, nullString(entry.IdempotencyKey)))
	if err != nil {
		return JournalEntry{}, classifyPgError(err)
	}
	return inserted, nil
}

// InsertJournalLines writes all lines in one batch.
func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []JournalLine) ([]JournalLine, error) {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO journal_lines
(entry_id, tenant_id, line_no, account_id, description, debit, credit, currency, exchange_rate, reference)
VALUES ($1, (SELECT tenant_id FROM journal_entries WHERE id=$1), $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at`,
			entryID, line.LineNo, line.AccountID, line.Description, line.Debit, line.Credit, line.Currency, line.ExchangeRate, line.Reference)
	}
	results := r.tx.SendBatch(ctx, batch)
	out := make([]JournalLine, len(lines))
	for i, line := range lines {
		line.EntryID = entryID
		if err := results.QueryRow().Scan(&line.ID, &line.CreatedAt); err != nil {
			_ = results.Close()
			return nil, err
		}
		out[i] = line
	}
	return out, results.Close()
}

func (r *txRepository) GetJournalWithLines(ctx context.Context, tenantID, id int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, fmt.Errorf("%w: id %d", ErrJournalNotFound, id)
		}
		return JournalEntry{}, err
	}
	return r.withLines(ctx, entry)
}

func (r *txRepository) withLines(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, line_no, account_id, description, debit, credit, currency, exchange_rate, reference, created_at
FROM journal_lines WHERE entry_id=$1 ORDER BY line_no ASC`, entry.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.EntryID, &line.LineNo, &line.AccountID, &line.Description, &line.Debit, &line.Credit,
			&line.Currency, &line.ExchangeRate, &line.Reference, &line.CreatedAt); err != nil {
			return JournalEntry{}, err
		}
		entry.Lines = append(entry.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) FindJournalByIdempotencyKey(ctx context.Context, tenantID int64, key string) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE tenant_id=$1 AND idempotency_key=$2`, tenantID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	return r.withLines(ctx, entry)
}

func (r *txRepository) MarkJournalPosted(ctx context.Context, tenantID, id int64, actor Actor, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status='POSTED', posted_at=$3, posted_by=$4, posted_by_kind=$5, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2 AND status='DRAFT'`, tenantID, id, at, nullInt(actor.ID), string(actor.Kind))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}

func (r *txRepository) MarkJournalReversed(ctx context.Context, tenantID, id, reversalID int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status='REVERSED', reversed_by=$3, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2 AND status='POSTED'`, tenantID, id, reversalID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotPosted
	}
	return nil
}

func (r *txRepository) DeleteJournal(ctx context.Context, tenantID, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM journal_entries WHERE tenant_id=$1 AND id=$2 AND status='DRAFT'`, tenantID, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}

func (r *txRepository) ListUnbalancedEntries(ctx context.Context) ([]UnbalancedEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT je.tenant_id, je.id, je.number, je.status, je.total_debit, je.total_credit,
       COALESCE(SUM(jl.debit), 0), COALESCE(SUM(jl.credit), 0)
FROM journal_entries je
LEFT JOIN journal_lines jl ON jl.entry_id = je.id
WHERE je.status IN ('POSTED', 'REVERSED')
GROUP BY je.tenant_id, je.id, je.number, je.status, je.total_debit, je.total_credit
HAVING COALESCE(SUM(jl.debit), 0) <> COALESCE(SUM(jl.credit), 0)
    OR COALESCE(SUM(jl.debit), 0) <> je.total_debit
    OR COALESCE(SUM(jl.credit), 0) <> je.total_credit
ORDER BY je.tenant_id, je.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnbalancedEntry
	for rows.Next() {
		var u UnbalancedEntry
		if err := rows.Scan(&u.TenantID, &u.EntryID, &u.Number, &u.Status, &u.TotalDebit, &u.TotalCredit, &u.LineDebit, &u.LineCredit); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullString(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func sortedKeys(m map[int64]decimal.Decimal) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
