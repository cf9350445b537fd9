// Package memory provides an in-process accounting store. Transactions run
// one at a time against a copy of the state that replaces the committed state
// only when the callback succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

type state struct {
	accounts map[int64]accounting.Account
	periods  map[int64]accounting.Period
	entries  map[int64]accounting.JournalEntry
	lines    map[int64][]accounting.JournalLine
	seq      map[int64]int64
	nextID   int64
}

func newState() *state {
	return &state{
		accounts: map[int64]accounting.Account{},
		periods:  map[int64]accounting.Period{},
		entries:  map[int64]accounting.JournalEntry{},
		lines:    map[int64][]accounting.JournalLine{},
		seq:      map[int64]int64{},
	}
}

func (s *state) clone() *state {
	out := newState()
	out.nextID = s.nextID
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.periods {
		out.periods[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for k, v := range s.lines {
		out.lines[k] = append([]accounting.JournalLine(nil), v...)
	}
	for k, v := range s.seq {
		out.seq[k] = v
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store implements accounting.RepositoryPort.
type Store struct {
	mu      sync.Mutex
	state   *state
	failOps map[string][]error
	txCount int
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState(), failOps: map[string][]error{}, now: time.Now}
}

// FailOnce makes the next call of op inside a transaction return err.
func (s *Store) FailOnce(op string, err error) {
	s.FailTimes(op, err, 1)
}

// FailTimes queues err for the next n calls of op.
func (s *Store) FailTimes(op string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failOps[op] = append(s.failOps[op], err)
	}
}

// Transactions reports how many transactions were started.
func (s *Store) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// WithTx runs fn against a private copy of the state.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txCount++
	work := s.state.clone()
	tx := &txRepo{store: s, st: work}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Accounts returns a snapshot of committed accounts for a tenant ordered by code.
func (s *Store) Accounts(tenantID int64) []accounting.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []accounting.Account
	for _, a := range s.state.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Entries returns committed entries for a tenant ordered by id, lines attached.
func (s *Store) Entries(tenantID int64) []accounting.JournalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []accounting.JournalEntry
	for _, e := range s.state.entries {
		if e.TenantID == tenantID {
			e.Lines = append([]accounting.JournalLine(nil), s.state.lines[e.ID]...)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LineCount returns the number of committed journal lines.
func (s *Store) LineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.state.lines {
		n += len(l)
	}
	return n
}

// SeedPeriod inserts a period directly, bypassing overlap checks.
func (s *Store) SeedPeriod(p accounting.Period) accounting.Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.state.id()
	if p.Status == "" {
		p.Status = accounting.PeriodStatusOpen
	}
	s.state.periods[p.ID] = p
	return p
}

// SeedAccount inserts an account directly.
func (s *Store) SeedAccount(a accounting.Account) accounting.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.state.id()
	if a.Currency == "" {
		a.Currency = accounting.DefaultCurrency
	}
	s.state.accounts[a.ID] = a
	return a
}

// SetPeriodStatus changes a committed period status without transition rules.
func (s *Store) SetPeriodStatus(id int64, status accounting.PeriodStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.state.periods[id]
	p.Status = status
	s.state.periods[id] = p
}

// CorruptTotals overwrites the cached totals of an entry.
func (s *Store) CorruptTotals(id int64, debit, credit decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.state.entries[id]
	e.TotalDebit, e.TotalCredit = debit, credit
	s.state.entries[id] = e
}

type txRepo struct {
	store *Store
	st    *state
}

var (
	_ accounting.RepositoryPort = (*Store)(nil)
	_ accounting.TxRepository   = (*txRepo)(nil)
)

func (t *txRepo) fail(op string) error {
	queued := t.store.failOps[op]
	if len(queued) == 0 {
		return nil
	}
	t.store.failOps[op] = queued[1:]
	return queued[0]
}

func (t *txRepo) GetAccount(ctx context.Context, tenantID, id int64) (accounting.Account, error) {
	if err := t.fail("GetAccount"); err != nil {
		return accounting.Account{}, err
	}
	a, ok := t.st.accounts[id]
	if !ok || a.TenantID != tenantID {
		return accounting.Account{}, fmt.Errorf("%w: id %d", accounting.ErrAccountNotFound, id)
	}
	return a, nil
}

func (t *txRepo) findCode(tenantID int64, code string) (accounting.Account, bool) {
	for _, a := range t.st.accounts {
		if a.TenantID == tenantID && a.Code == code {
			return a, true
		}
	}
	return accounting.Account{}, false
}

func (t *txRepo) GetAccountByCode(ctx context.Context, tenantID int64, code string) (accounting.Account, error) {
	a, ok := t.findCode(tenantID, code)
	if !ok || a.DeletedAt != nil {
		return accounting.Account{}, fmt.Errorf("%w: code %s", accounting.ErrAccountNotFound, code)
	}
	return a, nil
}

func (t *txRepo) GetAccountsByID(ctx context.Context, tenantID int64, ids []int64) (map[int64]accounting.Account, error) {
	if err := t.fail("GetAccountsByID"); err != nil {
		return nil, err
	}
	out := make(map[int64]accounting.Account, len(ids))
	for _, id := range ids {
		if a, ok := t.st.accounts[id]; ok && a.TenantID == tenantID {
			out[id] = a
		}
	}
	return out, nil
}

func (t *txRepo) ListAccounts(ctx context.Context, tenantID int64) ([]accounting.Account, error) {
	var out []accounting.Account
	for _, a := range t.st.accounts {
		if a.TenantID == tenantID && a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *txRepo) newAccount(in accounting.NewAccountInput) accounting.Account {
	now := t.store.now()
	a := accounting.Account{
		ID:                 t.st.id(),
		TenantID:           in.TenantID,
		Code:               in.Code,
		Name:               in.Name,
		Class:              in.Class,
		Subtype:            in.Subtype,
		ParentID:           in.ParentID,
		Currency:           in.Currency,
		IsActive:           true,
		IsSystem:           in.IsSystem,
		AllowManualEntries: in.AllowManualEntries,
		Balance:            decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	t.st.accounts[a.ID] = a
	return a
}

func (t *txRepo) InsertAccount(ctx context.Context, in accounting.NewAccountInput) (accounting.Account, error) {
	if err := t.fail("InsertAccount"); err != nil {
		return accounting.Account{}, err
	}
	if _, ok := t.findCode(in.TenantID, in.Code); ok {
		return accounting.Account{}, accounting.ErrDuplicateAccountCode
	}
	return t.newAccount(in), nil
}

func (t *txRepo) InsertAccountIfAbsent(ctx context.Context, in accounting.NewAccountInput) (accounting.Account, bool, error) {
	if err := t.fail("InsertAccountIfAbsent"); err != nil {
		return accounting.Account{}, false, err
	}
	if a, ok := t.findCode(in.TenantID, in.Code); ok {
		if !a.Postable() {
			return accounting.Account{}, false, fmt.Errorf("%w: %s", accounting.ErrAccountInactive, a.Code)
		}
		return a, false, nil
	}
	return t.newAccount(in), true, nil
}

func (t *txRepo) UpdateAccountParent(ctx context.Context, tenantID, id int64, parentID *int64) error {
	a, err := t.GetAccount(ctx, tenantID, id)
	if err != nil {
		return err
	}
	a.ParentID = parentID
	a.UpdatedAt = t.store.now()
	t.st.accounts[id] = a
	return nil
}

func (t *txRepo) SoftDeleteAccount(ctx context.Context, tenantID, id int64, at time.Time) error {
	a, err := t.GetAccount(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if a.IsSystem {
		return accounting.ErrProtectedAccount
	}
	a.DeletedAt = &at
	a.IsActive = false
	t.st.accounts[id] = a
	return nil
}

func (t *txRepo) ApplyBalanceDeltas(ctx context.Context, tenantID int64, deltas map[int64]decimal.Decimal) error {
	if err := t.fail("ApplyBalanceDeltas"); err != nil {
		return err
	}
	for id, delta := range deltas {
		a, ok := t.st.accounts[id]
		if !ok || a.TenantID != tenantID {
			return accounting.ErrAccountNotFound
		}
		a.Balance = a.Balance.Add(delta)
		t.st.accounts[id] = a
	}
	return nil
}

func (t *txRepo) InsertPeriod(ctx context.Context, in accounting.CreatePeriodInput) (accounting.Period, error) {
	now := t.store.now()
	p := accounting.Period{
		ID:        t.st.id(),
		TenantID:  in.TenantID,
		Name:      in.Name,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
		Status:    accounting.PeriodStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.st.periods[p.ID] = p
	return p, nil
}

func (t *txRepo) PeriodOverlaps(ctx context.Context, tenantID int64, start, end time.Time) (bool, error) {
	for _, p := range t.st.periods {
		if p.TenantID == tenantID && !p.StartDate.After(end) && !p.EndDate.Before(start) {
			return true, nil
		}
	}
	return false, nil
}

func (t *txRepo) GetPeriod(ctx context.Context, tenantID, id int64) (accounting.Period, error) {
	p, ok := t.st.periods[id]
	if !ok || p.TenantID != tenantID {
		return accounting.Period{}, fmt.Errorf("%w: id %d", accounting.ErrPeriodNotFound, id)
	}
	return p, nil
}

func (t *txRepo) FindPeriodByDate(ctx context.Context, tenantID int64, date time.Time) (accounting.Period, error) {
	if err := t.fail("FindPeriodByDate"); err != nil {
		return accounting.Period{}, err
	}
	for _, p := range t.st.periods {
		if p.TenantID == tenantID && p.Contains(date) {
			return p, nil
		}
	}
	return accounting.Period{}, fmt.Errorf("%w: %s", accounting.ErrPeriodNotFound, date.Format("2006-01-02"))
}

func (t *txRepo) GetPeriodForUpdate(ctx context.Context, tenantID, id int64) (accounting.Period, error) {
	return t.GetPeriod(ctx, tenantID, id)
}

func (t *txRepo) UpdatePeriodStatus(ctx context.Context, tenantID, id int64, status accounting.PeriodStatus, at time.Time) error {
	p, err := t.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return err
	}
	p.Status = status
	switch status {
	case accounting.PeriodStatusClosed:
		p.ClosedAt = &at
	case accounting.PeriodStatusLocked:
		p.LockedAt = &at
	}
	t.st.periods[id] = p
	return nil
}

func (t *txRepo) NextEntrySequence(ctx context.Context, tenantID int64) (int64, error) {
	t.st.seq[tenantID]++
	return t.st.seq[tenantID], nil
}

func (t *txRepo) InsertJournalEntry(ctx context.Context, entry accounting.JournalEntry) (accounting.JournalEntry, error) {
	if err := t.fail("InsertJournalEntry"); err != nil {
		return accounting.JournalEntry{}, err
	}
	for _, e := range t.st.entries {
		if e.TenantID != entry.TenantID {
			continue
		}
		if e.Number == entry.Number {
			return accounting.JournalEntry{}, accounting.ErrNumberCollision
		}
		if entry.IdempotencyKey != "" && e.IdempotencyKey == entry.IdempotencyKey {
			return accounting.JournalEntry{}, accounting.ErrDuplicatePosting
		}
	}
	now := t.store.now()
	entry.ID = t.st.id()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.Lines = nil
	t.st.entries[entry.ID] = entry
	return entry, nil
}

func (t *txRepo) InsertJournalLines(ctx context.Context, entryID int64, lines []accounting.JournalLine) ([]accounting.JournalLine, error) {
	if err := t.fail("InsertJournalLines"); err != nil {
		return nil, err
	}
	if _, ok := t.st.entries[entryID]; !ok {
		return nil, accounting.ErrJournalNotFound
	}
	out := make([]accounting.JournalLine, len(lines))
	for i, line := range lines {
		if _, ok := t.st.accounts[line.AccountID]; !ok {
			return nil, accounting.ErrAccountNotFound
		}
		line.ID = t.st.id()
		line.EntryID = entryID
		out[i] = line
	}
	t.st.lines[entryID] = append(t.st.lines[entryID], out...)
	return out, nil
}

func (t *txRepo) GetJournalWithLines(ctx context.Context, tenantID, id int64) (accounting.JournalEntry, error) {
	e, ok := t.st.entries[id]
	if !ok || e.TenantID != tenantID {
		return accounting.JournalEntry{}, fmt.Errorf("%w: id %d", accounting.ErrJournalNotFound, id)
	}
	e.Lines = append([]accounting.JournalLine(nil), t.st.lines[id]...)
	return e, nil
}

func (t *txRepo) FindJournalByIdempotencyKey(ctx context.Context, tenantID int64, key string) (accounting.JournalEntry, error) {
	for _, e := range t.st.entries {
		if e.TenantID == tenantID && e.IdempotencyKey == key {
			e.Lines = append([]accounting.JournalLine(nil), t.st.lines[e.ID]...)
			return e, nil
		}
	}
	return accounting.JournalEntry{}, accounting.ErrJournalNotFound
}

func (t *txRepo) MarkJournalPosted(ctx context.Context, tenantID, id int64, actor accounting.Actor, at time.Time) error {
	e, ok := t.st.entries[id]
	if !ok || e.TenantID != tenantID || e.Status != accounting.JournalStatusDraft {
		return accounting.ErrNotDraft
	}
	e.Status = accounting.JournalStatusPosted
	e.PostedAt = &at
	e.PostedBy = actor
	t.st.entries[id] = e
	return nil
}

func (t *txRepo) MarkJournalReversed(ctx context.Context, tenantID, id, reversalID int64) error {
	if err := t.fail("MarkJournalReversed"); err != nil {
		return err
	}
	e, ok := t.st.entries[id]
	if !ok || e.TenantID != tenantID || e.Status != accounting.JournalStatusPosted {
		return accounting.ErrNotPosted
	}
	e.Status = accounting.JournalStatusReversed
	e.ReversedBy = &reversalID
	t.st.entries[id] = e
	return nil
}

func (t *txRepo) DeleteJournal(ctx context.Context, tenantID, id int64) error {
	e, ok := t.st.entries[id]
	if !ok || e.TenantID != tenantID || e.Status != accounting.JournalStatusDraft {
		return accounting.ErrNotDraft
	}
	delete(t.st.entries, id)
	delete(t.st.lines, id)
	return nil
}

func (t *txRepo) ListUnbalancedEntries(ctx context.Context) ([]accounting.UnbalancedEntry, error) {
	var out []accounting.UnbalancedEntry
	for _, e := range t.st.entries {
		if e.Status == accounting.JournalStatusDraft {
			continue
		}
		debit, credit := decimal.Zero, decimal.Zero
		for _, l := range t.st.lines[e.ID] {
			debit = debit.Add(l.Debit)
			credit = credit.Add(l.Credit)
		}
		if debit.Equal(credit) && debit.Equal(e.TotalDebit) && credit.Equal(e.TotalCredit) {
			continue
		}
		out = append(out, accounting.UnbalancedEntry{
			TenantID:    e.TenantID,
			EntryID:     e.ID,
			Number:      e.Number,
			Status:      e.Status,
			TotalDebit:  e.TotalDebit,
			TotalCredit: e.TotalCredit,
			LineDebit:   debit,
			LineCredit:  credit,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out, nil
}
