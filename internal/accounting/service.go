package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Service is the journal engine: the only sanctioned way to mutate the ledger.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier ChangeNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithNotifier registers the post-commit balance change notifier.
func (s *Service) WithNotifier(n ChangeNotifier) {
	s.notifier = n
}

// PostResult reports the outcome of an in-transaction posting.
type PostResult struct {
	Entry JournalEntry
	// Replayed is set when the idempotency key matched an existing entry and
	// nothing was written.
	Replayed bool
}

type postOptions struct {
	reversalOf      *int64
	skipManualCheck bool
}

// PostEntry validates and persists a posted journal entry in its own
// transaction.
func (s *Service) PostEntry(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var res PostResult
	err := RunInTx(ctx, s.repo, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = s.post(ctx, tx, input, postOptions{})
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if !res.Replayed {
		s.Committed(ctx, res.Entry, "journal.post")
	}
	return res.Entry, nil
}

// PostEntryInTx posts within a transaction owned by the caller. The caller
// must invoke Committed after its transaction commits.
func (s *Service) PostEntryInTx(ctx context.Context, tx TxRepository, input PostingInput) (PostResult, error) {
	if err := input.Validate(); err != nil {
		return PostResult{}, err
	}
	return s.post(ctx, tx, input, postOptions{})
}

func (s *Service) post(ctx context.Context, tx TxRepository, input PostingInput, opts postOptions) (PostResult, error) {
	if input.IdempotencyKey != "" {
		existing, err := tx.FindJournalByIdempotencyKey(ctx, input.TenantID, input.IdempotencyKey)
		switch {
		case err == nil:
			return PostResult{Entry: existing, Replayed: true}, nil
		case !errors.Is(err, ErrJournalNotFound):
			return PostResult{}, err
		}
	}
	period, err := resolvePostablePeriod(ctx, tx, input.TenantID, input.PeriodID, input.EntryDate)
	if err != nil {
		return PostResult{}, err
	}
	accounts, err := s.loadAccounts(ctx, tx, input, !opts.skipManualCheck)
	if err != nil {
		return PostResult{}, err
	}
	seq, err := tx.NextEntrySequence(ctx, input.TenantID)
	if err != nil {
		return PostResult{}, err
	}
	now := s.now()
	debit, credit := input.Totals()
	header := JournalEntry{
		TenantID:       input.TenantID,
		Number:         FormatEntryNumber(input.EntryDate, seq),
		EntryDate:      truncateDate(input.EntryDate),
		PeriodID:       period.ID,
		Description:    input.Description,
		Reference:      input.Reference,
		Status:         JournalStatusPosted,
		TotalDebit:     debit,
		TotalCredit:    credit,
		Currency:       input.Currency,
		PostedAt:       &now,
		PostedBy:       input.PostedBy,
		ReversalOf:     opts.reversalOf,
		IdempotencyKey: input.IdempotencyKey,
	}
	inserted, err := tx.InsertJournalEntry(ctx, header)
	if err != nil {
		return PostResult{}, err
	}
	lines, err := tx.InsertJournalLines(ctx, inserted.ID, toJournalLines(inserted.ID, input.Lines, now))
	if err != nil {
		return PostResult{}, err
	}
	if err := tx.ApplyBalanceDeltas(ctx, input.TenantID, balanceDeltas(accounts, lines)); err != nil {
		return PostResult{}, err
	}
	inserted.Lines = lines
	return PostResult{Entry: inserted}, nil
}

// loadAccounts checks every referenced account exists and may be posted to.
func (s *Service) loadAccounts(ctx context.Context, tx TxRepository, input PostingInput, checkManual bool) (map[int64]Account, error) {
	ids := make([]int64, 0, len(input.Lines))
	seen := make(map[int64]struct{}, len(input.Lines))
	for _, line := range input.Lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	accounts, err := tx.GetAccountsByID(ctx, input.TenantID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		account, ok := accounts[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
		}
		if !account.Postable() {
			return nil, fmt.Errorf("%w: %s", ErrAccountInactive, account.Code)
		}
		if checkManual && !input.PostedBy.IsSystem() && !account.AllowManualEntries {
			return nil, fmt.Errorf("%w: %s", ErrManualEntryNotAllowed, account.Code)
		}
	}
	return accounts, nil
}

// ReverseEntry posts the mirror of a posted entry, dated now, and marks the
// original REVERSED in the same transaction.
func (s *Service) ReverseEntry(ctx context.Context, input ReverseInput) (JournalEntry, error) {
	if input.TenantID <= 0 {
		return JournalEntry{}, ErrTenantRequired
	}
	if input.EntryID == 0 {
		return JournalEntry{}, fmt.Errorf("%w: entry id required", ErrInvalidEntry)
	}
	var reversal JournalEntry
	err := RunInTx(ctx, s.repo, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetJournalWithLines(ctx, input.TenantID, input.EntryID)
		if err != nil {
			return err
		}
		if original.Status != JournalStatusPosted {
			return fmt.Errorf("%w: %s is %s", ErrNotPosted, original.Number, original.Status)
		}
		posting := PostingInput{
			TenantID:    input.TenantID,
			EntryDate:   s.now(),
			Description: defaultReversalMemo(input.Memo, original.Number),
			Currency:    original.Currency,
			Lines:       reverseLines(original.Lines),
			Reference: Reference{
				Type:   "journal_reversal",
				ID:     fmt.Sprintf("%d", original.ID),
				Number: original.Number,
			},
			PostedBy: input.Actor,
		}
		if err := posting.Validate(); err != nil {
			return err
		}
		res, err := s.post(ctx, tx, posting, postOptions{reversalOf: &original.ID, skipManualCheck: true})
		if err != nil {
			return err
		}
		if err := tx.MarkJournalReversed(ctx, input.TenantID, original.ID, res.Entry.ID); err != nil {
			return err
		}
		reversal = res.Entry
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.Committed(ctx, reversal, "journal.reverse")
	return reversal, nil
}

// CreateDraft stores an entry in DRAFT status. Drafts carry a number but have
// no balance effect and may be unbalanced.
func (s *Service) CreateDraft(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.validateShape(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := RunInTx(ctx, s.repo, func(ctx context.Context, tx TxRepository) error {
		var period Period
		var err error
		if input.PeriodID > 0 {
			period, err = tx.GetPeriod(ctx, input.TenantID, input.PeriodID)
		} else {
			period, err = tx.FindPeriodByDate(ctx, input.TenantID, input.EntryDate)
		}
		if err != nil {
			return err
		}
		if !period.Contains(input.EntryDate) {
			return ErrDateOutOfRange
		}
		if _, err := s.loadAccounts(ctx, tx, input, true); err != nil {
			return err
		}
		seq, err := tx.NextEntrySequence(ctx, input.TenantID)
		if err != nil {
			return err
		}
		debit, credit := input.Totals()
		inserted, err := tx.InsertJournalEntry(ctx, JournalEntry{
			TenantID:    input.TenantID,
			Number:      FormatEntryNumber(input.EntryDate, seq),
			EntryDate:   truncateDate(input.EntryDate),
			PeriodID:    period.ID,
			Description: input.Description,
			Reference:   input.Reference,
			Status:      JournalStatusDraft,
			TotalDebit:  debit,
			TotalCredit: credit,
			Currency:    input.Currency,
			PostedBy:    input.PostedBy,
		})
		if err != nil {
			return err
		}
		lines, err := tx.InsertJournalLines(ctx, inserted.ID, toJournalLines(inserted.ID, input.Lines, s.now()))
		if err != nil {
			return err
		}
		inserted.Lines = lines
		entry = inserted
		return nil
	})
	return entry, err
}

// PostDraft runs the full posting validation on a draft and posts it.
func (s *Service) PostDraft(ctx context.Context, tenantID, entryID int64, actor Actor) (JournalEntry, error) {
	if tenantID <= 0 {
		return JournalEntry{}, ErrTenantRequired
	}
	var entry JournalEntry
	err := RunInTx(ctx, s.repo, func(ctx context.Context, tx TxRepository) error {
		draft, err := tx.GetJournalWithLines(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		if draft.Status != JournalStatusDraft {
			return ErrNotDraft
		}
		input := draftInput(draft, actor)
		if err := input.Validate(); err != nil {
			return err
		}
		if _, err := resolvePostablePeriod(ctx, tx, tenantID, draft.PeriodID, draft.EntryDate); err != nil {
			return err
		}
		accounts, err := s.loadAccounts(ctx, tx, input, true)
		if err != nil {
			return err
		}
		at := s.now()
		if err := tx.MarkJournalPosted(ctx, tenantID, entryID, actor, at); err != nil {
			return err
		}
		if err := tx.ApplyBalanceDeltas(ctx, tenantID, balanceDeltas(accounts, draft.Lines)); err != nil {
			return err
		}
		entry = draft
		entry.Status = JournalStatusPosted
		entry.PostedAt = &at
		entry.PostedBy = actor
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.Committed(ctx, entry, "journal.post")
	return entry, nil
}

// DeleteDraft removes a draft together with its lines.
func (s *Service) DeleteDraft(ctx context.Context, tenantID, entryID int64) error {
	if tenantID <= 0 {
		return ErrTenantRequired
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetJournalWithLines(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		if entry.Status != JournalStatusDraft {
			return ErrNotDraft
		}
		return tx.DeleteJournal(ctx, tenantID, entryID)
	})
}

// GetEntry returns an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, tenantID, entryID int64) (JournalEntry, error) {
	if tenantID <= 0 {
		return JournalEntry{}, ErrTenantRequired
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalWithLines(ctx, tenantID, entryID)
		return err
	})
	return entry, err
}

// ListUnbalancedEntries returns posted or reversed entries whose lines or
// cached totals disagree, across all tenants.
func (s *Service) ListUnbalancedEntries(ctx context.Context) ([]UnbalancedEntry, error) {
	var entries []UnbalancedEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entries, err = tx.ListUnbalancedEntries(ctx)
		return err
	})
	return entries, err
}

// Committed runs the post-commit side effects: the audit record and the
// balance change notification. Failures are logged, never returned.
func (s *Service) Committed(ctx context.Context, entry JournalEntry, action string) {
	if s.audit != nil {
		meta := map[string]any{
			"number":       entry.Number,
			"total_debit":  entry.TotalDebit.StringFixed(2),
			"total_credit": entry.TotalCredit.StringFixed(2),
			"reference":    entry.Reference.Type + ":" + entry.Reference.ID,
		}
		if entry.ReversalOf != nil {
			meta["reversal_of"] = *entry.ReversalOf
		}
		if entry.IdempotencyKey != "" {
			meta["idempotency_key"] = entry.IdempotencyKey
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: entry.TenantID,
			ActorID:  entry.PostedBy.ID,
			Action:   action,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta:     meta,
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("entry_id", entry.ID), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.AccountsChanged(ctx, entry.TenantID, lineAccounts(entry.Lines)); err != nil {
			s.logger.Warn("balance change notify failed", slog.Int64("tenant_id", entry.TenantID), slog.Int64("entry_id", entry.ID), slog.Any("error", err))
		}
	}
}

// FormatEntryNumber renders JE-YYYYMM-NNNNNN from the per-tenant sequence.
func FormatEntryNumber(date time.Time, seq int64) string {
	return fmt.Sprintf("JE-%04d%02d-%06d", date.Year(), int(date.Month()), seq)
}

func balanceDeltas(accounts map[int64]Account, lines []JournalLine) map[int64]decimal.Decimal {
	deltas := make(map[int64]decimal.Decimal, len(accounts))
	for _, line := range lines {
		account := accounts[line.AccountID]
		deltas[line.AccountID] = deltas[line.AccountID].Add(account.SignedDelta(line.Debit, line.Credit))
	}
	return deltas
}

func draftInput(entry JournalEntry, actor Actor) PostingInput {
	lines := make([]PostingLineInput, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		lines = append(lines, PostingLineInput{
			AccountID:    line.AccountID,
			Debit:        line.Debit,
			Credit:       line.Credit,
			Description:  line.Description,
			Currency:     line.Currency,
			ExchangeRate: line.ExchangeRate,
			Reference:    line.Reference,
		})
	}
	return PostingInput{
		TenantID:    entry.TenantID,
		EntryDate:   entry.EntryDate,
		PeriodID:    entry.PeriodID,
		Description: entry.Description,
		Currency:    entry.Currency,
		Lines:       lines,
		Reference:   entry.Reference,
		PostedBy:    actor,
	}
}

func reverseLines(lines []JournalLine) []PostingLineInput {
	out := make([]PostingLineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, PostingLineInput{
			AccountID:    line.AccountID,
			Debit:        line.Credit,
			Credit:       line.Debit,
			Description:  line.Description,
			Currency:     line.Currency,
			ExchangeRate: line.ExchangeRate,
			Reference:    line.Reference,
		})
	}
	return out
}

func toJournalLines(entryID int64, lines []PostingLineInput, ts time.Time) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for i, line := range lines {
		out = append(out, JournalLine{
			EntryID:      entryID,
			LineNo:       i + 1,
			AccountID:    line.AccountID,
			Description:  line.Description,
			Debit:        line.Debit,
			Credit:       line.Credit,
			Currency:     line.Currency,
			ExchangeRate: line.ExchangeRate,
			Reference:    line.Reference,
			CreatedAt:    ts,
		})
	}
	return out
}

func lineAccounts(lines []JournalLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func defaultReversalMemo(memo, number string) string {
	if memo != "" {
		return memo
	}
	return fmt.Sprintf("Reversal of %s", number)
}
