package accounting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// AccountClass enumerates CoA categories. A class never changes after creation.
type AccountClass string

const (
	AccountClassAsset     AccountClass = "ASSET"
	AccountClassLiability AccountClass = "LIABILITY"
	AccountClassEquity    AccountClass = "EQUITY"
	AccountClassRevenue   AccountClass = "REVENUE"
	AccountClassExpense   AccountClass = "EXPENSE"
)

// Valid reports whether c is one of the five ledger classes.
func (c AccountClass) Valid() bool {
	switch c {
	case AccountClassAsset, AccountClassLiability, AccountClassEquity, AccountClassRevenue, AccountClassExpense:
		return true
	}
	return false
}

// DebitNormal reports whether the class increases on the debit side.
func (c AccountClass) DebitNormal() bool {
	return c == AccountClassAsset || c == AccountClassExpense
}

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusDraft    JournalStatus = "DRAFT"
	JournalStatusPosted   JournalStatus = "POSTED"
	JournalStatusReversed JournalStatus = "REVERSED"
)

// ActorKind distinguishes end users from system integrators.
type ActorKind string

const (
	ActorUser   ActorKind = "USER"
	ActorSystem ActorKind = "SYSTEM"
)

// Actor identifies who triggered a ledger write.
type Actor struct {
	ID   int64
	Kind ActorKind
}

// SystemActor is the actor recorded for integrator postings.
var SystemActor = Actor{Kind: ActorSystem}

// IsSystem reports whether the actor is an integrator.
func (a Actor) IsSystem() bool { return a.Kind == ActorSystem }

// DefaultCurrency is used when neither the entry nor the account carry one.
const DefaultCurrency = "IDR"

// Account models a chart of accounts node.
type Account struct {
	ID                 int64
	TenantID           int64
	Code               string
	Name               string
	Class              AccountClass
	Subtype            string
	ParentID           *int64
	Currency           string
	IsActive           bool
	IsSystem           bool
	AllowManualEntries bool
	Balance            decimal.Decimal
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Postable reports whether lines may reference the account.
func (a Account) Postable() bool {
	return a.IsActive && a.DeletedAt == nil
}

// SignedDelta returns the balance movement caused by a debit/credit pair
// under the account's normal balance side.
func (a Account) SignedDelta(debit, credit decimal.Decimal) decimal.Decimal {
	if a.Class.DebitNormal() {
		return debit.Sub(credit)
	}
	return credit.Sub(debit)
}

// AccountNode is an account with its children attached.
type AccountNode struct {
	Account
	Children []*AccountNode
}

// Period represents a fiscal period window. Start and end are inclusive dates.
type Period struct {
	ID        int64
	TenantID  int64
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
	ClosedAt  *time.Time
	LockedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether date falls within the period.
func (p Period) Contains(date time.Time) bool {
	d := truncateDate(date)
	return !d.Before(truncateDate(p.StartDate)) && !d.After(truncateDate(p.EndDate))
}

// Reference links an entry to the business document that caused it.
type Reference struct {
	Type   string
	ID     string
	Number string
}

// JournalEntry is a balanced set of journal lines.
type JournalEntry struct {
	ID             int64
	TenantID       int64
	Number         string
	EntryDate      time.Time
	PeriodID       int64
	Description    string
	Reference      Reference
	Status         JournalStatus
	TotalDebit     decimal.Decimal
	TotalCredit    decimal.Decimal
	Currency       string
	PostedAt       *time.Time
	PostedBy       Actor
	ReversalOf     *int64
	ReversedBy     *int64
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Lines          []JournalLine
}

// Balanced reports whether the cached totals agree.
func (e JournalEntry) Balanced() bool {
	return e.TotalDebit.Equal(e.TotalCredit)
}

// JournalLine is a single debit or credit leg.
type JournalLine struct {
	ID           int64
	EntryID      int64
	LineNo       int
	AccountID    int64
	Description  string
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal
	Reference    string
	CreatedAt    time.Time
}

// UnbalancedEntry is returned by the ledger integrity query.
type UnbalancedEntry struct {
	TenantID    int64
	EntryID     int64
	Number      string
	Status      JournalStatus
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	LineDebit   decimal.Decimal
	LineCredit  decimal.Decimal
}

// PostingLineInput describes a single leg in a posting request.
type PostingLineInput struct {
	AccountID    int64
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	Description  string
	Currency     string
	ExchangeRate decimal.Decimal
	Reference    string
}

// PostingInput is the payload for PostEntry and CreateDraft.
type PostingInput struct {
	TenantID       int64
	EntryDate      time.Time
	PeriodID       int64
	Description    string
	Currency       string
	Lines          []PostingLineInput
	Reference      Reference
	IdempotencyKey string
	PostedBy       Actor
}

// Validate performs the structural checks that need no store access.
// Amounts are normalised to two decimals in place.
func (in *PostingInput) Validate() error {
	if err := in.validateShape(); err != nil {
		return err
	}
	debit, credit := in.Totals()
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

// validateShape checks everything except the balance.
func (in *PostingInput) validateShape() error {
	if in.TenantID <= 0 {
		return ErrTenantRequired
	}
	if in.EntryDate.IsZero() {
		return fmt.Errorf("%w: entry date required", ErrInvalidEntry)
	}
	if len(in.Lines) == 0 {
		return ErrNoLines
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = DefaultCurrency
	}
	if err := ValidateCurrency(in.Currency); err != nil {
		return err
	}
	for i := range in.Lines {
		line := &in.Lines[i]
		if line.AccountID == 0 {
			return fmt.Errorf("%w: line %d: account required", ErrInvalidLine, i+1)
		}
		line.Debit = RoundMoney(line.Debit)
		line.Credit = RoundMoney(line.Credit)
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d: negative amount", ErrInvalidLine, i+1)
		}
		if line.Debit.IsZero() == line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d: exactly one of debit or credit must be set", ErrInvalidLine, i+1)
		}
		line.Currency = strings.ToUpper(strings.TrimSpace(line.Currency))
		if line.Currency == "" {
			line.Currency = in.Currency
		}
		if err := ValidateCurrency(line.Currency); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		if line.ExchangeRate.IsZero() {
			line.ExchangeRate = decimal.NewFromInt(1)
		}
		if line.ExchangeRate.IsNegative() {
			return fmt.Errorf("%w: line %d: negative exchange rate", ErrInvalidLine, i+1)
		}
	}
	return nil
}

// Totals sums debit and credit over the input lines.
func (in PostingInput) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// ReverseInput is the payload for ReverseEntry.
type ReverseInput struct {
	TenantID int64
	EntryID  int64
	Actor    Actor
	Memo     string
}

// RoundMoney rounds to the smallest currency unit.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ValidateCurrency checks an ISO 4217 currency code.
func ValidateCurrency(code string) error {
	if _, err := currency.ParseISO(code); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return nil
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
