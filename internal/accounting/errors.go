package accounting

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error categories. Every specific ledger error matches exactly one of them
// through errors.Is.
var (
	ErrValidation  = errors.New("accounting: validation failed")
	ErrReference   = errors.New("accounting: invalid reference")
	ErrConcurrency = errors.New("accounting: concurrent modification")
	ErrTransient   = errors.New("accounting: store unavailable")
)

type classified struct {
	kind error
	msg  string
}

func (e *classified) Error() string { return e.msg }

func (e *classified) Is(target error) bool { return target == e.kind }

func validation(msg string) error  { return &classified{kind: ErrValidation, msg: msg} }
func reference(msg string) error   { return &classified{kind: ErrReference, msg: msg} }
func concurrency(msg string) error { return &classified{kind: ErrConcurrency, msg: msg} }

var (
	// ErrTenantRequired indicates a call without tenant scope.
	ErrTenantRequired = validation("accounting: tenant id required")
	// ErrInvalidEntry indicates a malformed entry header.
	ErrInvalidEntry = validation("accounting: invalid journal entry")
	// ErrNoLines indicates an entry without lines.
	ErrNoLines = validation("accounting: journal requires at least one line")
	// ErrInvalidLine indicates a malformed line.
	ErrInvalidLine = validation("accounting: invalid journal line")
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = validation("accounting: journal lines must balance")
	// ErrInvalidCurrency indicates a non ISO 4217 code.
	ErrInvalidCurrency = validation("accounting: invalid currency")
	// ErrInvalidAccount indicates a malformed account definition.
	ErrInvalidAccount = validation("accounting: invalid account")
	// ErrAmountOutOfRange indicates an amount or balance the ledger columns cannot hold.
	ErrAmountOutOfRange = validation("accounting: amount out of range")
	// ErrInvalidPeriodRange indicates end before start.
	ErrInvalidPeriodRange = validation("accounting: period end before start")

	// ErrAccountNotFound indicates an unknown account.
	ErrAccountNotFound = reference("accounting: account not found")
	// ErrAccountInactive indicates an inactive or deleted account.
	ErrAccountInactive = reference("accounting: account inactive")
	// ErrManualEntryNotAllowed indicates a user posting to an integrator-only account.
	ErrManualEntryNotAllowed = reference("accounting: manual entries not allowed on account")
	// ErrDuplicateAccountCode indicates the code is taken within the tenant.
	ErrDuplicateAccountCode = reference("accounting: duplicate account code")
	// ErrProtectedAccount indicates an attempt to delete a system account.
	ErrProtectedAccount = reference("accounting: system account is protected")
	// ErrAccountCycle indicates a parent assignment that would create a loop.
	ErrAccountCycle = reference("accounting: account hierarchy cycle")
	// ErrPeriodNotFound indicates no period covers the date.
	ErrPeriodNotFound = reference("accounting: fiscal period not found")
	// ErrPeriodNotOpen indicates the period no longer accepts postings.
	ErrPeriodNotOpen = reference("accounting: period is not open")
	// ErrPeriodOverlap indicates a period range clashing with an existing one.
	ErrPeriodOverlap = reference("accounting: period overlaps existing period")
	// ErrInvalidTransition indicates a period status change that is not allowed.
	ErrInvalidTransition = reference("accounting: invalid period transition")
	// ErrDateOutOfRange indicates journal date mismatch with the period hint.
	ErrDateOutOfRange = reference("accounting: date outside period")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = reference("accounting: journal entry not found")
	// ErrNotPosted indicates the entry is not in POSTED status.
	ErrNotPosted = reference("accounting: journal entry is not posted")
	// ErrNotDraft indicates the entry is not in DRAFT status.
	ErrNotDraft = reference("accounting: journal entry is not a draft")

	// ErrConcurrentProvisioning indicates a provisioning race lost to another writer.
	ErrConcurrentProvisioning = concurrency("accounting: account created concurrently")
	// ErrNumberCollision indicates the generated entry number already exists.
	ErrNumberCollision = concurrency("accounting: entry number collision")
	// ErrDuplicatePosting indicates another writer used the same idempotency key.
	ErrDuplicatePosting = concurrency("accounting: idempotency key already used")
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgExclusionViolation   = "23P01"
	pgNumericOutOfRange    = "22003"
)

// constraint names declared in the migrations.
const (
	constraintAccountCode    = "uq_accounts_tenant_code"
	constraintEntryNumber    = "uq_journal_entries_tenant_number"
	constraintIdempotencyKey = "uq_journal_entries_tenant_idem"
)

// classifyPgError maps driver failures onto the ledger taxonomy. Unknown
// errors are returned unchanged.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case constraintAccountCode:
				return ErrDuplicateAccountCode
			case constraintEntryNumber:
				return ErrNumberCollision
			case constraintIdempotencyKey:
				return ErrDuplicatePosting
			}
			return errors.Join(ErrConcurrency, err)
		case pgExclusionViolation:
			return ErrPeriodOverlap
		case pgNumericOutOfRange:
			return fmt.Errorf("%w: %s", ErrAmountOutOfRange, pgErr.Message)
		case pgSerializationFailure, pgDeadlockDetected:
			return errors.Join(ErrConcurrency, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if pgconn.SafeToRetry(err) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return errors.Join(ErrTransient, err)
	}
	return err
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency) || errors.Is(err, ErrTransient)
}
