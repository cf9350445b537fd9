package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"
)

// AccountSpec names a well-known account that integrators rely on.
type AccountSpec struct {
	Code    string
	Name    string
	Class   AccountClass
	Subtype string
	// ManualEntries leaves the account open to user postings.
	ManualEntries bool
}

// Provisioner performs idempotent lookup-or-create of system accounts.
type Provisioner struct {
	repo   RepositoryPort
	logger *slog.Logger
	group  singleflight.Group
}

// NewProvisioner constructs a Provisioner.
func NewProvisioner(repo RepositoryPort, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{repo: repo, logger: logger}
}

// EnsureAccount returns the tenant's account for spec.Code, creating it as a
// system account when absent. It runs inside the caller's transaction so a
// rollback also discards the account.
func (p *Provisioner) EnsureAccount(ctx context.Context, tx TxRepository, tenantID int64, spec AccountSpec) (Account, error) {
	in := NewAccountInput{
		TenantID:           tenantID,
		Code:               spec.Code,
		Name:               spec.Name,
		Class:              spec.Class,
		Subtype:            spec.Subtype,
		IsSystem:           true,
		AllowManualEntries: spec.ManualEntries,
	}
	if err := in.Normalize(); err != nil {
		return Account{}, err
	}
	account, created, err := tx.InsertAccountIfAbsent(ctx, in)
	if err != nil {
		return Account{}, err
	}
	if account.Class != in.Class {
		return Account{}, fmt.Errorf("%w: %s exists as %s, want %s", ErrInvalidAccount, account.Code, account.Class, in.Class)
	}
	if created {
		p.logger.Info("system account provisioned",
			slog.Int64("tenant_id", tenantID),
			slog.String("code", account.Code),
			slog.Int64("account_id", account.ID))
	}
	return account, nil
}

// EnsureAccounts provisions every spec and returns the accounts keyed by code.
func (p *Provisioner) EnsureAccounts(ctx context.Context, tx TxRepository, tenantID int64, specs ...AccountSpec) (map[string]Account, error) {
	out := make(map[string]Account, len(specs))
	for _, spec := range specs {
		if _, ok := out[spec.Code]; ok {
			continue
		}
		account, err := p.EnsureAccount(ctx, tx, tenantID, spec)
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", spec.Code, err)
		}
		out[account.Code] = account
	}
	return out, nil
}

// Ensure is the standalone form: it opens its own transaction and collapses
// concurrent calls for the same tenant and code within this process.
func (p *Provisioner) Ensure(ctx context.Context, tenantID int64, spec AccountSpec) (Account, error) {
	if tenantID <= 0 {
		return Account{}, ErrTenantRequired
	}
	key := fmt.Sprintf("%d:%s", tenantID, strings.TrimSpace(spec.Code))
	v, err, _ := p.group.Do(key, func() (any, error) {
		var account Account
		err := RunInTx(ctx, p.repo, func(ctx context.Context, tx TxRepository) error {
			var err error
			account, err = p.EnsureAccount(ctx, tx, tenantID, spec)
			return err
		})
		return account, err
	})
	if err != nil {
		return Account{}, err
	}
	return v.(Account), nil
}
