package accounting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewAccountInput describes a chart of accounts node to create.
type NewAccountInput struct {
	TenantID           int64  `validate:"gt=0"`
	Code               string `validate:"required,max=32"`
	Name               string `validate:"required,max=200"`
	Class              AccountClass
	Subtype            string `validate:"max=64"`
	ParentID           *int64
	Currency           string
	IsSystem           bool
	AllowManualEntries bool
}

// Normalize trims the input and checks it without touching the store.
func (in *NewAccountInput) Normalize() error {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	in.Subtype = strings.TrimSpace(in.Subtype)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = DefaultCurrency
	}
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if !in.Class.Valid() {
		return fmt.Errorf("%w: class %q", ErrInvalidAccount, in.Class)
	}
	return ValidateCurrency(in.Currency)
}

// Chart manages the hierarchical account registry.
type Chart struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewChart constructs the chart of accounts service.
func NewChart(repo RepositoryPort, audit AuditPort) *Chart {
	return &Chart{repo: repo, audit: audit, now: time.Now}
}

// FindByCode looks up a live account by its code.
func (c *Chart) FindByCode(ctx context.Context, tenantID int64, code string) (Account, error) {
	if tenantID <= 0 {
		return Account{}, ErrTenantRequired
	}
	var account Account
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountByCode(ctx, tenantID, strings.TrimSpace(code))
		return err
	})
	return account, err
}

// CreateAccount validates and inserts a new account.
func (c *Chart) CreateAccount(ctx context.Context, in NewAccountInput, actor Actor) (Account, error) {
	if err := in.Normalize(); err != nil {
		return Account{}, err
	}
	var account Account
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.ParentID != nil {
			parent, err := tx.GetAccount(ctx, in.TenantID, *in.ParentID)
			if err != nil {
				return err
			}
			if parent.DeletedAt != nil {
				return fmt.Errorf("%w: parent %s deleted", ErrAccountInactive, parent.Code)
			}
		}
		var err error
		account, err = tx.InsertAccount(ctx, in)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	c.record(ctx, actor, in.TenantID, "account.create", account.ID, map[string]any{
		"code":  account.Code,
		"class": string(account.Class),
	})
	return account, nil
}

// ListAccounts returns live accounts ordered by code.
func (c *Chart) ListAccounts(ctx context.Context, tenantID int64) ([]Account, error) {
	if tenantID <= 0 {
		return nil, ErrTenantRequired
	}
	var accounts []Account
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, tenantID)
		return err
	})
	return accounts, err
}

// Tree returns the tenant's accounts as a forest ordered by code.
func (c *Chart) Tree(ctx context.Context, tenantID int64) ([]*AccountNode, error) {
	accounts, err := c.ListAccounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return BuildTree(accounts), nil
}

// MoveAccount re-parents an account. A nil parent makes it a root.
func (c *Chart) MoveAccount(ctx context.Context, tenantID, id int64, parentID *int64, actor Actor) error {
	if tenantID <= 0 {
		return ErrTenantRequired
	}
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccount(ctx, tenantID, id); err != nil {
			return err
		}
		if parentID != nil {
			parent, err := tx.GetAccount(ctx, tenantID, *parentID)
			if err != nil {
				return err
			}
			if parent.DeletedAt != nil {
				return fmt.Errorf("%w: id %d is deleted", ErrAccountNotFound, *parentID)
			}
			cycle, err := createsCycle(ctx, tx, tenantID, id, *parentID)
			if err != nil {
				return err
			}
			if cycle {
				return ErrAccountCycle
			}
		}
		return tx.UpdateAccountParent(ctx, tenantID, id, parentID)
	})
	if err != nil {
		return err
	}
	meta := map[string]any{"parent_id": nil}
	if parentID != nil {
		meta["parent_id"] = *parentID
	}
	c.record(ctx, actor, tenantID, "account.move", id, meta)
	return nil
}

// DeleteAccount soft deletes an account. System accounts are protected.
func (c *Chart) DeleteAccount(ctx context.Context, tenantID, id int64, actor Actor) error {
	if tenantID <= 0 {
		return ErrTenantRequired
	}
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if account.IsSystem {
			return ErrProtectedAccount
		}
		if account.DeletedAt != nil {
			return nil
		}
		return tx.SoftDeleteAccount(ctx, tenantID, id, c.now())
	})
	if err != nil {
		return err
	}
	c.record(ctx, actor, tenantID, "account.delete", id, nil)
	return nil
}

func (c *Chart) record(ctx context.Context, actor Actor, tenantID int64, action string, id int64, meta map[string]any) {
	if c.audit == nil {
		return
	}
	_ = c.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       c.now(),
	})
}

// BuildTree attaches children to parents. Accounts whose parent is missing
// from the slice become roots. Siblings are ordered by code.
func BuildTree(accounts []Account) []*AccountNode {
	nodes := make(map[int64]*AccountNode, len(accounts))
	for _, a := range accounts {
		nodes[a.ID] = &AccountNode{Account: a}
	}
	var roots []*AccountNode
	for _, a := range accounts {
		node := nodes[a.ID]
		if a.ParentID != nil {
			if parent, ok := nodes[*a.ParentID]; ok && parent != node {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*AccountNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Code < nodes[j].Code })
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// createsCycle reports whether making parentID the parent of id closes a
// loop. The walk follows stored parents, soft-deleted rows included.
func createsCycle(ctx context.Context, tx TxRepository, tenantID, id, parentID int64) (bool, error) {
	seen := map[int64]bool{}
	for cur := &parentID; cur != nil; {
		if *cur == id || seen[*cur] {
			return true, nil
		}
		seen[*cur] = true
		account, err := tx.GetAccount(ctx, tenantID, *cur)
		if err != nil {
			return false, err
		}
		cur = account.ParentID
	}
	return false, nil
}
