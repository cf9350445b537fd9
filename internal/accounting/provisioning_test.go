package accounting_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/memory"
)

var salariesPayable = accounting.AccountSpec{Code: "2100", Name: "Salaries Payable", Class: accounting.AccountClassLiability}

func TestEnsureIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	p := accounting.NewProvisioner(store, nil)

	first, err := p.Ensure(context.Background(), tenant, salariesPayable)
	require.NoError(t, err)
	second, err := p.Ensure(context.Background(), tenant, salariesPayable)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.IsSystem)
	assert.False(t, first.AllowManualEntries)
	assert.Len(t, store.Accounts(tenant), 1)
}

func TestEnsureConcurrentCallersCreateOneRow(t *testing.T) {
	store := memory.NewStore()
	p := accounting.NewProvisioner(store, nil)

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	errs := make([]error, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account, err := p.Ensure(context.Background(), tenant, salariesPayable)
			ids[i], errs[i] = account.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, store.Accounts(tenant), 1)
}

func TestEnsureAccountRejectsClassMismatch(t *testing.T) {
	store := memory.NewStore()
	store.SeedAccount(accounting.Account{TenantID: tenant, Code: "2100", Name: "Misfiled", Class: accounting.AccountClassAsset, IsActive: true})
	p := accounting.NewProvisioner(store, nil)

	_, err := p.Ensure(context.Background(), tenant, salariesPayable)
	require.ErrorIs(t, err, accounting.ErrInvalidAccount)
}

func TestEnsureAccountRollsBackWithCallerTx(t *testing.T) {
	store := memory.NewStore()
	p := accounting.NewProvisioner(store, nil)
	boom := errors.New("posting failed")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		accounts, err := p.EnsureAccounts(ctx, tx, tenant, salariesPayable, accounting.AccountSpec{Code: "6000", Name: "Salary Expense", Class: accounting.AccountClassExpense})
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.Accounts(tenant))
}

func TestEnsureRetriesConcurrentProvisioningOnce(t *testing.T) {
	store := memory.NewStore()
	store.FailOnce("InsertAccountIfAbsent", accounting.ErrConcurrentProvisioning)
	p := accounting.NewProvisioner(store, nil)

	account, err := p.Ensure(context.Background(), tenant, salariesPayable)
	require.NoError(t, err)
	assert.Equal(t, "2100", account.Code)
	assert.Equal(t, 2, store.Transactions())
}
