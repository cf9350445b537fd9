package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/memory"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
)

func TestSeedTenantIsRerunnable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	s := newSeeder(store, nil, nil)

	res, err := s.seedTenant(ctx, 3, 2024)
	require.NoError(t, err)
	assert.Equal(t, len(starterChart), res.accounts)
	assert.Equal(t, len(integration.SystemAccounts()), res.system)
	assert.Equal(t, 12, res.periods)

	again, err := s.seedTenant(ctx, 3, 2024)
	require.NoError(t, err)
	assert.Zero(t, again.accounts)
	assert.Zero(t, again.periods)
	assert.Len(t, store.Accounts(3), len(starterChart)+len(integration.SystemAccounts()))

	roots, err := s.chart.Tree(ctx, 3)
	require.NoError(t, err)
	var cash *accounting.AccountNode
	for _, r := range roots {
		if r.Code == "1000" {
			cash = r
		}
	}
	require.NotNil(t, cash)
	assert.Len(t, cash.Children, 3)

	inventory, err := s.chart.FindByCode(ctx, 3, integration.InventoryAsset.Code)
	require.NoError(t, err)
	assert.True(t, inventory.IsSystem)
	assert.False(t, inventory.AllowManualEntries)
}
