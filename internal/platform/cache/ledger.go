package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BumpChannel carries a Bump after every committed posting.
const BumpChannel = "gl.bump"

// Bump tells balance read models which accounts to rebuild and at which
// ledger version the change landed.
type Bump struct {
	TenantID   int64   `json:"tenant_id"`
	Version    int64   `json:"version"`
	AccountIDs []int64 `json:"account_ids"`
}

// LedgerVersions tracks a per-tenant ledger version in Redis so balance read
// models know when to rebuild.
type LedgerVersions struct {
	client *redis.Client
}

// NewLedgerVersions constructs the tracker. A nil client turns it into a no-op.
func NewLedgerVersions(client *redis.Client) *LedgerVersions {
	return &LedgerVersions{client: client}
}

func versionKey(tenantID int64) string {
	return fmt.Sprintf("ledger:%d:version", tenantID)
}

// AccountsChanged bumps the tenant version and publishes it with the touched
// accounts.
func (v *LedgerVersions) AccountsChanged(ctx context.Context, tenantID int64, accountIDs []int64) error {
	if v == nil || v.client == nil {
		return nil
	}
	ver, err := v.client.Incr(ctx, versionKey(tenantID)).Result()
	if err != nil {
		return fmt.Errorf("platform/cache: bump ledger version: %w", err)
	}
	if accountIDs == nil {
		accountIDs = []int64{}
	}
	payload, err := json.Marshal(Bump{TenantID: tenantID, Version: ver, AccountIDs: accountIDs})
	if err != nil {
		return err
	}
	return v.client.Publish(ctx, BumpChannel, payload).Err()
}
