package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func receiveBump(t *testing.T, sub *redis.PubSub) Bump {
	t.Helper()
	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	var bump Bump
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &bump))
	return bump
}

func TestAccountsChangedBumpsVersionAndPublishes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	versions := NewLedgerVersions(client)

	sub := client.Subscribe(ctx, BumpChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, versions.AccountsChanged(ctx, 7, []int64{3, 1}))
	require.Equal(t, Bump{TenantID: 7, Version: 1, AccountIDs: []int64{3, 1}}, receiveBump(t, sub))

	require.NoError(t, versions.AccountsChanged(ctx, 7, nil))
	require.Equal(t, Bump{TenantID: 7, Version: 2, AccountIDs: []int64{}}, receiveBump(t, sub))

	require.NoError(t, versions.AccountsChanged(ctx, 8, []int64{5}))
	require.Equal(t, Bump{TenantID: 8, Version: 1, AccountIDs: []int64{5}}, receiveBump(t, sub))

	ver, err := client.Get(ctx, versionKey(7)).Int64()
	require.NoError(t, err)
	require.EqualValues(t, 2, ver)
}

func TestNilClientIsNoop(t *testing.T) {
	versions := NewLedgerVersions(nil)
	require.NoError(t, versions.AccountsChanged(context.Background(), 1, []int64{1}))
}
