package lock

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerRejectsConcurrentHolder(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	first, err := locker.Obtain(ctx, "bank-sync:1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, "bank-sync:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)

	other, err := locker.Obtain(ctx, "bank-sync:2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := locker.Obtain(ctx, "bank-sync:1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLockerExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.now = func() time.Time { return now }

	stale, err := locker.Obtain(ctx, "bank-sync:1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := locker.Obtain(ctx, "bank-sync:1", time.Minute)
	require.NoError(t, err)

	// releasing the stale lease must not drop the fresh one
	require.NoError(t, stale.Release(ctx))
	_, err = locker.Obtain(ctx, "bank-sync:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)
	require.NoError(t, fresh.Release(ctx))
}

func TestLocalLockerRefreshExtendsLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.now = func() time.Time { return now }

	held, err := locker.Obtain(ctx, "bank-sync:1", time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, held.Refresh(ctx, time.Minute))

	now = now.Add(50 * time.Second)
	_, err = locker.Obtain(ctx, "bank-sync:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)

	// once the lease lapses and is taken over, the old holder cannot refresh
	now = now.Add(2 * time.Minute)
	fresh, err := locker.Obtain(ctx, "bank-sync:1", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, held.Refresh(ctx, time.Minute), domain.ErrLockLost)
	require.NoError(t, fresh.Refresh(ctx, time.Minute))
	require.NoError(t, fresh.Release(ctx))
}
