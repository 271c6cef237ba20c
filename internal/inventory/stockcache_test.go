package inventory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stockroom-erp/stockroom/internal/platform/cache"
	"github.com/stockroom-erp/stockroom/internal/txkind"
)

func TestStockCacheServesUntilInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stock := NewStockCache(cache.NewVersioned(client, "stockroom", time.Minute))
	ctx := context.Background()

	var loads atomic.Int32
	current := 3
	loader := func(context.Context) (StockLevel, error) {
		loads.Add(1)
		return StockLevel{ProductID: 1, CurrentStock: current}, nil
	}

	level, err := stock.StockLevel(ctx, 1, loader)
	require.NoError(t, err)
	require.Equal(t, 3, level.CurrentStock)

	current = 9
	level, err = stock.StockLevel(ctx, 1, loader)
	require.NoError(t, err)
	require.Equal(t, 3, level.CurrentStock)
	require.Equal(t, int32(1), loads.Load())

	require.NoError(t, stock.Invalidate(ctx))
	level, err = stock.StockLevel(ctx, 1, loader)
	require.NoError(t, err)
	require.Equal(t, 9, level.CurrentStock)
	require.Equal(t, int32(2), loads.Load())
}

func TestServiceInvalidatesCacheAfterCompletion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := seededRepo()
	stock := NewStockCache(cache.NewVersioned(client, "stockroom", time.Minute))
	svc := NewService(repo, nil, nil, stock, ServiceConfig{Clock: func() time.Time { return testDay }}, nil)
	ctx := context.Background()

	level, err := svc.StockLevel(ctx, laptop)
	require.NoError(t, err)
	require.Equal(t, 0, level.CurrentStock)

	stockLaptops(t, svc, "C1", "C2")

	level, err = svc.StockLevel(ctx, laptop)
	require.NoError(t, err)
	require.Equal(t, 2, level.CurrentStock)
}

func TestRepairRunsAreSerialised(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := cache.NewLocker(client, "stockroom")
	repo := seededRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{RepairLock: locker}, nil)
	ctx := context.Background()

	err := locker.WithLock(ctx, repairLockKey, time.Minute, func(ctx context.Context) error {
		_, err := svc.VerifyStockIntegrity(ctx, IntegrityRequest{Repair: true})
		require.ErrorIs(t, err, ErrRepairInProgress)

		_, err = svc.VerifyStockIntegrity(ctx, IntegrityRequest{})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	_, err = svc.VerifyStockIntegrity(ctx, IntegrityRequest{Repair: true})
	require.NoError(t, err)
}

func TestServiceInvalidatesCacheOnHolds(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := seededRepo()
	stock := NewStockCache(cache.NewVersioned(client, "stockroom", time.Minute))
	svc := NewService(repo, nil, nil, stock, ServiceConfig{Clock: func() time.Time { return testDay }}, nil)
	ctx := context.Background()

	pending := func() int {
		t.Helper()
		level, err := svc.StockLevel(ctx, laptop)
		require.NoError(t, err)
		return level.PendingUnits
	}
	require.Equal(t, 0, pending())

	tx, err := svc.CreateTransaction(ctx, actor, purchaseDraft(ItemInput{
		ProductID: laptop, Quantity: 2, UnitPrice: price("900"), Serials: []string{"SN1", "SN2"},
	}))
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, actor, tx.ID, txkind.StatusPending, nil)
	require.NoError(t, err)
	require.Equal(t, 2, pending())

	item := tx.Items[0]
	serials := []string{"SN1"}
	qty := 1
	_, err = svc.UpdateItem(ctx, actor, tx.ID, item.ID, ItemUpdate{Quantity: &qty, Serials: &serials})
	require.NoError(t, err)
	require.Equal(t, 1, pending())

	_, err = svc.SetStatus(ctx, actor, tx.ID, txkind.StatusCancelled, nil)
	require.NoError(t, err)
	require.Equal(t, 0, pending())
}

func TestStockCacheLoadOutlivesCancelledCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stock := NewStockCache(cache.NewVersioned(client, "stockroom", time.Minute))
	started := make(chan struct{})
	release := make(chan struct{})
	loaderErr := make(chan error, 1)
	var loads atomic.Int32
	loader := func(ctx context.Context) (StockLevel, error) {
		if loads.Add(1) == 1 {
			close(started)
			<-release
			loaderErr <- ctx.Err()
		}
		return StockLevel{ProductID: 1, CurrentStock: 4}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := stock.StockLevel(ctx, 1, loader)
		first <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)
	close(release)
	require.NoError(t, <-loaderErr)

	level, err := stock.StockLevel(context.Background(), 1, loader)
	require.NoError(t, err)
	require.Equal(t, 4, level.CurrentStock)
	require.Equal(t, int32(1), loads.Load())
}
