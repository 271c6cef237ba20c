package inventory

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/stockroom-erp/stockroom/internal/platform/cache"
)

// StockCachePort abstracts the stock level read cache.
type StockCachePort interface {
	StockLevel(ctx context.Context, productID int64, loader func(context.Context) (StockLevel, error)) (StockLevel, error)
	Invalidate(ctx context.Context) error
}

// StockCache serves stock levels from redis, collapsing concurrent misses.
type StockCache struct {
	store *cache.Versioned
	group singleflight.Group
}

// NewStockCache wraps a versioned cache.
func NewStockCache(store *cache.Versioned) *StockCache {
	return &StockCache{store: store}
}

// StockLevel returns the cached level or loads it.
func (c *StockCache) StockLevel(ctx context.Context, productID int64, loader func(context.Context) (StockLevel, error)) (StockLevel, error) {
	id := strconv.FormatInt(productID, 10)
	key, err := c.store.BuildKey(ctx, "stockroom", "stock", id)
	if err != nil {
		return loader(ctx)
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		var level StockLevel
		err := c.store.FetchJSON(loadCtx, key, &level, func(ctx context.Context) (any, error) {
			return loader(ctx)
		})
		return level, err
	})
	select {
	case <-ctx.Done():
		return StockLevel{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return StockLevel{}, res.Err
		}
		return res.Val.(StockLevel), nil
	}
}

// Invalidate drops every cached level.
func (c *StockCache) Invalidate(ctx context.Context) error {
	return c.store.Bump(ctx)
}
