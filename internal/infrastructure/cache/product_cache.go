// Package cache keeps product details in Redis for the read side. Stock in
// a cached entry is informational only; purchases always go through the
// ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/ec-order-placement/internal/domain/product"
)

const (
	keyPrefix = "product:"
	// loadTimeout bounds a shared load once it is detached from its callers.
	loadTimeout = 5 * time.Second
)

type LoadFunc func(ctx context.Context, id string) (*product.Product, error)

type ProductCache struct {
	client redis.Cmdable
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewProductCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *ProductCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductCache{client: client, ttl: ttl, logger: logger.Named("product-cache")}
}

func key(id string) string { return keyPrefix + id }

// GetOrLoad returns the cached product or loads it, collapsing concurrent
// misses for one id into a single load. Redis errors degrade to a load.
//
// The shared load runs on a context detached from every caller, so one
// caller giving up returns early for that caller only.
func (c *ProductCache) GetOrLoad(ctx context.Context, id string, load LoadFunc) (*product.Product, error) {
	if p, ok := c.get(ctx, id); ok {
		return p, nil
	}

	ch := c.group.DoChan(id, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		if p, ok := c.get(lctx, id); ok {
			return p, nil
		}
		p, err := load(lctx, id)
		if err != nil {
			return nil, err
		}
		c.set(lctx, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Callers sharing a flight must not share a pointer.
		cp := *res.Val.(*product.Product)
		return &cp, nil
	}
}

// Invalidate drops the entry for id.
func (c *ProductCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, key(id)).Err()
}

func (c *ProductCache) get(ctx context.Context, id string) (*product.Product, bool) {
	data, err := c.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", zap.String("product_id", id), zap.Error(err))
		}
		return nil, false
	}
	var p product.Product
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("corrupt cache entry", zap.String("product_id", id), zap.Error(err))
		return nil, false
	}
	return &p, true
}

func (c *ProductCache) set(ctx context.Context, p *product.Product) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(p.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("product_id", p.ID), zap.Error(err))
	}
}
