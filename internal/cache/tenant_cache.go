package cache

import (
	"context"
	"fmt"
	"time"
)

// TenantCache prefixes every key with tenant:<id>: so two tenants can
// never collide on a shared Redis keyspace, and a single
// InvalidatePattern call on one tenant can never touch another's keys.
type TenantCache struct {
	base     Cache
	tenantID string
}

// NewTenantCache scopes base to tenantID.
func NewTenantCache(base Cache, tenantID string) *TenantCache {
	return &TenantCache{base: base, tenantID: tenantID}
}

func (c *TenantCache) prefixed(key string) string {
	return fmt.Sprintf("tenant:%s:%s", c.tenantID, key)
}

func (c *TenantCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.base.Get(ctx, c.prefixed(key))
}

func (c *TenantCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.base.Set(ctx, c.prefixed(key), value, ttl)
}

func (c *TenantCache) Delete(ctx context.Context, key string) error {
	return c.base.Delete(ctx, c.prefixed(key))
}

func (c *TenantCache) InvalidatePattern(ctx context.Context, pattern string) error {
	return c.base.InvalidatePattern(ctx, c.prefixed(pattern))
}
