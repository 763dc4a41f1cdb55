package tenantdb

import "context"

type ctxKey struct{}

// TenantContext carries the identity RLSQuery/RLSExec stamp onto the
// Postgres session via set_config before running the caller's function.
type TenantContext struct {
	TenantID string
	UserID   string // empty if the caller is a system process, not a user
	Role     string // "owner", "member", "system", ...
}

// WithTenant attaches a TenantContext to ctx. Handlers and the worker's
// dispatch wrapper call this once per request/job, before any repository
// method is invoked.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext retrieves the TenantContext stamped by WithTenant. ok is
// false if no tenant context is present, which every repository method
// must treat as a programming error, not proceed against an empty tenant.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(TenantContext)
	return tc, ok
}
