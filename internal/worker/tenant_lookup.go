package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/tenantdb"
)

// TenantLookup resolves the tenant a job belongs to, so the quota
// pre-check can turn a bare agent invocation into a plan-aware check
// instead of a fixed kind/limit for every agent.
type TenantLookup interface {
	GetTenant(ctx context.Context, tenantID string) (*entity.Tenant, error)
}

// DBTenantLookup is the production TenantLookup. It reads straight from
// the tenants table on every call rather than caching: plan/override
// changes are rare next to the quota engine's own per-job Redis round
// trip, so a stale cached plan is a worse failure mode than one extra
// query.
type DBTenantLookup struct {
	db *sql.DB
}

// NewDBTenantLookup builds a DBTenantLookup.
func NewDBTenantLookup(db *sql.DB) *DBTenantLookup {
	return &DBTenantLookup{db: db}
}

// GetTenant loads tenantID's plan, settings, and quota overrides. The read
// runs inside an RLS-bound session keyed to the looked-up tenant, since the
// tenants table's self-only policy denies unscoped reads.
func (l *DBTenantLookup) GetTenant(ctx context.Context, tenantID string) (*entity.Tenant, error) {
	ctx = tenantdb.WithTenant(ctx, tenantdb.TenantContext{TenantID: tenantID, Role: "system"})

	return tenantdb.RLSQuery(ctx, l.db, func(tx *sql.Tx) (*entity.Tenant, error) {
		row := tx.QueryRowContext(ctx, `
			SELECT id, plan, settings, quota_overrides, created_at
			FROM tenants
			WHERE id = $1
		`, tenantID)

		var t entity.Tenant
		var settingsRaw, overridesRaw []byte
		if err := row.Scan(&t.ID, &t.Plan, &settingsRaw, &overridesRaw, &t.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("worker: tenant %q not found", tenantID)
			}
			return nil, fmt.Errorf("worker: load tenant %q: %w", tenantID, err)
		}

		if len(settingsRaw) > 0 {
			if err := json.Unmarshal(settingsRaw, &t.Settings); err != nil {
				return nil, fmt.Errorf("worker: decode tenant settings: %w", err)
			}
		}
		if len(overridesRaw) > 0 {
			if err := json.Unmarshal(overridesRaw, &t.Overrides); err != nil {
				return nil, fmt.Errorf("worker: decode tenant quota overrides: %w", err)
			}
		}

		return &t, nil
	})
}
