package entity

import (
	"time"

	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
)

// Tenant is an opaque-id-identified customer account. It owns plan,
// settings, and quota overrides; it is created once and lives for the
// process lifetime of any reference to it.
type Tenant struct {
	ID        string            `json:"id" db:"id"`
	Plan      valueobject.Plan  `json:"plan" db:"plan"`
	Settings  map[string]any    `json:"settings" db:"settings"`
	Overrides QuotaOverrides    `json:"quotaOverrides" db:"quota_overrides"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
}

// QuotaOverrides lets a tenant's plan-default limits be raised or lowered
// per kind. A zero value for a field means "use the plan default", not
// "unlimited" — unlimited is expressed as limit=0 inside the quota engine
// itself, never here.
type QuotaOverrides struct {
	APICallsPerMonth  *int `json:"apiCallsPerMonth,omitempty"`
	SERPJobsPerMonth  *int `json:"serpJobsPerMonth,omitempty"`
	CrawlJobsPerMonth *int `json:"crawlJobsPerMonth,omitempty"`
}

// Project belongs to exactly one tenant. TenantID is immutable after
// creation; every join crossing project boundaries must preserve it.
type Project struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenantId" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	Keywords  []string  `json:"keywords,omitempty" db:"-"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
