package quota

import (
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
)

// planDefaults is the monthly limit a plan grants per quota kind absent a
// tenant-level override. A missing (plan, kind) pair or limit 0 means
// unlimited, matching CheckAndIncrement's own limit==0 convention.
var planDefaults = map[valueobject.Plan]map[valueobject.QuotaKind]int64{
	valueobject.PlanStarter: {
		valueobject.QuotaAPICalls:  10_000,
		valueobject.QuotaSERPJobs:  5_000,
		valueobject.QuotaCrawlJobs: 1_000,
	},
	valueobject.PlanPro: {
		valueobject.QuotaAPICalls:  50_000,
		valueobject.QuotaSERPJobs:  25_000,
		valueobject.QuotaCrawlJobs: 5_000,
	},
	valueobject.PlanTeam: {
		valueobject.QuotaAPICalls:  200_000,
		valueobject.QuotaSERPJobs:  100_000,
		valueobject.QuotaCrawlJobs: 20_000,
	},
	valueobject.PlanEnterprise: {
		valueobject.QuotaAPICalls:  0,
		valueobject.QuotaSERPJobs:  0,
		valueobject.QuotaCrawlJobs: 0,
	},
}

// DefaultLimit returns plan's monthly limit for kind, or 0 (unlimited) for
// an unrecognized plan/kind pair.
func DefaultLimit(plan valueobject.Plan, kind valueobject.QuotaKind) int64 {
	byKind, ok := planDefaults[plan]
	if !ok {
		return 0
	}
	return byKind[kind]
}

// EffectiveLimit resolves the limit CheckAndIncrement should enforce for
// tenant and kind: a tenant-level override wins when set, otherwise the
// plan default applies. A nil tenant is treated as unlimited rather than
// rejecting the call outright, since callers that cannot resolve a tenant
// (e.g. a missing row) already fail the job earlier for a different reason.
func EffectiveLimit(tenant *entity.Tenant, kind valueobject.QuotaKind) int64 {
	if tenant == nil {
		return 0
	}

	switch kind {
	case valueobject.QuotaAPICalls:
		if tenant.Overrides.APICallsPerMonth != nil {
			return int64(*tenant.Overrides.APICallsPerMonth)
		}
	case valueobject.QuotaSERPJobs:
		if tenant.Overrides.SERPJobsPerMonth != nil {
			return int64(*tenant.Overrides.SERPJobsPerMonth)
		}
	case valueobject.QuotaCrawlJobs:
		if tenant.Overrides.CrawlJobsPerMonth != nil {
			return int64(*tenant.Overrides.CrawlJobsPerMonth)
		}
	}

	return DefaultLimit(tenant.Plan, kind)
}
