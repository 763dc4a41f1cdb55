package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aiseo-platform/orchestrator/internal/agent"
	"github.com/aiseo-platform/orchestrator/internal/apperror"
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/queue"
	"github.com/aiseo-platform/orchestrator/internal/quota"
)

// QuotaChecker is the subset of quota.Engine SubmitSERPTracking needs,
// narrowed to an interface so tests can substitute a miniredis-backed
// fake without standing up a full Engine.
type QuotaChecker interface {
	CheckAndIncrement(ctx context.Context, tenantID string, kind valueobject.QuotaKind, delta, limit int64) (quota.Result, error)
	CurrentUsage(ctx context.Context, tenantID string, kind valueobject.QuotaKind) (int64, error)
	CheckMonthlyAlertGate(ctx context.Context, tx *sql.Tx, tenantID, period string) (bool, error)
}

// SERPTrackingFlowName is the schedules.flow_name value the cron package
// special-cases to route a tick through SubmitSERPTracking instead of the
// generic FlowBuilder+DAG.Submit path, since per-keyword admission needs
// the tenant's plan and a live quota check that the other four templates
// don't.
const SERPTrackingFlowName = "serp-daily-tracker"

// SERPTrackingResult summarizes a per-keyword SERP tracking submission.
type SERPTrackingResult struct {
	FlowJobID string
	Enqueued  int
	Rejected  int
}

// LoadProjectKeywords returns every tracked keyword for projectID, in
// insertion order, for SubmitSERPTracking's per-keyword fan-out. Grounded
// on the same keywords/projects join quota.Engine.CheckKeywordCount uses
// for the durable keyword-count quota.
func LoadProjectKeywords(ctx context.Context, db *sql.DB, projectID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT k.keyword FROM keywords k JOIN projects p ON p.id = k.project_id
		WHERE p.id = $1 ORDER BY k.created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load project keywords: %w", err)
	}
	defer rows.Close()

	var keywords []string
	for rows.Next() {
		var keyword string
		if err := rows.Scan(&keyword); err != nil {
			return nil, fmt.Errorf("orchestrator: scan keyword: %w", err)
		}
		keywords = append(keywords, keyword)
	}
	return keywords, rows.Err()
}

// SubmitSERPTracking fans out one rank-tracker job per keyword in
// keywords, admitting each independently against the tenant's serp_jobs
// quota rather than gating the whole batch on a single all-or-nothing
// check: a starter-plan tenant at 4998/5000 submitting 10 keywords gets 2
// jobs enqueued and 8 rejected, with one quota.exceeded event carrying the
// full requested count rather than one event per rejected keyword.
func SubmitSERPTracking(ctx context.Context, db *sql.DB, client *asynq.Client, bus *eventbus.Bus, quotaEng QuotaChecker, tenant *entity.Tenant, input FlowInput, keywords []string) (SERPTrackingResult, error) {
	limit := quota.EffectiveLimit(tenant, valueobject.QuotaSERPJobs)

	// Read usage once before admitting anything: the quota.exceeded event
	// reports the batch against pre-call usage, not whatever the counter
	// reached by the time the first keyword was rejected.
	preCallUsage, err := quotaEng.CurrentUsage(ctx, tenant.ID, valueobject.QuotaSERPJobs)
	if err != nil {
		return SERPTrackingResult{}, fmt.Errorf("orchestrator: read serp usage: %w", err)
	}

	var nodes []*entity.FlowNode
	var exceeded *apperror.QuotaExceeded

	for _, keyword := range keywords {
		seed := make(map[string]any, len(input.Seed)+1)
		for k, v := range input.Seed {
			seed[k] = v
		}
		seed["keyword"] = keyword

		if _, err := quotaEng.CheckAndIncrement(ctx, tenant.ID, valueobject.QuotaSERPJobs, 1, limit); err != nil {
			var qe *apperror.QuotaExceeded
			if errors.As(err, &qe) {
				if exceeded == nil {
					exceeded = qe
				}
				continue
			}
			return SERPTrackingResult{}, fmt.Errorf("orchestrator: serp tracking quota check: %w", err)
		}

		nodes = append(nodes, newNode(FlowInput{TenantID: tenant.ID, ProjectID: input.ProjectID, Seed: seed}, agent.AgentRankTracker, queue.QueueSmartAgents))
	}

	result := SERPTrackingResult{Enqueued: len(nodes), Rejected: len(keywords) - len(nodes)}

	if len(nodes) > 0 {
		d := &DAG{FlowName: SERPTrackingFlowName, JobID: uuid.NewString(), Nodes: nodes}
		if err := d.Submit(ctx, db, client); err != nil {
			return SERPTrackingResult{}, err
		}
		result.FlowJobID = d.JobID
	}

	if exceeded != nil {
		exceeded.Current = preCallUsage
		exceeded.Requested = int64(len(keywords))

		shouldAlert, err := checkAlertGate(ctx, db, quotaEng, tenant.ID, exceeded.Period)
		if err != nil {
			return SERPTrackingResult{}, err
		}

		if shouldAlert {
			if _, err := bus.Publish(ctx, tenant.ID, valueobject.EventQuotaExceeded, input.ProjectID, map[string]any{
				"kind":      exceeded.Kind,
				"period":    exceeded.Period,
				"limit":     exceeded.Limit,
				"current":   exceeded.Current,
				"requested": exceeded.Requested,
			}); err != nil {
				return SERPTrackingResult{}, fmt.Errorf("orchestrator: publish quota.exceeded: %w", err)
			}
		}
	}

	return result, nil
}

// checkAlertGate claims the tenant's hourly quota.exceeded alert slot in
// its own short transaction, so at most one alert fires per tenant per
// hour no matter how many submissions reject in that window.
func checkAlertGate(ctx context.Context, db *sql.DB, quotaEng QuotaChecker, tenantID, period string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("orchestrator: begin alert gate tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	shouldAlert, err := quotaEng.CheckMonthlyAlertGate(ctx, tx, tenantID, period)
	if err != nil {
		return false, fmt.Errorf("orchestrator: alert gate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("orchestrator: commit alert gate: %w", err)
	}
	return shouldAlert, nil
}
