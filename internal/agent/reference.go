package agent

import (
	"context"
	"encoding/json"

	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
)

// Reference agent ids. These are the twelve names the orchestrator's DAG
// templates refer to; RegisterReferenceAgents binds each to a
// deterministic AgentFunc so the worker and orchestrator are testable
// end to end without a real LLM-backed implementation; the agents'
// actual business logic lives outside this substrate.
const (
	AgentKeywordResearch      = "keyword-research"
	AgentCompetitorMonitoring = "competitor-monitoring"
	AgentContentOutline       = "content-outline"
	AgentContentWriter        = "content-writer"
	AgentContentPublisher     = "content-publisher"
	AgentRankTracker          = "rank-tracker"
	AgentBacklinkMonitor      = "backlink-monitor"
	AgentTechnicalAudit       = "technical-audit"
	AgentPagespeedAudit       = "pagespeed-audit"
	AgentSchemaAudit          = "schema-audit"
	AgentLocalListingAudit    = "local-listing-audit"
	AgentReportGenerator      = "report-generator"
)

// echoResult is the uniform deterministic output shape every reference
// agent returns, letting tests assert on agentId/input round-tripping
// without modeling each agent's real output schema.
type echoResult struct {
	AgentID string          `json:"agentId"`
	Input   json.RawMessage `json:"input"`
	Status  string          `json:"status"`
}

func echoAgent(id string) AgentFunc {
	return func(_ context.Context, actx *Context, input json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(echoResult{AgentID: id, Input: input, Status: "ok"})
	}
}

// serpAgents consume the serp_jobs quota counter; crawlAgents consume
// crawl_jobs. Every other registered agent is billed against api_calls.
var serpAgents = map[string]bool{
	AgentRankTracker: true,
}

var crawlAgents = map[string]bool{
	AgentTechnicalAudit:    true,
	AgentPagespeedAudit:    true,
	AgentSchemaAudit:       true,
	AgentLocalListingAudit: true,
	AgentBacklinkMonitor:   true,
}

// QuotaKindForAgent classifies agentID into the quota counter the worker
// should pre-check and increment before invoking it.
func QuotaKindForAgent(agentID string) valueobject.QuotaKind {
	switch {
	case serpAgents[agentID]:
		return valueobject.QuotaSERPJobs
	case crawlAgents[agentID]:
		return valueobject.QuotaCrawlJobs
	default:
		return valueobject.QuotaAPICalls
	}
}

// RegisterReferenceAgents binds every reference agent id into registry.
func RegisterReferenceAgents(registry *Registry) {
	for _, id := range []string{
		AgentKeywordResearch,
		AgentCompetitorMonitoring,
		AgentContentOutline,
		AgentContentWriter,
		AgentContentPublisher,
		AgentRankTracker,
		AgentBacklinkMonitor,
		AgentTechnicalAudit,
		AgentPagespeedAudit,
		AgentSchemaAudit,
		AgentLocalListingAudit,
		AgentReportGenerator,
	} {
		registry.Register(id, echoAgent(id))
	}
}
