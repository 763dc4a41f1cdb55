// Package orchestrator implements the flow orchestrator: four DAG
// templates as pure functions, an atomic Submit, and a coordinator that
// reacts to agent lifecycle events to decide when a waiting flow_nodes row
// becomes runnable — since asynq itself has no native waiting-children
// primitive.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aiseo-platform/orchestrator/internal/agent"
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/queue"
)

// FlowInput is the caller-supplied input to a DAG template.
type FlowInput struct {
	TenantID  string
	ProjectID string
	Seed      map[string]any
	Approved  bool // required by SEOContentPipeline's publish node
}

// DAG is a not-yet-submitted node set for one flow instance.
type DAG struct {
	FlowName string
	JobID    string
	Nodes    []*entity.FlowNode
}

func newNode(input FlowInput, agentID, queueName string, dependsOn ...string) *entity.FlowNode {
	payload, _ := json.Marshal(queue.AgentPayload{
		TenantID:  input.TenantID,
		ProjectID: input.ProjectID,
		AgentID:   agentID,
		Input:     mustMarshal(input.Seed),
	})
	return &entity.FlowNode{
		ID:        uuid.NewString(),
		TenantID:  input.TenantID,
		ProjectID: input.ProjectID,
		AgentID:   agentID,
		QueueName: queueName,
		Payload:   payload,
		DependsOn: dependsOn,
	}
}

func mustMarshal(v map[string]any) json.RawMessage {
	if v == nil {
		v = map[string]any{}
	}
	data, _ := json.Marshal(v)
	return data
}

// ErrPublishNotApproved is returned by SEOContentPipeline when the caller
// has not set FlowInput.Approved — the publish node is never created, not
// merely skipped at runtime.
var ErrPublishNotApproved = fmt.Errorf("orchestrator: publish node requires FlowInput.Approved")

// SEOContentPipeline is a linear 4-stage chain: a 2-node parallel
// research fan-in (keyword research + competitor monitoring) feeding one
// outline node, feeding one write node, feeding one publish node. The
// publish node requires FlowInput.Approved; an unapproved request never
// constructs the node, surfacing as a validation error rather than a
// silently-skipped stage.
func SEOContentPipeline(input FlowInput) (*DAG, error) {
	if !input.Approved {
		return nil, ErrPublishNotApproved
	}

	keywordResearch := newNode(input, agent.AgentKeywordResearch, queue.QueueSmartAgents)
	competitorMonitoring := newNode(input, agent.AgentCompetitorMonitoring, queue.QueueSmartAgents)
	outline := newNode(input, agent.AgentContentOutline, queue.QueueSmartAgents, keywordResearch.ID, competitorMonitoring.ID)
	write := newNode(input, agent.AgentContentWriter, queue.QueueSmartAgents, outline.ID)
	publish := newNode(input, agent.AgentContentPublisher, queue.QueueSmartAgents, write.ID)

	return &DAG{
		FlowName: "seo-content-pipeline",
		JobID:    uuid.NewString(),
		Nodes:    []*entity.FlowNode{keywordResearch, competitorMonitoring, outline, write, publish},
	}, nil
}

// SEOMonitoringPipeline is 5 independent nodes with no dependencies
// between them.
func SEOMonitoringPipeline(input FlowInput) (*DAG, error) {
	nodes := []*entity.FlowNode{
		newNode(input, agent.AgentRankTracker, queue.QueueSmartAgents),
		newNode(input, agent.AgentBacklinkMonitor, queue.QueueSmartAgents),
		newNode(input, agent.AgentTechnicalAudit, queue.QueueSmartAgents),
		newNode(input, agent.AgentPagespeedAudit, queue.QueueSmartAgents),
		newNode(input, agent.AgentSchemaAudit, queue.QueueSmartAgents),
	}
	return &DAG{FlowName: "seo-monitoring-pipeline", JobID: uuid.NewString(), Nodes: nodes}, nil
}

// auditAgentIDs is the 9 independent audit agents SEOComprehensiveAudit
// fans out to before the single report node.
var auditAgentIDs = []string{
	agent.AgentKeywordResearch,
	agent.AgentCompetitorMonitoring,
	agent.AgentRankTracker,
	agent.AgentBacklinkMonitor,
	agent.AgentTechnicalAudit,
	agent.AgentPagespeedAudit,
	agent.AgentSchemaAudit,
	agent.AgentLocalListingAudit,
	agent.AgentContentOutline,
}

// SEOComprehensiveAudit is 9 independent audit nodes feeding 1
// report-generation node that depends on all 9.
func SEOComprehensiveAudit(input FlowInput) (*DAG, error) {
	nodes := make([]*entity.FlowNode, 0, len(auditAgentIDs)+1)
	auditIDs := make([]string, 0, len(auditAgentIDs))

	for _, agentID := range auditAgentIDs {
		n := newNode(input, agentID, queue.QueueSmartAgents)
		nodes = append(nodes, n)
		auditIDs = append(auditIDs, n.ID)
	}

	report := newNode(input, agent.AgentReportGenerator, queue.QueueSmartAgents, auditIDs...)
	nodes = append(nodes, report)

	return &DAG{FlowName: "seo-comprehensive-audit", JobID: uuid.NewString(), Nodes: nodes}, nil
}

// LocalSEOOptimization is 1 audit node feeding 1 report node.
func LocalSEOOptimization(input FlowInput) (*DAG, error) {
	audit := newNode(input, agent.AgentLocalListingAudit, queue.QueueSmartAgents)
	report := newNode(input, agent.AgentReportGenerator, queue.QueueSmartAgents, audit.ID)
	return &DAG{FlowName: "local-seo-optimization", JobID: uuid.NewString(), Nodes: []*entity.FlowNode{audit, report}}, nil
}

// Submit persists every node and writes flow.started to the outbox in one
// transaction, enqueueing the leaves before it commits. Any failure rolls
// back the transaction; leaf tasks enqueued before the failure stay
// enqueued. Subscribers see flow.started once the outbox dispatcher
// drains it.
func (d *DAG) Submit(ctx context.Context, db *sql.DB, client *asynq.Client) error {
	if err := queue.SubmitFlow(ctx, db, client, d.JobID, d.FlowName, d.Nodes); err != nil {
		return fmt.Errorf("orchestrator: submit flow %s: %w", d.FlowName, err)
	}
	return nil
}
