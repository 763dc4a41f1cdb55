package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"

	"github.com/aiseo-platform/orchestrator/internal/agent"
	"github.com/aiseo-platform/orchestrator/internal/apperror"
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/quota"
	"github.com/aiseo-platform/orchestrator/internal/queue"
)

// QuotaChecker is the subset of quota.Engine the handler needs, narrowed
// to an interface so tests can substitute a fake without a real Redis.
type QuotaChecker interface {
	CheckAndIncrement(ctx context.Context, tenantID string, kind valueobject.QuotaKind, delta, limit int64) (quota.Result, error)
}

// Handler holds the dependencies the uniform agent-dispatch handler needs:
// the agent registry, the event bus, the quota engine, a tenant lookup for
// plan-aware limits, and the base directory every invocation's isolated
// workspace is created under.
type Handler struct {
	registry   *agent.Registry
	bus        *eventbus.Bus
	quotaEng   QuotaChecker
	tenants    TenantLookup
	baseDir    string
	logger     logging.Logger
	skipAgents map[string]bool
}

// NewHandler builds a Handler.
func NewHandler(registry *agent.Registry, bus *eventbus.Bus, quotaEng QuotaChecker, tenants TenantLookup, baseDir string, skipAgents []string, logger logging.Logger) *Handler {
	skip := make(map[string]bool, len(skipAgents))
	for _, a := range skipAgents {
		skip[a] = true
	}
	return &Handler{registry: registry, bus: bus, quotaEng: quotaEng, tenants: tenants, baseDir: baseDir, skipAgents: skip, logger: logger}
}

// dispatch is the uniform asynq handler func for queue.TaskTypeAgentInvoke.
// It recovers from any panic in the agent invocation and converts it to a
// terminal agent.task.failed event, keeping the invariant that every
// started job produces exactly one completion or terminal-failure event.
func (h *Handler) dispatch(ctx context.Context, t *asynq.Task) (err error) {
	var payload queue.AgentPayload
	if unmarshalErr := json.Unmarshal(t.Payload(), &payload); unmarshalErr != nil {
		return fmt.Errorf("worker: unmarshal payload: %v: %w", unmarshalErr, asynq.SkipRetry)
	}

	if payload.TenantID == "" || payload.AgentID == "" {
		return fmt.Errorf("worker: missing tenantId/agentId: %w", asynq.SkipRetry)
	}

	if h.skipAgents[payload.AgentID] {
		return asynq.SkipRetry
	}

	meta := jobMetaFromContext(ctx)
	log := h.logger.With("tenant_id", payload.TenantID, "agent_id", payload.AgentID, "job_id", meta.jobID, "attempt", meta.attempt)

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker: panic in agent invocation", "panic", r)
			h.publishFailed(ctx, payload, meta, fmt.Errorf("panic: %v", r), false)
			err = fmt.Errorf("worker: recovered panic: %v: %w", r, asynq.SkipRetry)
		}
	}()

	return h.run(ctx, payload, meta, log)
}

// jobMeta is the broker-assigned identity of one delivery attempt, echoed
// into every lifecycle event so consumers can correlate started/completed/
// failed pairs per job rather than per agent.
type jobMeta struct {
	jobID       string
	queueName   string
	attempt     int
	maxAttempts int
}

// jobMetaFromContext reads asynq's task metadata off ctx. A bare context
// (tests driving dispatch directly) yields attempt 1 against the default
// policy rather than an error.
func jobMetaFromContext(ctx context.Context) jobMeta {
	meta := jobMeta{attempt: 1, maxAttempts: entity.DefaultMaxAttempts}
	if id, ok := asynq.GetTaskID(ctx); ok {
		meta.jobID = id
	}
	if q, ok := asynq.GetQueueName(ctx); ok {
		meta.queueName = q
	}
	if n, ok := asynq.GetRetryCount(ctx); ok {
		meta.attempt = n + 1
	}
	if m, ok := asynq.GetMaxRetry(ctx); ok {
		meta.maxAttempts = m + 1
	}
	return meta
}

func (h *Handler) run(ctx context.Context, payload queue.AgentPayload, meta jobMeta, log logging.Logger) error {
	tenant, err := h.tenants.GetTenant(ctx, payload.TenantID)
	if err != nil {
		h.publishFailed(ctx, payload, meta, err, false)
		return fmt.Errorf("worker: %w: %w", err, asynq.SkipRetry)
	}

	kind := agent.QuotaKindForAgent(payload.AgentID)
	limit := quota.EffectiveLimit(tenant, kind)

	res, err := h.quotaEng.CheckAndIncrement(ctx, payload.TenantID, kind, 1, limit)
	if err != nil {
		var qe *apperror.QuotaExceeded
		if errors.As(err, &qe) {
			h.publishFailed(ctx, payload, meta, qe, false)
			return fmt.Errorf("worker: quota exceeded: %w", asynq.SkipRetry)
		}
		return err
	}
	_ = res

	h.publishEvent(ctx, payload, meta, valueobject.EventAgentTaskStarted, map[string]any{"progress": 10})

	workspace, err := os.MkdirTemp(h.baseDir, payload.AgentID+"-")
	if err != nil {
		return fmt.Errorf("worker: create workspace: %w", err)
	}
	workspace = filepath.Clean(workspace)
	defer os.RemoveAll(workspace)

	h.publishEvent(ctx, payload, meta, valueobject.EventAgentTaskStarted, map[string]any{"progress": 30})

	a, err := h.registry.Get(payload.AgentID)
	if err != nil {
		h.publishFailed(ctx, payload, meta, err, false)
		return fmt.Errorf("worker: %w: %w", err, asynq.SkipRetry)
	}

	actx := &agent.Context{
		TenantID:      payload.TenantID,
		ProjectID:     payload.ProjectID,
		AgentID:       payload.AgentID,
		WorkspacePath: workspace,
		EventBus:      h.bus,
		Subagents:     agent.NewSubagentExecutor(h.registry),
		Depth:         payload.Depth,
	}

	output, err := a.Run(ctx, actx, payload.Input)
	if err != nil {
		log.Warn("worker: agent invocation failed", "error", err)
		h.publishFailed(ctx, payload, meta, err, meta.attempt < meta.maxAttempts)
		return err
	}

	h.publishEvent(ctx, payload, meta, valueobject.EventAgentTaskCompleted, map[string]any{
		"progress": 100,
		"result":   json.RawMessage(output),
	})
	return nil
}

func (h *Handler) publishEvent(ctx context.Context, payload queue.AgentPayload, meta jobMeta, eventType valueobject.EventType, data map[string]any) {
	body := map[string]any{
		"queue":     meta.queueName,
		"agentName": payload.AgentID,
		"jobId":     meta.jobID,
		"attempt":   meta.attempt,
	}
	if payload.FlowNodeID != "" {
		body["flowNodeId"] = payload.FlowNodeID
		body["flowJobId"] = payload.FlowJobID
	}
	for k, v := range data {
		body[k] = v
	}
	if _, err := h.bus.Publish(ctx, payload.TenantID, eventType, payload.ProjectID, body); err != nil {
		h.logger.Warn("worker: failed to publish event", "error", err, "event_type", string(eventType))
	}
}

func (h *Handler) publishFailed(ctx context.Context, payload queue.AgentPayload, meta jobMeta, cause error, willRetry bool) {
	h.publishEvent(ctx, payload, meta, valueobject.EventAgentTaskFailed, map[string]any{
		"error":     cause.Error(),
		"willRetry": willRetry,
	})
}
