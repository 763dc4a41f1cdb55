package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aiseo-platform/orchestrator/internal/agent"
	"github.com/aiseo-platform/orchestrator/internal/apperror"
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/queue"
	"github.com/aiseo-platform/orchestrator/internal/quota"
)

type fakeQuota struct {
	exceeded bool
}

func (f *fakeQuota) CheckAndIncrement(_ context.Context, _ string, _ valueobject.QuotaKind, _, _ int64) (quota.Result, error) {
	if f.exceeded {
		return quota.Result{OK: false}, &apperror.QuotaExceeded{Kind: "api_calls"}
	}
	return quota.Result{OK: true, Current: 1}, nil
}

// fakeTenants resolves every tenantID to a fixed plan, defaulting to
// starter, so tests can exercise the handler's plan-aware quota
// resolution without a real database.
type fakeTenants struct {
	plan valueobject.Plan
}

func (f *fakeTenants) GetTenant(_ context.Context, tenantID string) (*entity.Tenant, error) {
	plan := f.plan
	if plan == "" {
		plan = valueobject.PlanStarter
	}
	return &entity.Tenant{ID: tenantID, Plan: plan}, nil
}

func newTestHandler(t *testing.T, q QuotaChecker) (*Handler, *eventbus.Subscription) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client, logging.Nop())

	registry := agent.NewRegistry()
	agent.RegisterReferenceAgents(registry)

	sub, err := bus.SubscribeAll(context.Background())
	require.NoError(t, err)

	h := NewHandler(registry, bus, q, &fakeTenants{}, t.TempDir(), nil, logging.Nop())
	return h, sub
}

func TestHandler_DispatchHappyPath(t *testing.T) {
	h, sub := newTestHandler(t, &fakeQuota{})
	defer sub.Stop()

	payload := queue.AgentPayload{
		TenantID: "tenant-1",
		AgentID:  agent.AgentKeywordResearch,
		Input:    json.RawMessage(`{"seed":"x"}`),
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	task := asynq.NewTask(queue.TaskTypeAgentInvoke, data)
	err = h.dispatch(context.Background(), task)
	require.NoError(t, err)

	seen := map[valueobject.EventType]*entity.Event{}
	for i := 0; i < 3; i++ {
		ev := <-sub.Events
		seen[ev.Type] = ev
	}
	require.NotNil(t, seen[valueobject.EventAgentTaskStarted])
	require.NotNil(t, seen[valueobject.EventAgentTaskCompleted])

	started := seen[valueobject.EventAgentTaskStarted]
	require.Equal(t, agent.AgentKeywordResearch, started.Payload["agentName"])
	require.EqualValues(t, 1, started.Payload["attempt"])

	completed := seen[valueobject.EventAgentTaskCompleted]
	require.EqualValues(t, 100, completed.Payload["progress"])
}

// TestHandler_DispatchFailedAgentEmitsWillRetryAndEchoesFlowIDs registers a
// deterministically failing agent and confirms the failed event carries
// willRetry=true on a first attempt plus the flow identifiers the
// coordinator keys on to advance or fail the surrounding flow.
func TestHandler_DispatchFailedAgentEmitsWillRetryAndEchoesFlowIDs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client, logging.Nop())

	registry := agent.NewRegistry()
	registry.Register("always-fails", agent.AgentFunc(func(_ context.Context, _ *agent.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, assertFailErr{}
	}))

	sub, err := bus.SubscribeAll(context.Background())
	require.NoError(t, err)
	defer sub.Stop()

	h := NewHandler(registry, bus, &fakeQuota{}, &fakeTenants{}, t.TempDir(), nil, logging.Nop())

	payload := queue.AgentPayload{
		TenantID:   "tenant-1",
		AgentID:    "always-fails",
		FlowJobID:  "flow-1",
		FlowNodeID: "node-1",
	}
	data, _ := json.Marshal(payload)

	err = h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry, "a transient agent failure must stay retryable")

	var failed *entity.Event
	for failed == nil {
		select {
		case ev := <-sub.Events:
			if ev.Type == valueobject.EventAgentTaskFailed {
				failed = ev
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for agent.task.failed")
		}
	}

	require.Equal(t, true, failed.Payload["willRetry"])
	require.Equal(t, "node-1", failed.Payload["flowNodeId"])
	require.Equal(t, "flow-1", failed.Payload["flowJobId"])
}

type assertFailErr struct{}

func (assertFailErr) Error() string { return "transient upstream failure" }

func TestHandler_DispatchMissingTenantIDIsPermanentFailure(t *testing.T) {
	h, sub := newTestHandler(t, &fakeQuota{})
	defer sub.Stop()

	payload := queue.AgentPayload{AgentID: agent.AgentKeywordResearch}
	data, _ := json.Marshal(payload)

	err := h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandler_DispatchQuotaExceededSkipsRetry(t *testing.T) {
	h, sub := newTestHandler(t, &fakeQuota{exceeded: true})
	defer sub.Stop()

	payload := queue.AgentPayload{TenantID: "tenant-1", AgentID: agent.AgentKeywordResearch}
	data, _ := json.Marshal(payload)

	err := h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)

	ev := <-sub.Events
	require.Equal(t, valueobject.EventAgentTaskFailed, ev.Type)
}

func TestHandler_DispatchUnknownAgentSkipsRetry(t *testing.T) {
	h, sub := newTestHandler(t, &fakeQuota{})
	defer sub.Stop()

	payload := queue.AgentPayload{TenantID: "tenant-1", AgentID: "not-a-real-agent"}
	data, _ := json.Marshal(payload)

	err := h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandler_DispatchSkippedAgentReturnsSkipRetryWithoutRunning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client, logging.Nop())
	registry := agent.NewRegistry()
	agent.RegisterReferenceAgents(registry)

	h := NewHandler(registry, bus, &fakeQuota{}, &fakeTenants{}, t.TempDir(), []string{agent.AgentKeywordResearch}, logging.Nop())

	sub, err := bus.SubscribeAll(context.Background())
	require.NoError(t, err)
	defer sub.Stop()

	payload := queue.AgentPayload{TenantID: "tenant-1", AgentID: agent.AgentKeywordResearch}
	data, _ := json.Marshal(payload)

	err = h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.ErrorIs(t, err, asynq.SkipRetry)

	select {
	case ev := <-sub.Events:
		t.Fatalf("skipped agent must not run, got %s event", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestHandler_DispatchResolvesQuotaKindAndPlanLimit exercises the real
// quota.Engine (not a fake) to confirm the handler resolves a SERP-class
// agent against the serp_jobs counter and the tenant's plan limit, not
// the fixed (api_calls, unlimited) check this handler used to hardcode.
func TestHandler_DispatchResolvesQuotaKindAndPlanLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(redisClient, logging.Nop())
	registry := agent.NewRegistry()
	agent.RegisterReferenceAgents(registry)

	quotaEng := quota.New(redisClient, nil, logging.Nop())
	h := NewHandler(registry, bus, quotaEng, &fakeTenants{plan: valueobject.PlanStarter}, t.TempDir(), nil, logging.Nop())

	sub, err := bus.SubscribeAll(context.Background())
	require.NoError(t, err)
	defer sub.Stop()

	payload := queue.AgentPayload{TenantID: "tenant-1", AgentID: agent.AgentRankTracker}
	data, _ := json.Marshal(payload)

	err = h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.NoError(t, err)

	period := time.Now().UTC().Format("2006-01")
	got, err := redisClient.Get(context.Background(), "quota:tenant-1:"+period+":serp_jobs").Result()
	require.NoError(t, err)
	require.Equal(t, "1", got, "the increment must land under serp_jobs, not api_calls")
}

// TestHandler_DispatchRejectsWhenPlanLimitExhausted seeds the starter
// plan's serp_jobs counter at its 5000/month limit
// and confirms the very next rank-tracker invocation is rejected as
// QUOTA_EXCEEDED instead of silently passing through an unlimited check.
func TestHandler_DispatchRejectsWhenPlanLimitExhausted(t *testing.T) {
	mr := miniredis.RunT(t)
	period := time.Now().UTC().Format("2006-01")
	require.NoError(t, mr.Set("quota:tenant-1:"+period+":serp_jobs", "5000"))

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(redisClient, logging.Nop())
	registry := agent.NewRegistry()
	agent.RegisterReferenceAgents(registry)

	quotaEng := quota.New(redisClient, nil, logging.Nop())
	h := NewHandler(registry, bus, quotaEng, &fakeTenants{plan: valueobject.PlanStarter}, t.TempDir(), nil, logging.Nop())

	sub, err := bus.SubscribeAll(context.Background())
	require.NoError(t, err)
	defer sub.Stop()

	payload := queue.AgentPayload{TenantID: "tenant-1", AgentID: agent.AgentRankTracker}
	data, _ := json.Marshal(payload)

	err = h.dispatch(context.Background(), asynq.NewTask(queue.TaskTypeAgentInvoke, data))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)

	ev := <-sub.Events
	require.Equal(t, valueobject.EventAgentTaskFailed, ev.Type)
}
