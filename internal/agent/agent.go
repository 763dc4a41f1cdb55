// Package agent models the invocation contract the job worker dispatches
// into: a process-wide registry mapping agentID to Agent, and a
// SubagentExecutor that lets an agent recursively invoke another agent up
// to a bounded depth. This package does not implement any of the twelve
// agents' real SEO business logic; it ships a handful of deterministic
// reference agents so the
// worker and orchestrator are independently testable against the
// contract.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aiseo-platform/orchestrator/internal/apperror"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
)

// MaxDepth bounds subagent recursion.
const MaxDepth = 3

// Tool is an auxiliary capability (SERP fetch, CMS publish, LLM call)
// handed to an agent through its Context. Implementations live with the
// process wiring; this package only defines the contract agents invoke
// them through.
type Tool interface {
	Name() string
	Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Context carries everything an Agent.Run call needs, scoped to one
// invocation.
type Context struct {
	TenantID      string
	ProjectID     string
	AgentID       string
	WorkspacePath string
	Tools         map[string]Tool
	EventBus      *eventbus.Bus
	Subagents     *SubagentExecutor
	Depth         int
}

// Agent is the uniform contract every agent id resolves to.
type Agent interface {
	Run(ctx context.Context, actx *Context, input json.RawMessage) (json.RawMessage, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, actx *Context, input json.RawMessage) (json.RawMessage, error)

// Run implements Agent.
func (f AgentFunc) Run(ctx context.Context, actx *Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, actx, input)
}

// Registry is a process-wide, concurrency-safe map of agentID to Agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces the Agent for id.
func (r *Registry) Register(id string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
}

// Get looks up id, returning apperror.ErrAgentNotRegistered if absent.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, apperror.ErrAgentNotRegistered)
	}
	return a, nil
}

// IDs returns every registered agent id, in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// SubagentExecutor is the opaque handle an Agent.Run implementation uses
// to invoke another agent. It holds only a Registry reference; the depth
// comes from the parent Context passed to Invoke, so recursion is bounded
// without the executor itself carrying any other state.
type SubagentExecutor struct {
	registry *Registry
}

// NewSubagentExecutor builds a SubagentExecutor over registry.
func NewSubagentExecutor(registry *Registry) *SubagentExecutor {
	return &SubagentExecutor{registry: registry}
}

// Invoke runs agentID with parentDepth+1, refusing without invoking the
// target once the next depth would exceed MaxDepth.
func (s *SubagentExecutor) Invoke(ctx context.Context, parent *Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	nextDepth := parent.Depth + 1
	if nextDepth > MaxDepth {
		return nil, fmt.Errorf("agent %q at depth %d: %w", agentID, nextDepth, apperror.ErrDepthExceeded)
	}

	a, err := s.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	childCtx := &Context{
		TenantID:      parent.TenantID,
		ProjectID:     parent.ProjectID,
		AgentID:       agentID,
		WorkspacePath: parent.WorkspacePath,
		Tools:         parent.Tools,
		EventBus:      parent.EventBus,
		Subagents:     s,
		Depth:         nextDepth,
	}

	return a.Run(ctx, childCtx, input)
}
