// Package queue names the substrate's three asynq queues and the
// task-construction helpers every producer goes through; a single generic
// agent-invocation task type carries an AgentID field instead of one task
// type per agent.
package queue

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// Queue names and their priority weights.
const (
	QueueOrchestrator = "orchestrator"
	QueueSmartAgents  = "smart-agents"
	QueueAutoTasks    = "auto-tasks"
)

// Weights is the asynq.Config.Queues map every asynq.Server/Scheduler in
// this substrate is constructed with.
var Weights = map[string]int{
	QueueOrchestrator: 6,
	QueueSmartAgents:  3,
	QueueAutoTasks:    1,
}

// TaskTypeAgentInvoke is the single task type dispatched to every agent
// invocation; the agent to run is carried in AgentPayload.AgentID rather
// than encoded as a distinct task type per agent.
const TaskTypeAgentInvoke = "agent:invoke"

// AgentPayload is the uniform task payload the job worker decodes for
// every agent invocation.
type AgentPayload struct {
	TenantID  string          `json:"tenantId"`
	ProjectID string          `json:"projectId,omitempty"`
	AgentID   string          `json:"agentId"`
	Input     json.RawMessage `json:"input"`

	FlowJobID  string `json:"flowJobId,omitempty"`
	FlowNodeID string `json:"flowNodeId,omitempty"`

	Depth int `json:"depth"`
}

// SubmitOptions controls per-submission retry/backoff/queue policy,
// defaulting to MaxRetry(3) with exponential base-2s backoff.
type SubmitOptions struct {
	Queue       string
	MaxAttempts int
	Delay       time.Duration
}

// DefaultSubmitOptions returns the default retry policy for the given
// queue.
func DefaultSubmitOptions(queue string) SubmitOptions {
	return SubmitOptions{Queue: queue, MaxAttempts: 3}
}

// RetryDelayFunc implements exponential backoff with a 2s base,
// overriding asynq's own default retry delay function.
func RetryDelayFunc(n int, _ error, _ *asynq.Task) time.Duration {
	d := 2 * time.Second
	for i := 0; i < n; i++ {
		d *= 2
	}
	return d
}

// NewAgentInvokeTask builds the asynq.Task for one agent invocation.
func NewAgentInvokeTask(payload AgentPayload, opts SubmitOptions) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	asynqOpts := []asynq.Option{asynq.Queue(opts.Queue)}
	if opts.MaxAttempts > 0 {
		asynqOpts = append(asynqOpts, asynq.MaxRetry(opts.MaxAttempts))
	}
	if opts.Delay > 0 {
		asynqOpts = append(asynqOpts, asynq.ProcessIn(opts.Delay))
	}

	return asynq.NewTask(TaskTypeAgentInvoke, data, asynqOpts...), nil
}
