package entity

import (
	"encoding/json"
	"time"

	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
)

// DefaultMaxAttempts is the default retry budget for a job.
const DefaultMaxAttempts = 3

// BackoffBase is the exponential backoff base duration.
const BackoffBase = 2 * time.Second

// Job is a single agent invocation, queue-assigned an id on enqueue.
type Job struct {
	ID       string `json:"id" db:"id"`
	QueueName string `json:"queueName" db:"queue_name"`
	AgentID   string `json:"agentId" db:"agent_id"`
	TenantID  string `json:"tenantId" db:"tenant_id"`
	ProjectID string `json:"projectId,omitempty" db:"project_id"`

	Payload json.RawMessage `json:"payload" db:"payload"`

	Attempt     int `json:"attempt" db:"attempt"`
	MaxAttempts int `json:"maxAttempts" db:"max_attempts"`

	Progress int                  `json:"progress" db:"progress"`
	State    valueobject.JobState `json:"state" db:"state"`

	ParentJobID string   `json:"parentJobId,omitempty" db:"parent_job_id"`
	ChildJobIDs []string `json:"childJobIds,omitempty" db:"-"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// NextBackoff computes the exponential backoff delay for the given attempt
// (1-based), capped implicitly by the caller's max-attempts policy.
func NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
