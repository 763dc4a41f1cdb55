package entity

import "github.com/aiseo-platform/orchestrator/internal/domain/valueobject"

// Event is the per-tenant ordered record published on the event bus and
// mirrored into the outbox for durable-first event types.
type Event struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	TenantID  string                 `json:"tenantId"`
	ProjectID string                 `json:"projectId,omitempty"`
	Type      valueobject.EventType  `json:"type"`
	Payload   map[string]any         `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

// OutboxRow is a durable, dispatch-tracked record of an event emitted as a
// byproduct of a database transaction.
type OutboxRow struct {
	ID          int64          `db:"id"`
	EventType   valueobject.EventType `db:"event_type"`
	Payload     map[string]any `db:"payload"`
	Dispatched  bool           `db:"dispatched"`
	DispatchedAt *int64        `db:"dispatched_at"`
	RetryCount  int            `db:"retry_count"`
	LastError   *string        `db:"last_error"`
}

// MaxOutboxRetries is the retry_count at which dispatch stops and the
// row is left for operator inspection.
const MaxOutboxRetries = 3
