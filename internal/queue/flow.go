package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/outbox"
)

// SubmitFlow inserts every node of a DAG into flow_nodes inside one
// Postgres transaction, writes the flow.started event to the outbox in
// that same transaction (it is a durable-first event type; the dispatcher
// publishes it to the bus when it drains), then enqueues every leaf
// (no-dependency) node one task at a time before committing. Any failure
// rolls back every row, but leaf tasks already enqueued before the failure
// are not withdrawn (see enqueueLeaves).
func SubmitFlow(ctx context.Context, db *sql.DB, client *asynq.Client, flowJobID, flowName string, nodes []*entity.FlowNode) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin flow submit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	for _, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.FlowJobID = flowJobID
		n.FlowName = flowName

		// Stamp the flow identifiers into the task payload so the worker
		// echoes them back on lifecycle events and the coordinator can map
		// an agent.task.completed/failed event to this flow_nodes row.
		var p AgentPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return fmt.Errorf("queue: decode node %s payload: %w", n.ID, err)
		}
		p.FlowJobID = flowJobID
		p.FlowNodeID = n.ID
		stamped, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("queue: stamp node %s payload: %w", n.ID, err)
		}
		n.Payload = stamped
		if n.IsLeaf() {
			n.State = entity.FlowNodeRunnable
		} else {
			n.State = entity.FlowNodeWaiting
		}
		n.CreatedAt = now
		n.UpdatedAt = now

		dependsOn, err := json.Marshal(n.DependsOn)
		if err != nil {
			return fmt.Errorf("queue: marshal depends_on: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO flow_nodes
				(id, flow_job_id, flow_name, tenant_id, project_id, agent_id, queue_name, payload, depends_on, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, n.ID, n.FlowJobID, n.FlowName, n.TenantID, n.ProjectID, n.AgentID, n.QueueName, n.Payload, dependsOn, n.State, n.CreatedAt, n.UpdatedAt)
		if err != nil {
			return fmt.Errorf("queue: insert flow node %s: %w", n.ID, err)
		}
	}

	if len(nodes) > 0 {
		err := outbox.Enqueue(ctx, tx, nodes[0].TenantID, nodes[0].ProjectID, valueobject.EventFlowStarted, map[string]any{
			"flowJobId": flowJobID,
			"flowName":  flowName,
			"nodeCount": len(nodes),
		})
		if err != nil {
			return fmt.Errorf("queue: enqueue flow.started: %w", err)
		}
	}

	pipe, err := enqueueLeaves(ctx, client, nodes)
	if err != nil {
		return err
	}

	for nodeID, taskID := range pipe {
		if _, err := tx.ExecContext(ctx, `UPDATE flow_nodes SET task_id = $2 WHERE id = $1`, nodeID, taskID); err != nil {
			return fmt.Errorf("queue: record task id for node %s: %w", nodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: commit flow submit: %w", err)
	}

	return nil
}

// enqueueLeaves dispatches every leaf node's asynq task. asynq has no
// built-in multi-enqueue pipeline API on *asynq.Client, so each call is
// issued in sequence here; a failure partway through still leaves the
// caller's transaction uncommitted, so the already-enqueued tasks are the
// only state that could diverge from the (rolled-back) flow_nodes rows —
// an accepted, narrow window given asynq's client has no enqueue-rollback
// primitive either.
func enqueueLeaves(ctx context.Context, client *asynq.Client, nodes []*entity.FlowNode) (map[string]string, error) {
	result := make(map[string]string)

	for _, n := range nodes {
		if !n.IsLeaf() {
			continue
		}

		task := asynq.NewTask(TaskTypeAgentInvoke, n.Payload, asynq.Queue(n.QueueName), asynq.MaxRetry(entity.DefaultMaxAttempts))
		info, err := client.EnqueueContext(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("queue: enqueue leaf node %s: %w", n.ID, err)
		}
		result[n.ID] = info.ID
	}

	return result, nil
}
