package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/lib/pq"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/queue"
)

// Coordinator subscribes to every tenant's agent lifecycle events and
// advances flow_nodes rows: a completed node may make its dependents
// runnable; a failed node is marked failed and every other waiting or
// runnable node of its flow, its dependents included, is cancelled with
// fail_reason 'child-failed'. No node other than the one that failed is
// set to failed.
type Coordinator struct {
	db        *sql.DB
	bus       *eventbus.Bus
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    logging.Logger
}

// NewCoordinator builds a Coordinator. inspector is used only to delete
// the asynq tasks of not-yet-dispatched siblings when a flow fails.
func NewCoordinator(db *sql.DB, bus *eventbus.Bus, client *asynq.Client, inspector *asynq.Inspector, logger logging.Logger) *Coordinator {
	return &Coordinator{db: db, bus: bus, client: client, inspector: inspector, logger: logger}
}

// Run subscribes to SubscribeAll and processes agent lifecycle events
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.bus.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: coordinator subscribe: %w", err)
	}
	defer sub.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev *entity.Event) {
	switch ev.Type {
	case valueobject.EventAgentTaskCompleted:
		c.onNodeTerminal(ctx, ev, true)
	case valueobject.EventAgentTaskFailed:
		// A retryable failure is not terminal: the broker will redeliver
		// the task, so the flow must not fail until retries are exhausted.
		if willRetry, _ := ev.Payload["willRetry"].(bool); willRetry {
			return
		}
		c.onNodeTerminal(ctx, ev, false)
	}
}

// onNodeTerminal is best-effort: flow_nodes rows are only touched when the
// event carries a flowNodeId (agent.task events from outside a flow carry
// none and are ignored here).
func (c *Coordinator) onNodeTerminal(ctx context.Context, ev *entity.Event, succeeded bool) {
	nodeID, _ := ev.Payload["flowNodeId"].(string)
	if nodeID == "" {
		return
	}

	if succeeded {
		if err := c.completeNode(ctx, nodeID); err != nil {
			c.logger.Error("orchestrator: complete node failed", "node_id", nodeID, "error", err)
		}
		return
	}

	if err := c.failNode(ctx, nodeID, fmt.Sprintf("%v", ev.Payload["error"])); err != nil {
		c.logger.Error("orchestrator: fail node failed", "node_id", nodeID, "error", err)
	}
}

func (c *Coordinator) completeNode(ctx context.Context, nodeID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var flowJobID string
	err = tx.QueryRowContext(ctx, `
		UPDATE flow_nodes SET state = $2, updated_at = now() WHERE id = $1
		RETURNING flow_job_id
	`, nodeID, entity.FlowNodeCompleted).Scan(&flowJobID)
	if err != nil {
		return fmt.Errorf("mark node completed: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, project_id, agent_id, queue_name, payload, depends_on
		FROM flow_nodes
		WHERE flow_job_id = $1 AND state = $2
	`, flowJobID, entity.FlowNodeWaiting)
	if err != nil {
		return fmt.Errorf("select waiting siblings: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id, tenantID, projectID, agentID, queueName string
		payload                                     []byte
		dependsOn                                   []string
	}
	var candidates []candidate

	for rows.Next() {
		var c2 candidate
		var dependsOnRaw []byte
		var projectID sql.NullString
		if err := rows.Scan(&c2.id, &c2.tenantID, &projectID, &c2.agentID, &c2.queueName, &c2.payload, &dependsOnRaw); err != nil {
			return fmt.Errorf("scan candidate: %w", err)
		}
		c2.projectID = projectID.String
		_ = json.Unmarshal(dependsOnRaw, &c2.dependsOn)
		candidates = append(candidates, c2)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, cand := range candidates {
		allDone, err := c.allDependenciesCompleted(ctx, tx, cand.dependsOn)
		if err != nil {
			return err
		}
		if !allDone {
			continue
		}

		task := asynq.NewTask(queue.TaskTypeAgentInvoke, cand.payload, asynq.Queue(cand.queueName), asynq.MaxRetry(entity.DefaultMaxAttempts))
		info, err := c.client.EnqueueContext(ctx, task)
		if err != nil {
			return fmt.Errorf("enqueue newly runnable node %s: %w", cand.id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE flow_nodes SET state = $2, task_id = $3, updated_at = now() WHERE id = $1
		`, cand.id, entity.FlowNodeRunnable, info.ID); err != nil {
			return fmt.Errorf("mark node runnable: %w", err)
		}
	}

	return tx.Commit()
}

func (c *Coordinator) allDependenciesCompleted(ctx context.Context, tx *sql.Tx, dependsOn []string) (bool, error) {
	if len(dependsOn) == 0 {
		return true, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT state FROM flow_nodes WHERE id = ANY($1)`, pq.Array(dependsOn))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var state entity.FlowNodeState
		if err := rows.Scan(&state); err != nil {
			return false, err
		}
		if state != entity.FlowNodeCompleted {
			return false, nil
		}
		count++
	}
	return count == len(dependsOn), rows.Err()
}

// failNode marks a node failed and marks every waiting or runnable node of
// the same flow cancelled with fail_reason 'child-failed', then removes
// their asynq tasks — no flow-level row is written, and in-flight siblings
// are left to finish without their result being consumed.
func (c *Coordinator) failNode(ctx context.Context, nodeID, reason string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var flowJobID string
	err = tx.QueryRowContext(ctx, `
		UPDATE flow_nodes SET state = $2, fail_reason = $3, updated_at = now() WHERE id = $1
		RETURNING flow_job_id
	`, nodeID, entity.FlowNodeFailed, reason).Scan(&flowJobID)
	if err != nil {
		return fmt.Errorf("mark node failed: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, task_id, queue_name FROM flow_nodes
		WHERE flow_job_id = $1 AND state IN ($2, $3)
	`, flowJobID, entity.FlowNodeWaiting, entity.FlowNodeRunnable)
	if err != nil {
		return fmt.Errorf("select cancellable siblings: %w", err)
	}

	type sibling struct {
		id, taskID, queueName string
	}
	var siblings []sibling
	for rows.Next() {
		var s sibling
		var taskID sql.NullString
		if err := rows.Scan(&s.id, &taskID, &s.queueName); err != nil {
			rows.Close()
			return err
		}
		s.taskID = taskID.String
		siblings = append(siblings, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE flow_nodes SET state = $2, fail_reason = 'child-failed', updated_at = now()
		WHERE flow_job_id = $1 AND state IN ($3, $4)
	`, flowJobID, entity.FlowNodeCancelled, entity.FlowNodeWaiting, entity.FlowNodeRunnable); err != nil {
		return fmt.Errorf("cancel siblings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, s := range siblings {
		if s.taskID == "" {
			continue
		}
		if err := c.inspector.DeleteTask(s.queueName, s.taskID); err != nil {
			c.logger.Warn("orchestrator: failed to delete cancelled sibling task", "task_id", s.taskID, "error", err)
		}
	}

	return nil
}
