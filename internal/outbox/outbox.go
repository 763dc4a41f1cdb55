// Package outbox implements the transactional-outbox dispatcher:
// durable-first events land in events_outbox inside the same transaction
// as the state
// change that caused them, and this dispatcher drains and republishes
// them to the event bus on a poll loop.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

// Config controls the dispatcher's poll cadence and batch size.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns the standard poll cadence and batch size.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, BatchSize: 100}
}

// Dispatcher drains events_outbox with FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never double-deliver a row.
type Dispatcher struct {
	db     *sql.DB
	bus    *eventbus.Bus
	logger logging.Logger
	cfg    Config
}

// New builds a Dispatcher.
func New(db *sql.DB, bus *eventbus.Bus, logger logging.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{db: db, bus: bus, logger: logger, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.drainBatch(ctx); err != nil {
				d.logger.Error("outbox: drain batch failed", "error", err)
			}
		}
	}
}

type outboxRow struct {
	id         int64
	tenantID   string
	projectID  sql.NullString
	eventType  string
	payload    []byte
	retryCount int
}

// drainBatch selects one batch of undispatched rows, republishes each to
// the bus, and commits one delta per row within the same transaction —
// a row whose publish fails has its retry_count bumped and last_error set
// instead of blocking the rest of the batch.
func (d *Dispatcher) drainBatch(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, project_id, event_type, payload, retry_count
		FROM events_outbox
		WHERE dispatched = false AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, entity.MaxOutboxRetries, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("outbox: select batch: %w", err)
	}

	var batch []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.tenantID, &r.projectID, &r.eventType, &r.payload, &r.retryCount); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan row: %w", err)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: iterate batch: %w", err)
	}

	if len(batch) == 0 {
		return tx.Commit()
	}

	for _, r := range batch {
		if err := d.dispatchRow(ctx, tx, r); err != nil {
			d.logger.Warn("outbox: dispatch failed, will retry", "id", r.id, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox: commit batch: %w", err)
	}

	d.logger.Debug("outbox: drained batch", "count", len(batch))
	return nil
}

func (d *Dispatcher) dispatchRow(ctx context.Context, tx *sql.Tx, r outboxRow) error {
	var payload map[string]any
	if err := json.Unmarshal(r.payload, &payload); err != nil {
		return d.markFailed(ctx, tx, r.id, fmt.Errorf("unmarshal payload: %w", err))
	}

	projectID := ""
	if r.projectID.Valid {
		projectID = r.projectID.String
	}

	if _, err := d.bus.Publish(ctx, r.tenantID, valueobject.EventType(r.eventType), projectID, payload); err != nil {
		return d.markFailed(ctx, tx, r.id, err)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE events_outbox SET dispatched = true, dispatched_at = $2
		WHERE id = $1
	`, r.id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("outbox: mark dispatched: %w", err)
	}
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, tx *sql.Tx, id int64, cause error) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE events_outbox SET retry_count = retry_count + 1, last_error = $2
		WHERE id = $1
	`, id, cause.Error())
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return cause
}

// Enqueue writes a durable-first event inside the caller's transaction —
// used by repository methods that must not let an event escape before the
// state change that caused it is committed.
func Enqueue(ctx context.Context, tx *sql.Tx, tenantID, projectID string, eventType valueobject.EventType, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	var pid sql.NullString
	if projectID != "" {
		pid = sql.NullString{String: projectID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events_outbox (tenant_id, project_id, event_type, payload, dispatched, retry_count)
		VALUES ($1, $2, $3, $4, false, 0)
	`, tenantID, pid, string(eventType), data)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}
