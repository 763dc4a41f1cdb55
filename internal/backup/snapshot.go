package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiseo-platform/orchestrator/internal/cron"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

// outboxRow mirrors the durable columns of events_outbox, kept minimal —
// a snapshot is a point-in-time export, not a schema migration path.
type outboxRow struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenantId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// deliveryRow mirrors webhook_deliveries.
type deliveryRow struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhookId"`
	StatusCode *int      `json:"statusCode,omitempty"`
	OK         bool      `json:"ok"`
	CreatedAt  time.Time `json:"createdAt"`
}

// objectWriter is the subset of Storage that Snapshotter depends on,
// narrowed so tests can substitute a fake without a real S3 endpoint.
type objectWriter interface {
	WriteJSON(ctx context.Context, key string, v interface{}) error
}

// Snapshotter exports durable tables to object storage on a schedule.
type Snapshotter struct {
	db      *sql.DB
	storage objectWriter
	logger  logging.Logger
}

// NewSnapshotter builds a Snapshotter.
func NewSnapshotter(db *sql.DB, storage *Storage, logger logging.Logger) *Snapshotter {
	return &Snapshotter{db: db, storage: storage, logger: logger}
}

// RunSnapshot exports the last 24h of events_outbox and webhook_deliveries
// rows to two timestamped JSON objects. It returns the first error
// encountered; a partial snapshot (one table succeeded) is still written.
func (s *Snapshotter) RunSnapshot(ctx context.Context) error {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")

	outboxRows, err := s.exportOutbox(ctx)
	if err != nil {
		return fmt.Errorf("backup: export outbox: %w", err)
	}
	if err := s.storage.WriteJSON(ctx, fmt.Sprintf("events_outbox/%s.json", stamp), outboxRows); err != nil {
		return fmt.Errorf("backup: write outbox snapshot: %w", err)
	}

	deliveryRows, err := s.exportDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("backup: export deliveries: %w", err)
	}
	if err := s.storage.WriteJSON(ctx, fmt.Sprintf("webhook_deliveries/%s.json", stamp), deliveryRows); err != nil {
		return fmt.Errorf("backup: write delivery snapshot: %w", err)
	}

	s.logger.Info("backup: snapshot complete", "outbox_rows", len(outboxRows), "delivery_rows", len(deliveryRows))
	return nil
}

func (s *Snapshotter) exportOutbox(ctx context.Context) ([]outboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, event_type, payload, created_at
		FROM events_outbox
		WHERE created_at > now() - interval '24 hours'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Snapshotter) exportDeliveries(ctx context.Context) ([]deliveryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, status_code, ok, created_at
		FROM webhook_deliveries
		WHERE created_at > now() - interval '24 hours'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deliveryRow
	for rows.Next() {
		var r deliveryRow
		if err := rows.Scan(&r.ID, &r.WebhookID, &r.StatusCode, &r.OK, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Register wires a periodic snapshot job into scheduler under spec (e.g.
// "@every 6h"), logging and swallowing any RunSnapshot error so a single
// failed snapshot never crashes the worker process.
func Register(scheduler *cron.Scheduler, snap *Snapshotter, spec string, logger logging.Logger) error {
	return scheduler.RegisterSystemJob(spec, func() {
		if err := snap.RunSnapshot(context.Background()); err != nil {
			logger.Error("backup: snapshot failed", "error", err)
		}
	})
}
