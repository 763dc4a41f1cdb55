// Package webhook delivers tenant-configured webhooks for events read off
// the shared event bus, guarding against SSRF and signing payloads with a
// per-webhook HMAC-SHA256 secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/aiseo-platform/orchestrator/internal/crypto"
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/tenantdb"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 10 * time.Second

	signatureHeader = "X-AISEO-Signature"
	timestampHeader = "X-AISEO-Timestamp"
	eventTypeHeader = "X-AISEO-Event-Type"
	userAgent       = "aiseo-notification-hub/1.0"
)

// Worker subscribes to every tenant's events, looks up matching webhooks,
// and delivers each with an HMAC signature. Every attempt — success or
// failure — is appended to webhook_deliveries; delivery never retries
// inline (a durable log plus the outbox's own retry semantics for
// DurableFirst event types is the retry mechanism, not this worker).
type Worker struct {
	db        *sql.DB
	bus       *eventbus.Bus
	encryptor *crypto.Encryptor
	client    httpDoer
	logger    logging.Logger
}

type httpDoer interface {
	Do(req *httpRequest) (*httpResponse, error)
}

// New builds a Worker with the default SSRF-guarded HTTP client.
func New(db *sql.DB, bus *eventbus.Bus, encryptor *crypto.Encryptor, logger logging.Logger) *Worker {
	return &Worker{
		db:        db,
		bus:       bus,
		encryptor: encryptor,
		client:    newRealDoer(DefaultTimeout),
		logger:    logger,
	}
}

// Run subscribes to every tenant's events and delivers matching webhooks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("webhook: subscribe: %w", err)
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
			w.dispatch(ctx, ev)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, ev *entity.Event) {
	hooks, err := w.matchingWebhooks(ctx, ev)
	if err != nil {
		w.logger.Error("webhook: load webhooks failed", "tenant_id", ev.TenantID, "error", err)
		return
	}

	for _, hook := range hooks {
		w.deliverOne(ctx, hook, ev)
	}
}

// matchingWebhooks loads the tenant's enabled webhooks inside an
// RLS-bound session, so the webhooks table's tenant-isolation
// policy applies to this read like any other tenant-scoped query.
func (w *Worker) matchingWebhooks(ctx context.Context, ev *entity.Event) ([]*entity.Webhook, error) {
	ctx = tenantdb.WithTenant(ctx, tenantdb.TenantContext{TenantID: ev.TenantID, Role: "system"})

	return tenantdb.RLSQuery(ctx, w.db, func(tx *sql.Tx) ([]*entity.Webhook, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, url, events, enabled, secret_ciphertext, created_at
			FROM webhooks
			WHERE tenant_id = $1 AND enabled = true
		`, ev.TenantID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*entity.Webhook
		for rows.Next() {
			h := &entity.Webhook{}
			var events pq.StringArray
			if err := rows.Scan(&h.ID, &h.TenantID, &h.URL, &events, &h.Enabled, &h.SecretCiphertext, &h.CreatedAt); err != nil {
				return nil, err
			}
			h.Events = events
			if h.Matches(string(ev.Type)) {
				out = append(out, h)
			}
		}
		return out, rows.Err()
	})
}

func (w *Worker) deliverOne(ctx context.Context, hook *entity.Webhook, ev *entity.Event) {
	deliveryCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	statusCode, deliveryErr := w.attemptDelivery(deliveryCtx, hook, ev)

	record := &entity.WebhookDelivery{
		ID:        uuid.NewString(),
		TenantID:  hook.TenantID,
		WebhookID: hook.ID,
		EventType: string(ev.Type),
		EventSeq:  &ev.Seq,
		OK:        deliveryErr == nil,
		CreatedAt: time.Now().UTC(),
	}
	if statusCode != 0 {
		record.StatusCode = &statusCode
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		record.Error = &msg
	}

	if err := w.logDelivery(ctx, record); err != nil {
		w.logger.Error("webhook: failed to log delivery", "webhook_id", hook.ID, "error", err)
	}
}

// deliveryBody is the wire format POSTed to a webhook URL.
type deliveryBody struct {
	TenantID  string         `json:"tenantId"`
	ProjectID string         `json:"projectId,omitempty"`
	Type      string         `json:"type"`
	Seq       int64          `json:"seq"`
	TS        int64          `json:"ts"`
	Payload   map[string]any `json:"payload"`
}

func (w *Worker) attemptDelivery(ctx context.Context, hook *entity.Webhook, ev *entity.Event) (int, error) {
	if err := validateSchemeAndHost(hook.URL); err != nil {
		return 0, err
	}

	ts := ev.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(deliveryBody{
		TenantID:  ev.TenantID,
		ProjectID: ev.ProjectID,
		Type:      string(ev.Type),
		Seq:       ev.Seq,
		TS:        ts,
		Payload:   ev.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("webhook: marshal event: %w", err)
	}

	tsHeader := strconv.FormatInt(ts, 10)
	headers := map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    userAgent,
		timestampHeader: tsHeader,
		eventTypeHeader: string(ev.Type),
	}

	if len(hook.SecretCiphertext) > 0 {
		tenantEncryptor, err := w.encryptor.ForTenant(hook.TenantID)
		if err != nil {
			return 0, fmt.Errorf("webhook: derive tenant key: %w", err)
		}
		secret, err := tenantEncryptor.Decrypt(hook.SecretCiphertext)
		if err != nil {
			return 0, fmt.Errorf("webhook: decrypt secret: %w", err)
		}
		headers[signatureHeader] = sign(secret, tsHeader, payload)
	}

	resp, err := w.client.Do(&httpRequest{
		Ctx:     ctx,
		URL:     hook.URL,
		Body:    payload,
		Headers: headers,
	})
	if err != nil {
		return 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook: non-2xx status %d: %s", resp.StatusCode, resp.Body)
	}
	return resp.StatusCode, nil
}

// sign computes the delivery signature over "<ts>.<body>" so a receiver
// holding the shared secret can reject replayed or altered payloads.
func sign(secret []byte, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Worker) logDelivery(ctx context.Context, d *entity.WebhookDelivery) error {
	ctx = tenantdb.WithTenant(ctx, tenantdb.TenantContext{TenantID: d.TenantID, Role: "system"})

	return tenantdb.RLSExec(ctx, w.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_deliveries (id, tenant_id, webhook_id, event_type, event_seq, status_code, ok, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, d.ID, d.TenantID, d.WebhookID, d.EventType, d.EventSeq, d.StatusCode, d.OK, d.Error, d.CreatedAt)
		return err
	})
}

// httpRequest/httpResponse are a minimal request/response shape so Worker
// depends on an interface (httpDoer) instead of *http.Client directly,
// letting tests substitute a fake transport without a live listener.
type httpRequest struct {
	Ctx     context.Context
	URL     string
	Body    []byte
	Headers map[string]string
}

type httpResponse struct {
	StatusCode int
	Body       string
}

// realDoer is the production httpDoer, backed by an SSRF-guarded
// *http.Client and a process-wide rate limiter across every tenant's
// outbound deliveries.
type realDoer struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newRealDoer(timeout time.Duration) *realDoer {
	return &realDoer{client: newGuardedHTTPClient(timeout), limiter: newDeliveryLimiter()}
}

func (r *realDoer) Do(req *httpRequest) (*httpResponse, error) {
	if err := r.limiter.Wait(req.Ctx); err != nil {
		return nil, fmt.Errorf("webhook: rate limit wait: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(req.Ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	return &httpResponse{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
