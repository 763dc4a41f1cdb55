// Package slackbridge posts a subset of tenant events to a Slack incoming
// webhook, intended purely as a development/ops convenience, not
// production alerting.
package slackbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

// Bridge subscribes to every tenant's event stream and relays selected
// event types to a Slack incoming webhook URL.
type Bridge struct {
	bus        *eventbus.Bus
	webhookURL string
	httpClient *http.Client
	logger     logging.Logger
	relay      map[valueobject.EventType]bool
}

// defaultRelayedEvents is the set of event types worth a Slack message —
// flow starts and failures, not every per-agent progress tick.
var defaultRelayedEvents = []valueobject.EventType{
	valueobject.EventFlowStarted,
	valueobject.EventAgentTaskFailed,
	valueobject.EventQuotaExceeded,
	valueobject.EventSERPRankAnomaly,
	valueobject.EventPagespeedAlert,
}

// New builds a Bridge. webhookURL empty means the caller should not call Run.
func New(bus *eventbus.Bus, webhookURL string, logger logging.Logger) *Bridge {
	relay := make(map[valueobject.EventType]bool, len(defaultRelayedEvents))
	for _, et := range defaultRelayedEvents {
		relay[et] = true
	}
	return &Bridge{
		bus:        bus,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
		relay:      relay,
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

// Run subscribes to every tenant's events and blocks until ctx is
// cancelled, posting a Slack message for each relayed event type. A
// failed post is logged and skipped — Slack relay is best-effort and
// must never block or crash event processing.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.bus.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("slackbridge: subscribe: %w", err)
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
			if !b.relay[ev.Type] {
				continue
			}
			if err := b.post(ctx, ev); err != nil {
				b.logger.Warn("slackbridge: post failed", "event_type", ev.Type, "error", err)
			}
		}
	}
}

func (b *Bridge) post(ctx context.Context, ev *entity.Event) error {
	msg := slackMessage{Text: fmt.Sprintf("[%s] %s (tenant %s, seq %d)", ev.Type, ev.ID, ev.TenantID, ev.Seq)}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slackbridge: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
