// Package eventbus is the per-tenant ordered pub/sub layer: plain-JSON
// events on events.<tenantId> channels, with an events.* pattern
// subscription for fan-out infrastructure.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

// Bus publishes and subscribes to per-tenant event streams over Redis
// pub/sub. A crash between the seq INCR and the PUBLISH call is an
// accepted gap rather than something this type papers over with
// a transaction Redis cannot actually provide for these two commands.
type Bus struct {
	client *redis.Client
	logger logging.Logger
}

// New builds a Bus over an existing Redis client.
func New(client *redis.Client, logger logging.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

func tenantChannel(tenantID string) string {
	return fmt.Sprintf("events.%s", tenantID)
}

func seqKey(tenantID string) string {
	return fmt.Sprintf("events.seq.%s", tenantID)
}

// Publish assigns the next per-tenant sequence number, stamps the event,
// and publishes it to the tenant's channel.
func (b *Bus) Publish(ctx context.Context, tenantID string, eventType valueobject.EventType, projectID string, payload map[string]any) (*entity.Event, error) {
	seq, err := b.client.Incr(ctx, seqKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: incr seq: %w", err)
	}

	ev := &entity.Event{
		ID:        uuid.NewString(),
		Seq:       seq,
		TenantID:  tenantID,
		ProjectID: projectID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("eventbus: marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, tenantChannel(tenantID), data).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: publish: %w", err)
	}

	b.logger.Debug("published event", "tenant_id", tenantID, "event_type", string(eventType), "seq", seq)

	return ev, nil
}

// Subscription wraps a Redis pub/sub subscriber, delivering decoded events
// on Events and requiring Stop to release the underlying connection.
type Subscription struct {
	Events <-chan *entity.Event
	ps     *redis.PubSub
}

// Stop closes the subscriber's dedicated Redis connection.
func (s *Subscription) Stop() error {
	return s.ps.Close()
}

// Subscribe opens a dedicated subscriber for one tenant's channel.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) (*Subscription, error) {
	return b.subscribe(ctx, tenantChannel(tenantID), false)
}

// SubscribeAll opens a dedicated pattern-subscriber across every tenant's
// channel, used by components with no natural single tenant (the outbox
// dispatcher's retry sweep excluded, since it works directly off
// Postgres; the WebSocket fan-out, webhook worker, and Slack bridge all
// use this to avoid one Redis connection per downstream consumer).
func (b *Bus) SubscribeAll(ctx context.Context) (*Subscription, error) {
	return b.subscribe(ctx, "events.*", true)
}

func (b *Bus) subscribe(ctx context.Context, channelOrPattern string, pattern bool) (*Subscription, error) {
	var ps *redis.PubSub
	if pattern {
		ps = b.client.PSubscribe(ctx, channelOrPattern)
	} else {
		ps = b.client.Subscribe(ctx, channelOrPattern)
	}

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", channelOrPattern, err)
	}

	out := make(chan *entity.Event, 64)

	go func() {
		defer close(out)

		msgCh := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}

				var ev entity.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Error("failed to unmarshal event", "error", err, "channel", msg.Channel)
					continue
				}

				select {
				case out <- &ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{Events: out, ps: ps}, nil
}
