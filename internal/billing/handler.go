// Package billing verifies and applies Stripe billing webhooks, updating
// a tenant's plan in response to checkout and subscription lifecycle
// events. Signature verification uses stripe-go/v76's
// webhook.ConstructEventWithOptions with IgnoreAPIVersionMismatch set,
// since the Stripe CLI used in local testing pins an API version that
// drifts from whatever the account is configured for).
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

// Handler is an http.Handler for POST /webhooks/stripe. It never talks to
// Stripe's API directly (no API key is required to verify and apply
// webhooks), only to Postgres.
type Handler struct {
	db            *sql.DB
	webhookSecret string
	logger        logging.Logger
}

// NewHandler builds a Handler. webhookSecret is the whsec_... value
// Stripe's dashboard shows for the configured endpoint.
func NewHandler(db *sql.DB, webhookSecret string, logger logging.Logger) *Handler {
	return &Handler{db: db, webhookSecret: webhookSecret, logger: logger}
}

// ServeHTTP verifies the request's Stripe-Signature header and applies
// the event, always responding 200 once the signature is valid — Stripe
// retries on any non-2xx, so a plan-update failure here is only logged;
// the 200 response means Stripe does not redeliver the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("billing: webhook signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if err := h.apply(r.Context(), event); err != nil {
		h.logger.Error("billing: failed to apply webhook event", "event_type", string(event.Type), "error", err)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// apply dispatches on event.Type, updating the tenants table directly.
func (h *Handler) apply(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("billing: unmarshal checkout session: %w", err)
		}
		return h.applyCheckoutCompleted(ctx, &session)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("billing: unmarshal subscription: %w", err)
		}
		return h.applySubscriptionPlan(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("billing: unmarshal subscription: %w", err)
		}
		return h.applySubscriptionCanceled(ctx, &sub)

	default:
		h.logger.Debug("billing: unhandled webhook event type", "event_type", string(event.Type))
		return nil
	}
}

// applyCheckoutCompleted reads tenantId/plan from the checkout session's
// metadata (set when the checkout session was created) and upgrades the
// tenant's plan, defaulting to starter on an unrecognized value.
func (h *Handler) applyCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	tenantID, ok := session.Metadata["tenantId"]
	if !ok || tenantID == "" {
		return fmt.Errorf("billing: checkout session %s has no tenantId in metadata", session.ID)
	}

	plan := valueobject.Plan(session.Metadata["plan"])
	if !plan.Valid() {
		plan = valueobject.PlanStarter
	}

	var stripeCustomerID string
	if session.Customer != nil {
		stripeCustomerID = session.Customer.ID
	}

	return h.setPlan(ctx, tenantID, plan, stripeCustomerID)
}

// applySubscriptionPlan resolves the tenant owning sub's customer and
// updates its plan from the subscription's price lookup key, leaving the
// plan untouched if it is not set (the price nickname is not read) — Stripe
// subscriptions don't carry tenantId directly, only the customer does.
func (h *Handler) applySubscriptionPlan(ctx context.Context, sub *stripe.Subscription) error {
	plan := planFromSubscription(sub)
	if plan == "" {
		return nil
	}
	return h.setPlanByStripeCustomer(ctx, sub.Customer.ID, plan)
}

// applySubscriptionCanceled downgrades the tenant to starter once its
// subscription is canceled, rather than leaving a stale paid plan active
// with no corresponding Stripe subscription behind it.
func (h *Handler) applySubscriptionCanceled(ctx context.Context, sub *stripe.Subscription) error {
	return h.setPlanByStripeCustomer(ctx, sub.Customer.ID, valueobject.PlanStarter)
}

func planFromSubscription(sub *stripe.Subscription) valueobject.Plan {
	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	plan := valueobject.Plan(sub.Items.Data[0].Price.LookupKey)
	if plan.Valid() {
		return plan
	}
	return ""
}

func (h *Handler) setPlan(ctx context.Context, tenantID string, plan valueobject.Plan, stripeCustomerID string) error {
	_, err := h.db.ExecContext(ctx, `
		UPDATE tenants SET plan = $2, stripe_customer_id = NULLIF($3, ''), updated_at = now()
		WHERE id = $1
	`, tenantID, string(plan), stripeCustomerID)
	if err != nil {
		return fmt.Errorf("billing: update tenant %s plan: %w", tenantID, err)
	}
	return nil
}

func (h *Handler) setPlanByStripeCustomer(ctx context.Context, stripeCustomerID string, plan valueobject.Plan) error {
	_, err := h.db.ExecContext(ctx, `
		UPDATE tenants SET plan = $2, updated_at = now()
		WHERE stripe_customer_id = $1
	`, stripeCustomerID, string(plan))
	if err != nil {
		return fmt.Errorf("billing: update tenant by stripe customer %s: %w", stripeCustomerID, err)
	}
	return nil
}
