package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aiseo-platform/orchestrator/internal/logging"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload implements Stripe's documented v1 signing scheme so tests
// don't depend on a stripe-go test helper's exact shape: signed_payload =
// "<timestamp>.<payload>", signature = hex(HMAC-SHA256(secret,
// signed_payload)), header = "t=<timestamp>,v1=<signature>".
func signPayload(t *testing.T, secret string, payload []byte) string {
	t.Helper()
	timestamp := time.Now().Unix()
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("t=%d,v1=%s", timestamp, sig)
}

func postWebhook(t *testing.T, h *Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", signPayload(t, testWebhookSecret, body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func checkoutCompletedPayload(t *testing.T, tenantID, plan, customerID string) []byte {
	t.Helper()
	body := map[string]any{
		"id":   "evt_test_1",
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id": "cs_test_1",
				"metadata": map[string]string{
					"tenantId": tenantID,
					"plan":     plan,
				},
				"customer": map[string]any{"id": customerID},
			},
		},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}

func TestHandler_RejectsInvalidSignature(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHandler(db, testWebhookSecret, logging.Nop())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=not-a-real-signature")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CheckoutCompletedUpdatesTenantPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE tenants SET plan`).
		WithArgs("tenant-1", "pro", "cus_123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := NewHandler(db, testWebhookSecret, logging.Nop())
	body := checkoutCompletedPayload(t, "tenant-1", "pro", "cus_123")

	rec := postWebhook(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_CheckoutCompletedDefaultsToStarterForUnknownPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE tenants SET plan`).
		WithArgs("tenant-2", "starter", "cus_456").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := NewHandler(db, testWebhookSecret, logging.Nop())
	body := checkoutCompletedPayload(t, "tenant-2", "not-a-real-plan", "cus_456")

	rec := postWebhook(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_UnhandledEventTypeIsAcceptedWithoutDBWrite(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHandler(db, testWebhookSecret, logging.Nop())
	body, err := json.Marshal(map[string]any{
		"id":   "evt_test_2",
		"type": "invoice.paid",
		"data": map[string]any{"object": map[string]any{}},
	})
	require.NoError(t, err)

	rec := postWebhook(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
}
