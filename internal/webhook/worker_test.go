package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aiseo-platform/orchestrator/internal/crypto"
	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

type fakeDoer struct {
	calls []*httpRequest
	resp  *httpResponse
	err   error
}

func (f *fakeDoer) Do(req *httpRequest) (*httpResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	return enc
}

func newTestWorker(t *testing.T) (*Worker, sqlmock.Sqlmock, *fakeDoer, *crypto.Encryptor) {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(redisClient, logging.Nop())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	enc := testEncryptor(t)
	doer := &fakeDoer{resp: &httpResponse{StatusCode: 200, Body: "ok"}}

	w := &Worker{db: db, bus: bus, encryptor: enc, client: doer, logger: logging.Nop()}
	return w, mock, doer, enc
}

// expectRLSSession matches the transaction open plus the three set_config
// statements tenantdb.RLSQuery issues before the caller's own statements.
func expectRLSSession(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`SELECT set_config`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestWorker_DeliversToMatchingWebhookAndLogsSuccess(t *testing.T) {
	w, mock, doer, enc := newTestWorker(t)

	tenantEnc, err := enc.ForTenant("tenant-1")
	require.NoError(t, err)
	secret, err := tenantEnc.Encrypt([]byte("whsec"))
	require.NoError(t, err)

	expectRLSSession(mock)
	mock.ExpectQuery(`SELECT id, tenant_id, url, events, enabled, secret_ciphertext, created_at\s+FROM webhooks`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "enabled", "secret_ciphertext", "created_at"}).
			AddRow("wh-1", "tenant-1", "https://example.com/hook", `{"flow.started"}`, true, secret, time.Now()))
	mock.ExpectCommit()

	expectRLSSession(mock)
	mock.ExpectExec(`INSERT INTO webhook_deliveries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w.dispatch(context.Background(), testEvent("tenant-1", valueobject.EventFlowStarted))

	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, doer.calls, 1)
	require.Contains(t, doer.calls[0].Headers, signatureHeader)
	require.Contains(t, doer.calls[0].Headers, timestampHeader)
	require.Equal(t, userAgent, doer.calls[0].Headers["User-Agent"])
}

// TestWorker_SignatureMatchesReceiverComputation pins the signing scheme:
// given secret S, body B, and ts "1700000000000", the signature header is
// "sha256=" + hex(HMAC_SHA256(S, ts + "." + B)), byte-for-byte what an
// independent receiver computes from the same inputs.
func TestWorker_SignatureMatchesReceiverComputation(t *testing.T) {
	w, mock, doer, enc := newTestWorker(t)

	tenantEnc, err := enc.ForTenant("tenant-1")
	require.NoError(t, err)
	secret, err := tenantEnc.Encrypt([]byte("S"))
	require.NoError(t, err)

	expectRLSSession(mock)
	mock.ExpectQuery(`SELECT id, tenant_id, url, events, enabled, secret_ciphertext, created_at\s+FROM webhooks`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "enabled", "secret_ciphertext", "created_at"}).
			AddRow("wh-1", "tenant-1", "https://example.com/hook", nil, true, secret, time.Now()))
	mock.ExpectCommit()

	expectRLSSession(mock)
	mock.ExpectExec(`INSERT INTO webhook_deliveries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := testEvent("tenant-1", valueobject.EventReportReady)
	ev.Timestamp = 1700000000000

	w.dispatch(context.Background(), ev)

	require.Len(t, doer.calls, 1)
	req := doer.calls[0]
	require.Equal(t, "1700000000000", req.Headers[timestampHeader])

	// Receiver side: recompute from the raw body and the shared secret.
	mac := hmac.New(sha256.New, []byte("S"))
	mac.Write([]byte("1700000000000." + string(req.Body)))
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), req.Headers[signatureHeader])

	var body deliveryBody
	require.NoError(t, json.Unmarshal(req.Body, &body))
	require.Equal(t, "tenant-1", body.TenantID)
	require.Equal(t, string(valueobject.EventReportReady), body.Type)
	require.EqualValues(t, 1, body.Seq)
	require.EqualValues(t, 1700000000000, body.TS)
}

func TestWorker_SkipsWebhookNotSubscribedToEventType(t *testing.T) {
	w, mock, doer, _ := newTestWorker(t)

	expectRLSSession(mock)
	mock.ExpectQuery(`SELECT id, tenant_id, url, events, enabled, secret_ciphertext, created_at\s+FROM webhooks`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "enabled", "secret_ciphertext", "created_at"}).
			AddRow("wh-1", "tenant-1", "https://example.com/hook", `{"agent.task.failed"}`, true, nil, time.Now()))
	mock.ExpectCommit()

	w.dispatch(context.Background(), testEvent("tenant-1", valueobject.EventFlowStarted))

	require.NoError(t, mock.ExpectationsWereMet())
	require.Empty(t, doer.calls)
}

func TestWorker_FailedDeliveryStillLogsWithError(t *testing.T) {
	w, mock, doer, _ := newTestWorker(t)
	doer.resp = nil
	doer.err = assertErr{}

	expectRLSSession(mock)
	mock.ExpectQuery(`SELECT id, tenant_id, url, events, enabled, secret_ciphertext, created_at\s+FROM webhooks`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "enabled", "secret_ciphertext", "created_at"}).
			AddRow("wh-1", "tenant-1", "https://example.com/hook", nil, true, nil, time.Now()))
	mock.ExpectCommit()

	expectRLSSession(mock)
	mock.ExpectExec(`INSERT INTO webhook_deliveries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w.dispatch(context.Background(), testEvent("tenant-1", valueobject.EventFlowStarted))

	require.NoError(t, mock.ExpectationsWereMet())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func testEvent(tenantID string, eventType valueobject.EventType) *entity.Event {
	return &entity.Event{ID: "ev-1", TenantID: tenantID, Type: eventType, Seq: 1, Payload: map[string]any{}}
}
