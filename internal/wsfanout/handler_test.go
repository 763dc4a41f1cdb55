package wsfanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *eventbus.Bus, []byte) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client, logging.Nop())
	hub := New(bus, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	secret := []byte("test-secret")
	handler := NewHandler(hub, secret, logging.Nop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv, hub, bus, secret
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHandler_UpgradesAndRegistersOnValidToken(t *testing.T) {
	srv, hub, bus, secret := newTestServer(t)

	token := issueTestToken(secret, "tenant-1", time.Now().Add(time.Hour))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.connectionCount("tenant-1") == 1
	}, time.Second, 10*time.Millisecond)

	_, err = bus.Publish(context.Background(), "tenant-1", valueobject.EventFlowStarted, "", map[string]any{})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "flow.started")
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_RejectsInvalidToken(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
