package wsfanout

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/aiseo-platform/orchestrator/internal/logging"
)

// Handler upgrades incoming HTTP requests to WebSocket connections,
// authenticates the bearer token, and registers the resulting socket with
// a Hub for the lifetime of the connection.
type Handler struct {
	hub      *Hub
	secret   []byte
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler validating bearer tokens against secret.
func NewHandler(hub *Hub, secret []byte, logger logging.Logger) *Handler {
	return &Handler{
		hub:    hub,
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tenant isolation is enforced by the bearer token, not by
			// origin, since clients may be native apps or dashboards
			// served from a domain unknown at build time.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates and upgrades the connection, then blocks driving
// its read/write pumps until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	tenantID, err := validateToken(h.secret, token)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsfanout: upgrade failed", "error", err)
		return
	}

	sock := newSocket(conn)
	if err := sock.transition(stateAuthenticating); err != nil {
		sock.close()
		return
	}
	sock.tenantID = tenantID
	if err := sock.transition(stateActive); err != nil {
		sock.close()
		return
	}

	h.hub.register(sock)
	defer func() {
		h.hub.unregister(sock)
		close(sock.send)
		sock.close()
	}()

	go sock.writePump()
	sock.readPump()
}
