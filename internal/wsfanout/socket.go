package wsfanout

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// socketState is the small, explicit per-connection state machine: a
// plain enum with checked transitions, not worth a dependency at this
// size.
type socketState int

const (
	stateConnecting socketState = iota
	stateAuthenticating
	stateActive
	stateClosed
)

func (s socketState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var validTransitions = map[socketState][]socketState{
	stateConnecting:     {stateAuthenticating, stateClosed},
	stateAuthenticating: {stateActive, stateClosed},
	stateActive:         {stateClosed},
	stateClosed:         {},
}

// Socket wraps one client WebSocket connection plus the tenant it has been
// authenticated for and its outbound fan-out queue.
type Socket struct {
	conn     *websocket.Conn
	tenantID string
	send     chan []byte

	mu    sync.Mutex
	state socketState
}

func newSocket(conn *websocket.Conn) *Socket {
	return &Socket{
		conn:  conn,
		send:  make(chan []byte, 32),
		state: stateConnecting,
	}
}

// transition moves the socket to `to`, returning an error if the move
// isn't a legal edge in the state machine.
func (s *Socket) transition(to socketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("wsfanout: illegal transition %s -> %s", s.state, to)
}

func (s *Socket) currentState() socketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enqueue drops the message if the socket's outbound buffer is full rather
// than blocking the hub's dispatch loop on one slow client.
func (s *Socket) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the underlying connection until it
// closes or the queue is closed out from under it.
func (s *Socket) writePump() {
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump discards inbound client frames (this protocol is server push
// only) and returns once the connection errors or closes, signalling the
// caller to clean the socket up.
func (s *Socket) readPump() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Socket) close() {
	_ = s.transition(stateClosed)
	_ = s.conn.Close()
}
