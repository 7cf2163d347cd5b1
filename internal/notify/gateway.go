// Package notify is the real-time push channel keyed by user identity.
// Delivery is best-effort: a user that is not currently connected simply
// misses the event.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is the wire shape of every pushed event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// session wraps one WebSocket connection. The mutex serializes writes,
// which gorilla/websocket requires.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Gateway holds connected user sessions. Drivers and passengers attach
// through the same endpoint; the gateway does not care which is which.
type Gateway struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewGateway(logger *slog.Logger) *Gateway {
	return &Gateway{logger: logger, sessions: make(map[string]*session)}
}

// Add registers a connection for the user, replacing any previous one.
func (g *Gateway) Add(userID string, conn *websocket.Conn) {
	g.mu.Lock()
	prev := g.sessions[userID]
	g.sessions[userID] = &session{conn: conn}
	g.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the user's session if conn is still the registered one.
func (g *Gateway) Remove(userID string, conn *websocket.Conn) {
	g.mu.Lock()
	if s, ok := g.sessions[userID]; ok && s.conn == conn {
		delete(g.sessions, userID)
	}
	g.mu.Unlock()
}

// DeliverToUser pushes one event to the user if currently connected.
// Returns false on a miss or a dead connection; never an error.
func (g *Gateway) DeliverToUser(userID, event string, payload any) bool {
	g.mu.RLock()
	s, ok := g.sessions[userID]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.send(Envelope{Event: event, Data: payload}); err != nil {
		g.logger.Debug("ws send failed, dropping session", "user_id", userID, "error", err)
		g.Remove(userID, s.conn)
		_ = s.conn.Close()
		return false
	}
	return true
}

// DeliverToMany fans one event out to several users and reports how many
// were actually connected.
func (g *Gateway) DeliverToMany(userIDs []string, event string, payload any) int {
	delivered := 0
	for _, id := range userIDs {
		if g.DeliverToUser(id, event, payload) {
			delivered++
		}
	}
	return delivered
}
