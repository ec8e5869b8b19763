package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"bingohall/internal/pubsub"
	"bingohall/internal/service"
)

// Presence is notified when a player's connection comes or goes. The
// flag is advisory; failures are logged and dropped.
type Presence interface {
	SetConnected(ctx context.Context, sessionID, playerID string, connected bool) error
}

// Connection is one attached subscriber.
type Connection struct {
	SessionID     string
	ConnectionID  string
	ParticipantID string
	Role          service.Role
	Send          chan []byte
}

// Hub fans the per-session Redis topic out to locally attached
// websocket connections. One pump goroutine runs per session with at
// least one local connection; it stops when the last connection leaves.
type Hub struct {
	subscriber *pubsub.Subscriber
	presence   Presence
	log        zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	conns map[string]*Connection
	sub   *pubsub.Subscription
}

// NewHub creates a hub over the given subscriber.
func NewHub(subscriber *pubsub.Subscriber, presence Presence, log zerolog.Logger) *Hub {
	return &Hub{
		subscriber: subscriber,
		presence:   presence,
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Register attaches a connection, starting the session pump if this is
// the first local connection for the session.
func (h *Hub) Register(ctx context.Context, conn *Connection) error {
	h.mu.Lock()
	if h.topics == nil {
		h.topics = make(map[string]*topic)
	}
	t, ok := h.topics[conn.SessionID]
	if !ok {
		sub, err := h.subscriber.Subscribe(context.Background(), conn.SessionID)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		t = &topic{conns: make(map[string]*Connection), sub: sub}
		h.topics[conn.SessionID] = t
		go h.pump(conn.SessionID, sub)
	}
	t.conns[conn.ConnectionID] = conn
	h.mu.Unlock()

	h.log.Info().Str("session", conn.SessionID).Str("participant", conn.ParticipantID).
		Str("role", string(conn.Role)).Msg("connection attached")

	if conn.Role == service.RolePlayer && conn.ParticipantID != "" {
		if err := h.presence.SetConnected(ctx, conn.SessionID, conn.ParticipantID, true); err != nil {
			h.log.Warn().Err(err).Str("session", conn.SessionID).Msg("presence update failed")
		}
	}
	return nil
}

// Unregister detaches a connection. Identity-checked so a stale
// unregister after a reconnect cannot kick the replacement connection.
func (h *Hub) Unregister(ctx context.Context, conn *Connection) {
	h.mu.Lock()
	t, ok := h.topics[conn.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	existing, ok := t.conns[conn.ConnectionID]
	if !ok || existing != conn {
		h.mu.Unlock()
		return
	}
	delete(t.conns, conn.ConnectionID)
	close(conn.Send)

	lastForParticipant := true
	for _, c := range t.conns {
		if c.ParticipantID == conn.ParticipantID {
			lastForParticipant = false
			break
		}
	}
	if len(t.conns) == 0 {
		delete(h.topics, conn.SessionID)
		if err := t.sub.Close(); err != nil {
			h.log.Warn().Err(err).Str("session", conn.SessionID).Msg("subscription close failed")
		}
	}
	h.mu.Unlock()

	h.log.Info().Str("session", conn.SessionID).Str("participant", conn.ParticipantID).
		Msg("connection detached")

	if conn.Role == service.RolePlayer && conn.ParticipantID != "" && lastForParticipant {
		if err := h.presence.SetConnected(ctx, conn.SessionID, conn.ParticipantID, false); err != nil {
			h.log.Warn().Err(err).Str("session", conn.SessionID).Msg("presence update failed")
		}
	}
}

// pump forwards every event envelope on the session topic to all local
// connections. Slow consumers have messages dropped rather than
// blocking the pump; their reconciler resyncs from the snapshot when it
// notices the gap.
func (h *Hub) pump(sessionID string, sub *pubsub.Subscription) {
	for ev := range sub.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error().Err(err).Str("session", sessionID).Msg("re-marshal of event failed")
			continue
		}

		h.mu.Lock()
		t, ok := h.topics[sessionID]
		if !ok {
			h.mu.Unlock()
			return
		}
		for _, conn := range t.conns {
			select {
			case conn.Send <- data:
			default:
				h.log.Warn().Str("session", sessionID).Str("participant", conn.ParticipantID).
					Msg("send buffer full, dropping event")
			}
		}
		h.mu.Unlock()
	}
}
