package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bingohall/internal/model"
	"bingohall/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades attach requests into hub connections. Attaching
// requires a grant from the subscribe handshake; the grant is the only
// credential checked here.
type Handler struct {
	hub    *Hub
	grants *service.GrantService
	log    zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, grants *service.GrantService, log zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		grants: grants,
		log:    log.With().Str("component", "ws_handler").Logger(),
	}
}

// Attach handles GET /v1/ws/sessions/{id}?grant=...
func (h *Handler) Attach(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	grant := r.URL.Query().Get("grant")
	if grant == "" {
		http.Error(w, `{"error":"missing grant"}`, http.StatusUnauthorized)
		return
	}

	claims, err := h.grants.Validate(grant, model.ChannelName(sessionID))
	if err != nil {
		http.Error(w, `{"error":"invalid grant"}`, http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &Connection{
		SessionID:     sessionID,
		ConnectionID:  uuid.New().String(),
		ParticipantID: claims.ParticipantID,
		Role:          claims.Role,
		Send:          make(chan []byte, sendBuffer),
	}

	if err := h.hub.Register(r.Context(), conn); err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Msg("hub register failed")
		wsConn.Close()
		return
	}

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Unregister(context.Background(), conn)
		wsConn.Close()
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// The stream is one-way; clients mutate over REST. Reads exist
		// to keep pong handling alive and to notice disconnects.
		if _, _, err := wsConn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("session", conn.SessionID).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
