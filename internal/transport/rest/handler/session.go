package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"bingohall/internal/apperr"
	"bingohall/internal/model"
	"bingohall/internal/service"
)

// SessionHandler handles the session endpoints.
type SessionHandler struct {
	sessions *service.SessionService
	grants   *service.GrantService
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions *service.SessionService, grants *service.GrantService) *SessionHandler {
	return &SessionHandler{sessions: sessions, grants: grants}
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	MaxPlayers int `json:"maxPlayers"`
}

const defaultMaxPlayers = 16

// Create handles POST /v1/sessions. The response is the only place the
// access token ever appears; it belongs to the creator.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = defaultMaxPlayers
	}

	session, err := h.sessions.CreateSession(r.Context(), req.MaxPlayers)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Get handles GET /v1/sessions/{id}. The access token comes from the
// X-Access-Token header or the accessToken query parameter.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	token := accessToken(r)

	snapshot, err := h.sessions.Snapshot(r.Context(), id, token)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// HostActionRequest is the body shared by start, draw, reset and cancel.
type HostActionRequest struct {
	AccessToken string `json:"accessToken"`
	HostID      string `json:"hostId"`
}

// Start handles POST /v1/sessions/{id}/start.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.hostAction(w, r, service.CmdStartGame)
}

// Reset handles POST /v1/sessions/{id}/reset.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.hostAction(w, r, service.CmdResetGame)
}

// Cancel handles POST /v1/sessions/{id}/cancel.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.hostAction(w, r, service.CmdCancelGame)
}

func (h *SessionHandler) hostAction(w http.ResponseWriter, r *http.Request, cmd service.CommandType) {
	id := mux.Vars(r)["id"]

	var req HostActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.sessions.Apply(r.Context(), service.Command{
		Type:        cmd,
		SessionID:   id,
		AccessToken: req.AccessToken,
		HostID:      req.HostID,
	})
	if err != nil {
		writeConflictOrError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Session.Public())
}

// DrawResponse is the response body for a successful draw.
type DrawResponse struct {
	Number       int    `json:"number"`
	BingoLetter  string `json:"bingoLetter"`
	DrawnNumbers []int  `json:"drawnNumbers"`
}

// Draw handles POST /v1/sessions/{id}/draw.
func (h *SessionHandler) Draw(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req HostActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.sessions.Apply(r.Context(), service.Command{
		Type:        service.CmdDrawNumber,
		SessionID:   id,
		AccessToken: req.AccessToken,
		HostID:      req.HostID,
	})
	if err != nil {
		writeConflictOrError(w, res, err)
		return
	}

	writeJSON(w, http.StatusOK, DrawResponse{
		Number:       res.Number,
		BingoLetter:  res.Letter,
		DrawnNumbers: res.Session.Numbers,
	})
}

// JoinRequest is the request body for joining a session.
type JoinRequest struct {
	AccessToken string `json:"accessToken"`
	PlayerName  string `json:"playerName"`
}

// NameAdjustment reports a collision-resolved display name.
type NameAdjustment struct {
	Original string `json:"original"`
	Adjusted string `json:"adjusted"`
}

// JoinResponse is the response body for a successful join.
type JoinResponse struct {
	PlayerID       string          `json:"playerId"`
	Board          model.Board     `json:"board"`
	NameAdjustment *NameAdjustment `json:"nameAdjustment,omitempty"`
}

// Join handles POST /v1/sessions/{id}/join.
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.sessions.Apply(r.Context(), service.Command{
		Type:        service.CmdJoin,
		SessionID:   id,
		AccessToken: req.AccessToken,
		PlayerName:  req.PlayerName,
	})
	if err != nil {
		writeConflictOrError(w, res, err)
		return
	}

	resp := JoinResponse{PlayerID: res.Player.ID, Board: res.Player.Board}
	if res.Player.NameAdjusted {
		resp.NameAdjustment = &NameAdjustment{
			Original: res.Player.OriginalName,
			Adjusted: res.Player.Name,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PlayerActionRequest is the body shared by leave and bingo.
type PlayerActionRequest struct {
	AccessToken string `json:"accessToken"`
	PlayerID    string `json:"playerId"`
}

// Leave handles POST /v1/sessions/{id}/leave.
func (h *SessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req PlayerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, err := h.sessions.Apply(r.Context(), service.Command{
		Type:        service.CmdLeave,
		SessionID:   id,
		AccessToken: req.AccessToken,
		PlayerID:    req.PlayerID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": true})
}

// BingoResponse is the response body for a bingo claim.
type BingoResponse struct {
	NewBingo   bool     `json:"newBingo"`
	BingoCount int      `json:"bingoCount"`
	Lines      []string `json:"lines"`
}

// Bingo handles POST /v1/sessions/{id}/bingo. The server recomputes the
// claim; a stale claim is acknowledged with newBingo=false.
func (h *SessionHandler) Bingo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req PlayerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.sessions.Apply(r.Context(), service.Command{
		Type:        service.CmdRecordBingo,
		SessionID:   id,
		AccessToken: req.AccessToken,
		PlayerID:    req.PlayerID,
	})
	if err != nil {
		writeConflictOrError(w, res, err)
		return
	}

	writeJSON(w, http.StatusOK, BingoResponse{
		NewBingo:   res.NewBingo,
		BingoCount: res.Player.BingoCount,
		Lines:      res.Lines,
	})
}

// SubscribeResponse returns the signed grant plus the participant
// descriptor from the handshake.
type SubscribeResponse struct {
	Grant       string               `json:"grant"`
	Participant *service.Participant `json:"participant"`
}

// Subscribe handles POST /v1/sessions/{id}/subscribe.
func (h *SessionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req service.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = id
	}

	session, err := h.sessions.Authoritative(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}

	grant, participant, err := h.grants.Authorize(session, &req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscribeResponse{Grant: grant, Participant: participant})
}

func accessToken(r *http.Request) string {
	if t := r.Header.Get("X-Access-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("accessToken")
}

// writeConflictOrError special-cases a lost compare-and-set race: the
// 409 body carries the winner's committed snapshot so the caller can
// converge without another read.
func writeConflictOrError(w http.ResponseWriter, res *service.Result, err error) {
	if apperr.Is(err, apperr.KindConflict) && res != nil && res.Session != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   err.Error(),
			"session": res.Session.Public(),
		})
		return
	}
	writeAppError(w, err)
}
