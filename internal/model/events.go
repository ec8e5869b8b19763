package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a canonical session event. Hyphenated names are the
// only spelling; this package is the serialization boundary.
type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventNumberDrawn    EventType = "number-drawn"
	EventPlayerBingo    EventType = "player-bingo"
	EventSessionReset   EventType = "session-reset"
	EventSessionUpdated EventType = "session-updated"
	EventPlayerJoined   EventType = "player-joined"
	EventPlayerLeft     EventType = "player-left"
	EventSessionEnded   EventType = "session-ended"
)

// Event is the envelope published to a session's topic.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// ChannelName returns the pub/sub topic for a session.
func ChannelName(sessionID string) string {
	return "session-" + sessionID
}

type SessionStartedPayload struct {
	StartedAt time.Time `json:"startedAt"`
}

type NumberDrawnPayload struct {
	Number       int       `json:"number"`
	BingoLetter  string    `json:"bingoLetter"`
	DrawnNumbers []int     `json:"drawnNumbers"`
	DrawnAt      time.Time `json:"drawnAt"`
}

type PlayerBingoPayload struct {
	Player     Player    `json:"player"`
	BingoCount int       `json:"bingoCount"`
	Lines      []string  `json:"lines"`
	AchievedAt time.Time `json:"achievedAt"`
}

type SessionResetPayload struct {
	Session *Session `json:"session"`
}

type SessionUpdatedPayload struct {
	Session *Session `json:"session"`
}

type PlayerJoinedPayload struct {
	Player Player `json:"player"`
}

type PlayerLeftPayload struct {
	PlayerID string `json:"playerId"`
}

type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
}

// NewEvent marshals payload into a canonical envelope.
func NewEvent(typ EventType, sessionID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Event{Type: typ, SessionID: sessionID, Payload: data}, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
