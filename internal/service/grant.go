package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"bingohall/internal/apperr"
	"bingohall/internal/model"
)

// Role of a subscriber on a session topic.
type Role string

const (
	RoleHost     Role = "host"
	RolePlayer   Role = "player"
	RoleObserver Role = "observer"
)

// SubscribeRequest is the pub/sub channel handshake: who wants to attach
// to which channel, proving knowledge of the session's access token.
type SubscribeRequest struct {
	ConnectionID  string `json:"connectionId"`
	ChannelName   string `json:"channelName"`
	SessionID     string `json:"sessionId"`
	AccessToken   string `json:"accessToken"`
	ParticipantID string `json:"participantId,omitempty"`
}

// Participant describes the subscriber back to itself in the handshake
// response.
type Participant struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Role       Role        `json:"role"`
	Board      model.Board `json:"board,omitempty"`
	BingoCount *int        `json:"bingoCount,omitempty"`
}

// GrantClaims is the signed grant a subscriber presents when attaching
// the websocket.
type GrantClaims struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
	jwt.RegisteredClaims
}

// GrantService signs and validates subscribe grants.
type GrantService struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewGrantService creates a grant service. Grants are short-lived; a
// reconnecting client repeats the handshake.
func NewGrantService(secret []byte, ttl time.Duration, clock clockwork.Clock) *GrantService {
	return &GrantService{secret: secret, ttl: ttl, clock: clock}
}

// Authorize checks a handshake against the session and, if it passes,
// returns a signed grant plus the participant descriptor. The channel
// name must match the session's topic exactly and the access token must
// match the session secret.
func (g *GrantService) Authorize(session *model.Session, req *SubscribeRequest) (string, *Participant, error) {
	if req.ConnectionID == "" || req.ChannelName == "" || req.SessionID == "" {
		return "", nil, apperr.New(apperr.KindValidation, "connectionId, channelName and sessionId are required")
	}
	if req.SessionID != session.ID {
		return "", nil, apperr.New(apperr.KindValidation, "sessionId does not match session")
	}
	if req.ChannelName != model.ChannelName(session.ID) {
		return "", nil, apperr.Newf(apperr.KindValidation, "channel %q is not the session topic", req.ChannelName)
	}
	if req.AccessToken != session.AccessToken {
		return "", nil, apperr.New(apperr.KindUnauthorized, "invalid access token")
	}

	participant := &Participant{ID: req.ParticipantID, Role: RoleObserver}
	switch {
	case req.ParticipantID == session.HostID:
		participant.Role = RoleHost
	default:
		if p := session.Player(req.ParticipantID); p != nil {
			participant.Role = RolePlayer
			participant.Name = p.Name
			participant.Board = p.Board
			count := p.BingoCount
			participant.BingoCount = &count
		}
	}

	now := g.clock.Now()
	claims := &GrantClaims{
		SessionID:     session.ID,
		ParticipantID: req.ParticipantID,
		Role:          participant.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign grant: %w", err)
	}
	return signed, participant, nil
}

// Validate parses a grant and checks it covers the given channel.
func (g *GrantService) Validate(grant, channelName string) (*GrantClaims, error) {
	token, err := jwt.ParseWithClaims(grant, &GrantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.clock.Now))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid grant", err)
	}

	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid grant")
	}
	if channelName != model.ChannelName(claims.SessionID) {
		return nil, apperr.New(apperr.KindUnauthorized, "grant does not cover this channel")
	}
	return claims, nil
}
