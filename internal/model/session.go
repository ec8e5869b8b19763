package model

import "time"

type SessionStatus string

const (
	SessionWaiting  SessionStatus = "waiting"
	SessionPlaying  SessionStatus = "playing"
	SessionFinished SessionStatus = "finished"
	SessionExpired  SessionStatus = "expired"
)

// Board is a 5x5 bingo card. Cell [2][2] is always 0 (the free cell);
// column c holds five distinct values from [15c+1, 15c+15].
type Board [][]int

// Player is a participant inside a session document. Players are only
// ever mutated as part of a whole-session update.
type Player struct {
	ID              string     `json:"id" bson:"id"`
	Name            string     `json:"name" bson:"name"`
	OriginalName    string     `json:"originalName" bson:"originalName"`
	NameAdjusted    bool       `json:"nameAdjusted" bson:"nameAdjusted"`
	Board           Board      `json:"board" bson:"board"`
	BingoCount      int        `json:"bingoCount" bson:"bingoCount"`
	BingoAchievedAt *time.Time `json:"bingoAchievedAt,omitempty" bson:"bingoAchievedAt,omitempty"`
	IsConnected     bool       `json:"isConnected" bson:"isConnected"`
	JoinedAt        time.Time  `json:"joinedAt" bson:"joinedAt"`
}

// Session is the single authoritative record for one game. All mutations
// go through a compare-and-set on Version; see repository.SessionRepo.
type Session struct {
	ID            string        `json:"sessionId" bson:"_id"`
	AccessToken   string        `json:"accessToken,omitempty" bson:"accessToken"`
	HostID        string        `json:"hostId" bson:"hostId"`
	Status        SessionStatus `json:"status" bson:"status"`
	Players       []Player      `json:"players" bson:"players"`
	Numbers       []int         `json:"numbers" bson:"numbers"`
	CurrentNumber *int          `json:"currentNumber,omitempty" bson:"currentNumber,omitempty"`
	MaxPlayers    int           `json:"maxPlayers" bson:"maxPlayers"`
	Version       int64         `json:"version" bson:"version"`
	CreatedAt     time.Time     `json:"createdAt" bson:"createdAt"`
	ExpiresAt     time.Time     `json:"expiresAt" bson:"expiresAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty" bson:"finishedAt,omitempty"`
}

// Player returns the player with the given id, or nil.
func (s *Session) Player(playerID string) *Player {
	for i := range s.Players {
		if s.Players[i].ID == playerID {
			return &s.Players[i]
		}
	}
	return nil
}

// PlayerNames returns display names in join order.
func (s *Session) PlayerNames() []string {
	names := make([]string, len(s.Players))
	for i, p := range s.Players {
		names[i] = p.Name
	}
	return names
}

// HasNumber reports whether n has already been drawn.
func (s *Session) HasNumber(n int) bool {
	for _, d := range s.Numbers {
		if d == n {
			return true
		}
	}
	return false
}

// Expired reports whether the session's absolute TTL has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Public returns a deep copy with the access token stripped. Snapshots
// and events must never leak the token to subscribers.
func (s *Session) Public() *Session {
	out := *s
	out.AccessToken = ""
	out.Players = make([]Player, len(s.Players))
	copy(out.Players, s.Players)
	out.Numbers = make([]int, len(s.Numbers))
	copy(out.Numbers, s.Numbers)
	return &out
}
