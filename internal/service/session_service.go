package service

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"bingohall/internal/apperr"
	"bingohall/internal/cache"
	"bingohall/internal/game"
	"bingohall/internal/model"
	"bingohall/internal/repository"
)

// CommandType tags a session mutation. Every mutating operation goes
// through Apply so the guard/commit/broadcast sequence lives in exactly
// one place.
type CommandType int

const (
	CmdStartGame CommandType = iota
	CmdDrawNumber
	CmdResetGame
	CmdCancelGame
	CmdJoin
	CmdLeave
	CmdRecordBingo
)

func (t CommandType) String() string {
	switch t {
	case CmdStartGame:
		return "start_game"
	case CmdDrawNumber:
		return "draw_number"
	case CmdResetGame:
		return "reset_game"
	case CmdCancelGame:
		return "cancel_game"
	case CmdJoin:
		return "join"
	case CmdLeave:
		return "leave"
	case CmdRecordBingo:
		return "record_bingo"
	default:
		return "unknown"
	}
}

// Command carries one session mutation request.
type Command struct {
	Type        CommandType
	SessionID   string
	AccessToken string
	HostID      string // host-only commands
	PlayerID    string // leave, record bingo
	PlayerName  string // join
}

// Result is the outcome of an applied command. Session is the
// post-commit state (or, after a lost CAS race, the state committed by
// the winner).
type Result struct {
	Session  *model.Session
	Player   *model.Player
	Number   int
	Letter   string
	Lines    []string
	NewBingo bool
}

// commandHandler mutates the loaded session in place and returns the
// canonical events to publish after commit. Returning no events means
// the command was a benign no-op and nothing is committed or published.
type commandHandler func(s *SessionService, sess *model.Session, cmd Command, res *Result) ([]*model.Event, error)

var commandHandlers = map[CommandType]commandHandler{
	CmdStartGame:   (*SessionService).handleStart,
	CmdDrawNumber:  (*SessionService).handleDraw,
	CmdResetGame:   (*SessionService).handleReset,
	CmdCancelGame:  (*SessionService).handleCancel,
	CmdJoin:        (*SessionService).handleJoin,
	CmdLeave:       (*SessionService).handleLeave,
	CmdRecordBingo: (*SessionService).handleRecordBingo,
}

// SessionService owns session state transitions: it guards them,
// commits them with a compare-and-set against the session document, and
// broadcasts canonical events after commit.
type SessionService struct {
	repo        repository.SessionRepo
	snapshots   cache.SnapshotCache
	broadcaster Broadcaster
	clock       clockwork.Clock
	log         zerolog.Logger
	sessionTTL  time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSessionService creates the state machine service.
func NewSessionService(
	repo repository.SessionRepo,
	snapshots cache.SnapshotCache,
	broadcaster Broadcaster,
	clock clockwork.Clock,
	rng *rand.Rand,
	sessionTTL time.Duration,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		repo:        repo,
		snapshots:   snapshots,
		broadcaster: broadcaster,
		clock:       clock,
		rng:         rng,
		sessionTTL:  sessionTTL,
		log:         log.With().Str("component", "session_service").Logger(),
	}
}

const (
	codeCharset    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	sessionIDLen   = 6
	accessTokenLen = 8
	maxIDAttempts  = 10
)

// CreateSession creates a new waiting session and returns it including
// the access token; the caller is the only party that ever sees it.
func (s *SessionService) CreateSession(ctx context.Context, maxPlayers int) (*model.Session, error) {
	if maxPlayers <= 0 {
		return nil, apperr.New(apperr.KindValidation, "maxPlayers must be positive")
	}

	id, err := s.generateSessionID(ctx)
	if err != nil {
		return nil, err
	}
	token, err := randomCode(accessTokenLen)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	now := s.clock.Now()
	session := &model.Session{
		ID:          id,
		AccessToken: token,
		HostID:      "host_" + uuid.New().String()[:8],
		Status:      model.SessionWaiting,
		Players:     []model.Player{},
		Numbers:     []int{},
		MaxPlayers:  maxPlayers,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.sessionTTL),
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, session)
	return session, nil
}

// Snapshot returns the current public state of a session. The access
// token gates reads as well as writes.
func (s *SessionService) Snapshot(ctx context.Context, sessionID, accessToken string) (*model.Session, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.KindValidation, "sessionId is required")
	}

	// Serve resyncing subscribers from the write-through cache when we
	// can; fall back to the document store.
	if cached, err := s.snapshots.Get(ctx, sessionID); err == nil && cached != nil {
		if cached.Expired(s.clock.Now()) {
			return nil, apperr.Newf(apperr.KindExpired, "session %s has expired", sessionID)
		}
		if accessToken != cached.AccessToken {
			return nil, apperr.New(apperr.KindUnauthorized, "invalid access token")
		}
		return cached.Public(), nil
	}

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if accessToken != session.AccessToken {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid access token")
	}
	return session.Public(), nil
}

// Authoritative returns the raw session document for server-internal
// callers (grant handshake).
func (s *SessionService) Authoritative(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.load(ctx, sessionID)
}

// Apply runs one command through the guard/commit/broadcast sequence.
func (s *SessionService) Apply(ctx context.Context, cmd Command) (*Result, error) {
	handler, ok := commandHandlers[cmd.Type]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown command %d", int(cmd.Type))
	}

	session, err := s.load(ctx, cmd.SessionID)
	if err != nil {
		return nil, err
	}
	if cmd.AccessToken != session.AccessToken {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid access token")
	}

	res := &Result{}
	events, err := handler(s, session, cmd, res)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		// Benign no-op (e.g. a stale bingo claim): nothing committed,
		// nothing broadcast.
		res.Session = session
		return res, nil
	}

	if err := s.repo.UpdateCAS(ctx, session); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			// Lost a race; surface the winner's state so the caller
			// converges without another read.
			if fresh, ferr := s.repo.GetByID(ctx, cmd.SessionID); ferr == nil {
				res.Session = fresh
			}
			s.log.Debug().Str("session", cmd.SessionID).Stringer("command", cmd.Type).
				Msg("compare-and-set lost, returning post-commit state")
			return res, err
		}
		return nil, err
	}

	s.publish(ctx, session, events)
	s.cacheSnapshot(ctx, session)

	res.Session = session
	return res, nil
}

// SetConnected flips a player's presence flag. Best-effort: a lost race
// is retried once and then dropped, presence is advisory.
func (s *SessionService) SetConnected(ctx context.Context, sessionID, playerID string, connected bool) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		session, err := s.load(ctx, sessionID)
		if err != nil {
			return err
		}
		player := session.Player(playerID)
		if player == nil || player.IsConnected == connected {
			return nil
		}
		player.IsConnected = connected

		if err := s.repo.UpdateCAS(ctx, session); err != nil {
			if apperr.Is(err, apperr.KindConflict) {
				lastErr = err
				continue
			}
			return err
		}
		s.publish(ctx, session, nil)
		s.cacheSnapshot(ctx, session)
		return nil
	}
	return lastErr
}

func (s *SessionService) handleStart(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	if err := requireHost(sess, cmd); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionWaiting {
		return nil, apperr.Newf(apperr.KindConflict, "cannot start a session that is %s", sess.Status)
	}

	now := s.clock.Now()
	sess.Status = model.SessionPlaying
	sess.StartedAt = &now

	ev, err := model.NewEvent(model.EventSessionStarted, sess.ID, model.SessionStartedPayload{StartedAt: now})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

func (s *SessionService) handleDraw(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	if err := requireHost(sess, cmd); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionPlaying {
		return nil, apperr.Newf(apperr.KindConflict, "cannot draw while session is %s", sess.Status)
	}

	s.rngMu.Lock()
	number, err := game.Draw(sess.Numbers, s.rng)
	s.rngMu.Unlock()
	if err != nil {
		return nil, err
	}

	sess.Numbers = append(sess.Numbers, number)
	current := number
	sess.CurrentNumber = &current

	res.Number = number
	res.Letter = game.Letter(number)

	drawn := make([]int, len(sess.Numbers))
	copy(drawn, sess.Numbers)
	ev, err := model.NewEvent(model.EventNumberDrawn, sess.ID, model.NumberDrawnPayload{
		Number:       number,
		BingoLetter:  res.Letter,
		DrawnNumbers: drawn,
		DrawnAt:      s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

// handleReset re-deals the game in place: numbers cleared, every board
// regenerated, bingo progress zeroed. The session stays in playing; the
// join window does not reopen on reset.
func (s *SessionService) handleReset(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	if err := requireHost(sess, cmd); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionPlaying {
		return nil, apperr.Newf(apperr.KindConflict, "cannot reset a session that is %s", sess.Status)
	}

	sess.Numbers = []int{}
	sess.CurrentNumber = nil
	for i := range sess.Players {
		sess.Players[i].Board = s.newBoard()
		sess.Players[i].BingoCount = 0
		sess.Players[i].BingoAchievedAt = nil
	}

	ev, err := model.NewEvent(model.EventSessionReset, sess.ID, model.SessionResetPayload{Session: sess.Public()})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

func (s *SessionService) handleCancel(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	if err := requireHost(sess, cmd); err != nil {
		return nil, err
	}
	if sess.Status == model.SessionFinished {
		return nil, apperr.New(apperr.KindConflict, "session is already finished")
	}

	now := s.clock.Now()
	sess.Status = model.SessionFinished
	sess.FinishedAt = &now

	ev, err := model.NewEvent(model.EventSessionEnded, sess.ID, model.SessionEndedPayload{SessionID: sess.ID})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

func (s *SessionService) handleJoin(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	if cmd.PlayerName == "" {
		return nil, apperr.New(apperr.KindValidation, "playerName is required")
	}
	if sess.Status != model.SessionWaiting {
		return nil, apperr.New(apperr.KindConflict, "session is no longer accepting players")
	}
	if len(sess.Players) >= sess.MaxPlayers {
		return nil, apperr.New(apperr.KindConflict, "session is full")
	}

	name, adjusted, err := game.ResolveName(cmd.PlayerName, sess.PlayerNames())
	if err != nil {
		return nil, err
	}

	player := model.Player{
		ID:           "p_" + uuid.New().String()[:8],
		Name:         name,
		OriginalName: cmd.PlayerName,
		NameAdjusted: adjusted,
		Board:        s.newBoard(),
		JoinedAt:     s.clock.Now(),
	}
	sess.Players = append(sess.Players, player)
	res.Player = &player

	ev, err := model.NewEvent(model.EventPlayerJoined, sess.ID, model.PlayerJoinedPayload{Player: player})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

func (s *SessionService) handleLeave(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	idx := -1
	for i := range sess.Players {
		if sess.Players[i].ID == cmd.PlayerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "player %s not found", cmd.PlayerID)
	}
	sess.Players = append(sess.Players[:idx], sess.Players[idx+1:]...)

	ev, err := model.NewEvent(model.EventPlayerLeft, sess.ID, model.PlayerLeftPayload{PlayerID: cmd.PlayerID})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

// handleRecordBingo never trusts the claimant: lines are recomputed from
// the authoritative drawn numbers, and only a strictly greater count
// counts as a new achievement. Stale and duplicate claims are no-ops.
func (s *SessionService) handleRecordBingo(sess *model.Session, cmd Command, res *Result) ([]*model.Event, error) {
	player := sess.Player(cmd.PlayerID)
	if player == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "player %s not found", cmd.PlayerID)
	}

	count, lines := game.Evaluate(player.Board, sess.Numbers)
	res.Lines = lines
	if count <= player.BingoCount {
		playerCopy := *player
		res.Player = &playerCopy
		return nil, nil
	}

	now := s.clock.Now()
	player.BingoCount = count
	player.BingoAchievedAt = &now
	res.NewBingo = true

	playerCopy := *player
	res.Player = &playerCopy

	ev, err := model.NewEvent(model.EventPlayerBingo, sess.ID, model.PlayerBingoPayload{
		Player:     playerCopy,
		BingoCount: count,
		Lines:      lines,
		AchievedAt: now,
	})
	if err != nil {
		return nil, err
	}
	return []*model.Event{ev}, nil
}

func requireHost(sess *model.Session, cmd Command) error {
	if cmd.HostID == "" || cmd.HostID != sess.HostID {
		return apperr.New(apperr.KindUnauthorized, "only the host may do this")
	}
	return nil
}

// load fetches the session and enforces the TTL on read; the document
// may linger briefly after expiresAt until Mongo's TTL monitor runs.
func (s *SessionService) load(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.KindValidation, "sessionId is required")
	}
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.clock.Now()) {
		return nil, apperr.Newf(apperr.KindExpired, "session %s has expired", sessionID)
	}
	return session, nil
}

// publish sends the specific events plus the session-updated snapshot
// fallback. The mutation is already committed; failures are logged only.
func (s *SessionService) publish(ctx context.Context, sess *model.Session, events []*model.Event) {
	updated, err := model.NewEvent(model.EventSessionUpdated, sess.ID, model.SessionUpdatedPayload{Session: sess.Public()})
	if err != nil {
		s.log.Error().Err(err).Str("session", sess.ID).Msg("failed to build session-updated event")
	} else {
		events = append(events, updated)
	}

	for _, ev := range events {
		if err := s.broadcaster.Publish(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("session", sess.ID).Str("event", string(ev.Type)).
				Msg("broadcast failed after commit")
		}
	}
}

func (s *SessionService) cacheSnapshot(ctx context.Context, sess *model.Session) {
	if sess.Status == model.SessionFinished {
		if err := s.snapshots.Delete(ctx, sess.ID); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID).Msg("snapshot cache evict failed")
		}
		return
	}
	ttl := sess.ExpiresAt.Sub(s.clock.Now())
	if err := s.snapshots.Set(ctx, sess, ttl); err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("snapshot cache write failed")
		// A leftover entry from the previous commit would shadow the
		// authoritative store on reads. Evict so reads fall through.
		if err := s.snapshots.Delete(ctx, sess.ID); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID).Msg("snapshot cache evict failed")
		}
	}
}

func (s *SessionService) newBoard() model.Board {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return game.NewBoard(s.rng)
}

func (s *SessionService) generateSessionID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		code, err := randomCode(sessionIDLen)
		if err != nil {
			return "", err
		}
		exists, err := s.repo.Exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", apperr.New(apperr.KindConflict, "failed to generate a unique session id")
}

func randomCode(length int) (string, error) {
	b := make([]byte, length)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range code {
		code[i] = codeCharset[int(b[i])%len(codeCharset)]
	}
	return string(code), nil
}
