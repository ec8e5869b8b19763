package service

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bingohall/internal/apperr"
	"bingohall/internal/model"
)

// fakeRepo is an in-memory SessionRepo with the same compare-and-set
// contract as the Mongo implementation.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*model.Session)}
}

func cloneSession(s *model.Session) *model.Session {
	out := *s
	out.Players = make([]model.Player, len(s.Players))
	copy(out.Players, s.Players)
	out.Numbers = make([]int, len(s.Numbers))
	copy(out.Numbers, s.Numbers)
	return &out
}

func (r *fakeRepo) Create(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return apperr.New(apperr.KindConflict, "duplicate id")
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", id)
	}
	return cloneSession(s), nil
}

func (r *fakeRepo) UpdateCAS(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[s.ID]
	if !ok || stored.Version != s.Version {
		return apperr.Newf(apperr.KindConflict, "session %s was modified concurrently", s.ID)
	}
	s.Version++
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok, nil
}

// racingRepo makes the next UpdateCAS lose: it lets a rival commit slip
// in first, so the caller's version is stale by the time it commits.
type racingRepo struct {
	*fakeRepo
	rival func(*model.Session)
	armed bool
}

func (r *racingRepo) UpdateCAS(ctx context.Context, s *model.Session) error {
	if r.armed {
		r.armed = false
		rivalCopy, err := r.fakeRepo.GetByID(ctx, s.ID)
		if err != nil {
			return err
		}
		r.rival(rivalCopy)
		if err := r.fakeRepo.UpdateCAS(ctx, rivalCopy); err != nil {
			return err
		}
	}
	return r.fakeRepo.UpdateCAS(ctx, s)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*model.Event
	err    error
}

func (b *fakeBroadcaster) Publish(ctx context.Context, ev *model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBroadcaster) byType(typ model.EventType) []*model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Event
	for _, ev := range b.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCache struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	setErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{sessions: make(map[string]*model.Session)}
}

func (c *fakeCache) Set(ctx context.Context, s *model.Session, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.sessions[s.ID] = cloneSession(s)
	return nil
}

func (c *fakeCache) Get(ctx context.Context, id string) (*model.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return cloneSession(s), nil
	}
	return nil, nil
}

func (c *fakeCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	return nil
}

type fixture struct {
	svc   *SessionService
	repo  *fakeRepo
	bcast *fakeBroadcaster
	cache *fakeCache
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newFakeRepo()
	bcast := &fakeBroadcaster{}
	snapCache := newFakeCache()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewSessionService(repo, snapCache, bcast, clock, rand.New(rand.NewSource(1)), 24*time.Hour, zerolog.Nop())
	return &fixture{svc: svc, repo: repo, bcast: bcast, cache: snapCache, clock: clock}
}

func (f *fixture) seed(t *testing.T, mutate func(*model.Session)) *model.Session {
	t.Helper()
	now := f.clock.Now()
	session := &model.Session{
		ID:          "ABC123",
		AccessToken: "TOKEN999",
		HostID:      "host_1",
		Status:      model.SessionWaiting,
		Players:     []model.Player{},
		Numbers:     []int{},
		MaxPlayers:  4,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	if mutate != nil {
		mutate(session)
	}
	require.NoError(t, f.repo.Create(context.Background(), session))
	return session
}

func hostCmd(typ CommandType) Command {
	return Command{Type: typ, SessionID: "ABC123", AccessToken: "TOKEN999", HostID: "host_1"}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	session, err := f.svc.CreateSession(context.Background(), 8)
	require.NoError(t, err)
	require.Len(t, session.ID, 6)
	require.Len(t, session.AccessToken, 8)
	require.Equal(t, model.SessionWaiting, session.Status)
	require.Equal(t, 8, session.MaxPlayers)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), session.ExpiresAt)

	_, err = f.svc.CreateSession(context.Background(), 0)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestStartGame(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	res, err := f.svc.Apply(context.Background(), hostCmd(CmdStartGame))
	require.NoError(t, err)
	require.Equal(t, model.SessionPlaying, res.Session.Status)
	require.NotNil(t, res.Session.StartedAt)
	require.Len(t, f.bcast.byType(model.EventSessionStarted), 1)
	require.Len(t, f.bcast.byType(model.EventSessionUpdated), 1)

	// Starting twice is a state conflict.
	_, err = f.svc.Apply(context.Background(), hostCmd(CmdStartGame))
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestStartGuards(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	cases := []struct {
		name string
		cmd  Command
		want apperr.Kind
	}{
		{
			name: "wrong access token",
			cmd:  Command{Type: CmdStartGame, SessionID: "ABC123", AccessToken: "nope", HostID: "host_1"},
			want: apperr.KindUnauthorized,
		},
		{
			name: "wrong host",
			cmd:  Command{Type: CmdStartGame, SessionID: "ABC123", AccessToken: "TOKEN999", HostID: "host_2"},
			want: apperr.KindUnauthorized,
		},
		{
			name: "unknown session",
			cmd:  Command{Type: CmdStartGame, SessionID: "NOPE", AccessToken: "TOKEN999", HostID: "host_1"},
			want: apperr.KindNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Apply(context.Background(), tc.cmd)
			require.Equal(t, tc.want, apperr.KindOf(err))
		})
	}
}

func TestDrawSequence(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.Status = model.SessionPlaying })

	seen := map[int]bool{}
	for i := 0; i < 75; i++ {
		res, err := f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
		require.NoError(t, err)
		require.False(t, seen[res.Number], "number %d drawn twice", res.Number)
		seen[res.Number] = true
		require.NotEmpty(t, res.Letter)
		require.Len(t, res.Session.Numbers, i+1)
		require.Equal(t, res.Number, *res.Session.CurrentNumber)
		require.Equal(t, res.Number, res.Session.Numbers[len(res.Session.Numbers)-1])
	}

	_, err := f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
	require.Equal(t, apperr.KindExhausted, apperr.KindOf(err))
}

func TestDrawRequiresPlaying(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	_, err := f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestDrawRaceCommitsExactlyOne(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.Status = model.SessionPlaying })

	// A rival draw commits between this caller's read and its CAS.
	racing := &racingRepo{
		fakeRepo: f.repo,
		rival: func(s *model.Session) {
			s.Numbers = append(s.Numbers, 42)
			current := 42
			s.CurrentNumber = &current
		},
		armed: true,
	}
	f.svc.repo = racing

	res, err := f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	// The loser observes the winner's committed state: exactly one new
	// number, the rival's.
	require.NotNil(t, res)
	require.Equal(t, []int{42}, res.Session.Numbers)

	stored, err := f.repo.GetByID(context.Background(), "ABC123")
	require.NoError(t, err)
	require.Equal(t, []int{42}, stored.Numbers)
	// The losing draw must not have been broadcast.
	require.Empty(t, f.bcast.byType(model.EventNumberDrawn))
}

func TestJoinResolvesNamesAndCapacity(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.MaxPlayers = 3 })

	join := func(name string) (*Result, error) {
		return f.svc.Apply(context.Background(), Command{
			Type: CmdJoin, SessionID: "ABC123", AccessToken: "TOKEN999", PlayerName: name,
		})
	}

	res, err := join("Alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", res.Player.Name)
	require.False(t, res.Player.NameAdjusted)
	require.Len(t, res.Player.Board, 5)

	res, err = join("Alice")
	require.NoError(t, err)
	require.Equal(t, "Alice_2", res.Player.Name)
	require.True(t, res.Player.NameAdjusted)
	require.Equal(t, "Alice", res.Player.OriginalName)

	res, err = join("Bob")
	require.NoError(t, err)
	require.Equal(t, "Bob", res.Player.Name)

	// Full: the player list is not silently truncated.
	_, err = join("Carol")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	stored, _ := f.repo.GetByID(context.Background(), "ABC123")
	require.Len(t, stored.Players, 3)

	require.Len(t, f.bcast.byType(model.EventPlayerJoined), 3)
}

func TestJoinRejectedAfterStart(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.Status = model.SessionPlaying })

	_, err := f.svc.Apply(context.Background(), Command{
		Type: CmdJoin, SessionID: "ABC123", AccessToken: "TOKEN999", PlayerName: "Late",
	})
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) {
		s.Players = []model.Player{{ID: "p_1", Name: "Alice"}, {ID: "p_2", Name: "Bob"}}
	})

	_, err := f.svc.Apply(context.Background(), Command{
		Type: CmdLeave, SessionID: "ABC123", AccessToken: "TOKEN999", PlayerID: "p_1",
	})
	require.NoError(t, err)

	stored, _ := f.repo.GetByID(context.Background(), "ABC123")
	require.Len(t, stored.Players, 1)
	require.Equal(t, "p_2", stored.Players[0].ID)
	require.Len(t, f.bcast.byType(model.EventPlayerLeft), 1)

	_, err = f.svc.Apply(context.Background(), Command{
		Type: CmdLeave, SessionID: "ABC123", AccessToken: "TOKEN999", PlayerID: "p_1",
	})
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func testBoard() model.Board {
	return model.Board{
		{1, 16, 31, 46, 61},
		{2, 17, 32, 47, 62},
		{3, 18, 0, 48, 63},
		{4, 19, 33, 49, 64},
		{5, 20, 34, 50, 65},
	}
}

func TestRecordBingoIsServerAuthoritative(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) {
		s.Status = model.SessionPlaying
		s.Players = []model.Player{{ID: "p_1", Name: "Alice", Board: testBoard()}}
		s.Numbers = []int{1, 16, 31, 46, 61}
	})

	claim := Command{Type: CmdRecordBingo, SessionID: "ABC123", AccessToken: "TOKEN999", PlayerID: "p_1"}

	res, err := f.svc.Apply(context.Background(), claim)
	require.NoError(t, err)
	require.True(t, res.NewBingo)
	require.Equal(t, 1, res.Player.BingoCount)
	require.Equal(t, []string{"row0"}, res.Lines)
	require.NotNil(t, res.Player.BingoAchievedAt)
	require.Len(t, f.bcast.byType(model.EventPlayerBingo), 1)

	// A duplicate claim is a no-op: nothing committed, nothing broadcast.
	res, err = f.svc.Apply(context.Background(), claim)
	require.NoError(t, err)
	require.False(t, res.NewBingo)
	require.Len(t, f.bcast.byType(model.EventPlayerBingo), 1)

	// More lines marked: the count grows and a new achievement fires.
	stored, _ := f.repo.GetByID(context.Background(), "ABC123")
	stored.Numbers = append(stored.Numbers, 17, 18, 19, 20)
	require.NoError(t, f.repo.UpdateCAS(context.Background(), stored))

	res, err = f.svc.Apply(context.Background(), claim)
	require.NoError(t, err)
	require.True(t, res.NewBingo)
	require.Equal(t, 2, res.Player.BingoCount)
	require.Len(t, f.bcast.byType(model.EventPlayerBingo), 2)
}

func TestResetRedealsInPlace(t *testing.T) {
	f := newFixture(t)
	achieved := time.Now()
	f.seed(t, func(s *model.Session) {
		s.Status = model.SessionPlaying
		s.Players = []model.Player{
			{ID: "p_1", Name: "Alice", Board: testBoard(), BingoCount: 2, BingoAchievedAt: &achieved},
			{ID: "p_2", Name: "Bob", Board: testBoard(), BingoCount: 1},
		}
		s.Numbers = []int{1, 2, 3}
		current := 3
		s.CurrentNumber = &current
	})

	res, err := f.svc.Apply(context.Background(), hostCmd(CmdResetGame))
	require.NoError(t, err)

	sess := res.Session
	require.Equal(t, model.SessionPlaying, sess.Status, "reset keeps the session playing")
	require.Empty(t, sess.Numbers)
	require.Nil(t, sess.CurrentNumber)
	require.Len(t, sess.Players, 2, "player list survives reset")
	for _, p := range sess.Players {
		require.Zero(t, p.BingoCount)
		require.Nil(t, p.BingoAchievedAt)
		require.Len(t, p.Board, 5)
		require.Zero(t, p.Board[2][2], "re-dealt board has the free cell")
	}
	require.Len(t, f.bcast.byType(model.EventSessionReset), 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.Status = model.SessionPlaying })

	res, err := f.svc.Apply(context.Background(), hostCmd(CmdCancelGame))
	require.NoError(t, err)
	require.Equal(t, model.SessionFinished, res.Session.Status)
	require.NotNil(t, res.Session.FinishedAt)
	require.Len(t, f.bcast.byType(model.EventSessionEnded), 1)

	// Finished sessions are evicted from the snapshot cache.
	cached, err := f.cache.Get(context.Background(), "ABC123")
	require.NoError(t, err)
	require.Nil(t, cached)

	_, err = f.svc.Apply(context.Background(), hostCmd(CmdCancelGame))
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestExpiredSessionRejectsEverything(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	f.clock.Advance(25 * time.Hour)

	_, err := f.svc.Apply(context.Background(), hostCmd(CmdStartGame))
	require.Equal(t, apperr.KindExpired, apperr.KindOf(err))

	_, err = f.svc.Snapshot(context.Background(), "ABC123", "TOKEN999")
	require.Equal(t, apperr.KindExpired, apperr.KindOf(err))
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.Status = model.SessionPlaying })
	f.bcast.err = context.DeadlineExceeded

	res, err := f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
	require.NoError(t, err, "commit stands even when broadcast fails")
	require.Len(t, res.Session.Numbers, 1)

	stored, _ := f.repo.GetByID(context.Background(), "ABC123")
	require.Len(t, stored.Numbers, 1)
}

func TestCacheWriteFailureEvictsStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) { s.Status = model.SessionPlaying })

	_, err := f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
	require.NoError(t, err)
	cached, _ := f.cache.Get(context.Background(), "ABC123")
	require.Len(t, cached.Numbers, 1)

	// When the write-through fails, the previous commit's entry is
	// evicted so reads fall through to the authoritative store.
	f.cache.setErr = context.DeadlineExceeded
	_, err = f.svc.Apply(context.Background(), hostCmd(CmdDrawNumber))
	require.NoError(t, err)
	cached, _ = f.cache.Get(context.Background(), "ABC123")
	require.Nil(t, cached, "stale snapshot must not shadow store reads")

	snap, err := f.svc.Snapshot(context.Background(), "ABC123", "TOKEN999")
	require.NoError(t, err)
	require.Len(t, snap.Numbers, 2, "snapshot falls through to the store")
}

func TestSnapshotAuth(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	snap, err := f.svc.Snapshot(context.Background(), "ABC123", "TOKEN999")
	require.NoError(t, err)
	require.Empty(t, snap.AccessToken, "snapshots never leak the token")

	_, err = f.svc.Snapshot(context.Background(), "ABC123", "wrong")
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestSetConnected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(s *model.Session) {
		s.Players = []model.Player{{ID: "p_1", Name: "Alice"}}
	})

	require.NoError(t, f.svc.SetConnected(context.Background(), "ABC123", "p_1", true))
	stored, _ := f.repo.GetByID(context.Background(), "ABC123")
	require.True(t, stored.Players[0].IsConnected)
	require.Len(t, f.bcast.byType(model.EventSessionUpdated), 1)

	// Idempotent: no second broadcast for the same state.
	require.NoError(t, f.svc.SetConnected(context.Background(), "ABC123", "p_1", true))
	require.Len(t, f.bcast.byType(model.EventSessionUpdated), 1)
}
