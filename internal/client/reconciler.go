// Package client implements the subscriber side of the session sync
// protocol: a local projection of the session that merges events
// idempotently and falls back to a full snapshot whenever the stream
// cannot be trusted. It is transport-agnostic; events may arrive from a
// websocket or straight off the Redis topic.
package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"bingohall/internal/game"
	"bingohall/internal/model"
)

// SnapshotFetcher retrieves the authoritative session snapshot; rule 1
// and every resync go through it.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, sessionID string) (*model.Session, error)
}

// Handler observes an event after it has been merged into the local
// projection.
type Handler func(event *model.Event)

// Reconciler keeps one subscriber's local copy of a session consistent
// under at-least-once, possibly reordered delivery.
//
// Merge rules, in priority order: snapshot on first subscribe; a
// session-updated (or session-reset) snapshot replaces the projection
// wholesale unless it is older than what we hold; number-drawn appends
// idempotently; player-bingo merges monotonically; anything the rules
// cannot explain triggers a full resync instead of incremental repair.
type Reconciler struct {
	sessionID string
	playerID  string
	fetch     SnapshotFetcher
	log       zerolog.Logger

	mu       sync.RWMutex
	session  *model.Session
	handlers map[model.EventType]Handler

	localCount int
	localLines []string
}

// New creates a reconciler for one subscriber. playerID may be empty
// for hosts and observers; it selects whose board the local bingo
// recompute runs against.
func New(sessionID, playerID string, fetch SnapshotFetcher, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		sessionID: sessionID,
		playerID:  playerID,
		fetch:     fetch,
		log:       log.With().Str("component", "reconciler").Str("session", sessionID).Logger(),
		handlers:  make(map[model.EventType]Handler),
	}
}

// On registers a handler for an event name. Registration is keyed by
// the name: registering again (after a reconnect, say) replaces the
// previous handler, it never stacks a second one.
func (r *Reconciler) On(typ model.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, typ)
		return
	}
	r.handlers[typ] = h
}

// Off removes the handler for an event name.
func (r *Reconciler) Off(typ model.EventType) {
	r.On(typ, nil)
}

// Start fetches the initial snapshot. Must be called once the
// subscription is live, never instead of it.
func (r *Reconciler) Start(ctx context.Context) error {
	return r.Resync(ctx)
}

// Resync discards the local projection and refetches the snapshot.
// Called on reconnect and whenever Apply detects an anomaly.
func (r *Reconciler) Resync(ctx context.Context) error {
	snap, err := r.fetch.FetchSnapshot(ctx, r.sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.session = snap
	r.recomputeLocked()
	r.mu.Unlock()
	return nil
}

// Run consumes events until the channel closes or ctx is done.
func (r *Reconciler) Run(ctx context.Context, events <-chan *model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.Apply(ctx, ev); err != nil {
				r.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("resync failed, keeping stale projection")
			}
		}
	}
}

// Apply merges one event. Duplicates and stale events are no-ops; an
// inconsistent event falls back to a snapshot refetch. The registered
// handler for the event name fires after the merge.
func (r *Reconciler) Apply(ctx context.Context, ev *model.Event) error {
	if ev.SessionID != r.sessionID {
		return nil
	}

	resync, err := r.merge(ev)
	if err != nil {
		r.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("undecodable event, resyncing")
		resync = true
	}
	if resync {
		if err := r.Resync(ctx); err != nil {
			return err
		}
	}

	r.mu.RLock()
	h := r.handlers[ev.Type]
	r.mu.RUnlock()
	if h != nil {
		h(ev)
	}
	return nil
}

// merge applies the per-event rules; it returns true when the
// projection must be rebuilt from a snapshot.
func (r *Reconciler) merge(ev *model.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil && ev.Type != model.EventSessionUpdated && ev.Type != model.EventSessionReset {
		return true, nil
	}

	switch ev.Type {
	case model.EventSessionUpdated, model.EventSessionReset:
		var p model.SessionUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if p.Session == nil {
			return true, nil
		}
		// A reordered or duplicated snapshot must not roll the projection
		// back. Equal versions are also skipped: local merges were built on
		// top of that exact state, so replacing would undo them.
		if r.session != nil && p.Session.Version <= r.session.Version {
			return false, nil
		}
		r.session = p.Session
		r.recomputeLocked()

	case model.EventNumberDrawn:
		var p model.NumberDrawnPayload
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if r.session.HasNumber(p.Number) {
			// Duplicate delivery of a draw we already hold.
			return false, nil
		}
		// The event carries the authoritative sequence; if ours plus
		// this number is not exactly that sequence there is a gap we
		// cannot explain locally.
		if len(p.DrawnNumbers) != len(r.session.Numbers)+1 || !hasPrefix(p.DrawnNumbers, r.session.Numbers) {
			return true, nil
		}
		r.session.Numbers = append(r.session.Numbers, p.Number)
		current := p.Number
		r.session.CurrentNumber = &current
		r.recomputeLocked()

	case model.EventPlayerBingo:
		var p model.PlayerBingoPayload
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		local := r.session.Player(p.Player.ID)
		if local == nil {
			return true, nil
		}
		if p.BingoCount > local.BingoCount {
			local.BingoCount = p.BingoCount
			local.BingoAchievedAt = p.Player.BingoAchievedAt
		}

	case model.EventPlayerJoined:
		var p model.PlayerJoinedPayload
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if r.session.Player(p.Player.ID) == nil {
			r.session.Players = append(r.session.Players, p.Player)
		}

	case model.EventPlayerLeft:
		var p model.PlayerLeftPayload
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		for i := range r.session.Players {
			if r.session.Players[i].ID == p.PlayerID {
				r.session.Players = append(r.session.Players[:i], r.session.Players[i+1:]...)
				break
			}
		}

	case model.EventSessionStarted:
		var p model.SessionStartedPayload
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if r.session.Status == model.SessionWaiting {
			r.session.Status = model.SessionPlaying
			started := p.StartedAt
			r.session.StartedAt = &started
		}

	case model.EventSessionEnded:
		r.session.Status = model.SessionFinished
	}

	return false, nil
}

// Session returns a copy of the local projection, or nil before the
// first snapshot.
func (r *Reconciler) Session() *model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return nil
	}
	return r.session.Public()
}

// LocalBingo reports the line count and names recomputed locally for
// this subscriber's own board. Immediate feedback only; the server's
// player-bingo event is the authoritative confirmation.
func (r *Reconciler) LocalBingo() (int, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localCount, append([]string(nil), r.localLines...)
}

func (r *Reconciler) recomputeLocked() {
	r.localCount, r.localLines = 0, nil
	if r.playerID == "" || r.session == nil {
		return
	}
	if p := r.session.Player(r.playerID); p != nil {
		r.localCount, r.localLines = game.Evaluate(p.Board, r.session.Numbers)
	}
}

func hasPrefix(seq, prefix []int) bool {
	if len(prefix) > len(seq) {
		return false
	}
	for i, n := range prefix {
		if seq[i] != n {
			return false
		}
	}
	return true
}
