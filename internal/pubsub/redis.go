// Package pubsub fans session events out through Redis. Each session
// has one channel (session-{id}); every server instance publishes
// committed events there and pumps its local subscribers from it, so a
// subscriber converges no matter which instance handled the mutation.
//
// Delivery is at-least-once from the subscriber's point of view (a
// reconnect replays nothing but a client may see duplicates around
// hand-offs); the reconciler merges idempotently to compensate.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bingohall/internal/model"
)

// RedisBroadcaster implements service.Broadcaster over Redis pub/sub.
type RedisBroadcaster struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisBroadcaster creates a broadcaster on the given client.
func NewRedisBroadcaster(client *redis.Client, log zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client: client,
		log:    log.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish sends one canonical event envelope to the session's channel.
func (b *RedisBroadcaster) Publish(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, model.ChannelName(event.SessionID), data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, event.SessionID, err)
	}
	b.log.Debug().Str("session", event.SessionID).Str("event", string(event.Type)).Msg("published")
	return nil
}

// Subscription is a live per-session event feed.
type Subscription struct {
	Events <-chan *model.Event
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Close tears the feed down; the Events channel is closed afterwards.
func (s *Subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscriber attaches per-session pumps to the Redis topic.
type Subscriber struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewSubscriber creates a subscriber on the given client.
func NewSubscriber(client *redis.Client, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		log:    log.With().Str("component", "subscriber").Logger(),
	}
}

// Subscribe opens a feed of canonical events for one session. Envelopes
// that fail to decode are dropped with a log line; the reconciler's
// snapshot fallback covers any resulting gap.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps := s.client.Subscribe(ctx, model.ChannelName(sessionID))

	// Force the subscription onto the wire before we report success.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		ps.Close()
		return nil, fmt.Errorf("subscribe to session %s: %w", sessionID, err)
	}

	events := make(chan *model.Event, 64)
	go func() {
		defer close(events)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn().Err(err).Str("session", sessionID).Msg("dropping undecodable event")
					continue
				}
				select {
				case events <- &ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{Events: events, pubsub: ps, cancel: cancel}, nil
}
