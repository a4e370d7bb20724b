// SPDX-License-Identifier: MIT

// Package bus is the Redis pub/sub layer keeping multiple server instances
// consistent: engines publish once after COMMIT, every instance with local
// subscribers delivers once, non-subscribers drop.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/metrics"
)

// Publisher emits messages on the command connection. Publishes are
// fire-and-forget: a failure is logged and counted, never propagated, so
// a committed state change is never rolled back over a delivery problem.
type Publisher struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewPublisher builds a Publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

// Publish marshals the message and emits it to the room's channel.
func (p *Publisher) Publish(ctx context.Context, room string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("marshal_error").Inc()
		p.logger.Error().Err(err).Str("room", room).Msg("bus marshal failed")
		return
	}
	if err := p.rdb.Publish(ctx, room, data).Err(); err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Str("room", room).Msg("bus publish failed; subscribers reconcile on next sync")
		return
	}
	metrics.BusPublishes.WithLabelValues("ok").Inc()
}

// Handler receives every message of a subscribed room.
type Handler func(room string, payload []byte)

// Subscriber owns the dedicated pub/sub connection. Room subscriptions are
// refcounted: the Redis channel is joined when the first local member
// appears and left when the last one goes.
type Subscriber struct {
	client  *redis.Client
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	refs   map[string]int
}

// NewSubscriber builds a Subscriber on the dedicated connection.
func NewSubscriber(client *redis.Client, handler Handler, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		handler: handler,
		logger:  logger,
		refs:    make(map[string]int),
	}
}

// Run consumes the subscription stream until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(ctx)
	}
	ps := s.pubsub
	s.mu.Unlock()
	defer func() { _ = ps.Close() }()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus: subscription channel closed")
			}
			s.handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Subscribe adds a local reference to the room, joining the Redis channel
// on the first one.
func (s *Subscriber) Subscribe(ctx context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(ctx)
	}
	s.refs[room]++
	if s.refs[room] > 1 {
		return nil
	}
	if err := s.pubsub.Subscribe(ctx, room); err != nil {
		s.refs[room]--
		return fmt.Errorf("bus: subscribe %s: %w", room, err)
	}
	return nil
}

// Unsubscribe drops a local reference, leaving the Redis channel when the
// last one goes.
func (s *Subscriber) Unsubscribe(ctx context.Context, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[room] == 0 {
		return
	}
	s.refs[room]--
	if s.refs[room] > 0 {
		return
	}
	delete(s.refs, room)
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(ctx, room); err != nil {
			s.logger.Warn().Err(err).Str("room", room).Msg("bus unsubscribe failed")
		}
	}
}
