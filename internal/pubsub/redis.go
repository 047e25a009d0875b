package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/observability/metrics"
)

const payloadField = "payload"

// RedisBus is a durable Bus backed by Redis Streams with consumer-group
// fan-out. Entries are acknowledged only after the handler succeeds, so a
// crashed consumer leaves its entries pending for reclaim.
type RedisBus struct {
	client       *redis.Client
	claimMinIdle time.Duration
	blockTime    time.Duration
	log          zerolog.Logger
	metrics      *metrics.Metrics

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

// NewRedis creates a Redis Streams bus.
func NewRedis(addr string, db int) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           db,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  -1, // blocking XREADGROUP manages its own deadline
			WriteTimeout: 10 * time.Second,
		}),
		claimMinIdle: 5 * time.Second,
		blockTime:    2 * time.Second,
		log:          logging.WithComponent("pubsub.redis"),
		metrics:      metrics.DefaultMetrics,
	}
}

// Publish appends an entry to the topic's stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", ErrBusClosed
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe attaches a consumer-group member to a topic stream.
//
// The first read for a subscription must never miss entries published before
// the group attached. The read sequence is:
//  1. reclaim pending entries left by dead group members and redeliver them,
//  2. one read of this consumer's own backlog from the stream's beginning,
//  3. new-only (">") reads from then on.
//
// The group itself is created at id "0" so step 3's cursor starts at the
// stream's absolute beginning rather than at attach time.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	if err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{
		bus:      b,
		topic:    topic,
		group:    group,
		consumer: "consumer-" + uuid.NewString()[:8],
		handler:  handler,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.run()
	return s, nil
}

// Close cancels all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return b.client.Close()
}

type redisSub struct {
	bus      *RedisBus
	topic    string
	group    string
	consumer string
	handler  Handler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (s *redisSub) run() {
	defer close(s.done)

	s.reclaimPending()
	s.readBacklog()

	for {
		if s.ctx.Err() != nil {
			return
		}
		streams, err := s.bus.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.topic, ">"},
			Count:    64,
			Block:    s.bus.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.bus.log.Error().Err(err).Str("topic", s.topic).Msg("Stream read failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				s.process(entry, 1)
			}
		}
	}
}

// reclaimPending takes over entries delivered to other group members that
// have been idle past the claim threshold (the member likely died holding
// them) and redelivers them here.
func (s *redisSub) reclaimPending() {
	start := "0-0"
	for {
		entries, next, err := s.bus.client.XAutoClaim(s.ctx, &redis.XAutoClaimArgs{
			Stream:   s.topic,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.bus.claimMinIdle,
			Start:    start,
			Count:    64,
		}).Result()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				s.bus.log.Warn().Err(err).Str("topic", s.topic).Msg("Pending reclaim failed")
			}
			return
		}
		for _, entry := range entries {
			s.bus.metrics.PendingReclaims.Inc()
			s.process(entry, 2)
		}
		if next == "0-0" || len(entries) == 0 {
			return
		}
		start = next
	}
}

// readBacklog performs the one-time read from the beginning of this
// consumer's view: entries delivered to it but never acknowledged.
func (s *redisSub) readBacklog() {
	streams, err := s.bus.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.topic, "0"},
		Count:    1024,
	}).Result()
	if err != nil {
		if s.ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			s.bus.log.Warn().Err(err).Str("topic", s.topic).Msg("Backlog read failed")
		}
		return
	}
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			s.process(entry, 2)
		}
	}
}

func (s *redisSub) process(entry redis.XMessage, attempt int) {
	payload, _ := entry.Values[payloadField].(string)
	msg := Message{
		ID:      entry.ID,
		Topic:   s.topic,
		Payload: []byte(payload),
		Attempt: attempt,
	}

	if err := s.handler(s.ctx, msg); err != nil {
		// No ack: the entry stays in the group's pending list and is
		// redelivered by a later backlog read or reclaim.
		s.bus.metrics.RecordConsumeRetry(classOf(s.topic))
		s.bus.log.Warn().
			Err(err).
			Str("topic", s.topic).
			Str("id", entry.ID).
			Msg("Handler failed, entry stays pending")
		return
	}

	if err := s.bus.client.XAck(s.ctx, s.topic, s.group, entry.ID).Err(); err != nil && s.ctx.Err() == nil {
		s.bus.log.Error().Err(err).Str("id", entry.ID).Msg("Ack failed")
	}
}

// Close stops the subscription's read loop.
func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
