package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryBus is a single-process Bus for tests and local development. Topics
// retain their full history so a consumer group attaching late still receives
// everything published before it, matching the durable backends' first-read
// behavior. A failed handler is retried in place until it succeeds.
type MemoryBus struct {
	mu         sync.Mutex
	topics     map[string]*memTopic
	retryDelay time.Duration
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type memTopic struct {
	history []Message
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor int // next history index to deliver
	subs   []*memSub
	rr     int
}

type memSub struct {
	bus     *MemoryBus
	topic   string
	group   string
	handler Handler
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-memory bus.
func NewMemory() *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		topics:     make(map[string]*memTopic),
		retryDelay: 50 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *MemoryBus) topicLocked(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

// Publish appends to the topic history and fans out to attached groups.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}

	id := uuid.NewString()
	t := b.topicLocked(topic)
	p := make([]byte, len(payload))
	copy(p, payload)
	t.history = append(t.history, Message{ID: id, Topic: topic, Payload: p})

	for name := range t.groups {
		b.dispatchLocked(t, name)
	}
	return id, nil
}

// Subscribe attaches a group member and replays unconsumed history.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	t := b.topicLocked(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{}
		t.groups[group] = g
	}

	s := &memSub{
		bus:     b,
		topic:   topic,
		group:   group,
		handler: handler,
		ch:      make(chan Message, 1024),
		done:    make(chan struct{}),
	}
	g.subs = append(g.subs, s)

	b.wg.Add(1)
	go s.run()

	b.dispatchLocked(t, group)
	return s, nil
}

// dispatchLocked advances the group cursor, handing each message to exactly
// one member round-robin. Stops when a member's buffer is full; the member
// kicks dispatch again after it drains.
func (b *MemoryBus) dispatchLocked(t *memTopic, group string) {
	g := t.groups[group]
	if g == nil || len(g.subs) == 0 {
		return
	}
	for g.cursor < len(t.history) {
		s := g.subs[g.rr%len(g.subs)]
		select {
		case s.ch <- t.history[g.cursor]:
			g.cursor++
			g.rr++
		default:
			return
		}
	}
}

func (b *MemoryBus) kick(topic, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		b.dispatchLocked(t, group)
	}
}

func (s *memSub) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.bus.ctx.Done():
			return
		case msg := <-s.ch:
			s.deliver(msg)
			s.bus.kick(s.topic, s.group)
		}
	}
}

// deliver retries the handler until it succeeds, emulating redelivery of a
// pending entry.
func (s *memSub) deliver(msg Message) {
	for attempt := 1; ; attempt++ {
		msg.Attempt = attempt
		if err := s.handler(s.bus.ctx, msg); err == nil {
			return
		} else {
			log.Warn().
				Err(err).
				Str("topic", s.topic).
				Str("group", s.group).
				Int("attempt", attempt).
				Msg("Handler failed, message stays pending")
		}
		select {
		case <-s.done:
			return
		case <-s.bus.ctx.Done():
			return
		case <-time.After(s.bus.retryDelay):
		}
	}
}

// Close detaches this subscriber from its group.
func (s *memSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		t, ok := b.topics[s.topic]
		if !ok {
			return
		}
		g, ok := t.groups[s.group]
		if !ok {
			return
		}
		for i, sub := range g.subs {
			if sub == s {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Close shuts the bus down and stops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}
