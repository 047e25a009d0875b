package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/observability/metrics"
)

// KafkaBus is a durable Bus backed by Kafka consumer groups. Offsets are
// committed only after the handler succeeds; uncommitted messages are
// redelivered when the group rebalances or the consumer restarts.
type KafkaBus struct {
	brokers    []string
	transport  *kafka.Transport
	retryDelay time.Duration
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	subs    []*kafkaSub
	closed  bool
}

// NewKafka creates a Kafka-backed bus.
func NewKafka(brokers []string) *KafkaBus {
	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	return &KafkaBus{
		brokers:    brokers,
		transport:  &kafka.Transport{Dial: dialer.DialFunc},
		retryDelay: time.Second,
		log:        logging.WithComponent("pubsub.kafka"),
		metrics:    metrics.DefaultMetrics,
		writers:    make(map[string]*kafka.Writer),
	}
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:                   kafka.TCP(b.brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Transport:              b.transport,
		}
		b.writers[topic] = w
	}
	return w
}

// Publish writes one message to the topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", ErrBusClosed
	}

	id := uuid.NewString()
	err := b.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:     []byte(topic),
		Value:   payload,
		Headers: []kafka.Header{{Key: "messageId", Value: []byte(id)}},
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe attaches a consumer-group reader. StartOffset FirstOffset makes a
// brand-new group begin at the earliest retained message, so nothing
// published before attachment is skipped.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     group,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	subCtx, cancel := context.WithCancel(context.Background())
	s := &kafkaSub{
		bus:     b,
		topic:   topic,
		reader:  reader,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.run()
	return s, nil
}

// Close cancels all subscriptions and closes writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	writers := b.writers
	b.subs = nil
	b.writers = make(map[string]*kafka.Writer)
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	var err error
	for _, w := range writers {
		if e := w.Close(); e != nil {
			err = e
		}
	}
	return err
}

// kafkaReader is the slice of kafka.Reader the subscription uses, split out
// so the fetch/retry/commit loop is testable without brokers.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSub struct {
	bus     *KafkaBus
	topic   string
	reader  kafkaReader
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *kafkaSub) run() {
	defer close(s.done)
	for {
		m, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.bus.log.Error().Err(err).Str("topic", s.topic).Msg("Fetch failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := Message{
			ID:      messageID(m),
			Topic:   s.topic,
			Payload: m.Value,
		}
		// A commit advances the group offset, so moving on past a failed
		// message and committing a later one would acknowledge the failure
		// permanently. Retry in place until the handler succeeds; shutdown
		// leaves the offset uncommitted for redelivery elsewhere.
		for attempt := 1; ; attempt++ {
			msg.Attempt = attempt
			if err := s.handler(s.ctx, msg); err == nil {
				break
			} else {
				s.bus.metrics.RecordConsumeRetry(classOf(s.topic))
				s.bus.log.Warn().
					Err(err).
					Str("topic", s.topic).
					Str("id", msg.ID).
					Int("attempt", attempt).
					Msg("Handler failed, offset not committed")
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.bus.retryDelay):
			}
		}
		if err := s.reader.CommitMessages(s.ctx, m); err != nil && s.ctx.Err() == nil {
			s.bus.log.Error().Err(err).Str("id", msg.ID).Msg("Commit failed")
		}
	}
}

func messageID(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "messageId" {
			return string(h.Value)
		}
	}
	return uuid.NewString()
}

// Close stops the subscription's fetch loop and the underlying reader.
func (s *kafkaSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}
