package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// fakeKafkaReader feeds a fixed message sequence and records commits.
type fakeKafkaReader struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	next    int
	commits []int64
}

func (f *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.next < len(f.msgs) {
		m := f.msgs[f.next]
		f.next++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.commits = append(f.commits, m.Offset)
	}
	return nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func (f *fakeKafkaReader) committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.commits))
	copy(out, f.commits)
	return out
}

type delivery struct {
	payload string
	attempt int
}

func startKafkaSub(t *testing.T, reader *fakeKafkaReader, handler Handler) *kafkaSub {
	t.Helper()
	bus := NewKafka(nil)
	bus.retryDelay = 2 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s := &kafkaSub{
		bus:     bus,
		topic:   "cs:audio:int-1",
		reader:  reader,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	t.Cleanup(func() { s.Close() })
	return s
}

func kafkaMsg(offset int64, payload string) kafka.Message {
	return kafka.Message{
		Offset:  offset,
		Value:   []byte(payload),
		Headers: []kafka.Header{{Key: "messageId", Value: []byte(payload)}},
	}
}

// A transiently failing handler must be retried in place and the offset
// committed only once it succeeds; the next message waits its turn.
func TestKafka_FailedHandlerRetriedInPlace(t *testing.T) {
	reader := &fakeKafkaReader{msgs: []kafka.Message{
		kafkaMsg(0, "a"),
		kafkaMsg(1, "b"),
	}}

	var mu sync.Mutex
	var got []delivery
	startKafkaSub(t, reader, func(ctx context.Context, m Message) error {
		mu.Lock()
		got = append(got, delivery{payload: string(m.Payload), attempt: m.Attempt})
		mu.Unlock()
		if string(m.Payload) == "a" && m.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reader.committed()) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	deliveries := append([]delivery(nil), got...)
	mu.Unlock()

	want := []delivery{{"a", 1}, {"a", 2}, {"a", 3}, {"b", 1}}
	if len(deliveries) != len(want) {
		t.Fatalf("deliveries = %v, want %v", deliveries, want)
	}
	for i, d := range deliveries {
		if d != want[i] {
			t.Fatalf("delivery %d = %v, want %v", i, d, want[i])
		}
	}
	commits := reader.committed()
	if len(commits) != 2 || commits[0] != 0 || commits[1] != 1 {
		t.Fatalf("commits = %v, want [0 1]", commits)
	}
}

// A persistently failing message must block the partition rather than be
// skipped: committing a later offset would acknowledge the failed message
// permanently and it would never be redelivered to any group member.
func TestKafka_NoCommitPastFailedMessage(t *testing.T) {
	reader := &fakeKafkaReader{msgs: []kafka.Message{
		kafkaMsg(0, "poison"),
		kafkaMsg(1, "b"),
	}}

	var mu sync.Mutex
	attempts := 0
	sawLater := false
	startKafkaSub(t, reader, func(ctx context.Context, m Message) error {
		mu.Lock()
		defer mu.Unlock()
		if string(m.Payload) == "poison" {
			attempts++
			return errors.New("permanent")
		}
		sawLater = true
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 5 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts < 5 {
		t.Fatalf("attempts = %d, want at least 5 in-place retries", attempts)
	}
	if sawLater {
		t.Fatal("later message delivered past the failed one")
	}
	if commits := reader.committed(); len(commits) != 0 {
		t.Fatalf("commits = %v, want none while the message keeps failing", commits)
	}
}

// Shutdown mid-retry leaves the offset uncommitted so another group member
// can pick the message up.
func TestKafka_ShutdownLeavesFailedMessageUncommitted(t *testing.T) {
	reader := &fakeKafkaReader{msgs: []kafka.Message{kafkaMsg(0, "a")}}

	fail := errors.New("shutting down")
	s := startKafkaSub(t, reader, func(ctx context.Context, m Message) error {
		return fail
	})

	time.Sleep(20 * time.Millisecond)
	s.Close()

	if commits := reader.committed(); len(commits) != 0 {
		t.Fatalf("commits = %v, want none after shutdown mid-retry", commits)
	}
}
