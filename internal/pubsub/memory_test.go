package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, n int, timeout time.Duration, ch <-chan Message) []Message {
	t.Helper()
	var got []Message
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-deadline:
			t.Fatalf("timed out waiting for messages: got %d, want %d", len(got), n)
		}
	}
	return got
}

// Messages published before the consumer group attaches must still be
// delivered after it attaches.
func TestMemory_PreSubscriptionPublishIsNotLost(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		if _, err := bus.Publish(ctx, "t", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ch := make(chan Message, 8)
	sub, err := bus.Subscribe(ctx, "t", "g", func(_ context.Context, m Message) error {
		ch <- m
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	got := collect(t, 3, time.Second, ch)
	for i, want := range []string{"one", "two", "three"} {
		if string(got[i].Payload) != want {
			t.Errorf("message %d = %q, want %q", i, got[i].Payload, want)
		}
	}
}

// A failed handler leaves the message pending: it is redelivered until the
// handler succeeds, and the attempt counter increases.
func TestMemory_FailedHandlerIsRedelivered(t *testing.T) {
	bus := NewMemory()
	bus.retryDelay = 5 * time.Millisecond
	defer bus.Close()
	ctx := context.Background()

	ch := make(chan Message, 8)
	var calls int
	var mu sync.Mutex
	sub, err := bus.Subscribe(ctx, "t", "g", func(_ context.Context, m Message) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return errors.New("transient")
		}
		ch <- m
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := bus.Publish(ctx, "t", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := collect(t, 1, time.Second, ch)
	if got[0].Attempt != 3 {
		t.Errorf("expected delivery on attempt 3, got %d", got[0].Attempt)
	}
}

// Within one consumer group each message goes to exactly one member; a
// second group receives its own copy of every message.
func TestMemory_ConsumerGroupSemantics(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ctx := context.Background()

	chA := make(chan Message, 32)
	chB := make(chan Message, 32)
	for i := 0; i < 2; i++ {
		if _, err := bus.Subscribe(ctx, "t", "workers", func(_ context.Context, m Message) error {
			chA <- m
			return nil
		}); err != nil {
			t.Fatalf("subscribe worker: %v", err)
		}
	}
	if _, err := bus.Subscribe(ctx, "t", "auditors", func(_ context.Context, m Message) error {
		chB <- m
		return nil
	}); err != nil {
		t.Fatalf("subscribe auditor: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := bus.Publish(ctx, "t", []byte{byte(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	workerMsgs := collect(t, n, time.Second, chA)
	auditorMsgs := collect(t, n, time.Second, chB)

	seen := map[string]int{}
	for _, m := range workerMsgs {
		seen[m.ID]++
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("message %s delivered %d times within one group", id, c)
		}
	}
	if len(auditorMsgs) != n {
		t.Errorf("auditor group got %d messages, want %d", len(auditorMsgs), n)
	}
}

// Per-topic ordering holds for a single-member group.
func TestMemory_PerTopicOrdering(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ctx := context.Background()

	ch := make(chan Message, 64)
	if _, err := bus.Subscribe(ctx, "t", "g", func(_ context.Context, m Message) error {
		ch <- m
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := bus.Publish(ctx, "t", []byte{byte(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := collect(t, n, time.Second, ch)
	for i, m := range got {
		if m.Payload[0] != byte(i) {
			t.Fatalf("out of order at %d: got %d", i, m.Payload[0])
		}
	}
}

func TestMemory_ClosedBusRejectsOperations(t *testing.T) {
	bus := NewMemory()
	bus.Close()

	if _, err := bus.Publish(context.Background(), "t", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed from publish, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "t", "g", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed from subscribe, got %v", err)
	}
}
