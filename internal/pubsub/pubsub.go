// Package pubsub provides a topic-based publish/subscribe abstraction with
// pluggable backends. The delivery contract is uniform across backends:
// at-least-once, acknowledged only after the handler returns success, with
// per-topic ordering. A subscription must never miss messages published
// before its consumer group attached.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one delivered pub/sub entry.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Attempt int // 1 on first delivery, incremented on redelivery where the backend tracks it
}

// Handler processes a delivered message. Returning nil acknowledges the
// message; returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live consumer-group attachment to a topic.
type Subscription interface {
	// Close detaches the subscriber. In-flight handler calls may complete.
	Close() error
}

// Bus is the backend-agnostic publish/subscribe contract.
type Bus interface {
	// Publish appends a message to a topic and returns its backend id.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)

	// Subscribe attaches a handler to a topic under a consumer group. Each
	// message is delivered to exactly one member of the group.
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)

	// Close releases backend resources. Open subscriptions are closed.
	Close() error
}

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("pubsub: bus closed")

// Message classes, used in topic names and metric labels.
const (
	ClassAudio      = "audio"
	ClassTranscript = "transcript"
	ClassControl    = "control"
)

// Topics derives topic names from interaction ids. The mapping is a pure
// function so producer and consumer agree without a registry.
type Topics struct {
	Prefix string
}

// Audio returns the per-interaction audio frame topic.
func (t Topics) Audio(interactionID string) string {
	return fmt.Sprintf("%s:%s:%s", t.Prefix, ClassAudio, interactionID)
}

// Transcript returns the per-interaction transcript topic.
func (t Topics) Transcript(interactionID string) string {
	return fmt.Sprintf("%s:%s:%s", t.Prefix, ClassTranscript, interactionID)
}

// Control returns the shared call-control topic. It is not per-interaction:
// workers discover interactions by consuming it.
func (t Topics) Control() string {
	return fmt.Sprintf("%s:%s", t.Prefix, ClassControl)
}

// Class extracts the message class from a topic name, for metric labels.
func (t Topics) Class(topic string) string {
	rest := strings.TrimPrefix(topic, t.Prefix+":")
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// classOf extracts the class from a `prefix:class[:id]` topic name without
// knowing the prefix. Backends use it for metric labels so per-interaction
// topic names never become label values.
func classOf(topic string) string {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return topic
}
