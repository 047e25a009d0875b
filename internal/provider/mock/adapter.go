// Package mock provides a scripted provider adapter for testing without a
// live vendor. Each sent chunk produces one final transcript after a
// configurable delay, cycling through scripted utterances.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/exkrishan/callstream/internal/provider"
)

// DefaultUtterances are the scripted recognition results.
var DefaultUtterances = []string{
	"I want to cancel my subscription",
	"Yes please go ahead",
	"Can you help me with my account",
	"I've been waiting for over an hour",
	"Thank you very much",
}

// Option configures the factory.
type Option func(*Factory)

// WithDelay sets the simulated recognition latency.
func WithDelay(d time.Duration) Option {
	return func(f *Factory) { f.delay = d }
}

// WithSilent makes sessions never respond to sends.
func WithSilent() Option {
	return func(f *Factory) { f.silent = true }
}

// WithOpenError makes Open fail with err.
func WithOpenError(err error) Option {
	return func(f *Factory) { f.openErr = err }
}

// WithUtterances replaces the scripted results.
func WithUtterances(texts ...string) Option {
	return func(f *Factory) { f.utterances = texts }
}

// Factory implements provider.Factory with scripted sessions.
type Factory struct {
	delay      time.Duration
	silent     bool
	openErr    error
	utterances []string

	mu       sync.Mutex
	next     int
	sessions []*Session
}

// New creates a mock factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		delay:      10 * time.Millisecond,
		utterances: DefaultUtterances,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the provider name.
func (f *Factory) Name() string { return "mock" }

// Open creates a scripted session.
func (f *Factory) Open(ctx context.Context, cfg provider.SessionConfig, cb provider.Callback) (provider.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &Session{
		factory: f,
		cfg:     cfg,
		cb:      cb,
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, len(f.sessions))
	copy(out, f.sessions)
	return out
}

func (f *Factory) nextUtterance() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	text := f.utterances[f.next%len(f.utterances)]
	f.next++
	return text
}

// Session records sent chunks and emits scripted transcripts.
type Session struct {
	factory *Factory
	cfg     provider.SessionConfig
	cb      provider.Callback

	mu         sync.Mutex
	chunks     [][]byte
	seqs       []uint64
	keepalives int
	closed     bool
}

var _ provider.Session = (*Session)(nil)

// Send records the chunk and schedules a scripted final transcript.
func (s *Session) Send(ctx context.Context, chunk []byte, seq uint64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.FatalErr("session_closed", context.Canceled)
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
	s.seqs = append(s.seqs, seq)
	s.mu.Unlock()

	if s.factory.silent {
		return nil
	}

	text := s.factory.nextUtterance()
	go func() {
		time.Sleep(s.factory.delay)
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.cb.OnTranscript(provider.Result{
			InteractionID: s.cfg.InteractionID,
			Seq:           seq,
			Text:          text,
			IsFinal:       true,
			Confidence:    0.93,
			TimestampMs:   time.Now().UnixMilli(),
		})
	}()
	return nil
}

// Keepalive counts keepalive frames.
func (s *Session) Keepalive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return nil
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SentChunks returns the audio chunks sent so far.
func (s *Session) SentChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// SentSeqs returns the chunk sequence numbers in send order.
func (s *Session) SentSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

// Keepalives returns how many keepalive frames were sent.
func (s *Session) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
