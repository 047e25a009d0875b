// Package gateway terminates telephony WebSocket connections and turns them
// into pub/sub traffic: one CallControl start, a stream of AudioFrames on the
// interaction's audio topic, and a CallControl end. Two wire protocols are
// supported behind one server; everything downstream of the topics is
// protocol-agnostic.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/config"
	"github.com/exkrishan/callstream/internal/models"
	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/observability/metrics"
	"github.com/exkrishan/callstream/internal/pubsub"
)

// Connection states. Events arriving out of state are protocol errors that
// close the connection.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateAwaitingStart
	stateStreaming
	stateStopping
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateAwaitingStart:
		return "awaiting_start"
	case stateStreaming:
		return "streaming"
	case stateStopping:
		return "stopping"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Protocol labels for metrics.
const (
	protocolStream = "stream"
	protocolExotel = "exotel"
)

// Server is the ingest gateway HTTP/WebSocket server.
type Server struct {
	cfg      config.Gateway
	bus      pubsub.Bus
	topics   pubsub.Topics
	log      zerolog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	active     atomic.Int64
	connsWG    sync.WaitGroup
	now        func() time.Time
}

// NewServer creates the gateway server.
func NewServer(cfg config.Gateway, bus pubsub.Bus, topics pubsub.Topics) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		topics:  topics,
		log:     logging.WithComponent("gateway"),
		metrics: metrics.DefaultMetrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Telephony peers are server-to-server; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  0, // long-lived streaming connections
		WriteTimeout: 0,
	}
	return s
}

// Handler returns the route mux, exposed separately for httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("/v1/exotel", s.handleExotel)
	return mux
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for live calls to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// ActiveConnections returns the live WebSocket connection count.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) trackConn(protocol string) func() {
	s.connsWG.Add(1)
	s.active.Add(1)
	s.metrics.RecordConnectionStart(protocol)
	started := s.now()
	return func() {
		s.active.Add(-1)
		s.metrics.RecordConnectionEnd(protocol, s.now().Sub(started).Seconds())
		s.connsWG.Done()
	}
}

// --- publishing ---

func (s *Server) publishStart(ctx context.Context, log zerolog.Logger, interactionID, tenantID string, sampleRate int, encoding string) error {
	ev := &models.CallControl{
		Event:         models.CallEventStart,
		InteractionID: interactionID,
		TenantID:      tenantID,
		SampleRate:    sampleRate,
		Encoding:      encoding,
		TimestampMs:   s.now().UnixMilli(),
	}
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	start := s.now()
	_, err = s.bus.Publish(ctx, s.topics.Control(), payload)
	s.metrics.RecordPublish(pubsub.ClassControl, err, s.now().Sub(start).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("Control start publish failed")
		return err
	}
	log.Info().Int("sampleRate", sampleRate).Str("encoding", encoding).Msg("Call started")
	return nil
}

func (s *Server) publishEnd(ctx context.Context, log zerolog.Logger, interactionID, tenantID, reason string) {
	ev := &models.CallControl{
		Event:         models.CallEventEnd,
		InteractionID: interactionID,
		TenantID:      tenantID,
		Reason:        reason,
		TimestampMs:   s.now().UnixMilli(),
	}
	payload, err := ev.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("Control end marshal failed")
		return
	}
	start := s.now()
	_, err = s.bus.Publish(ctx, s.topics.Control(), payload)
	s.metrics.RecordPublish(pubsub.ClassControl, err, s.now().Sub(start).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("Control end publish failed")
		return
	}
	log.Info().Str("reason", reason).Msg("Call ended")
}

func (s *Server) publishFrame(ctx context.Context, log zerolog.Logger, frame *models.AudioFrame) error {
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	start := s.now()
	_, err = s.bus.Publish(ctx, s.topics.Audio(frame.InteractionID), payload)
	s.metrics.RecordPublish(pubsub.ClassAudio, err, s.now().Sub(start).Seconds())
	if err != nil {
		log.Error().Err(err).Uint64("seq", frame.Seq).Msg("Audio frame publish failed")
		return err
	}
	s.metrics.RecordAudioReceived(len(frame.Payload))
	return nil
}
