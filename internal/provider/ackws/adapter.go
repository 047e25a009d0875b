// Package ackws implements the provider contract for vendors speaking a
// WebSocket protocol with explicit per-chunk acknowledgment: JSON control
// messages, binary audio frames, every chunk answered by an ack or a
// transcript correlated by sequence number.
package ackws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/provider"
)

// Factory opens ack-per-chunk vendor sessions.
type Factory struct {
	url         string
	apiKey      string
	language    string
	dialTimeout time.Duration
}

// New creates a factory for the given vendor endpoint.
func New(url, apiKey, language string, dialTimeout time.Duration) *Factory {
	return &Factory{url: url, apiKey: apiKey, language: language, dialTimeout: dialTimeout}
}

// Name returns the provider name.
func (f *Factory) Name() string { return "ackws" }

type controlMsg struct {
	Type          string  `json:"type"`
	InteractionID string  `json:"interactionId,omitempty"`
	SampleRate    int     `json:"sampleRate,omitempty"`
	Encoding      string  `json:"encoding,omitempty"`
	Channels      int     `json:"channels,omitempty"`
	Language      string  `json:"language,omitempty"`
	Seq           uint64  `json:"seq,omitempty"`
	Bytes         int     `json:"bytes,omitempty"`
	Text          string  `json:"text,omitempty"`
	IsFinal       bool    `json:"isFinal,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	Code          string  `json:"code,omitempty"`
	Message       string  `json:"message,omitempty"`
	Fatal         bool    `json:"fatal,omitempty"`
}

// Open dials the vendor, performs the start handshake and begins the read
// loop that feeds the callback.
func (f *Factory) Open(ctx context.Context, cfg provider.SessionConfig, cb provider.Callback) (provider.Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.dialTimeout}
	header := http.Header{}
	if f.apiKey != "" {
		header.Set("Authorization", "Bearer "+f.apiKey)
	}

	conn, resp, err := dialer.DialContext(ctx, f.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, provider.FatalErr("auth", err)
		}
		return nil, provider.RetryableErr("dial", err)
	}

	s := &session{
		conn:   conn,
		cfg:    cfg,
		cb:     cb,
		log:    logging.WithSession(cfg.InteractionID, "ackws"),
		closed: make(chan struct{}),
	}

	start := controlMsg{
		Type:          "start",
		InteractionID: cfg.InteractionID,
		SampleRate:    cfg.Format.SampleRate,
		Encoding:      cfg.Format.Encoding,
		Channels:      cfg.Format.Channels,
		Language:      f.language,
	}
	if err := s.writeJSON(start); err != nil {
		conn.Close()
		return nil, provider.RetryableErr("handshake", err)
	}

	go s.readLoop()
	return s, nil
}

type session struct {
	conn *websocket.Conn
	cfg  provider.SessionConfig
	cb   provider.Callback
	log  zerolog.Logger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

var _ provider.Session = (*session)(nil)

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// Send writes a chunk header then the binary audio frame. It blocks only on
// the local socket write, never on recognition.
func (s *session) Send(ctx context.Context, chunk []byte, seq uint64) error {
	select {
	case <-s.closed:
		return provider.FatalErr("session_closed", fmt.Errorf("send on closed session"))
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(controlMsg{Type: "chunk", Seq: seq, Bytes: len(chunk)}); err != nil {
		return provider.RetryableErr("write", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return provider.RetryableErr("write", err)
	}
	return nil
}

// Keepalive sends a control frame so the vendor does not idle-disconnect.
func (s *session) Keepalive(ctx context.Context) error {
	return s.writeJSON(controlMsg{Type: "keepalive"})
}

// Close sends stop and tears the socket down. Idempotent.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if err := s.writeJSON(controlMsg{Type: "stop"}); err != nil {
			s.log.Debug().Err(err).Msg("Stop frame write failed")
		}
		s.conn.Close()
	})
	return nil
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.cb.OnError(provider.RetryableErr("read", err))
			return
		}

		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("Unparseable vendor message dropped")
			continue
		}

		switch msg.Type {
		case "ack":
			// A chunk with no recognized speech: resolve as an empty result.
			s.cb.OnTranscript(provider.Result{
				InteractionID: s.cfg.InteractionID,
				Seq:           msg.Seq,
				TimestampMs:   time.Now().UnixMilli(),
			})
		case "transcript":
			s.cb.OnTranscript(provider.Result{
				InteractionID: s.cfg.InteractionID,
				Seq:           msg.Seq,
				Text:          msg.Text,
				IsFinal:       msg.IsFinal,
				Confidence:    msg.Confidence,
				TimestampMs:   time.Now().UnixMilli(),
			})
		case "error":
			err := fmt.Errorf("vendor error: %s", msg.Message)
			if msg.Fatal {
				s.cb.OnError(provider.FatalErr(msg.Code, err))
			} else {
				s.cb.OnError(provider.RetryableErr(msg.Code, err))
			}
		default:
			s.log.Debug().Str("type", msg.Type).Msg("Ignoring vendor message")
		}
	}
}
