// Package commitws implements the provider contract for vendors that
// accumulate audio server-side and commit a recognition result when their
// own VAD detects end of speech. Everything is JSON; audio rides base64
// inside audio events; transcripts arrive asynchronously and uncorrelated.
package commitws

import (
	"context"
	"encoding/base64"
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

// Factory opens batched-commit vendor sessions.
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
func (f *Factory) Name() string { return "commitws" }

type wireMsg struct {
	Type          string  `json:"type"`
	InteractionID string  `json:"interactionId,omitempty"`
	SampleRate    int     `json:"sampleRate,omitempty"`
	Encoding      string  `json:"encoding,omitempty"`
	Language      string  `json:"language,omitempty"`
	Seq           uint64  `json:"seq,omitempty"`
	Payload       string  `json:"payload,omitempty"` // base64 audio
	Text          string  `json:"text,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	Code          string  `json:"code,omitempty"`
	Message       string  `json:"message,omitempty"`
	Fatal         bool    `json:"fatal,omitempty"`
}

// Open dials the vendor and starts the read loop.
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
		log:    logging.WithSession(cfg.InteractionID, "commitws"),
		closed: make(chan struct{}),
	}

	start := wireMsg{
		Type:          "start",
		InteractionID: cfg.InteractionID,
		SampleRate:    cfg.Format.SampleRate,
		Encoding:      cfg.Format.Encoding,
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

// Send forwards a chunk; the vendor buffers it until its VAD commits.
func (s *session) Send(ctx context.Context, chunk []byte, seq uint64) error {
	select {
	case <-s.closed:
		return provider.FatalErr("session_closed", fmt.Errorf("send on closed session"))
	default:
	}
	return s.writeJSON(wireMsg{
		Type:    "audio",
		Seq:     seq,
		Payload: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Keepalive pings the vendor during silence.
func (s *session) Keepalive(ctx context.Context) error {
	return s.writeJSON(wireMsg{Type: "ping"})
}

// Close flushes the vendor's buffer with a final commit, then closes.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if err := s.writeJSON(wireMsg{Type: "commit"}); err != nil {
			s.log.Debug().Err(err).Msg("Final commit write failed")
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

		var msg wireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("Unparseable vendor message dropped")
			continue
		}

		switch msg.Type {
		case "partial":
			s.cb.OnTranscript(provider.Result{
				InteractionID: s.cfg.InteractionID,
				Text:          msg.Text,
				IsFinal:       false,
				Confidence:    msg.Confidence,
				TimestampMs:   time.Now().UnixMilli(),
			})
		case "committed":
			s.cb.OnTranscript(provider.Result{
				InteractionID: s.cfg.InteractionID,
				Text:          msg.Text,
				IsFinal:       true,
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
		case "pong":
		default:
			s.log.Debug().Str("type", msg.Type).Msg("Ignoring vendor message")
		}
	}
}
