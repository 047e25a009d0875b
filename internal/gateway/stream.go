package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/models"
)

// Protocol A wire events. The client sends a JSON start, then binary PCM16
// frames; the gateway acks every N frames; a JSON stop or disconnect ends the
// call.
type streamEvent struct {
	Event         string `json:"event"`
	InteractionID string `json:"interactionId,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
	Seq           uint64 `json:"seq,omitempty"`
	Error         string `json:"error,omitempty"`
}

const (
	streamEventStart = "start"
	streamEventStop  = "stop"
	streamEventAck   = "ack"
	streamEventError = "error"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.authenticateStream(r)
	if err != nil {
		s.metrics.RecordAuthFailure(protocolStream, authJWT)
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Stream auth rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Stream upgrade failed")
		return
	}
	defer s.trackConn(protocolStream)()
	defer ws.Close()
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := &streamConn{
		server: s,
		ws:     ws,
		tenant: tenant,
		state:  stateAwaitingStart,
		log:    s.log.With().Str("protocol", protocolStream).Logger(),
	}
	c.run(r.Context())
}

type streamConn struct {
	server *Server
	ws     *websocket.Conn
	tenant string
	state  connState
	log    zerolog.Logger

	interactionID string
	sampleRate    int
	encoding      string
	seq           uint64
}

func (c *streamConn) run(ctx context.Context) {
	defer func() {
		if c.state == stateStreaming {
			// Disconnect without a stop event still ends the call downstream.
			// The request context dies with the socket, so publish detached.
			c.server.publishEnd(context.Background(), c.log, c.interactionID, c.tenant, "disconnect")
		}
		c.state = stateClosed
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.state == stateStreaming {
				c.log.Warn().Err(err).Msg("Stream connection dropped")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if !c.handleControl(ctx, data) {
				return
			}
		case websocket.BinaryMessage:
			if !c.handleAudio(ctx, data) {
				return
			}
		}
	}
}

func (c *streamConn) handleControl(ctx context.Context, data []byte) bool {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return c.protocolError("malformed control event")
	}

	switch ev.Event {
	case streamEventStart:
		if c.state != stateAwaitingStart {
			return c.protocolError("start out of state " + c.state.String())
		}
		if ev.InteractionID == "" {
			c.server.metrics.RecordProtocolError(protocolStream, "close")
			c.writeJSON(streamEvent{Event: streamEventError, Error: "start requires interactionId"})
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad start"))
			return false
		}
		c.interactionID = ev.InteractionID
		c.sampleRate = normalizeSampleRate(ev.SampleRate)
		c.encoding = ev.Encoding
		if c.encoding == "" {
			c.encoding = models.EncodingPCM16
		}
		c.log = c.log.With().Str("interactionId", c.interactionID).Str("tenantId", c.tenant).Logger()
		if err := c.server.publishStart(ctx, c.log, c.interactionID, c.tenant, c.sampleRate, c.encoding); err != nil {
			return false
		}
		c.state = stateStreaming
		return true

	case streamEventStop:
		if c.state != stateStreaming {
			return c.protocolError("stop out of state " + c.state.String())
		}
		c.state = stateStopping
		c.server.publishEnd(ctx, c.log, c.interactionID, c.tenant, "stop")
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopped"))
		return false

	default:
		return c.protocolError("unknown event " + ev.Event)
	}
}

func (c *streamConn) handleAudio(ctx context.Context, data []byte) bool {
	if c.state != stateStreaming {
		return c.protocolError("audio before start")
	}
	if len(data) == 0 || len(data)%2 != 0 {
		// One bad frame never kills a live call.
		c.server.metrics.RecordFrameDropped(protocolStream, "bad_length")
		c.log.Warn().Int("bytes", len(data)).Msg("Malformed audio frame dropped")
		return true
	}

	c.seq++
	frame := &models.AudioFrame{
		InteractionID: c.interactionID,
		TenantID:      c.tenant,
		Seq:           c.seq,
		TimestampMs:   c.server.now().UnixMilli(),
		SampleRate:    c.sampleRate,
		Encoding:      c.encoding,
		Channels:      1,
		Payload:       data,
	}
	if err := c.server.publishFrame(ctx, c.log, frame); err != nil {
		return false
	}

	if n := c.server.cfg.AckEveryNFrames; n > 0 && c.seq%uint64(n) == 0 {
		c.writeJSON(streamEvent{Event: streamEventAck, Seq: c.seq})
	}
	return true
}

func (c *streamConn) protocolError(detail string) bool {
	c.server.metrics.RecordProtocolError(protocolStream, "close")
	c.log.Warn().Str("detail", detail).Msg("Protocol violation, closing")
	c.writeJSON(streamEvent{Event: streamEventError, Error: detail})
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol error"))
	return false
}

func (c *streamConn) writeJSON(ev streamEvent) {
	c.ws.SetWriteDeadline(c.server.now().Add(c.server.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(ev); err != nil {
		c.log.Warn().Err(err).Msg("Control write failed")
	}
}
