package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/models"
)

// Exotel voicebot applet wire format. All events are JSON; audio rides in
// media.payload as base64. Field names are the applet's snake_case, kept
// at the edge only; everything past the gateway uses our own model.
type exotelEvent struct {
	Event          string       `json:"event"`
	SequenceNumber any          `json:"sequence_number,omitempty"` // Exotel sends string or number
	StreamSid      string       `json:"stream_sid,omitempty"`
	Start          *exotelStart `json:"start,omitempty"`
	Media          *exotelMedia `json:"media,omitempty"`
	Stop           *exotelStop  `json:"stop,omitempty"`
	DTMF           *exotelDTMF  `json:"dtmf,omitempty"`
	Mark           *exotelMark  `json:"mark,omitempty"`
}

type exotelStart struct {
	CallSid          string            `json:"call_sid"`
	AccountSid       string            `json:"account_sid"`
	StreamSid        string            `json:"stream_sid"`
	MediaFormat      exotelMediaFormat `json:"media_format"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
}

type exotelMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate any    `json:"sample_rate"`
	BitRate    string `json:"bit_rate,omitempty"`
}

type exotelMedia struct {
	Chunk     any    `json:"chunk"`
	Timestamp any    `json:"timestamp"`
	Payload   string `json:"payload"`
}

type exotelStop struct {
	CallSid string `json:"call_sid"`
	Reason  string `json:"reason"`
}

type exotelDTMF struct {
	Digit string `json:"digit"`
}

type exotelMark struct {
	Name string `json:"name"`
}

// Exotel custom parameters are capped at three entries on their side; extra
// keys on a malformed payload are ignored past this bound.
const maxCustomParameters = 3

// Allowed telephony sample rates. 24000 is accepted but normalized to 16000;
// anything unrecognized falls back to narrowband.
func normalizeSampleRate(rate int) int {
	switch rate {
	case 8000, 16000:
		return rate
	case 24000:
		return 16000
	default:
		return 8000
	}
}

func (s *Server) handleExotel(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizeExotel(r); err != nil {
		s.metrics.RecordAuthFailure(protocolExotel, s.cfg.ExotelAuthMode)
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Exotel auth rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Sample rate may be pre-negotiated on the URL before start arrives.
	querySampleRate := 0
	if raw := r.URL.Query().Get("sample_rate"); raw != "" {
		querySampleRate, _ = strconv.Atoi(raw)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Exotel upgrade failed")
		return
	}
	defer s.trackConn(protocolExotel)()
	defer ws.Close()
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := &exotelConn{
		server:     s,
		ws:         ws,
		state:      stateAwaitingStart,
		sampleRate: normalizeSampleRate(querySampleRate),
		log:        s.log.With().Str("protocol", protocolExotel).Logger(),
	}
	c.run(r.Context())
}

type exotelConn struct {
	server     *Server
	ws         *websocket.Conn
	state      connState
	log        zerolog.Logger
	sampleRate int

	interactionID string
	tenantID      string
	seq           uint64
}

func (c *exotelConn) run(ctx context.Context) {
	defer func() {
		if c.state == stateStreaming {
			// The request context dies with the socket, so publish detached.
			c.server.publishEnd(context.Background(), c.log, c.interactionID, c.tenantID, "disconnect")
		}
		c.state = stateClosed
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.state == stateStreaming {
				c.log.Warn().Err(err).Msg("Exotel connection dropped")
			}
			return
		}
		if !c.handleEvent(ctx, data) {
			return
		}
	}
}

func (c *exotelConn) handleEvent(ctx context.Context, data []byte) bool {
	var ev exotelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return c.protocolError("malformed event")
	}

	switch ev.Event {
	case "connected":
		// Preamble before start; no state change.
		if c.state != stateAwaitingStart {
			return c.protocolError("connected out of state " + c.state.String())
		}
		return true

	case "start":
		return c.handleStart(ctx, ev.Start)

	case "media":
		return c.handleMedia(ctx, ev.Media)

	case "stop":
		if c.state != stateStreaming {
			return c.protocolError("stop out of state " + c.state.String())
		}
		c.state = stateStopping
		reason := "stop"
		if ev.Stop != nil && ev.Stop.Reason != "" {
			reason = ev.Stop.Reason
		}
		c.server.publishEnd(ctx, c.log, c.interactionID, c.tenantID, reason)
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopped"))
		return false

	case "dtmf":
		if ev.DTMF != nil {
			c.log.Info().Str("digit", ev.DTMF.Digit).Msg("DTMF received")
		}
		return true

	case "mark":
		if ev.Mark != nil {
			c.log.Debug().Str("name", ev.Mark.Name).Msg("Mark received")
		}
		return true

	default:
		return c.protocolError("unknown event " + ev.Event)
	}
}

func (c *exotelConn) handleStart(ctx context.Context, start *exotelStart) bool {
	if c.state != stateAwaitingStart {
		return c.protocolError("start out of state " + c.state.String())
	}
	if start == nil || start.CallSid == "" {
		c.server.metrics.RecordProtocolError(protocolExotel, "close")
		c.log.Warn().Msg("Start event missing call_sid")
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad start"))
		return false
	}

	c.interactionID = start.CallSid
	c.tenantID = start.AccountSid
	if rate := asInt(start.MediaFormat.SampleRate); rate != 0 {
		c.sampleRate = normalizeSampleRate(rate)
	}
	c.log = c.log.With().Str("interactionId", c.interactionID).Str("tenantId", c.tenantID).Logger()

	if n := len(start.CustomParameters); n > 0 {
		if n > maxCustomParameters {
			c.log.Warn().Int("count", n).Msg("Too many custom parameters, extras ignored")
		}
		c.log.Info().Interface("customParameters", start.CustomParameters).Msg("Custom parameters received")
	}

	if err := c.server.publishStart(ctx, c.log, c.interactionID, c.tenantID, c.sampleRate, models.EncodingPCM16); err != nil {
		return false
	}
	c.state = stateStreaming
	return true
}

func (c *exotelConn) handleMedia(ctx context.Context, media *exotelMedia) bool {
	if c.state != stateStreaming {
		return c.protocolError("media before start")
	}
	if media == nil || media.Payload == "" {
		c.server.metrics.RecordFrameDropped(protocolExotel, "empty_payload")
		c.log.Warn().Msg("Media event without payload dropped")
		return true
	}

	audio, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		// A single undecodable frame is dropped; the call stays up.
		c.server.metrics.RecordFrameDropped(protocolExotel, "bad_base64")
		c.log.Warn().Err(err).Msg("Undecodable media payload dropped")
		return true
	}

	seq := uint64(asInt(media.Chunk))
	if seq == 0 {
		c.seq++
		seq = c.seq
	} else {
		c.seq = seq
	}
	ts := int64(asInt(media.Timestamp))
	if ts == 0 {
		ts = c.server.now().UnixMilli()
	}

	frame := &models.AudioFrame{
		InteractionID: c.interactionID,
		TenantID:      c.tenantID,
		Seq:           seq,
		TimestampMs:   ts,
		SampleRate:    c.sampleRate,
		Encoding:      models.EncodingPCM16,
		Channels:      1,
		Payload:       audio,
	}
	return c.server.publishFrame(ctx, c.log, frame) == nil
}

func (c *exotelConn) protocolError(detail string) bool {
	c.server.metrics.RecordProtocolError(protocolExotel, "close")
	c.log.Warn().Str("detail", detail).Msg("Protocol violation, closing")
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol error"))
	return false
}

// asInt coerces Exotel's string-or-number fields.
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
