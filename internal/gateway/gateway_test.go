package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/exkrishan/callstream/internal/config"
	"github.com/exkrishan/callstream/internal/models"
	"github.com/exkrishan/callstream/internal/pubsub"
)

const testSecret = "test-secret"

type gatewayHarness struct {
	srv    *Server
	bus    *pubsub.MemoryBus
	topics pubsub.Topics
	ts     *httptest.Server

	mu       sync.Mutex
	controls []models.CallControl
	frames   []models.AudioFrame
}

func newGatewayHarness(t *testing.T, mutate func(*config.Gateway)) *gatewayHarness {
	t.Helper()
	cfg := config.Gateway{
		JWTSecret:       testSecret,
		AckEveryNFrames: 10,
		ExotelAuthMode:  "ip_allowlist",
		ExotelAllowlist: []string{"127.0.0.1", "::1"},
		WriteTimeout:    5 * time.Second,
		ReadLimit:       1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &gatewayHarness{
		bus:    pubsub.NewMemory(),
		topics: pubsub.Topics{Prefix: "test"},
	}
	h.srv = NewServer(cfg, h.bus, h.topics)
	h.ts = httptest.NewServer(h.srv.Handler())

	_, err := h.bus.Subscribe(context.Background(), h.topics.Control(), "collector", func(ctx context.Context, msg pubsub.Message) error {
		ev, err := models.UnmarshalCallControl(msg.Payload)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.controls = append(h.controls, *ev)
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe control: %v", err)
	}

	t.Cleanup(func() {
		h.ts.Close()
		h.bus.Close()
	})
	return h
}

// collectAudio attaches a collector to the interaction's audio topic.
func (h *gatewayHarness) collectAudio(t *testing.T, interactionID string) {
	t.Helper()
	_, err := h.bus.Subscribe(context.Background(), h.topics.Audio(interactionID), "collector", func(ctx context.Context, msg pubsub.Message) error {
		f, err := models.UnmarshalAudioFrame(msg.Payload)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.frames = append(h.frames, *f)
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
}

func (h *gatewayHarness) controlEvents() []models.CallControl {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.CallControl, len(h.controls))
	copy(out, h.controls)
	return out
}

func (h *gatewayHarness) audioFrames() []models.AudioFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.AudioFrame, len(h.frames))
	copy(out, h.frames)
	return out
}

func (h *gatewayHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signToken(t *testing.T, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenantId": tenant,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func dialStream(t *testing.T, h *gatewayHarness, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/stream"), header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func pcmFrame(ms int) []byte {
	out := make([]byte, 16*ms)
	for i := range out {
		out[i] = byte(i*11 + 1)
	}
	return out
}

// --- protocol A ---

func TestStream_RejectsMissingToken(t *testing.T) {
	h := newGatewayHarness(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/stream"), nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestStream_RejectsBadSignature(t *testing.T) {
	h := newGatewayHarness(t, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenantId": "t1"})
	signed, _ := token.SignedString([]byte("wrong-secret"))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+signed)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/stream"), header)
	if err == nil {
		t.Fatal("dial with bad signature should fail")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStream_FullCallFlow(t *testing.T) {
	h := newGatewayHarness(t, nil)
	h.collectAudio(t, "int-1")
	ws := dialStream(t, h, signToken(t, "tenant-1"))

	if err := ws.WriteJSON(streamEvent{Event: "start", InteractionID: "int-1", SampleRate: 8000, Encoding: models.EncodingPCM16}); err != nil {
		t.Fatalf("send start: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, pcmFrame(20)); err != nil {
			t.Fatalf("send frame %d: %v", i, err)
		}
	}

	var ack streamEvent
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Event != "ack" || ack.Seq != 10 {
		t.Fatalf("ack = %+v, want seq 10", ack)
	}

	if err := ws.WriteJSON(streamEvent{Event: "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	waitUntil(t, "start and end control events", func() bool {
		evs := h.controlEvents()
		return len(evs) == 2 && evs[0].Event == models.CallEventStart && evs[1].Event == models.CallEventEnd
	})
	start := h.controlEvents()[0]
	if start.InteractionID != "int-1" || start.TenantID != "tenant-1" || start.SampleRate != 8000 {
		t.Fatalf("start = %+v", start)
	}

	waitUntil(t, "all audio frames", func() bool {
		return len(h.audioFrames()) == 10
	})
	frames := h.audioFrames()
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("frame %d seq = %d, want %d", i, f.Seq, i+1)
		}
		if f.TenantID != "tenant-1" || len(f.Payload) != 16*20 {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}
}

func TestStream_AudioBeforeStartCloses(t *testing.T) {
	h := newGatewayHarness(t, nil)
	ws := dialStream(t, h, signToken(t, "tenant-1"))

	if err := ws.WriteMessage(websocket.BinaryMessage, pcmFrame(20)); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err = %v, want policy violation", err)
			}
			return
		}
	}
}

func TestStream_MalformedStartCloses(t *testing.T) {
	h := newGatewayHarness(t, nil)
	ws := dialStream(t, h, signToken(t, "tenant-1"))

	if err := ws.WriteJSON(streamEvent{Event: "start"}); err != nil { // no interactionId
		t.Fatalf("send start: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err = %v, want policy violation", err)
			}
			return
		}
	}
}

// A single malformed binary frame is dropped; the call keeps streaming.
func TestStream_MalformedFrameTolerated(t *testing.T) {
	h := newGatewayHarness(t, nil)
	h.collectAudio(t, "int-1")
	ws := dialStream(t, h, signToken(t, "tenant-1"))

	if err := ws.WriteJSON(streamEvent{Event: "start", InteractionID: "int-1", SampleRate: 8000}); err != nil {
		t.Fatalf("send start: %v", err)
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil { // odd length
		t.Fatalf("send bad frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, pcmFrame(20)); err != nil {
		t.Fatalf("send good frame: %v", err)
	}

	waitUntil(t, "good frame published", func() bool {
		return len(h.audioFrames()) == 1
	})
	if f := h.audioFrames()[0]; f.Seq != 1 {
		t.Fatalf("seq = %d, want 1 (bad frame must not consume a seq)", f.Seq)
	}
}

// --- protocol B (Exotel) ---

func dialExotel(t *testing.T, h *gatewayHarness, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(path), nil)
	if err != nil {
		t.Fatalf("dial exotel: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func exotelStartEvent(sampleRate string) map[string]any {
	return map[string]any{
		"event":      "start",
		"stream_sid": "stream-1",
		"start": map[string]any{
			"call_sid":    "call-1",
			"account_sid": "acct-1",
			"stream_sid":  "stream-1",
			"media_format": map[string]any{
				"encoding":    "raw",
				"sample_rate": sampleRate,
			},
			"custom_parameters": map[string]string{"campaign": "renewals"},
		},
	}
}

func TestExotel_FullCallFlow(t *testing.T) {
	h := newGatewayHarness(t, nil)
	h.collectAudio(t, "call-1")
	ws := dialExotel(t, h, "/v1/exotel")

	if err := ws.WriteJSON(map[string]any{"event": "connected"}); err != nil {
		t.Fatalf("send connected: %v", err)
	}
	if err := ws.WriteJSON(exotelStartEvent("8000")); err != nil {
		t.Fatalf("send start: %v", err)
	}

	audio := pcmFrame(20)
	media := map[string]any{
		"event":      "media",
		"stream_sid": "stream-1",
		"media": map[string]any{
			"chunk":     1,
			"timestamp": "1234",
			"payload":   base64.StdEncoding.EncodeToString(audio),
		},
	}
	if err := ws.WriteJSON(media); err != nil {
		t.Fatalf("send media: %v", err)
	}
	if err := ws.WriteJSON(map[string]any{"event": "dtmf", "dtmf": map[string]any{"digit": "5"}}); err != nil {
		t.Fatalf("send dtmf: %v", err)
	}
	if err := ws.WriteJSON(map[string]any{"event": "stop", "stop": map[string]any{"call_sid": "call-1", "reason": "hangup"}}); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	waitUntil(t, "control events", func() bool {
		evs := h.controlEvents()
		return len(evs) == 2 && evs[1].Event == models.CallEventEnd
	})
	evs := h.controlEvents()
	if evs[0].InteractionID != "call-1" || evs[0].TenantID != "acct-1" {
		t.Fatalf("start = %+v", evs[0])
	}
	if evs[1].Reason != "hangup" {
		t.Fatalf("end reason = %q, want hangup", evs[1].Reason)
	}

	waitUntil(t, "audio frame", func() bool {
		return len(h.audioFrames()) == 1
	})
	f := h.audioFrames()[0]
	if f.Seq != 1 || f.TimestampMs != 1234 || f.SampleRate != 8000 {
		t.Fatalf("frame = %+v", f)
	}
	if len(f.Payload) != len(audio) {
		t.Fatalf("payload len = %d, want %d", len(f.Payload), len(audio))
	}
}

func TestExotel_SampleRateNormalization(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{8000, 8000},
		{16000, 16000},
		{24000, 16000},
		{44100, 8000},
		{0, 8000},
		{-1, 8000},
	}
	for _, tc := range cases {
		if got := normalizeSampleRate(tc.in); got != tc.want {
			t.Errorf("normalizeSampleRate(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestExotel_24kStartNormalizedTo16k(t *testing.T) {
	h := newGatewayHarness(t, nil)
	ws := dialExotel(t, h, "/v1/exotel")

	if err := ws.WriteJSON(map[string]any{"event": "connected"}); err != nil {
		t.Fatalf("send connected: %v", err)
	}
	if err := ws.WriteJSON(exotelStartEvent("24000")); err != nil {
		t.Fatalf("send start: %v", err)
	}

	waitUntil(t, "start control event", func() bool {
		return len(h.controlEvents()) == 1
	})
	if got := h.controlEvents()[0].SampleRate; got != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", got)
	}
}

func TestExotel_MediaBeforeStartCloses(t *testing.T) {
	h := newGatewayHarness(t, nil)
	ws := dialExotel(t, h, "/v1/exotel")

	media := map[string]any{
		"event": "media",
		"media": map[string]any{"chunk": 1, "payload": base64.StdEncoding.EncodeToString(pcmFrame(20))},
	}
	if err := ws.WriteJSON(media); err != nil {
		t.Fatalf("send media: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err = %v, want policy violation", err)
			}
			return
		}
	}
}

func TestExotel_BadBase64FrameTolerated(t *testing.T) {
	h := newGatewayHarness(t, nil)
	h.collectAudio(t, "call-1")
	ws := dialExotel(t, h, "/v1/exotel")

	if err := ws.WriteJSON(exotelStartEvent("8000")); err != nil {
		t.Fatalf("send start: %v", err)
	}
	bad := map[string]any{
		"event": "media",
		"media": map[string]any{"chunk": 1, "payload": "!!!not-base64!!!"},
	}
	if err := ws.WriteJSON(bad); err != nil {
		t.Fatalf("send bad media: %v", err)
	}
	good := map[string]any{
		"event": "media",
		"media": map[string]any{"chunk": 2, "payload": base64.StdEncoding.EncodeToString(pcmFrame(20))},
	}
	if err := ws.WriteJSON(good); err != nil {
		t.Fatalf("send good media: %v", err)
	}

	waitUntil(t, "good frame published", func() bool {
		return len(h.audioFrames()) == 1
	})
	if f := h.audioFrames()[0]; f.Seq != 2 {
		t.Fatalf("seq = %d, want 2 (chunk number preserved)", f.Seq)
	}
}

func TestExotel_IPAllowlistRejects(t *testing.T) {
	h := newGatewayHarness(t, func(cfg *config.Gateway) {
		cfg.ExotelAllowlist = []string{"10.0.0.0/8"}
	})
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/exotel"), nil)
	if err == nil {
		t.Fatal("dial from unlisted IP should fail")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExotel_BasicAuth(t *testing.T) {
	h := newGatewayHarness(t, func(cfg *config.Gateway) {
		cfg.ExotelAuthMode = "basic_auth"
		cfg.ExotelBasicUser = "exotel"
		cfg.ExotelBasicPass = "s3cret"
	})

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/exotel"), nil)
	if err == nil {
		t.Fatal("dial without credentials should fail")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("exotel:s3cret")))
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/exotel"), header)
	if err != nil {
		t.Fatalf("dial with credentials: %v", err)
	}
	ws.Close()
}

func TestExotel_CIDRAllowlistMatches(t *testing.T) {
	h := newGatewayHarness(t, func(cfg *config.Gateway) {
		cfg.ExotelAllowlist = []string{"127.0.0.0/8", "::1"}
	})
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/exotel"), nil)
	if err != nil {
		t.Fatalf("dial from allowlisted CIDR: %v", err)
	}
	ws.Close()
}
