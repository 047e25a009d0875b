package models

import "encoding/json"

// Audio encodings accepted from the telephony edge.
const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
)

// AudioFrame is one media event worth of audio for an interaction. Frames are
// immutable once published; Seq is assigned by the producer and is monotonic
// per interaction (gaps are tolerated downstream, never corrected).
type AudioFrame struct {
	InteractionID string `json:"interactionId"`
	TenantID      string `json:"tenantId"`
	Seq           uint64 `json:"seq"`
	TimestampMs   int64  `json:"timestampMs"`
	SampleRate    int    `json:"sampleRate"`
	Encoding      string `json:"encoding"`
	Channels      int    `json:"channels"`
	Payload       []byte `json:"payload"` // base64 on the wire
}

// DurationMs returns the frame's audio duration for 16-bit mono PCM.
func (f *AudioFrame) DurationMs() int64 {
	if f.SampleRate <= 0 {
		return 0
	}
	bytesPerMs := int64(f.SampleRate) * 2 / 1000
	if bytesPerMs == 0 {
		return 0
	}
	return int64(len(f.Payload)) / bytesPerMs
}

// Marshal encodes the frame for publication.
func (f *AudioFrame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalAudioFrame decodes a frame from a pub/sub payload.
func UnmarshalAudioFrame(data []byte) (*AudioFrame, error) {
	var f AudioFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Call control event values.
const (
	CallEventStart = "start"
	CallEventEnd   = "end"
)

// CallControl signals interaction lifecycle on the control topic. Start
// establishes interaction metadata; end triggers deterministic teardown in
// the worker.
type CallControl struct {
	Event         string `json:"event"`
	InteractionID string `json:"interactionId"`
	TenantID      string `json:"tenantId"`
	Reason        string `json:"reason,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
	TimestampMs   int64  `json:"timestampMs"`
}

// Marshal encodes the control event for publication.
func (c *CallControl) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCallControl decodes a control event from a pub/sub payload.
func UnmarshalCallControl(data []byte) (*CallControl, error) {
	var c CallControl
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
