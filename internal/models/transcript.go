// Package models defines the wire-level data structures exchanged over the
// pub/sub topics: audio frames, call control events and transcripts.
package models

import "encoding/json"

// Transcript is one recognition result for a span of audio. Partial results
// (IsFinal=false) may be revised by later results for the same span; finals
// are immutable once published.
type Transcript struct {
	EventType     string  `json:"eventType"`
	InteractionID string  `json:"interactionId"`
	TenantID      string  `json:"tenantId"`
	Seq           uint64  `json:"seq"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"isFinal"`
	Confidence    float64 `json:"confidence"`
	TimestampMs   int64   `json:"timestampMs"`
}

// Event type values published on the transcript topic.
const (
	EventTranscriptPartial = "interaction.transcript.partial"
	EventTranscriptFinal   = "interaction.transcript.final"
)

// Marshal encodes the transcript for publication.
func (t *Transcript) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTranscript decodes a transcript from a pub/sub payload.
func UnmarshalTranscript(data []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
