// Package provider defines the uniform streaming interface over
// heterogeneous ASR vendor protocols. Adapters differ in how they move audio
// and results (per-chunk ack, server-side commit, continuous recognition) but
// expose the same contract so the worker's chunking policy stays
// provider-agnostic.
package provider

import "context"

// Result is one recognition event from a provider session.
type Result struct {
	InteractionID string
	Seq           uint64 // chunk seq this result correlates to, 0 if uncorrelated
	Text          string
	IsFinal       bool
	Confidence    float64
	TimestampMs   int64
}

// Empty reports whether the result carries no recognized text.
func (r Result) Empty() bool {
	return r.Text == ""
}

// Callback receives transcript results and errors from a session. Callbacks
// are invoked from the adapter's read loop; implementations must not block.
type Callback interface {
	OnTranscript(res Result)
	OnError(err error)
}

// AudioFormat describes the PCM stream fed to a session.
type AudioFormat struct {
	SampleRate int
	Encoding   string
	Channels   int
}

// SessionConfig carries per-interaction parameters for opening a session.
// Minimum-chunk requirements are worker configuration, never part of this.
type SessionConfig struct {
	InteractionID string
	TenantID      string
	Format        AudioFormat
	Language      string
}

// Session is a live streaming connection to an ASR vendor, owned exclusively
// by one interaction's buffer.
type Session interface {
	// Send hands one audio chunk to the vendor. It must not block on the
	// vendor's recognition round-trip, only on the local write.
	Send(ctx context.Context, chunk []byte, seq uint64) error

	// Keepalive sends a control frame during silence to prevent the vendor
	// from idle-disconnecting the session.
	Keepalive(ctx context.Context) error

	// Close tears the session down. Idempotent.
	Close() error
}

// Factory opens sessions for a specific vendor.
type Factory interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig, cb Callback) (Session, error)
}
