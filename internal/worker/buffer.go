package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/config"
	"github.com/exkrishan/callstream/internal/models"
	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/provider"
)

// Chunk dispatch kinds, used as metric labels.
const (
	chunkInitial = "initial"
	chunkOptimal = "optimal"
	chunkForced  = "forced"
)

// buffer accumulates one interaction's audio between chunk dispatches. It is
// created on the interaction's first frame and destroyed exactly once, by
// call-end or the staleness sweep. All mutation happens through the owning
// worker's processing paths.
type buffer struct {
	interactionID string
	tenantID      string
	sampleRate    int
	encoding      string
	channels      int
	createdAt     time.Time
	log           zerolog.Logger

	mu             sync.Mutex
	data           []byte
	lastSeq        uint64
	haveSeq        bool
	lastFrameAt    time.Time
	lastSendAt     time.Time
	hasSentInitial bool
	isProcessing   bool
	chunkSeq       uint64
	transcriptSeq  uint64
	pending        map[uint64]pendingSend
	inFlight       int

	// sessionMu is the per-interaction creation lock: concurrent first-chunk
	// dispatches must not open two provider sessions.
	sessionMu sync.Mutex
	session   provider.Session
}

type pendingSend struct {
	await  *provider.Await
	sentAt time.Time
}

func newBuffer(f *models.AudioFrame, now time.Time) *buffer {
	return &buffer{
		interactionID: f.InteractionID,
		tenantID:      f.TenantID,
		sampleRate:    f.SampleRate,
		encoding:      f.Encoding,
		channels:      f.Channels,
		createdAt:     now,
		log:           logging.WithInteraction(f.InteractionID, f.TenantID),
		lastFrameAt:   now,
		pending:       make(map[uint64]pendingSend),
	}
}

// absorb appends a frame's payload. Returns dup=true for a redelivered frame
// at or below the last consumed seq (the frame must be dropped), gap=true
// when a forward sequence gap was observed (diagnostic only).
func (b *buffer) absorb(f *models.AudioFrame, now time.Time) (dup, gap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.haveSeq && f.Seq <= b.lastSeq {
		return true, false
	}
	if b.haveSeq && f.Seq > b.lastSeq+1 {
		gap = true
	}
	b.lastSeq = f.Seq
	b.haveSeq = true
	b.data = append(b.data, f.Payload...)
	b.lastFrameAt = now
	return false, gap
}

func (b *buffer) bytesPerMs() int {
	bpm := b.sampleRate * 2 / 1000
	if bpm <= 0 {
		bpm = 16 // assume 8 kHz PCM16
	}
	return bpm
}

// accumulatedMs returns the buffered audio duration.
func (b *buffer) accumulatedMs() time.Duration {
	return time.Duration(len(b.data)/b.bytesPerMs()) * time.Millisecond
}

// chunkDurationMs returns the audio duration of n payload bytes in
// milliseconds, keeping sub-millisecond precision for histograms.
func (b *buffer) chunkDurationMs(n int) float64 {
	return float64(n) / float64(b.bytesPerMs())
}

// decide applies the chunking policy at one timer tick. When a chunk is due
// it drains the buffer, marks the handoff in flight and returns the chunk;
// isProcessing is released by finishDispatch once the handoff completes.
func (b *buffer) decide(now time.Time, cfg config.Worker) (chunk []byte, kind string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isProcessing || len(b.data) == 0 {
		return nil, "", false
	}

	dur := b.accumulatedMs()
	if !b.hasSentInitial {
		// Providers need a larger first chunk for initial context.
		if dur < cfg.InitialChunkMin {
			return nil, "", false
		}
		kind = chunkInitial
	} else if dur >= cfg.OptimalChunk {
		kind = chunkOptimal
	} else if now.Sub(b.lastSendAt) > cfg.MaxSendGap && dur >= cfg.ChunkFloor {
		// Timeout-risk fallback: better an undersized chunk than a
		// provider-side idle disconnect.
		kind = chunkForced
	} else {
		return nil, "", false
	}

	chunk = b.data
	b.data = nil
	b.isProcessing = true
	b.hasSentInitial = true
	b.lastSendAt = now
	return chunk, kind, true
}

// finishDispatch releases the handoff flag. Called as soon as the chunk has
// been handed to the session, never across the provider round-trip.
func (b *buffer) finishDispatch() {
	b.mu.Lock()
	b.isProcessing = false
	b.mu.Unlock()
}

func (b *buffer) nextChunkSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunkSeq++
	return b.chunkSeq
}

func (b *buffer) nextTranscriptSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transcriptSeq++
	return b.transcriptSeq
}

// pendingAdd registers an outstanding send and returns its future plus the
// new in-flight count.
func (b *buffer) pendingAdd(seq uint64, now time.Time) (*provider.Await, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := provider.NewAwait()
	b.pending[seq] = pendingSend{await: a, sentAt: now}
	b.inFlight++
	return a, b.inFlight
}

// pendingResolve settles the future for seq, if still tracked.
func (b *buffer) pendingResolve(seq uint64, r provider.Resolution) bool {
	b.mu.Lock()
	p, ok := b.pending[seq]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return p.await.Resolve(r)
}

// pendingRemove drops tracking for seq and returns its send time.
func (b *buffer) pendingRemove(seq uint64) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[seq]
	if !ok {
		return time.Time{}, false
	}
	delete(b.pending, seq)
	b.inFlight--
	return p.sentAt, true
}

// abortPending settles every outstanding future with an error resolution.
func (b *buffer) abortPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[uint64]pendingSend)
	b.inFlight = 0
	b.mu.Unlock()
	for _, p := range pending {
		p.await.Resolve(provider.Resolution{Outcome: provider.OutcomeError, Err: err})
	}
}

// idleSince returns how long ago the last frame arrived.
func (b *buffer) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastFrameAt)
}

// silentSince returns how long ago the last chunk was sent; zero lastSendAt
// means nothing was ever sent.
func (b *buffer) silentSince(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastSendAt.IsZero() {
		return 0, false
	}
	return now.Sub(b.lastSendAt), true
}

// currentSession returns the live session, if any.
func (b *buffer) currentSession() provider.Session {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	return b.session
}

// dropSession closes and forgets the session so the next dispatch reopens
// it. Used on retryable connection errors.
func (b *buffer) dropSession() {
	b.sessionMu.Lock()
	s := b.session
	b.session = nil
	b.sessionMu.Unlock()
	if s != nil {
		s.Close()
	}
}
