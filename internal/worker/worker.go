// Package worker consumes per-interaction audio topics, turns frame streams
// into provider-ready chunks and republishes transcripts. It owns the
// per-interaction buffer registry and the provider session lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/config"
	"github.com/exkrishan/callstream/internal/models"
	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/observability/metrics"
	"github.com/exkrishan/callstream/internal/provider"
	"github.com/exkrishan/callstream/internal/pubsub"
)

// Teardown triggers, used as metric labels.
const (
	teardownCallEnd  = "call_end"
	teardownStale    = "stale"
	teardownFatal    = "fatal"
	teardownShutdown = "shutdown"
)

// ErrBreakerOpen is returned when the circuit breaker short-circuits a
// session attempt.
var ErrBreakerOpen = errors.New("worker: provider circuit breaker open")

// Option configures a Worker.
type Option func(*Worker)

// WithTickerFactory injects the chunker/sweeper tick source. For tests.
func WithTickerFactory(chunk, sweep TickerFactory) Option {
	return func(w *Worker) {
		w.chunkTicker = chunk
		w.sweepTicker = sweep
	}
}

// WithClock injects the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithOpenAttempts sets how many times a retryable session open is retried.
func WithOpenAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.openAttempts = n
		}
	}
}

// Worker is one ASR worker instance. Consumer-group partitioning on the
// pub/sub layer ensures each interaction's messages route to exactly one
// instance, so the registry needs no cross-instance coordination.
type Worker struct {
	cfg     config.Worker
	bus     pubsub.Bus
	topics  pubsub.Topics
	factory provider.Factory
	breaker *Breaker
	log     zerolog.Logger
	metrics *metrics.Metrics

	chunkTicker  TickerFactory
	sweepTicker  TickerFactory
	now          func() time.Time
	openAttempts int

	mu         sync.Mutex
	buffers    map[string]*buffer
	audioSubs  map[string]pubsub.Subscription
	controlSub pubsub.Subscription
	started    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker.
func New(cfg config.Worker, bus pubsub.Bus, topics pubsub.Topics, factory provider.Factory, opts ...Option) *Worker {
	w := &Worker{
		cfg:          cfg,
		bus:          bus,
		topics:       topics,
		factory:      factory,
		breaker:      NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		log:          logging.WithComponent("worker"),
		metrics:      metrics.DefaultMetrics,
		chunkTicker:  NewRealTicker,
		sweepTicker:  NewRealTicker,
		now:          time.Now,
		openAttempts: 3,
		buffers:      make(map[string]*buffer),
		audioSubs:    make(map[string]pubsub.Subscription),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to the control topic and launches the chunker and
// staleness-sweep loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker: already started")
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	sub, err := w.bus.Subscribe(ctx, w.topics.Control(), w.cfg.ConsumerGroup, w.handleControl)
	if err != nil {
		w.cancel()
		return fmt.Errorf("subscribe control topic: %w", err)
	}
	w.controlSub = sub
	w.started = true

	w.wg.Add(2)
	go w.chunkLoop()
	go w.sweepLoop()

	w.log.Info().
		Str("group", w.cfg.ConsumerGroup).
		Str("provider", w.factory.Name()).
		Msg("Worker started")
	return nil
}

// Stop tears down all interactions and halts the loops.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	controlSub := w.controlSub
	ids := make([]string, 0, len(w.buffers))
	for id := range w.buffers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	if controlSub != nil {
		controlSub.Close()
	}
	for _, id := range ids {
		w.teardown(id, teardownShutdown)
	}
	w.cancel()
	w.wg.Wait()
	w.log.Info().Msg("Worker stopped")
}

// ActiveBuffers returns the live buffer count, for the status surface.
func (w *Worker) ActiveBuffers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffers)
}

// BreakerState exposes the circuit breaker state for the status surface.
func (w *Worker) BreakerState() BreakerState {
	return w.breaker.State()
}

// --- pub/sub handlers ---

func (w *Worker) handleControl(ctx context.Context, msg pubsub.Message) error {
	ev, err := models.UnmarshalCallControl(msg.Payload)
	if err != nil {
		// Unparseable events would redeliver forever; ack and move on.
		w.log.Error().Err(err).Str("id", msg.ID).Msg("Malformed control event dropped")
		return nil
	}

	switch ev.Event {
	case models.CallEventStart:
		if err := w.ensureAudioSubscription(ev.InteractionID); err != nil {
			return fmt.Errorf("attach audio topic for %s: %w", ev.InteractionID, err)
		}
		w.log.Info().
			Str("interactionId", ev.InteractionID).
			Str("tenantId", ev.TenantID).
			Int("sampleRate", ev.SampleRate).
			Msg("Interaction started")
	case models.CallEventEnd:
		w.log.Info().
			Str("interactionId", ev.InteractionID).
			Str("reason", ev.Reason).
			Msg("Interaction ended")
		w.teardown(ev.InteractionID, teardownCallEnd)
	default:
		w.log.Warn().Str("event", ev.Event).Msg("Unknown control event dropped")
	}
	w.metrics.RecordConsume(pubsub.ClassControl)
	return nil
}

func (w *Worker) ensureAudioSubscription(interactionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return errors.New("worker: not started")
	}
	if _, ok := w.audioSubs[interactionID]; ok {
		return nil
	}
	sub, err := w.bus.Subscribe(w.ctx, w.topics.Audio(interactionID), w.cfg.ConsumerGroup, w.handleAudio)
	if err != nil {
		return err
	}
	w.audioSubs[interactionID] = sub
	return nil
}

func (w *Worker) handleAudio(ctx context.Context, msg pubsub.Message) error {
	if w.ctx.Err() != nil {
		// Shutting down: leave the frame pending for another instance.
		return w.ctx.Err()
	}

	frame, err := models.UnmarshalAudioFrame(msg.Payload)
	if err != nil {
		w.log.Error().Err(err).Str("id", msg.ID).Msg("Malformed audio frame dropped")
		return nil
	}

	b := w.bufferFor(frame)
	dup, gap := b.absorb(frame, w.now())
	if dup {
		// Redelivery of an already-consumed frame: acknowledging it without
		// buffering is what keeps at-least-once delivery exactly-once
		// effective downstream.
		w.metrics.DuplicateFrames.Inc()
		return nil
	}
	if gap {
		w.metrics.SequenceGaps.Inc()
		b.log.Warn().Uint64("seq", frame.Seq).Msg("Sequence gap detected")
	}

	if frame.Encoding == models.EncodingPCM16 {
		if kind := inspectPCM16(frame.Payload, frame.SampleRate); kind != audioOK && kind != audioSilent {
			w.metrics.AudioFormatErrors.WithLabelValues(kind).Inc()
		}
	}

	w.metrics.RecordConsume(pubsub.ClassAudio)
	return nil
}

// bufferFor returns the interaction's buffer, creating it on first frame.
// A frame arriving after teardown gets a fresh buffer, never a stale one.
func (w *Worker) bufferFor(frame *models.AudioFrame) *buffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buffers[frame.InteractionID]
	if !ok {
		b = newBuffer(frame, w.now())
		w.buffers[frame.InteractionID] = b
		w.metrics.BuffersActive.Inc()
	}
	return b
}

// --- chunker ---

func (w *Worker) chunkLoop() {
	defer w.wg.Done()
	t := w.chunkTicker(w.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.Chan():
			w.scan()
		}
	}
}

// scan applies the chunking policy to every live buffer at one tick.
func (w *Worker) scan() {
	now := w.now()
	for _, b := range w.snapshot() {
		chunk, kind, ok := b.decide(now, w.cfg)
		if !ok {
			continue
		}
		w.wg.Add(1)
		go w.dispatch(b, chunk, kind)
	}
}

func (w *Worker) snapshot() []*buffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*buffer, 0, len(w.buffers))
	for _, b := range w.buffers {
		out = append(out, b)
	}
	return out
}

// dispatch hands one chunk to the interaction's provider session. The buffer
// was already drained by decide; isProcessing is released the moment the
// handoff completes so audio arriving during a slow provider round-trip is
// never serialized behind it.
func (w *Worker) dispatch(b *buffer, chunk []byte, kind string) {
	defer w.wg.Done()

	sess, err := w.ensureSession(b)
	if err != nil {
		b.finishDispatch()
		if errors.Is(err, ErrBreakerOpen) {
			w.log.Warn().Str("interactionId", b.interactionID).Msg("Chunk dropped, breaker open")
			return
		}
		w.log.Error().Err(err).Str("interactionId", b.interactionID).Msg("Session open failed")
		if !provider.IsRetryable(err) {
			w.teardown(b.interactionID, teardownFatal)
		}
		return
	}

	seq := b.nextChunkSeq()
	await, inFlight := b.pendingAdd(seq, w.now())
	w.checkBacklog(b, inFlight)

	err = sess.Send(w.ctx, chunk, seq)
	b.finishDispatch()
	if err != nil {
		b.pendingRemove(seq)
		w.metrics.RecordProviderError(w.factory.Name(), errClass(err))
		if provider.IsRetryable(err) {
			b.dropSession()
		} else {
			w.teardown(b.interactionID, teardownFatal)
		}
		return
	}

	w.metrics.RecordChunkDispatched(kind, b.chunkDurationMs(len(chunk)))

	w.wg.Add(1)
	go w.awaitResolution(b, seq, await)
}

// awaitResolution bounds the pending send: whichever of transcript, error or
// timeout happens first settles it, so pending tracking cannot grow without
// bound behind an unresponsive provider.
func (w *Worker) awaitResolution(b *buffer, seq uint64, await *provider.Await) {
	defer w.wg.Done()
	res := await.Wait(w.cfg.SendTimeout)
	sentAt, tracked := b.pendingRemove(seq)

	switch res.Outcome {
	case provider.OutcomeTimeout:
		w.metrics.SendTimeouts.Inc()
		w.metrics.EmptyTranscripts.Inc()
		w.log.Warn().
			Str("interactionId", b.interactionID).
			Uint64("seq", seq).
			Dur("timeout", w.cfg.SendTimeout).
			Msg("Pending send resolved as timeout")
	case provider.OutcomeTranscript:
		if tracked {
			w.metrics.TranscriptLatency.Observe(w.now().Sub(sentAt).Seconds())
		}
	}
}

func (w *Worker) checkBacklog(b *buffer, inFlight int) {
	if w.cfg.BacklogCritical > 0 && inFlight >= w.cfg.BacklogCritical {
		w.metrics.RecordBacklogBreach("critical")
		w.log.Error().
			Str("interactionId", b.interactionID).
			Int("inFlight", inFlight).
			Msg("Provider backlog critical")
	} else if w.cfg.BacklogWarn > 0 && inFlight >= w.cfg.BacklogWarn {
		w.metrics.RecordBacklogBreach("warn")
		w.log.Warn().
			Str("interactionId", b.interactionID).
			Int("inFlight", inFlight).
			Msg("Provider backlog warning")
	}
}

// --- provider session lifecycle ---

// ensureSession returns the interaction's session, opening it lazily. The
// per-buffer creation lock prevents a concurrent first-chunk race from
// opening two sessions.
func (w *Worker) ensureSession(b *buffer) (provider.Session, error) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()

	if b.session != nil {
		return b.session, nil
	}

	cfg := provider.SessionConfig{
		InteractionID: b.interactionID,
		TenantID:      b.tenantID,
		Format: provider.AudioFormat{
			SampleRate: b.sampleRate,
			Encoding:   b.encoding,
			Channels:   b.channels,
		},
	}

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < w.openAttempts; attempt++ {
		if !w.breaker.Allow() {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrBreakerOpen
		}

		sess, err := w.factory.Open(w.ctx, cfg, &sessionCallback{w: w, interactionID: b.interactionID})
		if err == nil {
			w.breaker.Success()
			b.session = sess
			w.metrics.SessionsOpened.WithLabelValues(w.factory.Name()).Inc()
			w.metrics.SessionsActive.WithLabelValues(w.factory.Name()).Inc()
			return sess, nil
		}

		lastErr = err
		w.breaker.Failure()
		w.metrics.RecordProviderError(w.factory.Name(), errClass(err))
		if !provider.IsRetryable(err) {
			return nil, err
		}

		select {
		case <-w.ctx.Done():
			return nil, w.ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func errClass(err error) string {
	if provider.IsRetryable(err) {
		return "retryable"
	}
	return "fatal"
}

// sessionCallback routes one session's events back to the worker. One
// interaction's failure must never affect another's.
type sessionCallback struct {
	w             *Worker
	interactionID string
}

func (c *sessionCallback) OnTranscript(res provider.Result) {
	c.w.handleResult(c.interactionID, res)
}

func (c *sessionCallback) OnError(err error) {
	c.w.handleSessionError(c.interactionID, err)
}

func (w *Worker) handleResult(interactionID string, res provider.Result) {
	w.mu.Lock()
	b, ok := w.buffers[interactionID]
	w.mu.Unlock()
	if !ok {
		// Late response after teardown: matched by interaction id and seq,
		// discarded as stale.
		w.log.Debug().
			Str("interactionId", interactionID).
			Uint64("seq", res.Seq).
			Msg("Stale provider response discarded")
		return
	}

	if res.Seq != 0 {
		b.pendingResolve(res.Seq, provider.Resolution{Outcome: provider.OutcomeTranscript, Result: res})
	}

	if res.Empty() {
		w.metrics.EmptyTranscripts.Inc()
		return
	}
	w.publishTranscript(b, res)
}

func (w *Worker) publishTranscript(b *buffer, res provider.Result) {
	eventType := models.EventTranscriptPartial
	if res.IsFinal {
		eventType = models.EventTranscriptFinal
	}
	t := models.Transcript{
		EventType:     eventType,
		InteractionID: b.interactionID,
		TenantID:      b.tenantID,
		Seq:           b.nextTranscriptSeq(),
		Text:          res.Text,
		IsFinal:       res.IsFinal,
		Confidence:    res.Confidence,
		TimestampMs:   res.TimestampMs,
	}
	payload, err := t.Marshal()
	if err != nil {
		w.log.Error().Err(err).Msg("Transcript marshal failed")
		return
	}

	start := w.now()
	_, err = w.bus.Publish(w.ctx, w.topics.Transcript(b.interactionID), payload)
	w.metrics.RecordPublish(pubsub.ClassTranscript, err, w.now().Sub(start).Seconds())
	if err != nil {
		w.log.Error().
			Err(err).
			Str("interactionId", b.interactionID).
			Uint64("seq", t.Seq).
			Msg("Transcript publish failed")
		return
	}
	w.metrics.RecordTranscript(res.IsFinal)
}

func (w *Worker) handleSessionError(interactionID string, err error) {
	w.metrics.RecordProviderError(w.factory.Name(), errClass(err))

	w.mu.Lock()
	b, ok := w.buffers[interactionID]
	w.mu.Unlock()
	if !ok {
		return
	}

	if provider.IsRetryable(err) {
		w.log.Warn().
			Err(err).
			Str("interactionId", interactionID).
			Msg("Retryable session error, reconnecting on next chunk")
		b.dropSession()
		w.breaker.Failure()
		return
	}

	w.log.Error().
		Err(err).
		Str("interactionId", interactionID).
		Msg("Fatal session error, dropping interaction")
	w.teardown(interactionID, teardownFatal)
}

// --- teardown & sweep ---

// teardown releases an interaction's resources exactly once: the presence
// check makes concurrent or repeated calls (explicit end event plus the
// staleness sweep) idempotent.
func (w *Worker) teardown(interactionID, trigger string) {
	w.mu.Lock()
	b, ok := w.buffers[interactionID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.buffers, interactionID)
	sub := w.audioSubs[interactionID]
	delete(w.audioSubs, interactionID)
	w.mu.Unlock()

	w.metrics.BuffersActive.Dec()
	w.metrics.RecordTeardown(trigger)

	b.abortPending(fmt.Errorf("interaction torn down (%s)", trigger))

	b.sessionMu.Lock()
	sess := b.session
	b.session = nil
	b.sessionMu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			w.log.Warn().Err(err).Str("interactionId", interactionID).Msg("Session close failed")
		}
		w.metrics.SessionsActive.WithLabelValues(w.factory.Name()).Dec()
	}

	if sub != nil {
		// The audio subscription may be the very one this call stack is
		// running under; close it off-path.
		go sub.Close()
	}

	b.log.Info().Str("trigger", trigger).Msg("Interaction torn down")
}

func (w *Worker) sweepLoop() {
	defer w.wg.Done()
	t := w.sweepTicker(w.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.Chan():
			w.sweep()
		}
	}
}

// sweep is the safety net behind the explicit end event: it evicts buffers
// whose audio stopped without one, and keeps quiet-but-live sessions alive.
func (w *Worker) sweep() {
	now := w.now()
	for _, b := range w.snapshot() {
		if b.idleSince(now) > w.cfg.StaleAfter {
			w.teardown(b.interactionID, teardownStale)
			continue
		}
		if silent, ok := b.silentSince(now); ok && silent > w.cfg.KeepaliveAfter {
			if sess := b.currentSession(); sess != nil {
				if err := sess.Keepalive(w.ctx); err != nil {
					w.log.Warn().
						Err(err).
						Str("interactionId", b.interactionID).
						Msg("Keepalive failed")
				}
			}
		}
	}
}
