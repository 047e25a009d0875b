package worker

import "time"

// Ticker abstracts the chunker's scheduling tick so timeout-risk fallback
// edge cases are deterministically testable without wall-clock sleeps.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// TickerFactory builds a ticker for a given interval.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

// NewRealTicker wraps time.Ticker.
func NewRealTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) Chan() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()                  { r.t.Stop() }

// ManualTicker fires only when Tick is called. For tests.
type ManualTicker struct {
	ch chan time.Time
}

// NewManualTicker creates a test ticker.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time, 1)}
}

// Tick fires one tick with the given notional time.
func (m *ManualTicker) Tick(at time.Time) {
	m.ch <- at
}

func (m *ManualTicker) Chan() <-chan time.Time { return m.ch }
func (m *ManualTicker) Stop()                  {}
