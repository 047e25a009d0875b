package provider

import (
	"sync"
	"time"
)

// Outcome says which of transcript, error or timeout resolved a pending send.
type Outcome int

const (
	OutcomeTranscript Outcome = iota
	OutcomeError
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTranscript:
		return "transcript"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Resolution is the terminal state of a pending send.
type Resolution struct {
	Outcome Outcome
	Result  Result
	Err     error
}

// Await is a single-resolution future for one outstanding send. It is
// resolved by whichever of transcript, error or timeout occurs first; later
// resolutions are discarded. Waiting never blocks past the given timeout, so
// pending-send tracking cannot grow without bound.
type Await struct {
	once sync.Once
	ch   chan Resolution
}

// NewAwait creates an unresolved future.
func NewAwait() *Await {
	return &Await{ch: make(chan Resolution, 1)}
}

// Resolve settles the future. Returns false if it was already settled.
func (a *Await) Resolve(r Resolution) bool {
	won := false
	a.once.Do(func() {
		a.ch <- r
		won = true
	})
	return won
}

// Done exposes the resolution channel for select-based waits.
func (a *Await) Done() <-chan Resolution {
	return a.ch
}

// Wait blocks until the future resolves or the timeout elapses, in which
// case it settles the future itself with an empty timeout resolution.
func (a *Await) Wait(timeout time.Duration) Resolution {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-a.ch:
		return r
	case <-timer.C:
		r := Resolution{Outcome: OutcomeTimeout}
		if a.Resolve(r) {
			return r
		}
		// Lost the race to a real resolution arriving with the timer.
		return <-a.ch
	}
}
