// Package mock provides a test double for the synthesis.Engine interface.
//
// Use Engine in unit tests to verify the player's at-most-one-utterance
// invariant and IsSpeaking flag handling without a live synthesis backend.
// Tests drive each Playback's lifecycle explicitly via SignalStarted and
// Finish.
package mock

import (
	"context"
	"sync"

	"github.com/davrien/converso/pkg/provider/synthesis"
)

// Compile-time check that *Engine satisfies synthesis.Engine.
var _ synthesis.Engine = (*Engine)(nil)

// Engine is a mock implementation of synthesis.Engine.
type Engine struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// Spoken records the utterances passed to Speak in order.
	Spoken []synthesis.Utterance

	playbacks []*Playback
}

// Speak implements synthesis.Engine.
func (e *Engine) Speak(_ context.Context, u synthesis.Utterance) (synthesis.Playback, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.SpeakErr != nil {
		return nil, e.SpeakErr
	}

	e.Spoken = append(e.Spoken, u)
	p := NewPlayback()
	e.playbacks = append(e.playbacks, p)
	return p, nil
}

// Playback returns the i-th playback created by Speak, or nil.
func (e *Engine) Playback(i int) *Playback {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.playbacks) {
		return nil
	}
	return e.playbacks[i]
}

// PlaybackCount returns how many playbacks Speak has created.
func (e *Engine) PlaybackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.playbacks)
}

// Compile-time check that *Playback satisfies synthesis.Playback.
var _ synthesis.Playback = (*Playback)(nil)

// Playback is a mock synthesis.Playback driven by the test.
type Playback struct {
	started chan struct{}
	done    chan error

	mu        sync.Mutex
	finished  bool
	Cancelled bool
}

// NewPlayback creates an unfinished Playback.
func NewPlayback() *Playback {
	return &Playback{
		started: make(chan struct{}),
		done:    make(chan error, 1),
	}
}

// SignalStarted simulates the engine's start callback firing. Safe to call
// once.
func (p *Playback) SignalStarted() {
	close(p.started)
}

// Finish resolves the playback with err (nil = clean completion). Subsequent
// calls are no-ops.
func (p *Playback) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.done <- err
	close(p.done)
}

// Started implements synthesis.Playback.
func (p *Playback) Started() <-chan struct{} { return p.started }

// Done implements synthesis.Playback.
func (p *Playback) Done() <-chan error { return p.done }

// Cancel implements synthesis.Playback. It records the cancellation and
// finishes with context.Canceled if still in flight.
func (p *Playback) Cancel() {
	p.mu.Lock()
	p.Cancelled = true
	alreadyFinished := p.finished
	p.mu.Unlock()
	if !alreadyFinished {
		p.Finish(context.Canceled)
	}
}
