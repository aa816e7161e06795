// Package wsbridge implements synthesis.Engine for browser-held speech
// synthesis. Speak sends an utterance command to the connected client, which
// feeds it to speechSynthesis and relays the onstart/onend/onerror callbacks
// back as messages delivered through the Deliver* methods.
//
// One Engine instance belongs to exactly one client connection. The browser
// plays at most one utterance at a time; starting a new one cancels the
// previous, which this engine mirrors by resolving the superseded playback.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davrien/converso/pkg/provider/synthesis"
)

// Command control message types sent to the client.
const (
	CommandSpeak  = "synthesis.speak"
	CommandCancel = "synthesis.cancel"
)

// Command is a control message instructing the client's synthesis engine.
type Command struct {
	Type      string               `json:"type"`
	Utterance *synthesis.Utterance `json:"utterance,omitempty"`
}

// Sender delivers control commands to the connected client. Implemented by
// the server's WebSocket session.
type Sender interface {
	SendCommand(ctx context.Context, cmd Command) error
}

// Compile-time check that *Engine satisfies synthesis.Engine.
var _ synthesis.Engine = (*Engine)(nil)

// Engine bridges a single client's browser synthesis engine.
type Engine struct {
	sender Sender

	mu          sync.Mutex
	unsupported bool
	active      *playback
}

// New creates an Engine that sends control commands through sender.
func New(sender Sender) *Engine {
	return &Engine{sender: sender}
}

// SetUnsupported marks the client as lacking a speechSynthesis engine.
func (e *Engine) SetUnsupported() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsupported = true
}

// Speak implements synthesis.Engine. Any in-flight playback is resolved as
// cancelled before the new utterance command is sent.
func (e *Engine) Speak(ctx context.Context, u synthesis.Utterance) (synthesis.Playback, error) {
	e.mu.Lock()
	if e.unsupported {
		e.mu.Unlock()
		return nil, synthesis.ErrUnsupported
	}
	if prev := e.active; prev != nil {
		prev.finish(errors.New("wsbridge: superseded by new utterance"))
	}
	p := newPlayback(e)
	e.active = p
	e.mu.Unlock()

	if err := e.sender.SendCommand(ctx, Command{Type: CommandSpeak, Utterance: &u}); err != nil {
		p.finish(err)
		e.clearActive(p)
		return nil, fmt.Errorf("wsbridge: send speak command: %w", err)
	}
	return p, nil
}

// DeliverStarted relays the client's onstart callback.
func (e *Engine) DeliverStarted() {
	if p := e.activePlayback(); p != nil {
		p.signalStarted()
	}
}

// DeliverEnded relays the client's onend callback.
func (e *Engine) DeliverEnded() {
	if p := e.activePlayback(); p != nil {
		p.finish(nil)
		e.clearActive(p)
	}
}

// DeliverError relays the client's onerror callback.
func (e *Engine) DeliverError(code string) {
	if p := e.activePlayback(); p != nil {
		p.finish(fmt.Errorf("wsbridge: synthesis error %q", code))
		e.clearActive(p)
	}
}

func (e *Engine) activePlayback() *playback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) clearActive(p *playback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == p {
		e.active = nil
	}
}

// playback is the server-side handle for one browser utterance.
type playback struct {
	engine  *Engine
	started chan struct{}
	done    chan error

	mu          sync.Mutex
	startedOnce bool
	finished    bool
}

// Compile-time check that *playback satisfies synthesis.Playback.
var _ synthesis.Playback = (*playback)(nil)

func newPlayback(e *Engine) *playback {
	return &playback{
		engine:  e,
		started: make(chan struct{}),
		done:    make(chan error, 1),
	}
}

func (p *playback) Started() <-chan struct{} { return p.started }
func (p *playback) Done() <-chan error       { return p.done }

// Cancel sends a cancel command to the client and resolves the playback
// immediately rather than waiting for the relayed callback.
func (p *playback) Cancel() {
	p.mu.Lock()
	alreadyFinished := p.finished
	p.mu.Unlock()
	if alreadyFinished {
		return
	}

	// Best effort: the client resolves its own engine state regardless.
	_ = p.engine.sender.SendCommand(context.Background(), Command{Type: CommandCancel})
	p.finish(context.Canceled)
	p.engine.clearActive(p)
}

func (p *playback) signalStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedOnce || p.finished {
		return
	}
	p.startedOnce = true
	close(p.started)
}

func (p *playback) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.done <- err
	close(p.done)
}
