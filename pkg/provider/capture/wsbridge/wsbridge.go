// Package wsbridge implements capture.Engine for browser-held speech engines.
//
// The actual recognition runs in the learner's browser (SpeechRecognition).
// This engine is the server-side half of the bridge: Start sends a control
// command to the client over the session's WebSocket, and the client relays
// every engine callback back as a message, which the server feeds in through
// the Deliver* methods. The session layer on top sees the same channel-based
// StreamHandle contract as any server-side engine.
//
// One Engine instance belongs to exactly one client connection. The Engine is
// safe for concurrent use; at most one stream is active at a time, matching
// browser SpeechRecognition semantics.
package wsbridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/davrien/converso/pkg/provider/capture"
)

// Command control message types sent to the client.
const (
	CommandStart = "capture.start"
	CommandStop  = "capture.stop"
)

// Command is a control message instructing the client's capture engine.
type Command struct {
	Type   string                `json:"type"`
	Config *capture.StreamConfig `json:"config,omitempty"`
}

// Sender delivers control commands to the connected client. Implemented by
// the server's WebSocket session.
type Sender interface {
	SendCommand(ctx context.Context, cmd Command) error
}

// Compile-time check that *Engine satisfies capture.Engine.
var _ capture.Engine = (*Engine)(nil)

// Engine bridges a single client's browser capture engine.
type Engine struct {
	sender Sender

	mu          sync.Mutex
	unsupported bool
	active      *stream
}

// New creates an Engine that sends control commands through sender.
func New(sender Sender) *Engine {
	return &Engine{sender: sender}
}

// SetUnsupported marks the client as lacking a SpeechRecognition engine.
// Subsequent Start calls return capture.ErrUnsupported. Called by the server
// when the client's capability handshake reports no engine.
func (e *Engine) SetUnsupported() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsupported = true
}

// Start implements capture.Engine. It instructs the client to begin
// recognition and returns a handle fed by the Deliver* methods.
func (e *Engine) Start(ctx context.Context, cfg capture.StreamConfig) (capture.StreamHandle, error) {
	e.mu.Lock()
	if e.unsupported {
		e.mu.Unlock()
		return nil, capture.ErrUnsupported
	}
	if e.active != nil && !e.active.ended() {
		e.mu.Unlock()
		return nil, capture.ErrAlreadyRunning
	}
	s := newStream(e)
	e.active = s
	e.mu.Unlock()

	if err := e.sender.SendCommand(ctx, Command{Type: CommandStart, Config: &cfg}); err != nil {
		s.end()
		e.clearActive(s)
		return nil, fmt.Errorf("wsbridge: send start command: %w", err)
	}
	return s, nil
}

// DeliverResult feeds a relayed recognition update into the active stream.
// Updates arriving with no active stream are dropped — the client may still
// flush events after a stop command.
func (e *Engine) DeliverResult(fragments []capture.Fragment) {
	if s := e.activeStream(); s != nil {
		s.deliver(capture.Event{Fragments: fragments})
	}
}

// DeliverError feeds a relayed engine error into the active stream. The code
// is the browser SpeechRecognitionErrorEvent error string; classification
// follows the browser taxonomy ("no-speech", "network", "aborted" are
// transient, everything else fatal).
func (e *Engine) DeliverError(code string) {
	s := e.activeStream()
	if s == nil {
		return
	}
	class := capture.ClassFatal
	switch code {
	case "no-speech", "network", "aborted", "audio-capture":
		class = capture.ClassTransient
	}
	s.deliverError(&capture.EngineError{Class: class, Code: code})
}

// DeliverEnd signals that the client engine ended its stream. The session
// layer above decides whether the end was expected.
func (e *Engine) DeliverEnd() {
	if s := e.activeStream(); s != nil {
		s.end()
		e.clearActive(s)
	}
}

func (e *Engine) activeStream() *stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) clearActive(s *stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == s {
		e.active = nil
	}
}

// stream is the server-side StreamHandle for one browser recognition run.
type stream struct {
	engine *Engine
	events chan capture.Event
	errs   chan *capture.EngineError

	mu     sync.Mutex
	closed bool
}

// Compile-time check that *stream satisfies capture.StreamHandle.
var _ capture.StreamHandle = (*stream)(nil)

func newStream(e *Engine) *stream {
	return &stream{
		engine: e,
		events: make(chan capture.Event, 64),
		errs:   make(chan *capture.EngineError, 16),
	}
}

func (s *stream) Events() <-chan capture.Event        { return s.events }
func (s *stream) Errors() <-chan *capture.EngineError { return s.errs }

// SendAudio is not supported: the browser engine consumes microphone audio
// directly and relays text events instead.
func (s *stream) SendAudio([]byte) error { return capture.ErrUnsupported }

// Close instructs the client to stop recognition and ends the stream locally
// without waiting for the client's end event.
func (s *stream) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	// Best effort: the client may already be gone.
	err := s.engine.sender.SendCommand(context.Background(), Command{Type: CommandStop})
	s.end()
	s.engine.clearActive(s)
	if err != nil {
		return fmt.Errorf("wsbridge: send stop command: %w", err)
	}
	return nil
}

func (s *stream) deliver(ev capture.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Consumer is not keeping up; drop rather than block the WS read loop.
	}
}

func (s *stream) deliverError(err *capture.EngineError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.errs)
}

func (s *stream) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
