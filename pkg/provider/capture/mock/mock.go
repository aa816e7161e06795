// Package mock provides a test double for the capture.Engine interface.
//
// Use Engine in unit tests to drive the capture session state machine without
// a live recognition backend. Each Start call produces a Stream whose events
// and errors the test emits explicitly, making fragment ordering, engine
// failures, and unexpected stream termination fully deterministic.
//
// Example:
//
//	eng := &mock.Engine{}
//	sess.Start(ctx)
//	stream := eng.Stream(0)
//	stream.Emit(capture.Event{Fragments: []capture.Fragment{{Text: "hello", IsFinal: true}}})
//	stream.End()
package mock

import (
	"context"
	"sync"

	"github.com/davrien/converso/pkg/provider/capture"
)

// Compile-time check that *Engine satisfies capture.Engine.
var _ capture.Engine = (*Engine)(nil)

// StartCall records a single invocation of Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
	// Cfg is the StreamConfig passed to Start.
	Cfg capture.StreamConfig
}

// Engine is a mock implementation of capture.Engine.
//
// StartErrs is consumed one entry per Start call; a nil entry (or an exhausted
// slice) yields a successful start with a fresh Stream.
type Engine struct {
	mu sync.Mutex

	// StartErrs is the sequence of errors returned by successive Start calls.
	StartErrs []error

	// StartCalls records every invocation of Start in order.
	StartCalls []StartCall

	streams []*Stream
}

// Start implements capture.Engine.
func (e *Engine) Start(ctx context.Context, cfg capture.StreamConfig) (capture.StreamHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.StartCalls = append(e.StartCalls, StartCall{Ctx: ctx, Cfg: cfg})

	if len(e.StartErrs) > 0 {
		err := e.StartErrs[0]
		e.StartErrs = e.StartErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	s := NewStream()
	e.streams = append(e.streams, s)
	return s, nil
}

// Stream returns the i-th stream created by Start, or nil if fewer streams
// exist. Safe to call concurrently with Start.
func (e *Engine) Stream(i int) *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.streams) {
		return nil
	}
	return e.streams[i]
}

// StreamCount returns how many streams Start has created.
func (e *Engine) StreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// Compile-time check that *Stream satisfies capture.StreamHandle.
var _ capture.StreamHandle = (*Stream)(nil)

// Stream is a mock capture.StreamHandle driven by the test.
type Stream struct {
	events chan capture.Event
	errs   chan *capture.EngineError

	mu         sync.Mutex
	ended      bool
	AudioSent  [][]byte
	CloseCalls int
}

// NewStream creates a Stream with buffered channels so tests can emit without
// a concurrent reader.
func NewStream() *Stream {
	return &Stream{
		events: make(chan capture.Event, 64),
		errs:   make(chan *capture.EngineError, 16),
	}
}

// Emit delivers a recognition event to the session under test.
func (s *Stream) Emit(ev capture.Event) {
	s.events <- ev
}

// EmitError delivers a classified engine error to the session under test.
func (s *Stream) EmitError(err *capture.EngineError) {
	s.errs <- err
}

// End closes the event and error channels, simulating the engine terminating
// the stream on its own. Safe to call multiple times.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.events)
	close(s.errs)
}

// Events implements capture.StreamHandle.
func (s *Stream) Events() <-chan capture.Event { return s.events }

// Errors implements capture.StreamHandle.
func (s *Stream) Errors() <-chan *capture.EngineError { return s.errs }

// SendAudio implements capture.StreamHandle by recording the chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.AudioSent = append(s.AudioSent, c)
	return nil
}

// Close implements capture.StreamHandle. It ends the stream like End and
// counts the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.End()
	return nil
}

// Ended reports whether the stream has been ended or closed.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
