// Package capture defines the Engine interface for speech-capture backends.
//
// A capture engine wraps a continuous speech-to-text source — in production the
// learner's browser SpeechRecognition engine relayed over a WebSocket bridge,
// or a local whisper.cpp model fed with PCM audio. The central abstraction is
// StreamHandle: once started, a stream emits Events carrying recognition
// fragments, each flagged final or interim, plus classified engine errors.
//
// The session layer (internal/capture) consumes exactly this narrow contract
// and never touches a concrete engine, so tests can drive the full session
// state machine with the mock engine.
//
// Implementations must be safe for concurrent use.
package capture

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by Start when no capture engine is available on
// the target platform (e.g., the connected browser exposes no
// SpeechRecognition implementation).
var ErrUnsupported = errors.New("capture: engine unavailable")

// ErrAlreadyRunning is returned by Start when the underlying engine reports
// that a recognition stream is already active. The session layer retries a
// restart that hits this without counting it as a failure — the previous
// stream is merely winding down, mirroring browser engine semantics.
var ErrAlreadyRunning = errors.New("capture: engine already running")

// StreamConfig describes the recognition settings for a new capture stream.
type StreamConfig struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the engine pick its platform default.
	Language string

	// InterimResults requests low-latency interim fragments in addition to
	// final ones. Engines that cannot produce interims emit finals only.
	InterimResults bool

	// SampleRate is the PCM sample rate in Hz for engines that accept raw
	// audio via SendAudio. Ignored by event-relay engines.
	SampleRate int
}

// StreamHandle represents an open capture stream.
//
// Callers must call Close when the stream is no longer needed. All methods
// must be safe for concurrent use.
type StreamHandle interface {
	// Events returns a read-only channel emitting recognition updates. The
	// channel is closed when the engine ends the stream — expectedly after
	// Close, or unexpectedly when the engine gives up on its own. The session
	// layer uses the close signal to drive its auto-restart logic.
	Events() <-chan Event

	// Errors returns a read-only channel emitting classified engine errors.
	// Transient errors do not end the stream; a fatal error is followed by
	// the Events channel closing. The channel is closed together with Events.
	Errors() <-chan *EngineError

	// SendAudio delivers a chunk of raw PCM audio for engines that transcribe
	// server-side. Event-relay engines (browser bridge) return
	// ErrUnsupported; their fragments arrive through the relay instead.
	SendAudio(chunk []byte) error

	// Close halts the stream and releases all associated resources. After
	// Close returns, the Events and Errors channels will be closed. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the abstraction over any speech-capture backend.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Start opens a new capture stream. The returned StreamHandle is ready
	// to emit events immediately.
	//
	// Returns ErrUnsupported when no engine exists on the platform and
	// ErrAlreadyRunning when the engine refuses to start a second stream.
	// The caller owns the StreamHandle and must call Close when done.
	Start(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
