// Package synthesis defines the Engine interface for speech-synthesis
// backends.
//
// A synthesis engine speaks one utterance at a time — in production the
// learner's browser speechSynthesis engine relayed over a WebSocket bridge,
// or a hosted voice service like ElevenLabs. The Playback handle mirrors the
// browser utterance callbacks (onstart/onend/onerror) as channels so the
// player layer can track a single "is speaking" flag without polling.
//
// Implementations must be safe for concurrent use.
package synthesis

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by Speak when no synthesis engine is available
// on the target platform.
var ErrUnsupported = errors.New("synthesis: engine unavailable")

// Utterance describes one unit of speech to synthesise.
type Utterance struct {
	// Text is the content to speak.
	Text string `json:"text"`

	// Lang is the BCP-47 language tag (e.g., "en-US").
	Lang string `json:"lang,omitempty"`

	// Rate adjusts speaking speed (0.5–2.0, 1.0 = default). Zero means
	// engine default.
	Rate float64 `json:"rate,omitempty"`

	// Pitch adjusts voice pitch (0.0–2.0, 1.0 = default). Zero means engine
	// default.
	Pitch float64 `json:"pitch,omitempty"`

	// Voice selects an engine-specific voice identifier. Empty means the
	// engine default.
	Voice string `json:"voice,omitempty"`
}

// Playback represents one in-flight utterance.
//
// The Done channel always receives exactly one value — nil on clean
// completion, non-nil on failure or cancellation — and is then closed.
type Playback interface {
	// Started is closed when audio output actually begins.
	Started() <-chan struct{}

	// Done delivers the terminal result of the utterance.
	Done() <-chan error

	// Cancel aborts the utterance. Done still resolves. Safe to call
	// multiple times and after completion.
	Cancel()
}

// Engine is the abstraction over any speech-synthesis backend.
//
// Engines do not queue: the player layer enforces the at-most-one-utterance
// invariant by cancelling before speaking.
type Engine interface {
	// Speak begins synthesising u and returns a Playback handle. Returns
	// ErrUnsupported when no engine exists on the platform.
	Speak(ctx context.Context, u Utterance) (Playback, error)
}

// AudioSink receives synthesised PCM chunks as they arrive. Engines that
// render audio server-side stream into a sink — in practice the WebSocket
// session, which forwards the chunks to the client as binary frames.
// Event-relay engines produce no audio and take no sink.
type AudioSink interface {
	WriteAudio(ctx context.Context, pcm []byte) error
}
