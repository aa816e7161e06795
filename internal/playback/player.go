// Package playback implements the text-to-speech player used to voice the
// tutor's questions.
//
// The [Player] enforces the at-most-one-utterance invariant: speaking a new
// text cancels whatever is currently playing, so the learner never hears two
// overlapping prompts. IsSpeaking reports whether audio is audibly playing —
// it turns on with the engine's start callback, not when the utterance is
// dispatched — which the practice loop uses to gate its Speaking state.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davrien/converso/pkg/provider/synthesis"
)

// Option configures a Player.
type Option func(*Player)

// WithLanguage sets the utterance language (BCP-47, e.g. "en-US").
func WithLanguage(lang string) Option {
	return func(p *Player) {
		p.lang = lang
	}
}

// WithRate sets the speaking rate (0.5–2.0, 1.0 = engine default).
func WithRate(rate float64) Option {
	return func(p *Player) {
		p.rate = rate
	}
}

// WithPitch sets the voice pitch (0.0–2.0, 1.0 = engine default).
func WithPitch(pitch float64) Option {
	return func(p *Player) {
		p.pitch = pitch
	}
}

// WithVoice selects an engine-specific voice identifier.
func WithVoice(voice string) Option {
	return func(p *Player) {
		p.voice = voice
	}
}

// WithSpeakObserver registers a hook invoked after each utterance resolves
// with its wall-clock duration. Used for instrumentation.
func WithSpeakObserver(o func(seconds float64)) Option {
	return func(p *Player) {
		p.speakObserver = o
	}
}

// Player speaks one utterance at a time over a synthesis engine.
// It is safe for concurrent use.
type Player struct {
	eng           synthesis.Engine
	lang          string
	rate          float64
	pitch         float64
	voice         string
	speakObserver func(seconds float64)

	mu         sync.Mutex
	current    synthesis.Playback
	speaking   bool
	generation int
}

// NewPlayer creates a Player over eng.
func NewPlayer(eng synthesis.Engine, opts ...Option) *Player {
	p := &Player{
		eng:  eng,
		lang: "en-US",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Speak voices text and blocks until the utterance finishes, fails, or is
// superseded. Any utterance already playing is cancelled first. Speaking
// empty text is a no-op. A superseded or cancelled utterance resolves with
// nil — being cut off by a newer prompt is normal, not an error.
func (p *Player) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	p.mu.Lock()
	if p.current != nil {
		p.current.Cancel()
		p.current = nil
		p.speaking = false
	}

	pb, err := p.eng.Speak(ctx, synthesis.Utterance{
		Text:  text,
		Lang:  p.lang,
		Rate:  p.rate,
		Pitch: p.pitch,
		Voice: p.voice,
	})
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("playback: speak: %w", err)
	}

	p.generation++
	gen := p.generation
	p.current = pb
	p.mu.Unlock()

	// The speaking flag follows the engine's start callback, not the
	// dispatch: the gap between them is synthesis latency, during which no
	// audio plays yet.
	settled := make(chan struct{})
	go func() {
		select {
		case <-pb.Started():
			p.mu.Lock()
			if p.current == pb {
				p.speaking = true
			}
			p.mu.Unlock()
		case <-settled:
		}
	}()

	started := time.Now()
	var doneErr error
	select {
	case doneErr = <-pb.Done():
	case <-ctx.Done():
		pb.Cancel()
		doneErr = <-pb.Done()
	}
	if p.speakObserver != nil {
		p.speakObserver(time.Since(started).Seconds())
	}

	p.mu.Lock()
	if p.generation == gen {
		p.speaking = false
		p.current = nil
	}
	p.mu.Unlock()
	close(settled)

	if doneErr != nil {
		if errors.Is(doneErr, context.Canceled) {
			slog.Debug("utterance cancelled", "chars", len(text))
			return nil
		}
		return fmt.Errorf("playback: utterance: %w", doneErr)
	}
	return nil
}

// Stop cancels the current utterance, if any. The blocked Speak call resolves
// with nil.
func (p *Player) Stop() {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current != nil {
		current.Cancel()
	}
}

// IsSpeaking reports whether utterance audio is currently playing. It is
// false between dispatching an utterance and the engine's start callback.
func (p *Player) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}
