// Package elevenlabs implements synthesis.Engine backed by the ElevenLabs
// streaming WebSocket API, for deployments that prefer a hosted voice over
// the learner's browser speechSynthesis. Synthesised PCM chunks are handed to
// an AudioSink — in practice the server's WebSocket session, which forwards
// them to the client as binary frames for playback.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/davrien/converso/pkg/provider/synthesis"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultVoiceID   = "21m00Tcm4TlvDq8ikWAM"
	defaultOutputFmt = "pcm_16000"
)

// AudioSink receives synthesised PCM chunks as they arrive.
type AudioSink interface {
	WriteAudio(ctx context.Context, pcm []byte) error
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithVoice sets the default voice ID used when the utterance names none.
func WithVoice(voiceID string) Option {
	return func(e *Engine) { e.voiceID = voiceID }
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(e *Engine) { e.outputFormat = format }
}

// Compile-time check that *Engine satisfies synthesis.Engine.
var _ synthesis.Engine = (*Engine)(nil)

// Engine implements synthesis.Engine backed by the ElevenLabs streaming API.
type Engine struct {
	apiKey       string
	model        string
	voiceID      string
	outputFormat string
	sink         AudioSink
}

// New creates an Engine. apiKey must be non-empty; sink receives all
// synthesised audio.
func New(apiKey string, sink AudioSink, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if sink == nil {
		return nil, errors.New("elevenlabs: sink must not be nil")
	}
	e := &Engine{
		apiKey:       apiKey,
		model:        defaultModel,
		voiceID:      defaultVoiceID,
		outputFormat: defaultOutputFmt,
		sink:         sink,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Speak implements synthesis.Engine. It opens a WebSocket to ElevenLabs,
// sends the utterance text, and pumps decoded PCM into the sink until the
// service marks the stream final.
func (e *Engine) Speak(ctx context.Context, u synthesis.Utterance) (synthesis.Playback, error) {
	voice := u.Voice
	if voice == "" {
		voice = e.voiceID
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice, e.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	settings := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if u.Rate > 0 {
		settings.Speed = u.Rate
	}

	// ElevenLabs requires a non-empty first text value for the handshake.
	boi := textMessage{
		Text:          " ",
		VoiceSettings: settings,
		XiAPIKey:      e.apiKey,
		OutputFormat:  e.outputFormat,
	}
	if err := writeJSON(ctx, conn, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: u.Text + " "}); err != nil {
		conn.Close(websocket.StatusInternalError, "send text failed")
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// Empty text closes the input side.
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		conn.Close(websocket.StatusInternalError, "end of input failed")
		return nil, fmt.Errorf("elevenlabs: end of input: %w", err)
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &playback{
		started: make(chan struct{}),
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	go p.pump(pctx, conn, e.sink)
	return p, nil
}

// playback tracks one in-flight hosted synthesis run.
type playback struct {
	started chan struct{}
	done    chan error
	cancel  context.CancelFunc

	mu          sync.Mutex
	startedOnce bool
	finished    bool
}

// Compile-time check that *playback satisfies synthesis.Playback.
var _ synthesis.Playback = (*playback)(nil)

func (p *playback) Started() <-chan struct{} { return p.started }
func (p *playback) Done() <-chan error       { return p.done }

// Cancel aborts the synthesis stream.
func (p *playback) Cancel() { p.cancel() }

// pump reads audio messages until the final marker, forwarding PCM to sink.
func (p *playback) pump(ctx context.Context, conn *websocket.Conn, sink AudioSink) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.finish(context.Canceled)
			} else {
				p.finish(fmt.Errorf("elevenlabs: read: %w", err))
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			p.finish(fmt.Errorf("elevenlabs: decode response: %w", err))
			return
		}

		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				p.finish(fmt.Errorf("elevenlabs: decode audio: %w", err))
				return
			}
			p.signalStarted()
			if err := sink.WriteAudio(ctx, pcm); err != nil {
				p.finish(fmt.Errorf("elevenlabs: sink: %w", err))
				return
			}
		}

		if resp.IsFinal {
			p.finish(nil)
			return
		}
	}
}

func (p *playback) signalStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedOnce {
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

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
