// Package whisper implements capture.Engine on top of the whisper.cpp CGO
// bindings for clients that cannot run recognition in their browser. Audio
// chunks relayed from the client are buffered with RMS-based silence
// detection; each flushed speech segment is transcribed locally and emitted
// as a final fragment (whisper.cpp produces no interims).
//
// The whisper.cpp static library (libwhisper.a) and headers must be available
// at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/davrien/converso/pkg/provider/capture"
)

const (
	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultSilenceMs    = 600
	defaultMaxBufferMs  = 15000
	defaultRMSThreshold = 300.0
	bitsPerSample       = 16
)

// Compile-time check that *Engine satisfies capture.Engine.
var _ capture.Engine = (*Engine)(nil)

// Engine loads a whisper.cpp model once and shares it across streams. Each
// stream gets its own inference context, so multiple learners can be served
// concurrently.
type Engine struct {
	model whisperlib.Model

	language    string
	sampleRate  int
	silenceMs   int
	maxBufferMs int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the transcription language code (e.g., "en"). Default "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithSampleRate sets the expected PCM sample rate in Hz. Default 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// WithSilenceThresholdMs sets the consecutive-silence duration that triggers a
// flush of buffered speech to the model. Default 600 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(e *Engine) { e.silenceMs = ms }
}

// WithMaxBufferDurationMs sets the maximum buffered audio duration before a
// forced flush. Default 15 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(e *Engine) { e.maxBufferMs = ms }
}

// New creates an Engine that loads the whisper.cpp model from modelPath.
// The caller must call Close when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:       model,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		silenceMs:   defaultSilenceMs,
		maxBufferMs: defaultMaxBufferMs,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Start implements capture.Engine. The returned handle accepts PCM via
// SendAudio immediately.
func (e *Engine) Start(ctx context.Context, cfg capture.StreamConfig) (capture.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	// Whisper expects a bare language code, not a full BCP-47 tag.
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = e.sampleRate
	}

	s := &stream{
		model:       e.model,
		language:    lang,
		sampleRate:  sr,
		silenceMs:   e.silenceMs,
		maxBufferMs: e.maxBufferMs,

		audioCh: make(chan []byte, 256),
		events:  make(chan capture.Event, 64),
		errs:    make(chan *capture.EngineError, 16),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// stream is a live local transcription stream. All buffering and silence
// detection state is confined to the processLoop goroutine.
type stream struct {
	model       whisperlib.Model
	language    string
	sampleRate  int
	silenceMs   int
	maxBufferMs int

	audioCh chan []byte
	events  chan capture.Event
	errs    chan *capture.EngineError

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Compile-time check that *stream satisfies capture.StreamHandle.
var _ capture.StreamHandle = (*stream)(nil)

func (s *stream) Events() <-chan capture.Event        { return s.events }
func (s *stream) Errors() <-chan *capture.EngineError { return s.errs }

// SendAudio queues a chunk of raw 16-bit little-endian signed mono PCM.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: stream is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: stream is closed")
	}
}

// Close terminates the stream, flushes any pending speech audio, and closes
// the event channels. Safe to call multiple times.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *stream) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)
	defer close(s.errs)

	var (
		buffer    []byte
		hadSpeech bool
		silence   int
	)

	bytesPerMs := s.sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferMs * bytesPerMs

	flush := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silence = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silence = 0

		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whisper inference failed", "error", err)
			select {
			case s.errs <- &capture.EngineError{Class: capture.ClassTransient, Code: "inference", Err: err}:
			default:
			}
			return
		}
		if text == "" {
			return
		}

		select {
		case s.events <- capture.Event{Fragments: []capture.Fragment{{Text: text, IsFinal: true}}}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-s.done:
			flush()
			return

		case chunk := <-s.audioCh:
			rms := computeRMS(chunk)
			chunkMs := len(chunk) / bytesPerMs

			if rms < defaultRMSThreshold {
				if hadSpeech {
					silence += chunkMs
					buffer = append(buffer, chunk...)
					if silence >= s.silenceMs {
						flush()
					}
				}
			} else {
				hadSpeech = true
				silence = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					flush()
				}
			}
		}
	}
}

// infer runs whisper.cpp on the buffered PCM using a fresh context and
// returns the concatenated segment text.
func (s *stream) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	// Contexts are not thread-safe, but the shared model is.
	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", s.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if t := strings.TrimSpace(segment.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}

// computeRMS returns the root mean square amplitude of 16-bit LE PCM samples.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(n))
}

// pcmToFloat32 converts 16-bit LE signed mono PCM to normalised float32
// samples as expected by whisper.cpp.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}
