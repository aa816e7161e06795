// Package capture implements the continuous speech-capture session that
// feeds the practice loop.
//
// A [Session] wraps a capture engine (browser relay or server-side whisper)
// and keeps it listening until the learner stops or falls silent. Engines end
// streams on their own schedule, so the session transparently restarts them
// after a short delay and accumulates transcript text across restarts.
// Transient engine errors (no speech detected, brief network drops) are
// swallowed; fatal ones stop the session and are surfaced via the snapshot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	engine "github.com/davrien/converso/pkg/provider/capture"
)

// Default tuning values.
const (
	// DefaultSilenceTimeout is how long the session waits without any engine
	// event before stopping on its own.
	DefaultSilenceTimeout = 120 * time.Second

	// DefaultRestartDelay is the pause between an engine stream ending and
	// the session starting a fresh one.
	DefaultRestartDelay = 100 * time.Millisecond

	// DefaultMaxRestartAttempts bounds consecutive failed restart attempts
	// before the session gives up.
	DefaultMaxRestartAttempts = 5
)

// Status describes what the session is currently doing.
type Status int

const (
	// StatusIdle means the session has not been started yet.
	StatusIdle Status = iota

	// StatusListening means an engine stream is active (or being restarted).
	StatusListening

	// StatusStopped means the session ended without a fatal error. The
	// accumulated transcript remains readable.
	StatusStopped

	// StatusFailed means a fatal engine error ended the session.
	StatusFailed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StopReason records why a session left the listening state.
type StopReason int

const (
	// ReasonNone means the session has not stopped.
	ReasonNone StopReason = iota

	// ReasonRequested means Stop was called.
	ReasonRequested

	// ReasonSilence means the silence timeout elapsed with no engine events.
	ReasonSilence

	// ReasonError means a fatal engine error stopped the session.
	ReasonError
)

// String returns the human-readable name of the reason.
func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonSilence:
		return "silence"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript holds the text captured so far.
type Transcript struct {
	// Finalized is the concatenation of all fragments the engine marked
	// final, preserved across engine restarts.
	Finalized string

	// Pending is the latest interim hypothesis for the current phrase. It is
	// replaced wholesale by each interim event and discarded on restart.
	Pending string
}

// Combined returns the finalized text followed by any pending hypothesis,
// trimmed of surrounding whitespace.
func (t Transcript) Combined() string {
	return strings.TrimSpace(strings.TrimSpace(t.Finalized) + " " + t.Pending)
}

// Snapshot is a point-in-time copy of the session state, safe to retain.
type Snapshot struct {
	Status     Status
	StopReason StopReason
	Transcript Transcript

	// Restarts counts how many times the engine stream was restarted.
	Restarts int

	// LastError is the most recent fatal error, nil while healthy.
	LastError error
}

// Observer is invoked after every observable state change with a fresh
// snapshot. It is called from the session's own goroutines; implementations
// must not call back into the session synchronously.
type Observer func(Snapshot)

// Option configures a Session.
type Option func(*Session)

// WithSilenceTimeout overrides the silence timeout.
func WithSilenceTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.silenceTimeout = d
	}
}

// WithRestartDelay overrides the delay between engine restarts.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Session) {
		s.restartDelay = d
	}
}

// WithMaxRestartAttempts overrides the consecutive restart-failure budget.
func WithMaxRestartAttempts(n int) Option {
	return func(s *Session) {
		s.maxRestartAttempts = n
	}
}

// WithObserver registers the state-change observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithLanguage sets the recognition language (BCP-47, e.g. "en-US").
func WithLanguage(lang string) Option {
	return func(s *Session) {
		s.streamCfg.Language = lang
	}
}

// Session drives one continuous capture run over a restartable engine.
// It is safe for concurrent use.
type Session struct {
	eng                engine.Engine
	streamCfg          engine.StreamConfig
	silenceTimeout     time.Duration
	restartDelay       time.Duration
	maxRestartAttempts int
	observer           Observer

	mu         sync.Mutex
	status     Status
	reason     StopReason
	finalized  strings.Builder
	pending    string
	restarts   int
	lastError  error
	generation int
	handle     engine.StreamHandle
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSession creates a Session over eng. The session starts idle; call Start
// to begin capturing.
func NewSession(eng engine.Engine, opts ...Option) *Session {
	s := &Session{
		eng: eng,
		streamCfg: engine.StreamConfig{
			Language:       "en-US",
			InterimResults: true,
		},
		silenceTimeout:     DefaultSilenceTimeout,
		restartDelay:       DefaultRestartDelay,
		maxRestartAttempts: DefaultMaxRestartAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins capturing. If the session is already listening, Start is a
// no-op. The finalized transcript is deliberately NOT cleared — pausing and
// resuming within one exercise keeps the accumulated text; call
// ResetTranscript for a clean slate. Any engine start failure is both
// returned and recorded in the snapshot's LastError.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusListening {
		s.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.status = StatusListening
	s.reason = ReasonNone
	s.restarts = 0
	s.generation++
	gen := s.generation
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	handle, err := s.eng.Start(runCtx, s.streamCfg)
	if err != nil {
		cancel()
		err = fmt.Errorf("capture: start engine: %w", err)
		s.mu.Lock()
		s.status = StatusFailed
		s.reason = ReasonError
		s.lastError = err
		s.mu.Unlock()
		close(done)
		s.notify()
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx, gen, handle)
	}()
	s.notify()
	return nil
}

// Stop ends the session gracefully. The accumulated transcript stays
// readable via Snapshot. Stop is a no-op unless the session is listening.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status != StatusListening {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	s.reason = ReasonRequested
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.notify()
}

// ResetTranscript clears the finalized and pending text and any recorded
// error. Whether the session is listening is unaffected.
func (s *Session) ResetTranscript() {
	s.mu.Lock()
	s.finalized.Reset()
	s.pending = ""
	s.lastError = nil
	s.mu.Unlock()
	s.notify()
}

// SendAudio forwards a PCM chunk to the active engine stream. Only relevant
// for server-side engines that consume raw audio; browser-relay engines
// ignore it.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	handle := s.handle
	listening := s.status == StatusListening
	s.mu.Unlock()

	if !listening || handle == nil {
		return fmt.Errorf("capture: session not listening")
	}
	return handle.SendAudio(chunk)
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked builds a Snapshot. Caller holds s.mu.
func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Status:     s.status,
		StopReason: s.reason,
		Transcript: Transcript{
			Finalized: s.finalized.String(),
			Pending:   s.pending,
		},
		Restarts:  s.restarts,
		LastError: s.lastError,
	}
}

// run consumes one engine stream until it ends, errors fatally, or the
// session stops. On a clean engine end it hands off to restart.
func (s *Session) run(ctx context.Context, gen int, handle engine.StreamHandle) {
	defer handle.Close()

	silence := time.NewTimer(s.silenceTimeout)
	defer silence.Stop()

	events := handle.Events()
	errCh := handle.Errors()

	for {
		select {
		case <-ctx.Done():
			return

		case <-silence.C:
			slog.Info("capture session stopping after silence timeout",
				"timeout", s.silenceTimeout)
			s.stop(gen, ReasonSilence, nil)
			return

		case ev, ok := <-events:
			if !ok {
				// Engines report a fatal error and then end the stream, so
				// both channels can become ready in the same select pass. A
				// pending fatal error must win over the restart path.
				if engErr := pendingFatal(errCh); engErr != nil {
					slog.Error("fatal capture engine error",
						"code", engErr.Code,
						"error", engErr.Err)
					s.stop(gen, ReasonError, engErr)
					return
				}
				s.restart(ctx, gen)
				return
			}
			s.applyEvent(ev)
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(s.silenceTimeout)

		case engErr, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if engErr.Transient() {
				slog.Debug("transient capture engine error",
					"code", engErr.Code,
					"error", engErr.Err)
				continue
			}
			slog.Error("fatal capture engine error",
				"code", engErr.Code,
				"error", engErr.Err)
			s.stop(gen, ReasonError, engErr)
			return
		}
	}
}

// pendingFatal drains errCh without blocking and returns the first fatal
// error found, skipping transients. A nil or exhausted channel yields nil.
func pendingFatal(errCh <-chan *engine.EngineError) *engine.EngineError {
	for {
		select {
		case engErr, ok := <-errCh:
			if !ok {
				return nil
			}
			if engErr.Transient() {
				slog.Debug("transient capture engine error",
					"code", engErr.Code,
					"error", engErr.Err)
				continue
			}
			return engErr
		default:
			return nil
		}
	}
}

// restart starts a new engine stream after the restart delay, retrying on
// failure up to the attempt budget. An engine reporting it is already
// running is still winding down the previous stream; that is not a failure
// and does not consume the budget.
func (s *Session) restart(ctx context.Context, gen int) {
	var lastErr error
	for failures := 0; failures < s.maxRestartAttempts; {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}

		s.mu.Lock()
		if s.status != StatusListening || s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.pending = ""
		s.mu.Unlock()

		handle, err := s.eng.Start(ctx, s.streamCfg)
		if err != nil {
			if errors.Is(err, engine.ErrAlreadyRunning) {
				slog.Debug("capture engine still winding down, retrying restart")
				continue
			}
			lastErr = err
			failures++
			slog.Warn("capture engine restart failed",
				"failures", failures,
				"error", err)
			continue
		}

		s.mu.Lock()
		s.handle = handle
		s.restarts++
		s.mu.Unlock()
		s.notify()
		s.run(ctx, gen, handle)
		return
	}

	s.stop(gen, ReasonError, fmt.Errorf("capture: restart engine: %w", lastErr))
}

// applyEvent folds engine fragments into the transcript. Final fragments are
// appended to the finalized text; the interim hypothesis is replaced by the
// non-final fragments of this event.
func (s *Session) applyEvent(ev engine.Event) {
	s.mu.Lock()
	var interim []string
	for _, f := range ev.Fragments {
		if f.IsFinal {
			if text := strings.TrimSpace(f.Text); text != "" {
				if s.finalized.Len() > 0 {
					s.finalized.WriteByte(' ')
				}
				s.finalized.WriteString(text)
			}
		} else if f.Text != "" {
			interim = append(interim, f.Text)
		}
	}
	s.pending = strings.Join(interim, " ")
	s.mu.Unlock()
	s.notify()
}

// stop transitions the session out of the listening state from within the
// run loop. Stale generations are ignored.
func (s *Session) stop(gen int, reason StopReason, err error) {
	s.mu.Lock()
	if s.status != StatusListening || s.generation != gen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.status = StatusFailed
		s.lastError = err
	} else {
		s.status = StatusStopped
	}
	s.reason = reason
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.notify()
}

// notify delivers a snapshot to the observer, if any.
func (s *Session) notify() {
	if s.observer == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.observer(snap)
}
