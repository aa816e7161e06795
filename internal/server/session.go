package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/davrien/converso/internal/capture"
	"github.com/davrien/converso/internal/playback"
	"github.com/davrien/converso/internal/practice"
	capwb "github.com/davrien/converso/pkg/provider/capture/wsbridge"
	"github.com/davrien/converso/pkg/provider/synthesis"
	synthwb "github.com/davrien/converso/pkg/provider/synthesis/wsbridge"
)

// session owns one learner's WebSocket connection and the practice loop
// behind it. Speech runs either through the browser's engines, bridged by
// wsbridge engines fed from relayed messages, or through server-side engines
// that consume binary audio frames and stream synthesised audio back.
// Everything above the engine layer is identical either way.
type session struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	// capEngine and synEngine are non-nil only when the browser bridge is in
	// use; server-side engines need no relayed callbacks.
	capEngine *capwb.Engine
	synEngine *synthwb.Engine

	capSession *capture.Session
	ctrl       *practice.Controller

	writeMu sync.Mutex

	mu        sync.Mutex
	learnerID string
	capturing bool
}

// newSession wires the per-connection stack: speech engines, capture
// session, playback player, and the turn controller. Engines default to the
// browser bridge; server-side engines configured on the Server take
// precedence.
func newSession(srv *Server, conn *websocket.Conn) (*session, error) {
	s := &session{
		srv:  srv,
		conn: conn,
		log:  slog.Default().With("component", "session"),
	}

	capEng := srv.deps.Capture
	if capEng == nil {
		s.capEngine = capwb.New(captureSender{s})
		capEng = s.capEngine
	}

	var synEng synthesis.Engine
	if srv.deps.SynthesisFactory != nil {
		eng, err := srv.deps.SynthesisFactory(audioSink{s})
		if err != nil {
			return nil, fmt.Errorf("server: build synthesis engine: %w", err)
		}
		synEng = eng
	} else {
		s.synEngine = synthwb.New(synthesisSender{s})
		synEng = s.synEngine
	}

	capOpts := []capture.Option{}
	if lang := srv.cfg.Practice.Language; lang != "" {
		capOpts = append(capOpts, capture.WithLanguage(lang))
	}
	if d := srv.cfg.Practice.SilenceTimeout; d > 0 {
		capOpts = append(capOpts, capture.WithSilenceTimeout(d))
	}
	// The capture observer relays live transcript updates to the client and
	// feeds the restart counter. It runs after the controller is wired; the
	// engine cannot produce events before then.
	var restarts int
	var restartMu sync.Mutex
	capOpts = append(capOpts, capture.WithObserver(func(snap capture.Snapshot) {
		if m := srv.deps.Metrics; m != nil {
			restartMu.Lock()
			grew := snap.Restarts > restarts
			restarts = snap.Restarts
			restartMu.Unlock()
			if grew {
				m.RecordCaptureRestart(context.Background())
			}
		}
		if s.ctrl != nil {
			s.pushState(s.ctrl.Snapshot())
		}
	}))
	s.capSession = capture.NewSession(capEng, capOpts...)

	playOpts := []playback.Option{}
	if lang := srv.cfg.Practice.Language; lang != "" {
		playOpts = append(playOpts, playback.WithLanguage(lang))
	}
	if rate := srv.settingsSpeechRate(); rate > 0 {
		playOpts = append(playOpts, playback.WithRate(rate))
	}
	if voice := srv.settingsVoice(); voice != "" {
		playOpts = append(playOpts, playback.WithVoice(voice))
	}
	if m := srv.deps.Metrics; m != nil {
		playOpts = append(playOpts, playback.WithSpeakObserver(func(seconds float64) {
			m.SynthesisDuration.Record(context.Background(), seconds)
		}))
	}
	player := playback.NewPlayer(synEng, playOpts...)

	ctrlOpts := []practice.Option{
		practice.WithObserver(s.pushState),
	}
	if topic := srv.cfg.Practice.DefaultTopic; topic != "" {
		ctrlOpts = append(ctrlOpts, practice.WithDefaultTopic(topic))
	}
	s.ctrl = practice.NewController(s.capSession, player, srv.deps.Coach, srv.deps.Credentials, ctrlOpts...)

	return s, nil
}

// captureSender and synthesisSender adapt the session's write path to the two
// wsbridge Sender contracts, which share a method name but not a command
// type.
type captureSender struct{ s *session }

func (c captureSender) SendCommand(ctx context.Context, cmd capwb.Command) error {
	return c.s.send(ctx, cmd)
}

type synthesisSender struct{ s *session }

func (c synthesisSender) SendCommand(ctx context.Context, cmd synthwb.Command) error {
	return c.s.send(ctx, cmd)
}

// audioSink forwards server-rendered speech to the client as binary frames.
type audioSink struct{ s *session }

func (a audioSink) WriteAudio(ctx context.Context, pcm []byte) error {
	a.s.writeMu.Lock()
	defer a.s.writeMu.Unlock()
	return a.s.conn.Write(ctx, websocket.MessageBinary, pcm)
}

// run drives the session until the connection closes or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	if m := s.srv.deps.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
		defer func() {
			m.ActiveSessions.Add(ctx, -1)
			s.mu.Lock()
			capturing := s.capturing
			s.capturing = false
			s.mu.Unlock()
			if capturing {
				m.CapturingSessions.Add(ctx, -1)
			}
		}()
	}

	if err := s.ctrl.Initialize(ctx); err != nil {
		s.log.ErrorContext(ctx, "session initialise failed", "err", err)
		return
	}
	s.pushState(s.ctrl.Snapshot())

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				s.log.DebugContext(ctx, "session closed", "status", status)
			} else {
				s.log.WarnContext(ctx, "session read error", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			// Microphone audio for a server-side capture engine.
			if err := s.capSession.SendAudio(data); err != nil {
				s.log.DebugContext(ctx, "audio chunk dropped", "err", err)
			}
			continue
		}
		s.dispatch(ctx, data)
	}
}

// dispatch handles a single inbound message.
func (s *session) dispatch(ctx context.Context, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(ctx, "malformed message")
		return
	}

	switch msg.Type {
	case MsgHello:
		s.handleHello(msg)

	// Relay events only mean something when the matching browser bridge is
	// active; with server-side engines they are stale client chatter.
	case MsgCaptureResult:
		if s.capEngine != nil {
			s.capEngine.DeliverResult(engineFragments(msg.Fragments))
		}
	case MsgCaptureError:
		if s.capEngine != nil {
			s.capEngine.DeliverError(msg.Code)
		}
	case MsgCaptureEnd:
		if s.capEngine != nil {
			s.capEngine.DeliverEnd()
		}

	case MsgSynthesisStarted:
		if s.synEngine != nil {
			s.synEngine.DeliverStarted()
		}
	case MsgSynthesisEnded:
		if s.synEngine != nil {
			s.synEngine.DeliverEnded()
		}
	case MsgSynthesisError:
		if s.synEngine != nil {
			s.synEngine.DeliverError(msg.Code)
		}

	// Turn-advancing actions run off the read loop: they block on spoken
	// playback, which resolves through relayed callbacks this loop must keep
	// reading. The controller rejects overlapping actions itself.
	case MsgMicStart:
		if err := s.ctrl.StartCapture(ctx); err != nil {
			s.rejected(ctx, "mic.start", err)
		}
	case MsgMicStop:
		go s.completeTurn(ctx, "voice", func() error { return s.ctrl.StopCapture(ctx) })
	case MsgTextSubmit:
		go s.completeTurn(ctx, "text", func() error { return s.ctrl.SubmitText(ctx, msg.Text) })

	case MsgTopicChange:
		go func() {
			if err := s.ctrl.ChangeTopic(ctx, msg.TopicID); err != nil {
				s.rejected(ctx, "topic.change", err)
			}
		}()
	case MsgSessionClear:
		go func() {
			if err := s.ctrl.Clear(ctx); err != nil {
				s.rejected(ctx, "session.clear", err)
			}
		}()

	case MsgPronounceAssess:
		result := s.srv.assessor.Assess(msg.Expected, msg.Text)
		if err := s.send(ctx, pronounceMessage{Type: MsgPronounceResult, Result: result}); err != nil {
			s.log.WarnContext(ctx, "send pronounce result", "err", err)
		}

	default:
		s.sendError(ctx, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleHello applies the client's capability handshake.
func (s *session) handleHello(msg inbound) {
	if caps := msg.Capabilities; caps != nil {
		if s.capEngine != nil && !caps.Capture {
			s.capEngine.SetUnsupported()
		}
		if s.synEngine != nil && !caps.Synthesis {
			s.synEngine.SetUnsupported()
		}
	}
	s.mu.Lock()
	s.learnerID = strings.TrimSpace(msg.LearnerID)
	s.mu.Unlock()
}

// completeTurn runs a turn-finishing controller call and records turn
// metrics and history on success. Empty-transcript turns complete without a
// grade; those are detected by the history length not growing.
func (s *session) completeTurn(ctx context.Context, input string, fn func() error) {
	before := len(s.ctrl.Snapshot().History)
	start := time.Now()

	if err := fn(); err != nil {
		s.rejected(ctx, input+" turn", err)
		return
	}

	snap := s.ctrl.Snapshot()
	if len(snap.History) <= before {
		return // turn abandoned, nothing was graded
	}

	if m := s.srv.deps.Metrics; m != nil {
		m.TurnDuration.Record(ctx, time.Since(start).Seconds())
		m.RecordTurnCompleted(ctx, snap.TopicID, input)
		if snap.HasServiceError {
			m.RecordServiceFallback(ctx, "turn")
		}
	}

	s.recordHistory(ctx, snap)
}

// recordHistory persists the graded turn when a history store and learner ID
// are available. Failures are logged, never surfaced to the learner.
func (s *session) recordHistory(ctx context.Context, snap practice.Snapshot) {
	store := s.srv.deps.History
	if store == nil || snap.HasServiceError {
		return
	}
	s.mu.Lock()
	learner := s.learnerID
	s.mu.Unlock()
	if learner == "" {
		return
	}

	// runTurn appends the learner's utterance, the written feedback, and the
	// next question in that order.
	n := len(snap.History)
	if n < 3 {
		return
	}
	utterance := snap.History[n-3].Text
	feedback := snap.History[n-2].Text

	if err := store.RecordTurn(ctx, learner, snap.TopicID, utterance, feedback, snap.Scores); err != nil {
		s.log.WarnContext(ctx, "record graded turn", "err", err)
	}
}

// pushState sends the controller snapshot to the client. Used both as the
// controller observer and for the initial state push. Capturing-state edges
// feed the capturing-sessions gauge.
func (s *session) pushState(snap practice.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m := s.srv.deps.Metrics; m != nil {
		now := snap.State == practice.StateCapturing
		s.mu.Lock()
		was := s.capturing
		s.capturing = now
		s.mu.Unlock()
		if now != was {
			if now {
				m.CapturingSessions.Add(ctx, 1)
			} else {
				m.CapturingSessions.Add(ctx, -1)
			}
		}
	}

	if err := s.send(ctx, stateMessage{Type: MsgState, Snapshot: snap}); err != nil {
		s.log.Debug("push state failed", "err", err)
	}
}

// rejected reports a controller rejection back to the client. Busy and
// invalid-state rejections are expected during normal double-click style
// interaction, so they log at debug.
func (s *session) rejected(ctx context.Context, action string, err error) {
	if errors.Is(err, practice.ErrBusy) || errors.Is(err, practice.ErrInvalidState) {
		s.log.DebugContext(ctx, "action rejected", "action", action, "err", err)
	} else {
		s.log.WarnContext(ctx, "action failed", "action", action, "err", err)
	}
	s.sendError(ctx, action+": "+err.Error())
}

func (s *session) sendError(ctx context.Context, message string) {
	if err := s.send(ctx, errorMessage{Type: MsgError, Message: message}); err != nil {
		s.log.Debug("send error message failed", "err", err)
	}
}

// send marshals v and writes it as a single text frame. A mutex serialises
// writers: engine commands, state pushes, and dispatch replies all share the
// connection.
func (s *session) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
