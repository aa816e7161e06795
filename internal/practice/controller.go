// Package practice implements the conversation turn-taking controller.
//
// The [Controller] is the orchestrator of one practice session: it sequences
// capture → transcript finalize → scoring → history append → next-question
// fetch → playback, and exposes the loop to the transport layer as a small
// set of imperative actions plus a reactive [Snapshot]. Every transition is
// total — the coach and the engines resolve their failures to fallback
// values at their own boundaries, so the controller never handles a remote
// exception and can never get stuck between states.
package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davrien/converso/internal/capture"
	"github.com/davrien/converso/internal/coach"
	"github.com/davrien/converso/internal/playback"
	"github.com/davrien/converso/pkg/types"
)

// ErrBusy is returned when an action arrives while a previous turn is still
// being scored. The UI prevents this by disabling controls while the
// snapshot's Processing flag is set.
var ErrBusy = errors.New("practice: previous turn still processing")

// ErrInvalidState is returned when an action is not legal in the current
// state.
var ErrInvalidState = errors.New("practice: action not allowed in current state")

// Notice texts.
const (
	noticeNothingHeard = "I didn't hear anything — try speaking again, or type your answer instead."
	noticeServiceDown  = "The practice service had a hiccup. Your conversation continues with a stand-in reply."
	noticeNoCredential = "No API key is configured. Add one in settings to start practicing."
	noticeCaptureDown  = "Voice input isn't available right now. You can still type your answers."
	noticePlaybackDown = "Spoken playback isn't available right now. You can keep reading the replies."
)

// CredentialSource supplies the remote-service credential. Its absence is a
// first-class controller state, not an error.
type CredentialSource interface {
	// APIKey returns the stored credential and whether one is present.
	APIKey() (string, bool)
}

// Observer is invoked after every observable state change with a fresh
// snapshot. Called from the controller's goroutines; implementations must
// not call back into the controller synchronously.
type Observer func(Snapshot)

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers the state-change observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// WithDefaultTopic overrides the topic a fresh session opens with.
func WithDefaultTopic(topicID string) Option {
	return func(c *Controller) {
		c.defaultTopic = topicID
	}
}

// Controller owns one practice session. It delegates to exactly one capture
// session, one player, and one coach topic session for its lifetime. Safe
// for concurrent use.
type Controller struct {
	capture      *capture.Session
	player       *playback.Player
	coach        *coach.Client
	creds        CredentialSource
	observer     Observer
	defaultTopic string

	topicSession *coach.TopicSession

	mu         sync.Mutex
	state      State
	history    []types.Turn
	scores     types.Scores
	notice     Notice
	processing bool
	serviceErr bool
}

// NewController wires a Controller from its collaborators. The controller
// starts in the Idle state; call Initialize to begin.
func NewController(cap *capture.Session, player *playback.Player, fc *coach.Client, creds CredentialSource, opts ...Option) *Controller {
	c := &Controller{
		capture:      cap,
		player:       player,
		coach:        fc,
		creds:        creds,
		defaultTopic: coach.DefaultTopicID,
		state:        StateIdle,
		scores:       types.DefaultScores(),
	}
	for _, o := range opts {
		o(c)
	}
	c.topicSession = coach.NewTopicSession(c.defaultTopic)
	return c
}

// Initialize moves the controller from Idle to a ready conversation. When
// the credential is missing it lands in Blocked with a persistent notice and
// performs no remote call. Otherwise it seeds the default topic's opening
// turn locally — the very first greeting never hits the network — and lands
// in AwaitingUserTurn.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: initialize from %s", ErrInvalidState, c.state)
	}
	c.state = StateTopicLoading
	c.mu.Unlock()
	c.notify()

	if _, ok := c.creds.APIKey(); !ok {
		c.mu.Lock()
		c.state = StateBlocked
		c.notice = Notice{Kind: NoticeBlocked, Text: noticeNoCredential}
		c.mu.Unlock()
		c.notify()
		slog.Warn("practice session blocked, missing credential")
		return nil
	}

	topic := coach.TopicByID(c.defaultTopic)
	c.topicSession.Reset(topic.ID)

	c.mu.Lock()
	c.appendTurnLocked(types.SpeakerAI, topic.Opening)
	c.state = StateAwaitingUserTurn
	c.mu.Unlock()
	c.notify()
	return nil
}

// ChangeTopic switches the conversation to topicID: the coach history is
// reseeded, a greeting is fetched (the one remote greeting call), appended,
// and spoken. The transition always completes — a degraded greeting raises a
// notice but still lands in AwaitingUserTurn. Not legal while a turn is
// being scored.
func (c *Controller) ChangeTopic(ctx context.Context, topicID string) error {
	c.mu.Lock()
	if c.state == StateScoring || c.processing {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: change topic before initialize", ErrInvalidState)
	}
	c.mu.Unlock()

	if _, ok := c.creds.APIKey(); !ok {
		c.mu.Lock()
		c.state = StateBlocked
		c.notice = Notice{Kind: NoticeBlocked, Text: noticeNoCredential}
		c.mu.Unlock()
		c.notify()
		return nil
	}

	c.capture.Stop()
	c.player.Stop()

	c.mu.Lock()
	c.state = StateTopicLoading
	c.history = nil
	c.notice = Notice{}
	c.mu.Unlock()
	c.notify()

	c.topicSession.Reset(topicID)
	greeting := c.coach.Greet(ctx, c.topicSession)

	c.mu.Lock()
	c.setServiceErrLocked(coach.IsFailure(greeting))
	c.appendTurnLocked(types.SpeakerAI, greeting)
	c.state = StateSpeaking
	c.mu.Unlock()
	c.notify()

	c.speak(ctx, greeting)

	c.mu.Lock()
	c.state = StateAwaitingUserTurn
	c.mu.Unlock()
	c.notify()
	return nil
}

// StartCapture begins recording the learner's turn. The live transcript is
// reset first so each turn is graded on its own words. A capture engine
// failure raises a notice and returns to AwaitingUserTurn — typed input
// still works.
func (c *Controller) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateAwaitingUserTurn {
		c.mu.Unlock()
		return fmt.Errorf("%w: start capture from %s", ErrInvalidState, c.state)
	}
	c.state = StateCapturing
	c.notice = Notice{}
	c.mu.Unlock()
	c.notify()

	c.capture.ResetTranscript()
	if err := c.capture.Start(ctx); err != nil {
		slog.Warn("capture start failed", "error", err)
		c.mu.Lock()
		c.state = StateAwaitingUserTurn
		c.notice = Notice{Kind: NoticeCaptureError, Text: noticeCaptureDown}
		c.mu.Unlock()
		c.notify()
		return nil
	}
	return nil
}

// StopCapture ends recording and runs the learner's turn. An empty
// transcript abandons the turn: no remote call, no history append, just a
// "didn't hear anything" notice and a return to AwaitingUserTurn.
func (c *Controller) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCapturing {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop capture from %s", ErrInvalidState, c.state)
	}
	c.mu.Unlock()

	c.capture.Stop()
	transcript := strings.TrimSpace(c.capture.Snapshot().Transcript.Combined())

	if transcript == "" {
		c.mu.Lock()
		c.state = StateAwaitingUserTurn
		c.notice = Notice{Kind: NoticeInfo, Text: noticeNothingHeard}
		c.mu.Unlock()
		c.notify()
		return nil
	}

	return c.runTurn(ctx, transcript)
}

// SubmitText runs a typed learner turn, bypassing capture entirely.
func (c *Controller) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.processing || c.state == StateScoring {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.state != StateAwaitingUserTurn && c.state != StateCapturing {
		c.mu.Unlock()
		return fmt.Errorf("%w: submit text from %s", ErrInvalidState, c.state)
	}
	c.mu.Unlock()

	if text == "" {
		c.mu.Lock()
		c.state = StateAwaitingUserTurn
		c.notice = Notice{Kind: NoticeInfo, Text: noticeNothingHeard}
		c.mu.Unlock()
		c.notify()
		return nil
	}

	c.capture.Stop()
	return c.runTurn(ctx, text)
}

// Clear resets the session from any state: capture and playback stop,
// history empties, scores return to their documented defaults, and
// initialization runs again.
func (c *Controller) Clear(ctx context.Context) error {
	c.capture.Stop()
	c.capture.ResetTranscript()
	c.player.Stop()

	c.mu.Lock()
	c.state = StateIdle
	c.history = nil
	c.scores = types.DefaultScores()
	c.notice = Notice{}
	c.processing = false
	c.serviceErr = false
	c.mu.Unlock()
	c.notify()

	return c.Initialize(ctx)
}

// Snapshot returns a copy of the controller state for the UI.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// runTurn executes the scored half of the loop: optimistic user-turn
// append, grading, feedback append, next-question fetch and append, then
// playback of the next question only — the written feedback is displayed
// but never spoken.
func (c *Controller) runTurn(ctx context.Context, utterance string) error {
	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return ErrBusy
	}
	c.processing = true
	c.state = StateScoring
	c.notice = Notice{}
	c.appendTurnLocked(types.SpeakerUser, utterance)
	c.mu.Unlock()
	c.notify()

	result := c.coach.Score(ctx, utterance)
	nextQuestion := c.coach.Continue(ctx, c.topicSession, utterance)

	c.mu.Lock()
	c.scores = result.Scores
	c.setServiceErrLocked(coach.IsFailure(nextQuestion) || result.Scores == types.NeutralScores())
	c.appendTurnLocked(types.SpeakerAI, result.Feedback)
	c.appendTurnLocked(types.SpeakerAI, nextQuestion)
	c.state = StateSpeaking
	c.mu.Unlock()
	c.notify()

	c.speak(ctx, nextQuestion)

	c.mu.Lock()
	c.state = StateAwaitingUserTurn
	c.processing = false
	c.mu.Unlock()
	c.notify()
	return nil
}

// speak voices text and logs rather than propagates playback failures —
// synthesis trouble never affects capture or turn state.
func (c *Controller) speak(ctx context.Context, text string) {
	if err := c.player.Speak(ctx, text); err != nil {
		slog.Warn("playback failed", "error", err)
		c.mu.Lock()
		c.notice = Notice{Kind: NoticeInfo, Text: noticePlaybackDown}
		c.mu.Unlock()
	}
}

// appendTurnLocked adds a visible turn. Caller holds c.mu.
func (c *Controller) appendTurnLocked(speaker types.Speaker, text string) {
	c.history = append(c.history, types.Turn{
		Speaker: speaker,
		Text:    text,
		At:      time.Now(),
	})
}

// setServiceErrLocked updates the degraded-service flag and its notice.
// Caller holds c.mu.
func (c *Controller) setServiceErrLocked(degraded bool) {
	c.serviceErr = degraded
	if degraded {
		c.notice = Notice{Kind: NoticeServiceError, Text: noticeServiceDown}
	}
}

// snapshotLocked builds a Snapshot. Caller holds c.mu.
func (c *Controller) snapshotLocked() Snapshot {
	history := make([]types.Turn, len(c.history))
	copy(history, c.history)
	return Snapshot{
		State:           c.state,
		TopicID:         c.topicSession.TopicID(),
		History:         history,
		Scores:          c.scores,
		Transcript:      c.capture.Snapshot().Transcript.Combined(),
		Processing:      c.processing,
		Speaking:        c.player.IsSpeaking(),
		HasServiceError: c.serviceErr,
		Notice:          c.notice,
	}
}

// notify delivers a snapshot to the observer, if any.
func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.observer(c.Snapshot())
}
