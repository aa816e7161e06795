// Package coach implements the conversational feedback client.
//
// The [Client] wraps an LLM provider behind three narrow operations — topic
// greeting, conversation continuation, and structured utterance scoring —
// and guarantees that none of them ever fails outward. Transport errors,
// tripped circuit breakers, and malformed model replies all resolve to
// defined fallback values: [FailureSentinel] for text operations and the
// all-50 neutral scores for grading. The turn controller only ever sees a
// usable value, which keeps every state-machine transition total.
//
// Conversation history is topic-scoped and lives in an explicit
// [TopicSession] owned by the caller, so resetting a topic is a local
// operation and sessions never share hidden state.
package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davrien/converso/internal/resilience"
	"github.com/davrien/converso/pkg/provider/llm"
	"github.com/davrien/converso/pkg/types"
)

// FailureSentinel is the fixed reply text returned by Greet and Continue when
// the underlying service call fails. Callers detect it with IsFailure to
// raise a notice while the conversation keeps moving.
const FailureSentinel = "Sorry, I couldn't process that right now. Let's keep practicing!"

// neutralFeedback accompanies the all-50 fallback scores when grading fails.
const neutralFeedback = "I couldn't grade that one, but it sounded good — keep going!"

// maxHistoryMessages bounds the rolling history sent to the model: the system
// framing plus the most recent exchanges.
const maxHistoryMessages = 24

// tutorRole is the base system framing shared by every topic.
const tutorRole = "You are a friendly English conversation tutor for language learners. " +
	"Keep replies short (1-3 sentences), encouraging, and end with exactly one question " +
	"that invites the learner to keep talking."

// TopicSession holds the topic-scoped conversation history sent to the
// model. It is owned by the turn controller and passed into the client on
// each call. Safe for concurrent use.
type TopicSession struct {
	mu      sync.Mutex
	topicID string
	history []llm.Message
}

// NewTopicSession creates a session for topicID, seeded with the topic's
// system framing entry.
func NewTopicSession(topicID string) *TopicSession {
	ts := &TopicSession{}
	ts.Reset(topicID)
	return ts
}

// Reset replaces the history with a single framing entry for topicID. No
// network call is made.
func (ts *TopicSession) Reset(topicID string) {
	topic := TopicByID(topicID)
	ts.mu.Lock()
	ts.topicID = topicID
	ts.history = []llm.Message{{
		Role:    llm.RoleSystem,
		Content: tutorRole + " " + topic.Framing,
	}}
	ts.mu.Unlock()
}

// TopicID returns the current topic key.
func (ts *TopicSession) TopicID() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.topicID
}

// History returns a copy of the message history, framing entry first.
func (ts *TopicSession) History() []llm.Message {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]llm.Message, len(ts.history))
	copy(out, ts.history)
	return out
}

// append adds a message, trimming the oldest exchanges beyond the rolling
// window while always keeping the framing entry.
func (ts *TopicSession) append(msg llm.Message) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.history = append(ts.history, msg)
	if len(ts.history) > maxHistoryMessages {
		// history[0] is the framing entry; drop the two oldest turns after it.
		trimmed := ts.history[:1]
		trimmed = append(trimmed, ts.history[len(ts.history)-(maxHistoryMessages-1):]...)
		ts.history = trimmed
	}
}

// ScoreResult is the outcome of grading one learner utterance.
type ScoreResult struct {
	// Feedback is a short corrective comment on the utterance.
	Feedback string `json:"feedback"`

	// Scores holds the three graded dimensions, each in [0, 100].
	Scores types.Scores `json:"scores"`
}

// Option configures a Client.
type Option func(*Client)

// WithTemperature sets the sampling temperature for conversational replies.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithMaxTokens caps the reply length requested from the model.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithBreaker routes service calls through cb so a flapping backend
// short-circuits to the fallbacks instead of timing out every turn.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithCallObserver registers a hook invoked after each service call with the
// operation name ("greet", "continue", "score") and its wall-clock duration.
// Used for instrumentation.
func WithCallObserver(o func(ctx context.Context, op string, seconds float64)) Option {
	return func(c *Client) {
		c.callObserver = o
	}
}

// Client issues the three feedback-service operations. Safe for concurrent
// use, though the turn controller serializes calls per session via its
// processing flag.
type Client struct {
	provider     llm.Provider
	breaker      *resilience.CircuitBreaker
	temperature  float64
	maxTokens    int
	callObserver func(ctx context.Context, op string, seconds float64)
}

// New creates a Client over provider.
func New(provider llm.Provider, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		temperature: 0.7,
		maxTokens:   200,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsFailure reports whether text is the sentinel returned by a failed Greet
// or Continue call.
func IsFailure(text string) bool {
	return text == FailureSentinel
}

// Greet asks the service to open the conversation with a question about the
// session's topic. The synthetic prompt and, on success, the reply are
// appended to the session history. On failure the sentinel text is returned
// instead; Greet never returns an error.
func (c *Client) Greet(ctx context.Context, ts *TopicSession) string {
	topic := TopicByID(ts.TopicID())
	prompt := fmt.Sprintf(
		"Greet me and ask me one simple question about %s to start our practice conversation.",
		topic.Title)
	return c.reply(ctx, "greet", ts, prompt)
}

// Continue appends the learner's utterance to the session history and asks
// the service for the next conversational reply. On failure the sentinel
// text is returned instead; Continue never returns an error.
func (c *Client) Continue(ctx context.Context, ts *TopicSession, userUtterance string) string {
	return c.reply(ctx, "continue", ts, userUtterance)
}

// reply runs one text-returning service call with the shared fallback
// contract. The user prompt is appended before the call (optimistic, like
// the controller's history handling); the assistant reply is appended only
// on success.
func (c *Client) reply(ctx context.Context, op string, ts *TopicSession, userPrompt string) string {
	ts.append(llm.Message{Role: llm.RoleUser, Content: userPrompt})

	out := recoverOp(ctx, c, op, FailureSentinel, func(ctx context.Context) (string, error) {
		resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
			Messages:    ts.History(),
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
		if err != nil {
			return "", err
		}
		reply := strings.TrimSpace(resp.Content)
		if reply == "" {
			return "", fmt.Errorf("coach: empty reply from %s", c.provider.ModelID())
		}
		return reply, nil
	})

	if !out.Degraded {
		ts.append(llm.Message{Role: llm.RoleAssistant, Content: out.Value})
	}
	return out.Value
}

// scoreSchema is the structured-output schema for Score.
var scoreSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"feedback":        map[string]any{"type": "string"},
		"fluencyScore":    map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"vocabularyScore": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"grammarScore":    map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
	},
	"required":             []string{"feedback", "fluencyScore", "vocabularyScore", "grammarScore"},
	"additionalProperties": false,
}

// scorePayload mirrors the JSON shape the model is asked to return.
type scorePayload struct {
	Feedback        string `json:"feedback"`
	FluencyScore    int    `json:"fluencyScore"`
	VocabularyScore int    `json:"vocabularyScore"`
	GrammarScore    int    `json:"grammarScore"`
}

// Score grades one learner utterance on fluency, vocabulary, and grammar.
// It does not touch the session history. On any transport or parse failure
// it returns the neutral all-50 scores with generic feedback; Score never
// returns an error.
func (c *Client) Score(ctx context.Context, userUtterance string) ScoreResult {
	neutral := ScoreResult{Feedback: neutralFeedback, Scores: types.NeutralScores()}

	out := recoverOp(ctx, c, "score", neutral, func(ctx context.Context) (ScoreResult, error) {
		resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "You are an English teacher grading a learner's spoken utterance. " +
				"Give one short, specific piece of feedback and grade fluency, vocabulary, " +
				"and grammar from 0 to 100.",
			Messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("Grade this utterance: %q", userUtterance),
			}},
			MaxTokens: c.maxTokens,
			ResponseFormat: &llm.ResponseFormat{
				Name:   "utterance_grade",
				Schema: scoreSchema,
				Strict: true,
			},
		})
		if err != nil {
			return ScoreResult{}, err
		}
		payload, err := parseScorePayload(resp.Content)
		if err != nil {
			return ScoreResult{}, err
		}
		return ScoreResult{
			Feedback: payload.Feedback,
			Scores: types.Scores{
				Fluency:    payload.FluencyScore,
				Vocabulary: payload.VocabularyScore,
				Grammar:    payload.GrammarScore,
			}.Clamp(),
		}, nil
	})

	return out.Value
}

// recoverOp applies the client's shared fallback policy, through the breaker
// when one is configured.
func recoverOp[T any](ctx context.Context, c *Client, op string, fallback T, fn func(context.Context) (T, error)) resilience.Outcome[T] {
	if c.callObserver != nil {
		started := time.Now()
		defer func() { c.callObserver(ctx, op, time.Since(started).Seconds()) }()
	}
	if c.breaker != nil {
		return resilience.RecoverWithBreaker(ctx, c.breaker, "coach."+op, fallback, fn)
	}
	return resilience.Recover(ctx, "coach."+op, fallback, fn)
}

// parseScorePayload decodes the model's grading reply. Models without native
// structured outputs tend to wrap JSON in markdown fences or surround it
// with prose, so the parser extracts the outermost object before decoding.
func parseScorePayload(content string) (scorePayload, error) {
	raw := strings.TrimSpace(content)
	if start := strings.IndexByte(raw, '{'); start >= 0 {
		if end := strings.LastIndexByte(raw, '}'); end > start {
			raw = raw[start : end+1]
		}
	}

	var payload scorePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return scorePayload{}, fmt.Errorf("coach: parse score payload: %w", err)
	}
	if payload.Feedback == "" {
		payload.Feedback = neutralFeedback
	}
	return payload, nil
}
