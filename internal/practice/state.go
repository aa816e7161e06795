package practice

import "github.com/davrien/converso/pkg/types"

// State identifies where the turn-taking loop currently is.
type State int

const (
	// StateIdle means the controller has not been initialized.
	StateIdle State = iota

	// StateTopicLoading means a topic switch or initialization is in flight.
	StateTopicLoading

	// StateAwaitingUserTurn means the loop is waiting for the learner to
	// speak or type.
	StateAwaitingUserTurn

	// StateCapturing means the speech session is recording the learner.
	StateCapturing

	// StateScoring means the learner's utterance is being graded and the
	// next question fetched.
	StateScoring

	// StateSpeaking means the tutor's next question is being voiced.
	StateSpeaking

	// StateBlocked means the service credential is missing. Terminal for the
	// session until the credential is stored and the controller cleared.
	StateBlocked
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTopicLoading:
		return "topic_loading"
	case StateAwaitingUserTurn:
		return "awaiting_user_turn"
	case StateCapturing:
		return "capturing"
	case StateScoring:
		return "scoring"
	case StateSpeaking:
		return "speaking"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// NoticeKind classifies a user-visible notice.
type NoticeKind int

const (
	// NoticeNone means no notice is active.
	NoticeNone NoticeKind = iota

	// NoticeInfo is a transient informational notice (e.g. nothing heard).
	NoticeInfo

	// NoticeServiceError flags a degraded remote call. The conversation
	// keeps moving; the notice tells the learner why a reply looks canned.
	NoticeServiceError

	// NoticeCaptureError flags a failed or unavailable speech capture.
	// Typed input still works.
	NoticeCaptureError

	// NoticeBlocked is the persistent actionable notice shown while the
	// service credential is missing.
	NoticeBlocked
)

// String returns the human-readable name of the notice kind.
func (k NoticeKind) String() string {
	switch k {
	case NoticeNone:
		return "none"
	case NoticeInfo:
		return "info"
	case NoticeServiceError:
		return "service_error"
	case NoticeCaptureError:
		return "capture_error"
	case NoticeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Notice is a user-visible message raised by the controller.
type Notice struct {
	Kind NoticeKind `json:"kind"`
	Text string     `json:"text"`
}

// Snapshot is a point-in-time copy of the controller state, safe to retain
// and serialize for the UI.
type Snapshot struct {
	// State is the current position in the turn-taking loop.
	State State `json:"state"`

	// TopicID is the active conversation topic.
	TopicID string `json:"topicId"`

	// History is the visible dialogue, oldest first.
	History []types.Turn `json:"history"`

	// Scores reflect the learner's latest graded utterance. They persist
	// across topic changes.
	Scores types.Scores `json:"scores"`

	// Transcript is the live capture transcript (finalized plus pending).
	Transcript string `json:"transcript"`

	// Processing is true while a turn is being scored; the UI disables the
	// mic and submit controls to prevent overlapping turns.
	Processing bool `json:"processing"`

	// Speaking is true while the tutor's question is being voiced.
	Speaking bool `json:"speaking"`

	// HasServiceError is true when the most recent remote call degraded to
	// its fallback value.
	HasServiceError bool `json:"hasServiceError"`

	// Notice is the active user-visible notice, if any.
	Notice Notice `json:"notice"`
}
