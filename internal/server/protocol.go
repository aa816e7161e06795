package server

import (
	"github.com/davrien/converso/internal/practice"
	"github.com/davrien/converso/internal/pronounce"
	"github.com/davrien/converso/pkg/provider/capture"
)

// Inbound message types. The client sends these over the session WebSocket.
const (
	// MsgHello is the capability handshake, sent once after connecting.
	MsgHello = "hello"

	// MsgCaptureResult relays a browser recognition update.
	MsgCaptureResult = "capture.result"

	// MsgCaptureError relays a browser recognition error.
	MsgCaptureError = "capture.error"

	// MsgCaptureEnd relays that the browser recognition stream ended.
	MsgCaptureEnd = "capture.end"

	// MsgSynthesisStarted / Ended / Error relay browser utterance callbacks.
	MsgSynthesisStarted = "synthesis.started"
	MsgSynthesisEnded   = "synthesis.ended"
	MsgSynthesisError   = "synthesis.error"

	// MsgMicStart and MsgMicStop are the learner pressing and releasing the
	// microphone control.
	MsgMicStart = "mic.start"
	MsgMicStop  = "mic.stop"

	// MsgTextSubmit submits a typed answer instead of a spoken one.
	MsgTextSubmit = "text.submit"

	// MsgTopicChange switches the conversation topic.
	MsgTopicChange = "topic.change"

	// MsgSessionClear resets the session to a fresh default-topic state.
	MsgSessionClear = "session.clear"

	// MsgPronounceAssess requests a pronunciation comparison of the heard
	// transcript against an expected phrase.
	MsgPronounceAssess = "pronounce.assess"
)

// Outbound message types not covered by the wsbridge engine commands
// (capture.start, capture.stop, synthesis.speak, synthesis.cancel).
const (
	// MsgState carries a full controller snapshot after every change.
	MsgState = "state"

	// MsgPronounceResult answers a MsgPronounceAssess request.
	MsgPronounceResult = "pronounce.result"

	// MsgError reports a rejected client request.
	MsgError = "error"
)

// wireFragment is the JSON shape of one relayed recognition fragment.
type wireFragment struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence,omitempty"`
}

// capability flags reported by the client in the hello handshake.
type capabilities struct {
	Capture   bool `json:"capture"`
	Synthesis bool `json:"synthesis"`
}

// inbound is the envelope for all client-to-server messages. Fields are
// populated according to Type; unrelated fields are left zero.
type inbound struct {
	Type string `json:"type"`

	// hello
	Capabilities *capabilities `json:"capabilities,omitempty"`
	LearnerID    string        `json:"learnerId,omitempty"`

	// capture.result
	Fragments []wireFragment `json:"fragments,omitempty"`

	// capture.error / synthesis.error
	Code string `json:"code,omitempty"`

	// text.submit / pronounce.assess (heard text)
	Text string `json:"text,omitempty"`

	// pronounce.assess
	Expected string `json:"expected,omitempty"`

	// topic.change
	TopicID string `json:"topicId,omitempty"`
}

// stateMessage pushes the controller snapshot to the client.
type stateMessage struct {
	Type     string            `json:"type"`
	Snapshot practice.Snapshot `json:"snapshot"`
}

// pronounceMessage answers a pronunciation assessment request.
type pronounceMessage struct {
	Type   string           `json:"type"`
	Result pronounce.Result `json:"result"`
}

// errorMessage reports a rejected request to the client.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// engineFragments converts wire fragments to the capture engine type.
func engineFragments(ws []wireFragment) []capture.Fragment {
	out := make([]capture.Fragment, len(ws))
	for i, f := range ws {
		out[i] = capture.Fragment{Text: f.Text, IsFinal: f.IsFinal, Confidence: f.Confidence}
	}
	return out
}
