// Package types defines the shared types used across all Converso packages.
//
// These types form the lingua franca between the capture session, the feedback
// coach, the turn controller, and the persistence layer. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	// SpeakerAI marks a turn produced by the practice assistant.
	SpeakerAI Speaker = "ai"

	// SpeakerUser marks a turn produced by the learner.
	SpeakerUser Speaker = "user"
)

// Turn is one message-equivalent unit in the visible dialogue. Turns are
// immutable once created and only ever appended; insertion order is both the
// display order and the logical order.
type Turn struct {
	// Speaker attributes the turn to the assistant or the learner.
	Speaker Speaker `json:"speaker"`

	// Text is the turn content. Never mutated after creation.
	Text string `json:"text"`

	// At marks when the turn was appended.
	At time.Time `json:"at"`
}

// Scores holds the three graded dimensions of a learner utterance.
// Each value is an integer in [0, 100].
type Scores struct {
	Fluency    int `json:"fluency"`
	Vocabulary int `json:"vocabulary"`
	Grammar    int `json:"grammar"`
}

// DefaultScores are the scores shown before the learner has completed any
// graded turn. They are an encouraging starting baseline, not a measurement.
func DefaultScores() Scores {
	return Scores{Fluency: 60, Vocabulary: 70, Grammar: 65}
}

// NeutralScores is the midpoint fallback used when grading fails.
func NeutralScores() Scores {
	return Scores{Fluency: 50, Vocabulary: 50, Grammar: 50}
}

// Clamp returns a copy of s with every dimension limited to [0, 100].
func (s Scores) Clamp() Scores {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	return Scores{
		Fluency:    clamp(s.Fluency),
		Vocabulary: clamp(s.Vocabulary),
		Grammar:    clamp(s.Grammar),
	}
}
