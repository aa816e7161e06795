package coach

import "fmt"

// DefaultTopicID is the topic a fresh practice session opens with.
const DefaultTopicID = "daily_life"

// Topic describes one conversational subject the learner can practice.
type Topic struct {
	// ID is the stable topic key.
	ID string `json:"id"`

	// Title is the human-readable topic name.
	Title string `json:"title"`

	// Framing is the system instruction that scopes the tutor to the topic.
	Framing string `json:"-"`

	// Opening is the locally seeded first greeting, spoken without a
	// network call when a session initializes on this topic.
	Opening string `json:"opening"`
}

// topics is the built-in catalogue, in display order.
var topics = []Topic{
	{
		ID:      "daily_life",
		Title:   "Daily Life",
		Framing: "The conversation topic is everyday routines and daily life.",
		Opening: "Hi! I'm your English practice partner. Let's talk about daily life — what does a typical day look like for you?",
	},
	{
		ID:      "travel",
		Title:   "Travel",
		Framing: "The conversation topic is travel, trips, and places to visit.",
		Opening: "Hello! Let's talk about travel. What's the most interesting place you've ever visited?",
	},
	{
		ID:      "food",
		Title:   "Food",
		Framing: "The conversation topic is food, cooking, and eating out.",
		Opening: "Hi there! Let's chat about food. What did you have for your last meal?",
	},
	{
		ID:      "hobbies",
		Title:   "Hobbies",
		Framing: "The conversation topic is hobbies and free-time activities.",
		Opening: "Hey! Let's talk about hobbies. What do you like to do in your free time?",
	},
	{
		ID:      "work",
		Title:   "Work",
		Framing: "The conversation topic is work, jobs, and careers.",
		Opening: "Hello! Let's talk about work. What do you do, or what would you like to do someday?",
	},
	{
		ID:      "movies",
		Title:   "Movies",
		Framing: "The conversation topic is movies, series, and entertainment.",
		Opening: "Hi! Let's talk about movies. Have you watched anything good recently?",
	},
}

// Topics returns the catalogue in display order. The caller must not mutate
// the returned slice.
func Topics() []Topic {
	return topics
}

// RegisterTopics adds configured topics to the catalogue. A topic whose ID
// matches an existing entry replaces it; a topic without framing gets a
// generic one derived from its title. Call during startup, before any
// session exists.
func RegisterTopics(extra ...Topic) {
	for _, t := range extra {
		if t.Framing == "" {
			t.Framing = fmt.Sprintf("The conversation topic is %q.", t.Title)
		}
		replaced := false
		for i, existing := range topics {
			if existing.ID == t.ID {
				topics[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			topics = append(topics, t)
		}
	}
}

// TopicByID looks up a topic by key. Unknown IDs fall back to a generic
// framing so a stale client can never wedge a session.
func TopicByID(id string) Topic {
	for _, t := range topics {
		if t.ID == id {
			return t
		}
	}
	return Topic{
		ID:      id,
		Title:   id,
		Framing: fmt.Sprintf("The conversation topic is %q.", id),
		Opening: "Hi! I'm your English practice partner. What would you like to talk about?",
	}
}
