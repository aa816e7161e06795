// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic
// via any-llm, or a local Ollama instance) and exposes a uniform completion
// interface so the feedback coach never couples to a specific SDK. The coach
// issues exactly three request shapes — topic greeting, conversation
// continuation, and structured utterance scoring — so the interface is
// deliberately narrower than a general agent toolkit: plain completions plus
// an optional structured-output response format, no tool calling.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// ResponseFormat requests structured JSON output conforming to a schema.
// Providers with native structured-output support enforce the schema
// server-side; others append a formatting instruction to the system prompt
// and the caller must still tolerate malformed replies.
type ResponseFormat struct {
	// Name labels the schema (required by some providers).
	Name string

	// Schema is the JSON Schema the response must conform to.
	Schema map[string]any

	// Strict requests provider-side schema enforcement where available.
	Strict bool
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the user role and drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// ResponseFormat, when non-nil, requests structured JSON output.
	ResponseFormat *ResponseFormat
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the provider-specific model identifier in use, for
	// logging and health reporting.
	ModelID() string
}
