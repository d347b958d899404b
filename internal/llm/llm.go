package llm

import "context"

// Chat roles understood by every provider adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a provider-agnostic chat message.
type Message struct {
	Role    string
	Content string
	// Images are only honoured on user messages.
	Images []Image
}

// Image is an inline binary attachment sent alongside a user message.
type Image struct {
	Data []byte
	MIME string
}

// Request is one completion call against a single model.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Response is the common response model for all provider adapters.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the model provider abstraction used by the orchestrator.
// Implementations must return *Error (or nil) so callers can branch on Kind.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}
