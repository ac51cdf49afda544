// Package llm defines the Provider interface for language model backends that
// produce the text speakloop reads aloud.
//
// Only streaming text generation matters here: the session speaks each clause
// as soon as the model has produced it, so a provider must deliver text
// incrementally. Tool calling and token accounting are out of scope.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishError is the FinishReason of a chunk that reports a stream failure.
// Its Text carries the error message.
const FinishError = "error"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional instruction sent before the conversation.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int
}

// Chunk is a fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishError]. Empty on intermediate chunks.
	FinishReason string
}

// Provider is the abstraction over any language model backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// chunks as they arrive. The channel is closed when generation finishes or
	// ctx is cancelled. Errors after the stream started are delivered as a
	// chunk with FinishReason [FinishError].
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
