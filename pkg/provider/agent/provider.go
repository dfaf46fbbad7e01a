// Package agent defines the conversational agent abstraction that turns a
// transcribed user utterance into a reply. Implementations wrap a chat model
// and may run local tool handlers before producing the final text.
package agent

import (
	"context"
	"errors"
)

// ErrEmptyReply is returned when the model finishes without producing any text.
var ErrEmptyReply = errors.New("agent: model returned an empty reply")

// Message roles as they appear in chat history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of conversation history.
type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolHandler executes a tool call. args is the raw JSON argument object as
// produced by the model; the returned string is fed back as the tool result.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolDefinition declares a tool the model may call, together with the local
// handler that serves it.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema for the argument object
	Handler     ToolHandler
}

// Request carries everything needed to produce one assistant reply.
type Request struct {
	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// History holds prior turns, oldest first. The final user utterance is
	// passed separately in UserText.
	History []Message

	// UserText is the transcribed utterance for this turn.
	UserText string

	Temperature float64
	MaxTokens   int

	// Tools the model may call during this turn. Handlers run in-process.
	Tools []ToolDefinition
}

// Chunk is one fragment of a streamed reply. A non-nil Err terminates the
// stream; no further chunks follow it.
type Chunk struct {
	Text string
	Err  error
}

// Provider produces a complete assistant reply for one utterance.
type Provider interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// StreamingProvider additionally exposes the reply as it is generated.
// The returned channel is closed when the reply is complete. Cancelling ctx
// abandons the stream.
type StreamingProvider interface {
	Provider

	RespondStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
