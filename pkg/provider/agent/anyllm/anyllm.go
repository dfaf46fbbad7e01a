// Package anyllm implements agent.Provider on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider chat interface.
// It lets the broker run against Anthropic, Gemini, Ollama, Groq and friends
// without a dedicated adapter per vendor.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxbridge/voxbridge/pkg/provider/agent"
)

// maxToolRounds mirrors the bound used by the dedicated OpenAI adapter.
const maxToolRounds = 4

// Provider implements agent.StreamingProvider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ agent.StreamingProvider = (*Provider)(nil)

// New creates a Provider backed by the named vendor.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq". model is the vendor-specific model name.
// Without an API key option the backend falls back to the vendor's usual
// environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", providerName)
	}
}

// Respond implements agent.Provider with the same bounded tool loop as the
// OpenAI adapter.
func (p *Provider) Respond(ctx context.Context, req agent.Request) (string, error) {
	params := p.buildParams(req)
	handlers := handlerIndex(req.Tools)

	for round := 0; ; round++ {
		resp, err := p.backend.Completion(ctx, params)
		if err != nil {
			return "", fmt.Errorf("anyllm: completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("anyllm: empty choices in response")
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			content := msg.ContentString()
			if content == "" {
				return "", agent.ErrEmptyReply
			}
			return content, nil
		}
		if round >= maxToolRounds {
			return "", fmt.Errorf("anyllm: model requested tools after %d rounds", maxToolRounds)
		}

		asst := anyllmlib.Message{
			Role:    anyllmlib.RoleAssistant,
			Content: msg.ContentString(),
		}
		var results []anyllmlib.Message
		for _, tc := range msg.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})

			handler, ok := handlers[tc.Function.Name]
			if !ok {
				return "", fmt.Errorf("anyllm: model requested unknown tool %q", tc.Function.Name)
			}
			result, err := handler(ctx, tc.Function.Arguments)
			if err != nil {
				result = fmt.Sprintf("tool error: %v", err)
			}
			results = append(results, anyllmlib.Message{
				Role:       anyllmlib.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
		params.Messages = append(params.Messages, asst)
		params.Messages = append(params.Messages, results...)
	}
}

// RespondStream implements agent.StreamingProvider. Tool calls are not
// executed on the streaming path; requests that declare tools should use
// Respond. Text deltas are forwarded as they arrive.
func (p *Provider) RespondStream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	if len(req.Tools) > 0 {
		return nil, fmt.Errorf("anyllm: tool calling is not supported on the streaming path")
	}
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan agent.Chunk, 32)
	go func() {
		defer close(ch)

		emitted := false
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			emitted = true
			select {
			case ch <- agent.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			select {
			case ch <- agent.Chunk{Err: fmt.Errorf("anyllm: stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		if !emitted {
			select {
			case ch <- agent.Chunk{Err: agent.ErrEmptyReply}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func handlerIndex(tools []agent.ToolDefinition) map[string]agent.ToolHandler {
	idx := make(map[string]agent.ToolHandler, len(tools))
	for _, td := range tools {
		idx[td.Name] = td.Handler
	}
	return idx
}

// buildParams converts an agent.Request into any-llm CompletionParams.
func (p *Provider) buildParams(req agent.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		messages = append(messages, convertMessage(m))
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.UserText,
	})

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

func convertMessage(m agent.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}
