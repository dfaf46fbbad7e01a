// Package openai implements agent.Provider on top of the official OpenAI Go
// SDK (github.com/openai/openai-go) using the Chat Completions API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxbridge/voxbridge/pkg/provider/agent"
)

// maxToolRounds bounds how many times a single turn may go back to the model
// after executing tool calls. A model that keeps requesting tools beyond this
// gets cut off with an error rather than looping forever.
const maxToolRounds = 4

// Provider implements agent.StreamingProvider using OpenAI chat completions.
type Provider struct {
	client oai.Client
	model  string
}

var _ agent.StreamingProvider = (*Provider)(nil)

// Option configures the provider.
type Option func(*config)

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// WithBaseURL overrides the API endpoint, e.g. for Azure or a local proxy.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets the HTTP client timeout for API requests.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New creates a Provider for the given API key and model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Respond implements agent.Provider. Tool calls issued by the model are
// executed locally and the results fed back, up to maxToolRounds rounds.
func (p *Provider) Respond(ctx context.Context, req agent.Request) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", fmt.Errorf("openai: build params: %w", err)
	}
	handlers := handlerIndex(req.Tools)

	for round := 0; ; round++ {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("openai: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("openai: empty choices in response")
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) == 0 {
			if choice.Message.Content == "" {
				return "", agent.ErrEmptyReply
			}
			return choice.Message.Content, nil
		}
		if round >= maxToolRounds {
			return "", fmt.Errorf("openai: model requested tools after %d rounds", maxToolRounds)
		}

		var calls []agent.ToolCall
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, agent.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}

		followup, err := runTools(ctx, handlers, choice.Message.Content, calls)
		if err != nil {
			return "", err
		}
		params.Messages = append(params.Messages, followup...)
	}
}

// RespondStream implements agent.StreamingProvider. Text deltas are forwarded
// as they arrive; when the model finishes with tool calls instead of text,
// the tools run and a fresh stream is opened with the results appended.
func (p *Provider) RespondStream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	handlers := handlerIndex(req.Tools)

	ch := make(chan agent.Chunk, 32)
	go func() {
		defer close(ch)

		emitted := false
		for round := 0; ; round++ {
			calls, text, err := p.streamOnce(ctx, params, ch, &emitted)
			if err != nil {
				sendChunk(ctx, ch, agent.Chunk{Err: err})
				return
			}
			if len(calls) == 0 {
				if !emitted {
					sendChunk(ctx, ch, agent.Chunk{Err: agent.ErrEmptyReply})
				}
				return
			}
			if round >= maxToolRounds {
				sendChunk(ctx, ch, agent.Chunk{Err: fmt.Errorf("openai: model requested tools after %d rounds", maxToolRounds)})
				return
			}

			followup, err := runTools(ctx, handlers, text, calls)
			if err != nil {
				sendChunk(ctx, ch, agent.Chunk{Err: err})
				return
			}
			params.Messages = append(params.Messages, followup...)
		}
	}()

	return ch, nil
}

// streamOnce runs a single streaming completion, forwarding text deltas to ch
// and accumulating tool call fragments by index. It returns the accumulated
// tool calls (empty when the model finished with plain text) and any
// assistant text produced alongside them.
func (p *Provider) streamOnce(ctx context.Context, params oai.ChatCompletionNewParams, ch chan<- agent.Chunk, emitted *bool) ([]agent.ToolCall, string, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	toolCallAccum := map[int]*agent.ToolCall{}
	text := ""
	finish := ""

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			text += delta.Content
			*emitted = true
			if !sendChunk(ctx, ch, agent.Chunk{Text: delta.Content}) {
				return nil, "", ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if _, ok := toolCallAccum[idx]; !ok {
				toolCallAccum[idx] = &agent.ToolCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
				}
			}
			existing := toolCallAccum[idx]
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return nil, "", fmt.Errorf("openai: stream: %w", err)
	}

	var calls []agent.ToolCall
	if finish == "tool_calls" || len(toolCallAccum) > 0 {
		for i := 0; i < len(toolCallAccum); i++ {
			if tc, ok := toolCallAccum[i]; ok {
				calls = append(calls, *tc)
			}
		}
	}
	return calls, text, nil
}

// runTools executes each requested tool and returns the assistant message
// echoing the calls plus one tool message per result, ready to append to the
// conversation before the next model round.
func runTools(ctx context.Context, handlers map[string]agent.ToolHandler, assistantText string, calls []agent.ToolCall) ([]oai.ChatCompletionMessageParamUnion, error) {
	asst := oai.ChatCompletionAssistantMessageParam{}
	if assistantText != "" {
		asst.Content.OfString = oai.String(assistantText)
	}
	for _, tc := range calls {
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	out := []oai.ChatCompletionMessageParamUnion{{OfAssistant: &asst}}

	for _, tc := range calls {
		handler, ok := handlers[tc.Name]
		if !ok {
			return nil, fmt.Errorf("openai: model requested unknown tool %q", tc.Name)
		}
		result, err := handler(ctx, tc.Arguments)
		if err != nil {
			// Surface handler failures to the model rather than aborting the
			// turn; it can apologize or retry with different arguments.
			result = fmt.Sprintf("tool error: %v", err)
		}
		out = append(out, oai.ToolMessage(result, tc.ID))
	}
	return out, nil
}

func handlerIndex(tools []agent.ToolDefinition) map[string]agent.ToolHandler {
	idx := make(map[string]agent.ToolHandler, len(tools))
	for _, td := range tools {
		idx[td.Name] = td.Handler
	}
	return idx
}

func sendChunk(ctx context.Context, ch chan<- agent.Chunk, c agent.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildParams converts an agent.Request into OpenAI chat completion params.
func (p *Provider) buildParams(req agent.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}
	messages = append(messages, oai.UserMessage(req.UserText))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

// convertMessage converts an agent.Message to an OpenAI SDK message param.
func convertMessage(m agent.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case agent.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case agent.RoleUser:
		return oai.UserMessage(m.Content), nil

	case agent.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case agent.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
