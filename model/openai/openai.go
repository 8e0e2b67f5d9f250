// Package openai adapts the OpenAI Chat Completions API (streaming +
// function/tool calling) onto the canonical chunk shape. Tool-call argument
// deltas are forwarded as fragments; reconstruction happens downstream in
// the stream aggregator.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/model"
)

// Options configure the OpenAI model adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind the generic
// model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI model using the official client.
func New(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI model from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// GenerateStream implements model.Model, adapting the chunked SSE stream
// into canonical chunks.
func (m *Model) GenerateStream(ctx context.Context, req model.Request) (<-chan chat.StreamingChunk, <-chan error) {
	out := make(chan chat.StreamingChunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := m.buildParams(req)
		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			ck := stream.Current()
			for _, choice := range ck.Choices {
				canon := m.convertChoice(ck, choice)
				if canon == nil {
					continue
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- *canon:
				}
			}
			if ck.Usage.TotalTokens > 0 {
				usage := chat.NewChunk(m.opts.Model)
				usage.Usage = &chat.Usage{
					PromptTokens:     int(ck.Usage.PromptTokens),
					CompletionTokens: int(ck.Usage.CompletionTokens),
					TotalTokens:      int(ck.Usage.TotalTokens),
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- usage:
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- model.NewThirdPartyError("openai", fmt.Errorf("streaming error: %w", err))
		}
	}()
	return out, errCh
}

// convertChoice maps one streamed choice delta onto a canonical chunk.
// Returns nil for empty keep-alive deltas.
func (m *Model) convertChoice(ck openai.ChatCompletionChunk, choice openai.ChatCompletionChunkChoice) *chat.StreamingChunk {
	canon := chat.StreamingChunk{
		ID:      ck.ID,
		Model:   ck.Model,
		Created: ck.Created,
		Role:    chat.RoleAssistant,
	}
	empty := true
	if choice.Delta.Content != "" {
		content := choice.Delta.Content
		canon.Content = &content
		empty = false
	}
	for _, tc := range choice.Delta.ToolCalls {
		canon.ToolCalls = append(canon.ToolCalls, chat.ToolCallFragment{
			Index:     int(tc.Index),
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Provider:  "openai",
		})
		empty = false
	}
	if choice.FinishReason != "" {
		canon.FinishReason = chat.NormalizeFinishReason(choice.FinishReason, true)
		empty = false
	}
	if empty {
		return nil
	}
	return &canon
}

// buildParams assembles the request including message history, tool
// definitions and structured-output mode.
func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	modelName := m.opts.Model
	if req.Model != "" {
		modelName = req.Model
	}
	temperature := m.opts.Temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}
	maxTokens := m.opts.MaxCompletionTokens
	if req.MaxTokens != 0 {
		maxTokens = req.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req.Messages),
		Model:               modelName,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if req.Structured {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tdef := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tdef.Function.Name,
					Description: openai.String(tdef.Function.Description),
					Parameters:  tdef.Function.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	return params
}

// buildMessages converts canonical history into OpenAI chat messages,
// keeping assistant tool-call turns and their tool results adjacent.
func buildMessages(messages []chat.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case chat.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case chat.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
		case chat.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case chat.RoleError:
			// Error content re-enters the conversation as plain user text.
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "openai", SupportsTools: true}
}
