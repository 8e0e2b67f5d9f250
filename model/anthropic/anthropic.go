// Package anthropic adapts the Anthropic Messages API (streaming + tool
// use) onto the canonical chunk shape. Thinking deltas map to
// reasoning_content; tool input JSON deltas map to tool-call fragments.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/model"
)

// Options configures the Anthropic model adapter (model id, temperature,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic model using the official client.
func New(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewFromClient creates a new Anthropic model from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// GenerateStream implements model.Model, mapping Messages streaming events
// onto canonical chunks.
func (m *Model) GenerateStream(ctx context.Context, req model.Request) (<-chan chat.StreamingChunk, <-chan error) {
	out := make(chan chat.StreamingChunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)
		stream := m.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		emit := func(ck chat.StreamingChunk) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- ck:
				return true
			}
		}

		// Index-keyed open tool blocks; input JSON deltas carry no id, only
		// the block index.
		toolBlocks := map[int]chat.ToolCallFragment{}
		modelName := string(m.opts.Model)

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					idx := int(ev.Index)
					toolBlocks[idx] = chat.ToolCallFragment{
						Index:    idx,
						ID:       tu.ID,
						Name:     tu.Name,
						Provider: "anthropic",
					}
					ck := chat.NewChunk(modelName)
					ck.ToolCalls = []chat.ToolCallFragment{toolBlocks[idx]}
					if !emit(ck) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				idx := int(ev.Index)
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !emit(chat.ContentChunk(modelName, delta.Text)) {
						return
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking == "" {
						continue
					}
					if !emit(chat.ReasoningChunk(modelName, delta.Thinking)) {
						return
					}
				case anthropic.InputJSONDelta:
					if delta.PartialJSON == "" {
						continue
					}
					tb, ok := toolBlocks[idx]
					if !ok {
						continue
					}
					ck := chat.NewChunk(modelName)
					ck.ToolCalls = []chat.ToolCallFragment{{
						Index:     idx,
						ID:        tb.ID,
						Arguments: delta.PartialJSON,
						Provider:  "anthropic",
					}}
					if !emit(ck) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Usage.OutputTokens > 0 {
					ck := chat.NewChunk(modelName)
					ck.Usage = &chat.Usage{
						PromptTokens:     int(ev.Usage.InputTokens),
						CompletionTokens: int(ev.Usage.OutputTokens),
						TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
					}
					if !emit(ck) {
						return
					}
				}
				if ev.Delta.StopReason != "" {
					fin := chat.FinishChunk(modelName,
						chat.NormalizeFinishReason(string(ev.Delta.StopReason), true))
					if !emit(fin) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- model.NewThirdPartyError("anthropic", fmt.Errorf("streaming error: %w", err))
		}
	}()

	return out, errCh
}

// buildParams assembles the Messages request from canonical history.
func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens != 0 {
		maxTokens = req.MaxTokens
	}
	temperature := m.opts.Temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
		Messages:    buildMessages(req.Messages),
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if system := collectSystem(req.Messages); len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tdef := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if params := tdef.Function.Parameters; params != nil {
			if properties, ok := params["properties"]; ok {
				inputSchema.Properties = properties
			}
			switch required := params["required"].(type) {
			case []string:
				inputSchema.Required = required
			case []any:
				for _, r := range required {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, tdef.Function.Name)
	}
	return out
}

// collectSystem gathers system-role content into Anthropic system blocks;
// the Messages API keeps instructions out of the message list.
func collectSystem(messages []chat.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem && msg.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: msg.Content})
		}
	}
	return blocks
}

// buildMessages converts canonical history to Anthropic message params.
// Assistant tool-call turns become tool_use blocks and tool results become
// tool_result blocks inside a user message, per the Messages API contract.
func buildMessages(messages []chat.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser, chat.RoleError:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case chat.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case chat.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}
	return out
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic", SupportsTools: true}
}
