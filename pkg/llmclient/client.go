// Package llmclient wraps the Anthropic Messages API behind a channel-of-
// Chunk streaming interface: Generate returns a <-chan Chunk closed on
// stream completion, with stream errors delivered as an ErrorChunk, over a
// direct anthropic-sdk-go streaming call. Generate's error return is used
// only when the request cannot be built.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Conversation message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one turn of the agent loop's append-only history.
type ConversationMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on a tool-result message
	ToolName   string // set on a tool-result message
	IsError    bool   // set on a tool-result message carrying a tool failure
}

// ToolCall is the model's request to invoke one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes one tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// GenerateInput is one turn's request to the model.
type GenerateInput struct {
	System    string
	Messages  []ConversationMessage
	Tools     []ToolDefinition
	Model     anthropic.Model
	MaxTokens int64
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// TextChunk is a fragment of the model's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool, fully assembled
// (the SDK delivers tool input as incremental JSON deltas; Client
// accumulates them before emitting this chunk).
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for one Generate call.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals a provider or transport error.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Client streams Messages API calls as Chunk values.
type Client struct {
	sdk          anthropic.Client
	defaultModel anthropic.Model
}

// New builds a Client against the Anthropic API using the given API key.
func New(apiKey string, defaultModel anthropic.Model) *Client {
	return &Client{
		sdk:          anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

// Generate sends one turn's conversation and returns a stream of chunks.
// The returned channel is closed when the stream completes; a failure
// during the streaming call is delivered as an ErrorChunk, so a consumer
// only needs to range over the channel. A request that cannot be built
// (for example a message with an unsupported role) is returned as an
// error and no channel is created.
func (c *Client) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := buildParams(input, c.defaultModel)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ch := make(chan Chunk, 16)
	stream := c.sdk.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var message anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				ch <- &ErrorChunk{Message: fmt.Sprintf("accumulate event: %s", err)}
				return
			}

			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := delta.Delta.Text; text != "" {
					ch <- &TextChunk{Content: text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- &ErrorChunk{Message: err.Error(), Retryable: isRetryable(err)}
			return
		}

		for _, block := range message.Content {
			if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				ch <- &ToolCallChunk{
					CallID:    tu.ID,
					Name:      tu.Name,
					Arguments: string(tu.Input),
				}
			}
		}

		ch <- &UsageChunk{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		}
	}()

	return ch, nil
}

func buildParams(input *GenerateInput, fallbackModel anthropic.Model) (anthropic.MessageNewParams, error) {
	model := input.Model
	if model == "" {
		model = fallbackModel
	}
	maxTokens := input.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if input.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: input.System}}
	}

	for _, m := range input.Messages {
		msg, err := toSDKMessage(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, msg)
	}

	for _, t := range input.Tools {
		schema, err := toToolSchema(t.InputSchema)
		if err != nil {
			return params, fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}

	return params, nil
}

func toSDKMessage(m ConversationMessage) (anthropic.MessageParam, error) {
	switch m.Role {
	case RoleUser:
		if m.ToolCallID != "" {
			return anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)), nil
		}
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)), nil
	case RoleAssistant:
		blocks := []anthropic.ContentBlockParamUnion{}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var args any
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return anthropic.MessageParam{}, fmt.Errorf("decode tool call %q arguments: %w", tc.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...), nil
	default:
		return anthropic.MessageParam{}, fmt.Errorf("unsupported message role %q", m.Role)
	}
}

func toToolSchema(schema any) (anthropic.ToolInputSchemaParam, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	var decoded struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	return anthropic.ToolInputSchemaParam{
		Properties: decoded.Properties,
	}, nil
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return true
		}
	}
	return false
}
