package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseEvent writes one Server-Sent Events frame in the shape the Messages
// streaming API emits.
func sseEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &Client{
		sdk:          anthropic.NewClient(option.WithAPIKey("test"), option.WithBaseURL(server.URL)),
		defaultModel: anthropic.ModelClaudeSonnet4_5,
	}
}

func TestClient_GenerateStreamsText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":0}}}`)
		sseEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Conversion dropped 12%."}}`)
		sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		sseEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":8}}`)
		sseEvent(w, "message_stop", `{"type":"message_stop"}`)
	})

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleUser, Content: "summarize the funnel"}},
	})
	require.NoError(t, err)

	var text string
	var usage *UsageChunk
	for chunk := range ch {
		switch c := chunk.(type) {
		case *TextChunk:
			text += c.Content
		case *UsageChunk:
			usage = c
		case *ErrorChunk:
			t.Fatalf("unexpected error chunk: %s", c.Message)
		}
	}

	assert.Equal(t, "Conversion dropped 12%.", text)
	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 8, usage.OutputTokens)
}

func TestClient_GenerateStreamsToolCall(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":20,"output_tokens":0}}}`)
		sseEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"get_funnel_overview","input":{}}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"start_date\":\"2026-07-01\""}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":",\"end_date\":\"2026-07-30\"}"}}`)
		sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		sseEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`)
		sseEvent(w, "message_stop", `{"type":"message_stop"}`)
	})

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleUser, Content: "get the funnel for july"}},
		Tools: []ToolDefinition{{
			Name:        "get_funnel_overview",
			Description: "fetch funnel stages",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"start_date": map[string]any{"type": "string"}, "end_date": map[string]any{"type": "string"}},
				"required":   []string{"start_date", "end_date"},
			},
		}},
	})
	require.NoError(t, err)

	var call *ToolCallChunk
	for chunk := range ch {
		if tc, ok := chunk.(*ToolCallChunk); ok {
			call = tc
		}
		if ec, ok := chunk.(*ErrorChunk); ok {
			t.Fatalf("unexpected error chunk: %s", ec.Message)
		}
	}

	require.NotNil(t, call)
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "get_funnel_overview", call.Name)
	assert.JSONEq(t, `{"start_date":"2026-07-01","end_date":"2026-07-30"}`, call.Arguments)
}

func TestClient_GenerateRejectsUnsupportedRole(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called when message construction fails")
	})

	_, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: "system", Content: "x"}},
	})
	require.Error(t, err)
}
