// Package agentloop drives the ReAct-style CRO report synthesis loop
// (§4.9): an append-only conversation, bounded turns, native tool_use
// dispatch through pkg/agenttools, and a final balanced-JSON extraction
// pass once the model stops calling tools. The turn/failure bookkeeping
// and forced-conclusion path follow pkg/agent.IterationState and
// pkg/agent/controller.ReActController's shape — generalized from
// text-based ReAct parsing to native tool_use blocks, since pkg/llmclient
// exposes the Anthropic SDK's structured tool calling rather than a
// text-convention backend.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/croanalysis/core/pkg/agenttools"
	"github.com/croanalysis/core/pkg/llmclient"
	"golang.org/x/sync/errgroup"
)

// MaxConsecutiveFailures aborts the loop early instead of burning through
// every remaining turn on a provider that is clearly unavailable.
const MaxConsecutiveFailures = 2

// Config bounds one agent run (§5 timeouts).
type Config struct {
	MaxTurns         int
	TurnTimeout      time.Duration
	TotalTimeout     time.Duration
	Model            string
	SystemPrompt     string
}

func (c Config) withDefaults() Config {
	if c.MaxTurns == 0 {
		c.MaxTurns = 15
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 120 * time.Second
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = 300 * time.Second
	}
	return c
}

// Status is the terminal outcome of a Run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Result is what the report-generation endpoint persists and returns.
type Result struct {
	Status       Status
	Report       json.RawMessage // nil unless Status == StatusCompleted
	PartialText  string          // last assistant text, set when Status != StatusCompleted
	TurnsUsed    int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Err          error
}

// state mirrors IterationState's shape: turn/failure bookkeeping shared
// across the main loop and the forced-conclusion path.
type state struct {
	turn                int
	maxTurns            int
	lastTurnFailed      bool
	lastErrorMessage    string
	consecutiveFailures int
}

func (s *state) shouldAbort() bool { return s.consecutiveFailures >= MaxConsecutiveFailures }

func (s *state) recordSuccess() {
	s.lastTurnFailed = false
	s.lastErrorMessage = ""
	s.consecutiveFailures = 0
}

func (s *state) recordFailure(msg string) {
	s.lastTurnFailed = true
	s.lastErrorMessage = msg
	s.consecutiveFailures++
}

// generator is the subset of *llmclient.Client the loop depends on, in the
// same small-interface shape as pkg/agent.LLMClient, so tests can
// substitute a fake without a live Anthropic endpoint.
type generator interface {
	Generate(ctx context.Context, input *llmclient.GenerateInput) (<-chan llmclient.Chunk, error)
}

// Loop runs the bounded tool-use conversation for one report request.
type Loop struct {
	llm     generator
	tools   *agenttools.Surface
	catalog []agenttools.Definition
	cfg     Config
}

// New builds a Loop bound to one agent run's tool surface.
func New(llm generator, tools *agenttools.Surface, catalog []agenttools.Definition, cfg Config) *Loop {
	return &Loop{llm: llm, tools: tools, catalog: catalog, cfg: cfg.withDefaults()}
}

func (l *Loop) toolDefinitions() []llmclient.ToolDefinition {
	defs := make([]llmclient.ToolDefinition, 0, len(l.catalog))
	for _, d := range l.catalog {
		defs = append(defs, llmclient.ToolDefinition{Name: string(d.Name), Description: d.Description, InputSchema: d.InputSchema})
	}
	return defs
}

// Run drives the loop to completion, exhaustion, or failure. Its error
// return is always nil: LLM and tool failures are reported via
// Result.Status, and so is cancellation or expiry of ctx (StatusTimedOut).
func (l *Loop) Run(ctx context.Context, userPrompt string) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, l.cfg.TotalTimeout)
	defer cancel()

	st := &state{maxTurns: l.cfg.MaxTurns}
	messages := []llmclient.ConversationMessage{{Role: llmclient.RoleUser, Content: userPrompt}}

	result := func(status Status, report json.RawMessage, partial string, usage [2]int) *Result {
		return &Result{
			Status: status, Report: report, PartialText: partial,
			TurnsUsed: st.turn, InputTokens: usage[0], OutputTokens: usage[1],
			Duration: time.Since(start),
		}
	}

	var totalIn, totalOut, toolCallsCount int

	for st.turn = 1; st.turn <= st.maxTurns; st.turn++ {
		if st.shouldAbort() {
			r := result(StatusFailed, nil, "", [2]int{totalIn, totalOut})
			r.ToolCalls = toolCallsCount
			r.Err = fmt.Errorf("aborted after %d consecutive failed turns: %s", st.consecutiveFailures, st.lastErrorMessage)
			return r, nil
		}

		turnCtx, turnCancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
		text, calls, usage, err := l.callOnce(turnCtx, messages)
		turnCancel()

		if err != nil {
			if ctx.Err() != nil {
				r := result(StatusTimedOut, nil, text, [2]int{totalIn, totalOut})
				r.ToolCalls = toolCallsCount
				r.Err = ctx.Err()
				return r, nil
			}
			st.recordFailure(err.Error())
			messages = append(messages, llmclient.ConversationMessage{Role: llmclient.RoleUser, Content: fmt.Sprintf("Your previous turn failed: %s. Please try again.", err)})
			continue
		}
		st.recordSuccess()
		totalIn += usage.InputTokens
		totalOut += usage.OutputTokens

		assistantMsg := llmclient.ConversationMessage{Role: llmclient.RoleAssistant, Content: text}
		for _, c := range calls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, llmclient.ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
		}
		messages = append(messages, assistantMsg)

		if len(calls) > 0 {
			toolCallsCount += len(calls)
			toolCtx, toolCancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
			toolResults, execErr := l.executeTools(toolCtx, calls)
			toolCancel()
			if execErr != nil {
				r := result(StatusFailed, nil, text, [2]int{totalIn, totalOut})
				r.ToolCalls = toolCallsCount
				r.Err = execErr
				return r, nil
			}
			messages = append(messages, toolResults...)
			continue
		}

		report, ok := extractBalancedJSON(text)
		if !ok {
			messages = append(messages, llmclient.ConversationMessage{
				Role:    llmclient.RoleUser,
				Content: "Your response must either call a tool or produce the final report as a single JSON object. No JSON object was found in your last message — please continue.",
			})
			continue
		}
		if err := ValidateReport(report); err != nil {
			messages = append(messages, llmclient.ConversationMessage{
				Role:    llmclient.RoleUser,
				Content: fmt.Sprintf("Your JSON report failed validation: %s. Please correct it and respond again with the full corrected JSON object.", err),
			})
			continue
		}

		r := result(StatusCompleted, json.RawMessage(report), "", [2]int{totalIn, totalOut})
		r.ToolCalls = toolCallsCount
		return r, nil
	}

	return l.forceConclusion(ctx, messages, st, totalIn, totalOut, toolCallsCount, start)
}

// callOnce runs one streaming Generate call to completion and collects its
// text, tool calls (in emission order) and usage.
func (l *Loop) callOnce(ctx context.Context, messages []llmclient.ConversationMessage) (string, []*llmclient.ToolCallChunk, llmclient.UsageChunk, error) {
	ch, err := l.llm.Generate(ctx, &llmclient.GenerateInput{
		System:   l.cfg.SystemPrompt,
		Messages: messages,
		Tools:    l.toolDefinitions(),
	})
	if err != nil {
		return "", nil, llmclient.UsageChunk{}, err
	}

	var text strings.Builder
	var calls []*llmclient.ToolCallChunk
	var usage llmclient.UsageChunk
	for chunk := range ch {
		switch c := chunk.(type) {
		case *llmclient.TextChunk:
			text.WriteString(c.Content)
		case *llmclient.ToolCallChunk:
			calls = append(calls, c)
		case *llmclient.UsageChunk:
			usage = *c
		case *llmclient.ErrorChunk:
			return text.String(), calls, usage, fmt.Errorf("llm: %s", c.Message)
		}
	}
	return text.String(), calls, usage, nil
}

// executeTools runs every tool_use block from one turn concurrently — all
// 8 tools are read-only (§4.8) so there is no ordering hazard between
// them — then appends their tool_result messages in emission order, which
// the Messages API requires to match the tool_use block order.
func (l *Loop) executeTools(ctx context.Context, calls []*llmclient.ToolCallChunk) ([]llmclient.ConversationMessage, error) {
	results := make([]agenttools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = l.tools.Execute(gctx, agenttools.ToolName(call.Name), json.RawMessage(call.Arguments))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]llmclient.ConversationMessage, len(calls))
	for i, call := range calls {
		messages[i] = llmclient.ConversationMessage{
			Role:       llmclient.RoleUser,
			ToolCallID: call.CallID,
			ToolName:   call.Name,
			Content:    formatToolResult(results[i]),
			IsError:    results[i].Error != "",
		}
	}
	return messages, nil
}

func formatToolResult(r agenttools.Result) string {
	if r.Error != "" {
		payload, _ := json.Marshal(map[string]string{"error": r.Error, "kind": string(r.Kind)})
		return string(payload)
	}
	payload, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to encode tool result: %s"}`, err)
	}
	return string(payload)
}

// forceConclusion is the turn-exhaustion path: one additional call
// demanding a final answer now, rather than silently truncating.
func (l *Loop) forceConclusion(ctx context.Context, messages []llmclient.ConversationMessage, st *state, totalIn, totalOut, toolCalls int, start time.Time) (*Result, error) {
	if st.lastTurnFailed {
		return &Result{
			Status: StatusFailed, TurnsUsed: st.turn, ToolCalls: toolCalls,
			InputTokens: totalIn, OutputTokens: totalOut, Duration: time.Since(start),
			Err: fmt.Errorf("max turns (%d) reached with last turn failed: %s", st.maxTurns, st.lastErrorMessage),
		}, nil
	}

	messages = append(messages, llmclient.ConversationMessage{
		Role:    llmclient.RoleUser,
		Content: "You have reached the turn limit. Do not call any more tools. Respond now with the final CRO report as a single JSON object using only what you have already gathered.",
	})

	turnCtx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()
	text, _, usage, err := l.callOnce(turnCtx, messages)
	totalIn += usage.InputTokens
	totalOut += usage.OutputTokens

	base := &Result{TurnsUsed: st.turn, ToolCalls: toolCalls, InputTokens: totalIn, OutputTokens: totalOut, Duration: time.Since(start)}
	if err != nil {
		base.Status = StatusExhausted
		base.Err = fmt.Errorf("forced conclusion call failed: %w", err)
		return base, nil
	}

	report, ok := extractBalancedJSON(text)
	if !ok {
		base.Status = StatusExhausted
		base.PartialText = text
		base.Err = fmt.Errorf("forced conclusion produced no extractable JSON report")
		return base, nil
	}
	if err := ValidateReport(report); err != nil {
		base.Status = StatusExhausted
		base.PartialText = text
		base.Err = fmt.Errorf("forced conclusion report failed validation: %w", err)
		return base, nil
	}

	base.Status = StatusCompleted
	base.Report = json.RawMessage(report)
	return base, nil
}
