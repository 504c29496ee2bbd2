package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/croanalysis/core/pkg/agenttools"
	"github.com/croanalysis/core/pkg/llmclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTurn struct {
	chunks []llmclient.Chunk
}

// fakeGenerator replays a scripted sequence of turns, one per Generate call.
type fakeGenerator struct {
	turns     []fakeTurn
	callCount int
}

func (f *fakeGenerator) Generate(_ context.Context, _ *llmclient.GenerateInput) (<-chan llmclient.Chunk, error) {
	if f.callCount >= len(f.turns) {
		panic("fakeGenerator: ran out of scripted turns")
	}
	turn := f.turns[f.callCount]
	f.callCount++

	ch := make(chan llmclient.Chunk, len(turn.chunks))
	for _, c := range turn.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

const validReportJSON = `{"executive_summary":"Conversion is down.","funnel_analysis":{"overview":"Most users drop at checkout.","critical_drop_offs":[{"stage":"checkout","drop_rate":0.4,"severity":"high","correlated_feedback":["too many steps"]}]},"qualitative_insights":{"overview":"Users find checkout confusing.","themes_with_data":[{"theme":"checkout friction","sentiment":"negative","supporting_quotes":["too many steps"],"related_metrics":["checkout_drop_rate"]}]},"recommendations":[{"title":"Simplify checkout","priority":"high","category":"ux","description":"Reduce steps.","supporting_evidence":["checkout drop-off"],"expected_impact":"higher conversion"}]}`

func TestLoop_CompletesOnFirstTurnWithValidReport(t *testing.T) {
	llm := &fakeGenerator{turns: []fakeTurn{
		{chunks: []llmclient.Chunk{
			&llmclient.TextChunk{Content: "Here is the report:\n" + validReportJSON},
			&llmclient.UsageChunk{InputTokens: 100, OutputTokens: 200},
		}},
	}}

	loop := New(llm, agenttools.New(nil, nil, "", "proj1", "conn1"), nil, Config{})
	result, err := loop.Run(context.Background(), "Generate the CRO report.")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.TurnsUsed)
	assert.Equal(t, 100, result.InputTokens)
	assert.Equal(t, 200, result.OutputTokens)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(result.Report, &decoded))
	assert.Equal(t, "Conversion is down.", decoded["executive_summary"])
}

func TestLoop_RetriesOnSchemaViolationThenSucceeds(t *testing.T) {
	llm := &fakeGenerator{turns: []fakeTurn{
		{chunks: []llmclient.Chunk{
			&llmclient.TextChunk{Content: `{"executive_summary":""}`},
			&llmclient.UsageChunk{InputTokens: 10, OutputTokens: 10},
		}},
		{chunks: []llmclient.Chunk{
			&llmclient.TextChunk{Content: validReportJSON},
			&llmclient.UsageChunk{InputTokens: 10, OutputTokens: 10},
		}},
	}}

	loop := New(llm, agenttools.New(nil, nil, "", "proj1", "conn1"), nil, Config{})
	result, err := loop.Run(context.Background(), "Generate the CRO report.")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.TurnsUsed)
	assert.Equal(t, 2, llm.callCount)
}

func TestLoop_ExhaustsAfterMaxTurnsAndForcesConclusion(t *testing.T) {
	turns := make([]fakeTurn, 0, 4)
	for i := 0; i < 3; i++ {
		turns = append(turns, fakeTurn{chunks: []llmclient.Chunk{
			&llmclient.TextChunk{Content: "still thinking, no json here"},
			&llmclient.UsageChunk{InputTokens: 5, OutputTokens: 5},
		}})
	}
	turns = append(turns, fakeTurn{chunks: []llmclient.Chunk{
		&llmclient.TextChunk{Content: validReportJSON},
		&llmclient.UsageChunk{InputTokens: 5, OutputTokens: 5},
	}})

	llm := &fakeGenerator{turns: turns}
	loop := New(llm, agenttools.New(nil, nil, "", "proj1", "conn1"), nil, Config{MaxTurns: 3})
	result, err := loop.Run(context.Background(), "Generate the CRO report.")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 4, llm.callCount) // 3 regular turns + 1 forced conclusion
}

func TestLoop_ExhaustedWhenForcedConclusionHasNoJSON(t *testing.T) {
	turns := []fakeTurn{
		{chunks: []llmclient.Chunk{&llmclient.TextChunk{Content: "no json"}, &llmclient.UsageChunk{}}},
		{chunks: []llmclient.Chunk{&llmclient.TextChunk{Content: "still nothing"}, &llmclient.UsageChunk{}}},
	}
	llm := &fakeGenerator{turns: turns}
	loop := New(llm, agenttools.New(nil, nil, "", "proj1", "conn1"), nil, Config{MaxTurns: 1})
	result, err := loop.Run(context.Background(), "Generate the CRO report.")
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, result.Status)
	assert.Error(t, result.Err)
}

func TestExtractBalancedJSON_IgnoresBracesInsideStrings(t *testing.T) {
	text := `prose before {"a": "has a } brace inside", "b": {"nested": 1}} prose after`
	got, ok := extractBalancedJSON(text)
	require.True(t, ok)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, "has a } brace inside", decoded["a"])
}

func TestExtractBalancedJSON_NoObjectReturnsFalse(t *testing.T) {
	_, ok := extractBalancedJSON("no object here at all")
	assert.False(t, ok)
}

func TestValidateReport_RejectsMissingRecommendations(t *testing.T) {
	err := ValidateReport(`{"executive_summary":"x","funnel_analysis":{},"qualitative_insights":{},"recommendations":[]}`)
	require.Error(t, err)
}
