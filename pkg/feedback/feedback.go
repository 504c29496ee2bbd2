// Package feedback computes and caches qualitative theme analyses over a
// project's survey comment corpus (§4.7). It is a thin LLM-call service:
// build prompt, call LLM to completion (no tool use, no multi-turn loop —
// one prompt in, one JSON object out), validate, persist. A cached
// analysis is reused whenever FeedbackAnalysis.IsFresh
// holds, sparing a full-corpus LLM call on every "get_feedback_themes" tool
// invocation within a CRO report run.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/croanalysis/core/pkg/llmclient"
	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/croanalysis/core/pkg/txstore"
)

// freshnessWindowHours matches FeedbackAnalysis.IsFresh's 24h cutoff.
const freshnessWindowHours = 24

type generator interface {
	Generate(ctx context.Context, input *llmclient.GenerateInput) (<-chan llmclient.Chunk, error)
}

// Service computes feedback theme analyses on demand and caches them.
type Service struct {
	surveys  *txstore.SurveyRepo
	analyses *txstore.FeedbackRepo
	llm      generator
	model    string
	timeout  time.Duration
}

// Config bounds one analysis call.
type Config struct {
	Model   string
	Timeout time.Duration
}

// New builds a Service.
func New(surveys *txstore.SurveyRepo, analyses *txstore.FeedbackRepo, llm generator, cfg Config) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Service{surveys: surveys, analyses: analyses, llm: llm, model: cfg.Model, timeout: cfg.Timeout}
}

// Themes is the §6-shaped qualitative_insights payload, cached verbatim in
// FeedbackAnalysis.AnalysisJSON.
type Themes struct {
	Overview       string      `json:"overview"`
	ThemesWithData []ThemeItem `json:"themes_with_data"`
}

// ThemeItem is one recurring theme surfaced across the comment corpus.
type ThemeItem struct {
	Theme             string   `json:"theme"`
	Sentiment         string   `json:"sentiment"`
	SupportingQuotes  []string `json:"supporting_quotes"`
	RelatedMetrics    []string `json:"related_metrics"`
}

// Get returns the cached analysis if fresh, otherwise recomputes and
// persists a new one. force bypasses the freshness check.
func (s *Service) Get(ctx context.Context, projectID string, force bool) (*txstore.FeedbackAnalysis, error) {
	corpusSize, err := s.surveys.CountAll(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("count survey corpus: %w", err)
	}
	if corpusSize == 0 {
		return nil, fmt.Errorf("%w: project has no survey responses yet", svcerr.ErrNotFound)
	}

	if !force {
		cached, err := s.analyses.Latest(ctx, projectID)
		switch {
		case err == nil && cached.IsFresh(time.Now(), corpusSize):
			return cached, nil
		case err != nil && !errors.Is(err, svcerr.ErrNotFound):
			return nil, fmt.Errorf("load cached analysis: %w", err)
		}
	}

	return s.recompute(ctx, projectID, corpusSize)
}

func (s *Service) recompute(ctx context.Context, projectID string, corpusSize int) (*txstore.FeedbackAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	comments, err := s.surveys.AllComments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}

	start := time.Now()
	themes, usage, err := s.callLLM(ctx, comments)
	if err != nil {
		return nil, fmt.Errorf("analyze feedback: %w", err)
	}
	duration := int(time.Since(start).Milliseconds())

	analysisJSON, err := json.Marshal(themes)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}

	narrative := narrativeSummary(themes)
	inputTokens, outputTokens := usage.InputTokens, usage.OutputTokens

	return s.analyses.Create(ctx, txstore.NewAnalysis{
		ProjectID:     projectID,
		ResponseCount: corpusSize,
		AnalysisJSON:  analysisJSON,
		NarrativeText: narrative,
		ModelID:       s.model,
		InputTokens:   &inputTokens,
		OutputTokens:  &outputTokens,
		DurationMS:    &duration,
	})
}

func (s *Service) callLLM(ctx context.Context, comments []string) (*Themes, llmclient.UsageChunk, error) {
	prompt := buildPrompt(comments)
	ch, err := s.llm.Generate(ctx, &llmclient.GenerateInput{
		System:   "You are a CRO research analyst. Identify recurring qualitative themes in customer feedback.",
		Messages: []llmclient.ConversationMessage{{Role: llmclient.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, llmclient.UsageChunk{}, err
	}

	var text strings.Builder
	var usage llmclient.UsageChunk
	for chunk := range ch {
		switch c := chunk.(type) {
		case *llmclient.TextChunk:
			text.WriteString(c.Content)
		case *llmclient.UsageChunk:
			usage = *c
		case *llmclient.ErrorChunk:
			return nil, usage, fmt.Errorf("llm: %s", c.Message)
		}
	}

	raw, ok := extractBalancedJSON(text.String())
	if !ok {
		return nil, usage, fmt.Errorf("%w: no JSON object in model response", svcerr.ErrValidation)
	}

	var themes Themes
	if err := json.Unmarshal([]byte(raw), &themes); err != nil {
		return nil, usage, fmt.Errorf("%w: %s", svcerr.ErrValidation, err)
	}
	if themes.Overview == "" || len(themes.ThemesWithData) == 0 {
		return nil, usage, fmt.Errorf("%w: analysis is missing overview or themes", svcerr.ErrValidation)
	}
	return &themes, usage, nil
}

func buildPrompt(comments []string) string {
	var b strings.Builder
	b.WriteString("Analyze the following customer survey comments and identify recurring themes.\n")
	b.WriteString("Respond with a single JSON object: {\"overview\": string, \"themes_with_data\": [{\"theme\": string, \"sentiment\": \"positive\"|\"negative\"|\"mixed\", \"supporting_quotes\": [string], \"related_metrics\": [string]}]}.\n\n")
	b.WriteString("Comments:\n")
	for _, c := range comments {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}

func narrativeSummary(t *Themes) string {
	if len(t.ThemesWithData) == 0 {
		return t.Overview
	}
	names := make([]string, 0, len(t.ThemesWithData))
	for _, item := range t.ThemesWithData {
		names = append(names, item.Theme)
	}
	return fmt.Sprintf("%s Top themes: %s.", t.Overview, strings.Join(names, ", "))
}

// extractBalancedJSON finds the outermost balanced {...} object in text,
// ignoring braces inside quoted strings. Duplicated in pkg/agentloop for
// the same reason (balanced-brace JSON extraction from free-form model
// text) since each package keeps its own small, self-contained LLM-output
// parsing helper rather than sharing a cross-cutting internal package for
// a handful of lines.
func extractBalancedJSON(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
