// Package agenttools is the Agent Tool Surface (§4.8): exactly 8 typed
// functions bridging the LLM's tool-use blocks to the Analytical Query
// Layer and Transactional Store. Every tool returns a structured
// {error, kind} result (error holds the detail message) rather than a Go
// error: the caller never
// sees a transport-level failure, only a JSON payload the LLM can read
// and self-correct against.
package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/query"
	"github.com/croanalysis/core/pkg/txstore"
)

// ToolName enumerates the closed set of 8 tools (§9 "closed... tagged
// dispatch over an enumerated set").
type ToolName string

// The 8 agent tools, per §4.8.
const (
	ToolGetFunnelOverview   ToolName = "get_funnel_overview"
	ToolComparePeriods      ToolName = "compare_periods"
	ToolGetPagePaths        ToolName = "get_page_paths"
	ToolGetDropOffPoints    ToolName = "get_drop_off_points"
	ToolSearchSurveyComments ToolName = "search_survey_comments"
	ToolGetSurveyByPeriod   ToolName = "get_survey_by_period"
	ToolGetSurveyStats      ToolName = "get_survey_stats"
	ToolGetFeedbackThemes   ToolName = "get_feedback_themes"
)

// All lists every tool name, in the order they appear in §4.8, for prompt
// construction and schema listing.
func All() []ToolName {
	return []ToolName{
		ToolGetFunnelOverview, ToolComparePeriods, ToolGetPagePaths, ToolGetDropOffPoints,
		ToolSearchSurveyComments, ToolGetSurveyByPeriod, ToolGetSurveyStats, ToolGetFeedbackThemes,
	}
}

// Definition is one tool's name, description and JSON Schema for the LLM's
// tool catalog. Generated by hand from the same Go structs used to decode
// arguments below, rather than from a JSON Schema reflection library — no
// such library exists anywhere in the retrieved pack (DESIGN.md).
type Definition struct {
	Name        ToolName `json:"name"`
	Description string   `json:"description"`
	InputSchema any      `json:"input_schema"`
}

// Catalog builds the tool definitions handed to the LLM each turn (§4.8).
// Schemas are written by hand against the same argument structs decode[T]
// unmarshals below, rather than generated via reflection — no JSON Schema
// reflection library exists anywhere in the retrieved pack (DESIGN.md).
func Catalog() []Definition {
	dateRangeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"start_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
			"end_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
			"dimension":  map[string]any{"type": "string", "enum": []string{"all", "country", "browser", "device_category", "operating_system"}},
		},
		"required": []string{"start_date", "end_date"},
	}
	return []Definition{
		{
			Name:        ToolGetFunnelOverview,
			Description: "Return per-stage user and event counts for the default funnel over a date range, optionally broken down by a dimension.",
			InputSchema: dateRangeSchema,
		},
		{
			Name:        ToolComparePeriods,
			Description: "Compare funnel stage metrics between a current and a prior period, returning absolute and relative deltas per stage.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"current_start_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"current_end_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"prior_start_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"prior_end_date":     map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"dimension":          map[string]any{"type": "string", "enum": []string{"all", "country", "browser", "device_category", "operating_system"}},
				},
				"required": []string{"current_start_date", "current_end_date", "prior_start_date", "prior_end_date"},
			},
		},
		{
			Name:        ToolGetPagePaths,
			Description: "Return the top page paths by traffic over a date range.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"end_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"limit":      map[string]any{"type": "integer"},
				},
				"required": []string{"start_date", "end_date"},
			},
		},
		{
			Name:        ToolGetDropOffPoints,
			Description: "Return the funnel stages with the largest user drop-off over a date range, optionally broken down by a dimension.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"end_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"dimension":  map[string]any{"type": "string", "enum": []string{"all", "country", "browser", "device_category", "operating_system"}},
					"limit":      map[string]any{"type": "integer"},
				},
				"required": []string{"start_date", "end_date"},
			},
		},
		{
			Name:        ToolSearchSurveyComments,
			Description: "Semantically search survey comments for a query string, returning the most similar comments.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolGetSurveyByPeriod,
			Description: "Return every survey response received within a date range.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"end_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				},
				"required": []string{"start_date", "end_date"},
			},
		},
		{
			Name:        ToolGetSurveyStats,
			Description: "Return aggregate survey corpus statistics: total responses, rating distribution, embedding coverage.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        ToolGetFeedbackThemes,
			Description: "Return the cached qualitative theme analysis over the survey comment corpus, if one has been computed.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// ErrorKind classifies a tool failure for the {error, kind} result.
type ErrorKind string

const (
	ErrorKindBadArguments ErrorKind = "bad_arguments"
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindInternal     ErrorKind = "internal"
)

// Result is the structured outcome of one tool call; exactly one of Data
// or Error is set.
type Result struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  ErrorKind `json:"kind,omitempty"`
}

func errResult(kind ErrorKind, format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...), Kind: kind}
}

// Surface dispatches tool calls by name against the query layer and
// survey/feedback repositories scoped to one project+connector pair.
type Surface struct {
	layer     *query.Layer
	feedback  *txstore.FeedbackRepo
	basePath  string
	projectID string
	connectorID string
}

// New builds a Surface bound to a single project's report-generation run.
func New(layer *query.Layer, feedback *txstore.FeedbackRepo, basePath, projectID, connectorID string) *Surface {
	return &Surface{layer: layer, feedback: feedback, basePath: basePath, projectID: projectID, connectorID: connectorID}
}

// Execute dispatches one tool call by name, never returning a Go error —
// any failure is encoded into the returned Result.
func (s *Surface) Execute(ctx context.Context, name ToolName, rawArgs json.RawMessage) Result {
	for _, def := range Catalog() {
		required, _ := def.InputSchema.(map[string]any)["required"].([]string)
		if def.Name != name || len(required) == 0 {
			continue
		}
		var present map[string]json.RawMessage
		if err := json.Unmarshal(rawArgs, &present); err != nil {
			return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
		}
		for _, field := range required {
			if _, ok := present[field]; !ok {
				return errResult(ErrorKindBadArguments, "missing required argument %q", field)
			}
		}
	}
	switch name {
	case ToolGetFunnelOverview:
		return s.getFunnelOverview(ctx, rawArgs)
	case ToolComparePeriods:
		return s.comparePeriods(ctx, rawArgs)
	case ToolGetPagePaths:
		return s.getPagePaths(ctx, rawArgs)
	case ToolGetDropOffPoints:
		return s.getDropOffPoints(ctx, rawArgs)
	case ToolSearchSurveyComments:
		return s.searchSurveyComments(ctx, rawArgs)
	case ToolGetSurveyByPeriod:
		return s.getSurveyByPeriod(ctx, rawArgs)
	case ToolGetSurveyStats:
		return s.getSurveyStats(ctx)
	case ToolGetFeedbackThemes:
		return s.getFeedbackThemes(ctx)
	default:
		return errResult(ErrorKindBadArguments, "unknown tool %q", name)
	}
}

// dateRangeArgs is shared by every tool taking a (start_date, end_date,
// dimension) triple (§4.6).
type dateRangeArgs struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Dimension string `json:"dimension,omitempty"`
}

func parseDimension(raw string) (columnar.Dimension, error) {
	switch columnar.Dimension(raw) {
	case "", columnar.DimensionAll:
		return columnar.DimensionAll, nil
	case columnar.DimensionCountry, columnar.DimensionBrowser, columnar.DimensionDeviceCategory, columnar.DimensionOS:
		return columnar.Dimension(raw), nil
	default:
		return "", fmt.Errorf("unknown dimension %q", raw)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

func (s *Surface) getFunnelOverview(ctx context.Context, raw json.RawMessage) Result {
	args, err := decode[dateRangeArgs](raw)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
	}
	dim, err := parseDimension(args.Dimension)
	if err != nil {
		return errResult(ErrorKindBadArguments, "%s", err)
	}
	rows, err := s.layer.FunnelOverview(ctx, s.basePath, s.projectID, s.connectorID, args.StartDate, args.EndDate, nil, dim)
	if err != nil {
		return errResult(ErrorKindInternal, "funnel query failed: %s", err)
	}
	return Result{Data: rows}
}

type comparePeriodsArgs struct {
	CurrentStart string `json:"current_start_date"`
	CurrentEnd   string `json:"current_end_date"`
	PriorStart   string `json:"prior_start_date"`
	PriorEnd     string `json:"prior_end_date"`
	Dimension    string `json:"dimension,omitempty"`
}

func (s *Surface) comparePeriods(ctx context.Context, raw json.RawMessage) Result {
	args, err := decode[comparePeriodsArgs](raw)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
	}
	dim, err := parseDimension(args.Dimension)
	if err != nil {
		return errResult(ErrorKindBadArguments, "%s", err)
	}
	deltas, err := s.layer.ComparePeriods(ctx, s.basePath, s.projectID, s.connectorID,
		args.CurrentStart, args.CurrentEnd, args.PriorStart, args.PriorEnd, nil, dim)
	if err != nil {
		return errResult(ErrorKindInternal, "period comparison failed: %s", err)
	}
	return Result{Data: deltas}
}

type pagePathsArgs struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Dimension string `json:"dimension,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Surface) getPagePaths(ctx context.Context, raw json.RawMessage) Result {
	args, err := decode[pagePathsArgs](raw)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
	}
	rows, err := s.layer.PagePaths(ctx, s.basePath, s.projectID, s.connectorID, args.StartDate, args.EndDate, args.Limit)
	if err != nil {
		return errResult(ErrorKindInternal, "page paths query failed: %s", err)
	}
	return Result{Data: rows}
}

type dropOffArgs struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Dimension string `json:"dimension,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Surface) getDropOffPoints(ctx context.Context, raw json.RawMessage) Result {
	args, err := decode[dropOffArgs](raw)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
	}
	dim, err := parseDimension(args.Dimension)
	if err != nil {
		return errResult(ErrorKindBadArguments, "%s", err)
	}
	rows, err := s.layer.DropOffPoints(ctx, s.basePath, s.projectID, s.connectorID, args.StartDate, args.EndDate, nil, dim, args.Limit)
	if err != nil {
		return errResult(ErrorKindInternal, "drop-off query failed: %s", err)
	}
	return Result{Data: rows}
}

type searchCommentsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Surface) searchSurveyComments(ctx context.Context, raw json.RawMessage) Result {
	args, err := decode[searchCommentsArgs](raw)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
	}
	if args.Query == "" {
		return errResult(ErrorKindBadArguments, "query must not be empty")
	}
	matches, err := s.layer.SearchComments(ctx, s.projectID, args.Query, args.Limit)
	if err != nil {
		return errResult(ErrorKindInternal, "comment search failed: %s", err)
	}
	return Result{Data: matches}
}

type surveyByPeriodArgs struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Surface) getSurveyByPeriod(ctx context.Context, raw json.RawMessage) Result {
	args, err := decode[surveyByPeriodArgs](raw)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid arguments: %s", err)
	}
	from, err := time.Parse("2006-01-02", args.StartDate)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid start_date: %s", err)
	}
	to, err := time.Parse("2006-01-02", args.EndDate)
	if err != nil {
		return errResult(ErrorKindBadArguments, "invalid end_date: %s", err)
	}
	rows, err := s.layer.SurveysInRange(ctx, s.projectID, from, to)
	if err != nil {
		return errResult(ErrorKindInternal, "survey lookup failed: %s", err)
	}
	return Result{Data: rows}
}

func (s *Surface) getSurveyStats(ctx context.Context) Result {
	stats, err := s.layer.SurveyStats(ctx, s.projectID)
	if err != nil {
		return errResult(ErrorKindInternal, "survey stats failed: %s", err)
	}
	return Result{Data: stats}
}

func (s *Surface) getFeedbackThemes(ctx context.Context) Result {
	analysis, err := s.feedback.Latest(ctx, s.projectID)
	if err != nil {
		return errResult(ErrorKindNotFound, "no feedback analysis available yet: %s", err)
	}
	return Result{Data: analysis}
}
