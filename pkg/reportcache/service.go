// Package reportcache is the thin persistence/service layer over
// txstore.ReportRepo: it drives one pkg/agentloop run to completion,
// splits the validated §6 JSON report into ReportRepo's column shape, and
// persists it. "Cache" here names the same pattern as pkg/feedback's
// FeedbackAnalysis cache — a CRO report is an expensive LLM-synthesized
// artifact meant to be read many times after being computed once — even
// though, unlike feedback analyses, a report has no freshness predicate:
// every trigger whose run completes produces a new row, and a failed run
// persists nothing (§4.9 "no result is ever silently discarded").
package reportcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/croanalysis/core/pkg/agentloop"
	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/croanalysis/core/pkg/txstore"
)

// Service synthesizes and persists CRO reports.
type Service struct {
	reports *txstore.ReportRepo
	model   string
}

// New builds a Service.
func New(reports *txstore.ReportRepo, model string) *Service {
	return &Service{reports: reports, model: model}
}

// reportSections is the §6 JSON shape the agent loop produces, decoded
// just far enough to split it into ReportRepo.NewReport's columns.
type reportSections struct {
	ExecutiveSummary    string          `json:"executive_summary"`
	FunnelAnalysis      json.RawMessage `json:"funnel_analysis"`
	QualitativeInsights json.RawMessage `json:"qualitative_insights"`
	Recommendations     json.RawMessage `json:"recommendations"`
}

// Generate runs loop to completion and persists the resulting report. On
// AgentExhausted or a failed run it returns a wrapped svcerr sentinel
// rather than persisting a partial report — a future read of report
// history should never surface half a report.
func (s *Service) Generate(ctx context.Context, loop *agentloop.Loop, projectID, connectorID, userPrompt string) (*txstore.CROReport, error) {
	result, err := loop.Run(ctx, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("agent loop: %w", err)
	}

	switch result.Status {
	case agentloop.StatusCompleted:
		// fall through
	case agentloop.StatusTimedOut:
		return nil, fmt.Errorf("%w: report generation exceeded its wall-clock budget after %s", svcerr.ErrTimeout, result.Duration)
	case agentloop.StatusExhausted:
		return nil, fmt.Errorf("%w: agent exhausted its turn budget without a valid report: %s", svcerr.ErrValidation, result.Err)
	default:
		return nil, fmt.Errorf("%w: agent run failed: %s", svcerr.ErrValidation, result.Err)
	}

	var sections reportSections
	if err := json.Unmarshal(result.Report, &sections); err != nil {
		return nil, fmt.Errorf("%w: decode completed report: %s", svcerr.ErrValidation, err)
	}

	return s.reports.Create(ctx, txstore.NewReport{
		ProjectID:               projectID,
		ConnectorID:             connectorID,
		ExecutiveSummary:        sections.ExecutiveSummary,
		FunnelAnalysisJSON:      sections.FunnelAnalysis,
		QualitativeInsightsJSON: sections.QualitativeInsights,
		RecommendationsJSON:     sections.Recommendations,
		ModelID:                 s.model,
		InputTokens:             result.InputTokens,
		OutputTokens:            result.OutputTokens,
		ToolCallsCount:          result.ToolCalls,
		DurationMS:              int(result.Duration.Milliseconds()),
	})
}

// Get fetches one persisted report.
func (s *Service) Get(ctx context.Context, projectID, id string) (*txstore.CROReport, error) {
	report, err := s.reports.Get(ctx, projectID, id)
	if errors.Is(err, svcerr.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return report, nil
}

// List returns every report generated for a project, newest first.
func (s *Service) List(ctx context.Context, projectID string) ([]txstore.CROReport, error) {
	return s.reports.List(ctx, projectID)
}
