package txstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/jmoiron/sqlx"
)

// ReportRepo persists generated CRO reports (§3, §4.8, §6).
type ReportRepo struct {
	db *sqlx.DB
}

// NewReport is the insertable shape of a freshly synthesized report.
type NewReport struct {
	ProjectID               string
	ConnectorID             string
	ExecutiveSummary        string
	FunnelAnalysisJSON      json.RawMessage
	QualitativeInsightsJSON json.RawMessage
	RecommendationsJSON     json.RawMessage
	ModelID                 string
	InputTokens             int
	OutputTokens            int
	ToolCallsCount          int
	DurationMS              int
}

// Create inserts a completed CRO report.
func (r *ReportRepo) Create(ctx context.Context, n NewReport) (*CROReport, error) {
	var row CROReport
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO cro_reports
			(project_id, connector_id, executive_summary, funnel_analysis_json, qualitative_insights_json,
			 recommendations_json, model_id, input_tokens, output_tokens, tool_calls_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, project_id, connector_id, created_at, executive_summary, funnel_analysis_json,
		          qualitative_insights_json, recommendations_json, model_id, input_tokens, output_tokens,
		          tool_calls_count, duration_ms
	`, n.ProjectID, n.ConnectorID, n.ExecutiveSummary, n.FunnelAnalysisJSON, n.QualitativeInsightsJSON,
		n.RecommendationsJSON, n.ModelID, n.InputTokens, n.OutputTokens, n.ToolCallsCount, n.DurationMS)
	if err != nil {
		return nil, fmt.Errorf("create cro report: %w", err)
	}
	return &row, nil
}

// Get fetches a single report scoped to its project.
func (r *ReportRepo) Get(ctx context.Context, projectID, id string) (*CROReport, error) {
	var row CROReport
	err := r.db.GetContext(ctx, &row, `
		SELECT id, project_id, connector_id, created_at, executive_summary, funnel_analysis_json,
		       qualitative_insights_json, recommendations_json, model_id, input_tokens, output_tokens,
		       tool_calls_count, duration_ms
		FROM cro_reports WHERE id = $1 AND project_id = $2
	`, id, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cro report: %w", err)
	}
	return &row, nil
}

// List returns every report for a project, newest first.
func (r *ReportRepo) List(ctx context.Context, projectID string) ([]CROReport, error) {
	var rows []CROReport
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, project_id, connector_id, created_at, executive_summary, funnel_analysis_json,
		       qualitative_insights_json, recommendations_json, model_id, input_tokens, output_tokens,
		       tool_calls_count, duration_ms
		FROM cro_reports WHERE project_id = $1 ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list cro reports: %w", err)
	}
	return rows, nil
}
