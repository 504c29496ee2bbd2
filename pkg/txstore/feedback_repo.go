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

// FeedbackRepo persists cached qualitative feedback analyses (§4.7).
type FeedbackRepo struct {
	db *sqlx.DB
}

// NewAnalysis is the insertable shape of a freshly computed analysis.
type NewAnalysis struct {
	ProjectID     string
	ResponseCount int
	AnalysisJSON  json.RawMessage
	NarrativeText string
	ModelID       string
	InputTokens   *int
	OutputTokens  *int
	DurationMS    *int
}

// Create inserts a newly computed feedback analysis.
func (r *FeedbackRepo) Create(ctx context.Context, a NewAnalysis) (*FeedbackAnalysis, error) {
	var row FeedbackAnalysis
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO feedback_analyses
			(project_id, response_count, analysis_json, narrative_text, model_id, input_tokens, output_tokens, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, project_id, created_at, response_count, analysis_json, narrative_text, model_id, input_tokens, output_tokens, duration_ms
	`, a.ProjectID, a.ResponseCount, a.AnalysisJSON, a.NarrativeText, a.ModelID, a.InputTokens, a.OutputTokens, a.DurationMS)
	if err != nil {
		return nil, fmt.Errorf("create feedback analysis: %w", err)
	}
	return &row, nil
}

// Latest returns the most recently computed analysis for a project, used to
// evaluate FeedbackAnalysis.IsFresh before recomputing.
func (r *FeedbackRepo) Latest(ctx context.Context, projectID string) (*FeedbackAnalysis, error) {
	var row FeedbackAnalysis
	err := r.db.GetContext(ctx, &row, `
		SELECT id, project_id, created_at, response_count, analysis_json, narrative_text, model_id, input_tokens, output_tokens, duration_ms
		FROM feedback_analyses
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest feedback analysis: %w", err)
	}
	return &row, nil
}
