package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
)

// SurveyRepo persists survey_responses rows: CSV ingestion, the embedding
// worker's claim queue, and the semantic search used by pkg/query and
// pkg/agenttools.
type SurveyRepo struct {
	db *sqlx.DB
}

// NewRow is the shape of one parsed CSV row, pre-insert.
type NewRow struct {
	Date    *time.Time
	Country *string
	URL     *string
	Device  *string
	Browser *string
	OS      *string
	Rating  *int
	Comment *string
	RawJSON []byte
}

// BulkInsert inserts a batch of CSV rows inside one transaction. A row whose
// Comment is empty is inserted with embedding_status 'skipped' since there is
// no text to embed (§4.4); every other row starts 'pending'.
func (r *SurveyRepo) BulkInsert(ctx context.Context, projectID string, rows []NewRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO survey_responses
			(project_id, date, country, url, device, browser, os, rating, comment, raw_json, embedding_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		status := EmbeddingPending
		if row.Comment == nil || *row.Comment == "" {
			status = EmbeddingSkipped
		}
		raw := row.RawJSON
		if raw == nil {
			raw = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, projectID, row.Date, row.Country, row.URL, row.Device,
			row.Browser, row.OS, row.Rating, row.Comment, raw, string(status)); err != nil {
			return 0, fmt.Errorf("insert survey row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk insert: %w", err)
	}
	return len(rows), nil
}

// ClaimPendingBatch atomically claims up to limit rows with embedding_status
// 'pending' using FOR UPDATE SKIP LOCKED and stamps them 'processing' before
// committing, so concurrent embedworker instances never double-process a row
// (same claim-by-update pattern as claimNextSession in pkg/queue/worker.go:
// update status to in_progress inside the same transaction as the locking
// SELECT). The caller computes embeddings outside this
// transaction and resolves each row via MarkEmbedded or MarkFailed.
func (r *SurveyRepo) ClaimPendingBatch(ctx context.Context, limit int) ([]SurveyResponse, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var rows []SurveyResponse
	err = tx.SelectContext(ctx, &rows, `
		SELECT id, project_id, date, country, url, device, browser, os, rating, comment,
		       raw_json, comment_embedding, embedding_status, embedding_generated_at, created_at
		FROM survey_responses
		WHERE embedding_status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim batch: %w", err)
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
		row.EmbeddingStatus = EmbeddingProcessing
		rows[i] = row
	}
	query, args, err := sqlx.In(`UPDATE survey_responses SET embedding_status = 'processing' WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build claim update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("mark claimed batch processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	committed = true
	return rows, nil
}

// RequeueStaleProcessing resets rows stuck in 'processing' for longer than
// olderThan back to 'pending' (a worker crashed mid-batch before resolving
// them). Run periodically by the embedworker alongside its normal poll loop.
func (r *SurveyRepo) RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE survey_responses
		SET embedding_status = 'pending'
		WHERE embedding_status = 'processing' AND created_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale processing rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale processing rows: %w", err)
	}
	return n, nil
}

// MarkEmbedded stores a computed embedding and transitions the row to
// 'completed'.
func (r *SurveyRepo) MarkEmbedded(ctx context.Context, id string, embedding pgvector.Vector, generatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE survey_responses
		SET comment_embedding = $2, embedding_status = 'completed', embedding_generated_at = $3
		WHERE id = $1
	`, id, embedding, generatedAt)
	if err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	return nil
}

// MarkFailed transitions a row to 'failed' after an unrecoverable embedding
// error, isolating the failure to this row per §4.4 ("a single failure must
// not abort the batch").
func (r *SurveyRepo) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE survey_responses SET embedding_status = 'failed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Get fetches a single survey response scoped to its project.
func (r *SurveyRepo) Get(ctx context.Context, projectID, id string) (*SurveyResponse, error) {
	var s SurveyResponse
	err := r.db.GetContext(ctx, &s, `
		SELECT id, project_id, date, country, url, device, browser, os, rating, comment,
		       raw_json, comment_embedding, embedding_status, embedding_generated_at, created_at
		FROM survey_responses WHERE id = $1 AND project_id = $2
	`, id, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get survey response: %w", err)
	}
	return &s, nil
}

// ListByPeriod returns every survey response in a project within [from, to],
// backing the get_survey_by_period agent tool and §6 CSV export reads.
func (r *SurveyRepo) ListByPeriod(ctx context.Context, projectID string, from, to time.Time) ([]SurveyResponse, error) {
	var rows []SurveyResponse
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, project_id, date, country, url, device, browser, os, rating, comment,
		       raw_json, comment_embedding, embedding_status, embedding_generated_at, created_at
		FROM survey_responses
		WHERE project_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC
	`, projectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list survey responses by period: %w", err)
	}
	return rows, nil
}

// SearchStats is the aggregate breakdown behind get_survey_stats / §6
// GET .../surveys/stats.
type SearchStats struct {
	Total              int     `db:"total"`
	AverageRating       *float64 `db:"average_rating"`
	EmbeddingPending    int     `db:"embedding_pending"`
	EmbeddingCompleted  int     `db:"embedding_completed"`
	EmbeddingFailed     int     `db:"embedding_failed"`
	EmbeddingSkipped    int     `db:"embedding_skipped"`
}

// Stats computes survey counts and embedding-status breakdown for a project.
func (r *SurveyRepo) Stats(ctx context.Context, projectID string) (*SearchStats, error) {
	var s SearchStats
	err := r.db.GetContext(ctx, &s, `
		SELECT
			count(*) AS total,
			avg(rating) AS average_rating,
			count(*) FILTER (WHERE embedding_status = 'pending') AS embedding_pending,
			count(*) FILTER (WHERE embedding_status = 'completed') AS embedding_completed,
			count(*) FILTER (WHERE embedding_status = 'failed') AS embedding_failed,
			count(*) FILTER (WHERE embedding_status = 'skipped') AS embedding_skipped
		FROM survey_responses WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("survey stats: %w", err)
	}
	return &s, nil
}

// SemanticMatch is one ranked result from SearchComments.
type SemanticMatch struct {
	SurveyResponse
	Distance float64 `db:"distance"`
}

// SearchComments runs a cosine-distance nearest-neighbor search over
// completed embeddings only (§4.6 "semantic comment search"), via the
// pgvector <=> operator against the IVFFlat index created in client.go.
func (r *SurveyRepo) SearchComments(ctx context.Context, projectID string, query pgvector.Vector, limit int) ([]SemanticMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []SemanticMatch
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, project_id, date, country, url, device, browser, os, rating, comment,
		       raw_json, comment_embedding, embedding_status, embedding_generated_at, created_at,
		       comment_embedding <=> $2 AS distance
		FROM survey_responses
		WHERE project_id = $1 AND embedding_status = 'completed'
		ORDER BY comment_embedding <=> $2
		LIMIT $3
	`, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	return rows, nil
}

// CountAll returns the total number of survey responses for a project, used
// by FeedbackAnalysis.IsFresh to detect corpus growth since the last cached
// analysis.
func (r *SurveyRepo) CountAll(ctx context.Context, projectID string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM survey_responses WHERE project_id = $1`, projectID); err != nil {
		return 0, fmt.Errorf("count survey responses: %w", err)
	}
	return n, nil
}

// AllComments returns every non-empty comment for a project, the corpus fed
// to the feedback-themes LLM call (§4.7).
func (r *SurveyRepo) AllComments(ctx context.Context, projectID string) ([]string, error) {
	var comments []string
	err := r.db.SelectContext(ctx, &comments, `
		SELECT comment FROM survey_responses
		WHERE project_id = $1 AND comment IS NOT NULL AND comment != ''
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list all comments: %w", err)
	}
	return comments, nil
}
