package txstore

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Project is the root entity of §3: parent of connectors and surveys.
type Project struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description *string   `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// ConnectorKind enumerates the supported connector kinds. GA4 is the only
// member today; the type exists so a second kind never collides silently.
type ConnectorKind string

// ConnectorKindGA4 is the sole supported connector kind (spec.md §3).
const ConnectorKindGA4 ConnectorKind = "ga4"

// Connector is a project's link to an external analytics source (§3).
// Config carries only the non-secret selection fields (selected property
// id/name, see ConnectorConfig). The token values themselves are owned by
// pkg/tokenstore.
type Connector struct {
	ID         string          `db:"id"`
	ProjectID  string          `db:"project_id"`
	Kind       ConnectorKind   `db:"kind"`
	Config     json.RawMessage `db:"config"`
	LastSyncAt *time.Time      `db:"last_sync_at"`
	CreatedAt  time.Time       `db:"created_at"`
}

// ConnectorConfig is the decoded shape of Connector.Config for GA4
// connectors: the selected property and bookkeeping the Sync Coordinator
// needs, separate from the OAuth token material in pkg/tokenstore.
type ConnectorConfig struct {
	PropertyID   string `json:"property_id,omitempty"`
	PropertyName string `json:"property_name,omitempty"`
}

// EmbeddingStatus is the survey comment embedding lifecycle (§3, §4.4).
type EmbeddingStatus string

// Embedding lifecycle states.
const (
	EmbeddingPending    EmbeddingStatus = "pending"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingCompleted  EmbeddingStatus = "completed"
	EmbeddingFailed     EmbeddingStatus = "failed"
	EmbeddingSkipped    EmbeddingStatus = "skipped"
)

// SurveyResponse is one qualitative CSV row plus its embedding state (§3).
type SurveyResponse struct {
	ID                   string           `db:"id"`
	ProjectID            string           `db:"project_id"`
	Date                 *time.Time       `db:"date"`
	Country              *string          `db:"country"`
	URL                  *string          `db:"url"`
	Device               *string          `db:"device"`
	Browser              *string          `db:"browser"`
	OS                   *string          `db:"os"`
	Rating               *int             `db:"rating"`
	Comment              *string          `db:"comment"`
	RawJSON              json.RawMessage  `db:"raw_json"`
	CommentEmbedding     *pgvector.Vector `db:"comment_embedding"`
	EmbeddingStatus      EmbeddingStatus  `db:"embedding_status"`
	EmbeddingGeneratedAt *time.Time       `db:"embedding_generated_at"`
	CreatedAt            time.Time        `db:"created_at"`
}

// FeedbackAnalysis is a cached qualitative-themes result (§3, §4.7).
type FeedbackAnalysis struct {
	ID             string          `db:"id"`
	ProjectID      string          `db:"project_id"`
	CreatedAt      time.Time       `db:"created_at"`
	ResponseCount  int             `db:"response_count"`
	AnalysisJSON   json.RawMessage `db:"analysis_json"`
	NarrativeText  string          `db:"narrative_text"`
	ModelID        string          `db:"model_id"`
	InputTokens    *int            `db:"input_tokens"`
	OutputTokens   *int            `db:"output_tokens"`
	DurationMS     *int            `db:"duration_ms"`
}

// IsFresh implements the §3 freshness predicate: a cached analysis is usable
// iff it is under 24h old AND its captured corpus size matches the current
// corpus size. Pure, side-effect-free, unit-testable in isolation
// (Design Notes §9: "treat as a pure value cache").
func (f *FeedbackAnalysis) IsFresh(now time.Time, currentCorpusSize int) bool {
	return now.Sub(f.CreatedAt) < 24*time.Hour && f.ResponseCount == currentCorpusSize
}

// CROReport is a persisted Conversion-Rate-Optimization audit (§3, §6).
type CROReport struct {
	ID                      string          `db:"id"`
	ProjectID               string          `db:"project_id"`
	ConnectorID             string          `db:"connector_id"`
	CreatedAt               time.Time       `db:"created_at"`
	ExecutiveSummary        string          `db:"executive_summary"`
	FunnelAnalysisJSON      json.RawMessage `db:"funnel_analysis_json"`
	QualitativeInsightsJSON json.RawMessage `db:"qualitative_insights_json"`
	RecommendationsJSON     json.RawMessage `db:"recommendations_json"`
	ModelID                 string          `db:"model_id"`
	InputTokens             int             `db:"input_tokens"`
	OutputTokens            int             `db:"output_tokens"`
	ToolCallsCount          int             `db:"tool_calls_count"`
	DurationMS              int             `db:"duration_ms"`
}
