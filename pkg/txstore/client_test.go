package txstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient spins up a disposable Postgres container with the pgvector
// extension pre-installed, runs the embedded migrations, and returns a
// wired Client (same pattern as pkg/database/client_test.go).
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := NewClient(ctx, DefaultConfig(connStr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestClient_HealthAndMigrations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	status, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
}

func TestProjectRepo_CreateGetListUpdateDelete(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	desc := "landing page experiments"
	p, err := client.Projects.Create(ctx, "Acme", &desc)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	got, err := client.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	all, err := client.Projects.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	updated, err := client.Projects.Update(ctx, p.ID, "Acme Corp", &desc)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", updated.Name)

	require.NoError(t, client.Projects.Delete(ctx, p.ID))
	_, err = client.Projects.Get(ctx, p.ID)
	assert.ErrorIs(t, err, svcerr.ErrNotFound)
}

func TestConnectorRepo_UniquePerProjectAndKind(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	p, err := client.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)

	_, err = client.Connectors.Create(ctx, p.ID, ConnectorKindGA4, ConnectorConfig{PropertyID: "properties/1"})
	require.NoError(t, err)

	_, err = client.Connectors.Create(ctx, p.ID, ConnectorKindGA4, ConnectorConfig{PropertyID: "properties/2"})
	assert.Error(t, err)
}

func TestSurveyRepo_BulkInsertAndClaim(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	p, err := client.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)

	comment := "checkout was confusing"
	empty := ""
	n, err := client.Surveys.BulkInsert(ctx, p.ID, []NewRow{
		{Comment: &comment, RawJSON: []byte(`{}`)},
		{Comment: &empty, RawJSON: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := client.Surveys.Stats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.EmbeddingPending)
	assert.Equal(t, 1, stats.EmbeddingSkipped)

	claimed, err := client.Surveys.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, EmbeddingProcessing, claimed[0].EmbeddingStatus)

	vec := pgvector.NewVector(make([]float32, 768))
	require.NoError(t, client.Surveys.MarkEmbedded(ctx, claimed[0].ID, vec, time.Now()))

	stats, err = client.Surveys.Stats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EmbeddingCompleted)
}

func TestFeedbackAnalysis_IsFresh(t *testing.T) {
	now := time.Now()
	f := &FeedbackAnalysis{CreatedAt: now.Add(-time.Hour), ResponseCount: 10}
	assert.True(t, f.IsFresh(now, 10))
	assert.False(t, f.IsFresh(now, 11))

	stale := &FeedbackAnalysis{CreatedAt: now.Add(-25 * time.Hour), ResponseCount: 10}
	assert.False(t, stale.IsFresh(now, 10))
}

func TestReportRepo_CreateAndList(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	p, err := client.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)
	c, err := client.Connectors.Create(ctx, p.ID, ConnectorKindGA4, ConnectorConfig{PropertyID: "properties/1"})
	require.NoError(t, err)

	report, err := client.Reports.Create(ctx, NewReport{
		ProjectID:               p.ID,
		ConnectorID:             c.ID,
		ExecutiveSummary:        "Checkout drop-off is the primary leak.",
		FunnelAnalysisJSON:      json.RawMessage(`{}`),
		QualitativeInsightsJSON: json.RawMessage(`{}`),
		RecommendationsJSON:     json.RawMessage(`[]`),
		ModelID:                 "claude-sonnet-4-5",
	})
	require.NoError(t, err)

	list, err := client.Reports.List(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, report.ID, list[0].ID)
}
