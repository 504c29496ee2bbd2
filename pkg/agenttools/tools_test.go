package agenttools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/embedmodel"
	"github.com/croanalysis/core/pkg/query"
	"github.com/croanalysis/core/pkg/txstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestClient(t *testing.T) *txstore.Client {
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

	client, err := txstore.NewClient(ctx, txstore.DefaultConfig(connStr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func newTestSurface(t *testing.T) (*Surface, *txstore.Client, string, string, string) {
	txClient := newTestClient(t)
	ctx := context.Background()

	project, err := txClient.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)

	basePath := t.TempDir()
	registry := columnar.NewStoreRegistry()
	t.Cleanup(func() { _ = registry.CloseAll() })

	store, err := registry.Open(columnar.PathFor(basePath, project.ID, "conn1"))
	require.NoError(t, err)
	require.NoError(t, store.BulkInsertEvents(ctx, []columnar.EventRow{
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "page_view", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 100},
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "purchase", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 10},
	}))

	layer := query.New(registry, txClient.Surveys, embedmodel.Get())
	surface := New(layer, txClient.Feedback, basePath, project.ID, "conn1")
	return surface, txClient, project.ID, basePath, "conn1"
}

func TestSurface_GetFunnelOverview(t *testing.T) {
	surface, _, _, _, _ := newTestSurface(t)

	result := surface.Execute(context.Background(), ToolGetFunnelOverview, json.RawMessage(`{"start_date":"2026-07-01","end_date":"2026-07-01"}`))
	require.Empty(t, result.Error)
	stages, ok := result.Data.([]columnar.FunnelStageResult)
	require.True(t, ok)
	require.Len(t, stages, 5)
	assert.Equal(t, int64(100), stages[0].TotalUsers)
}

func TestSurface_GetFunnelOverviewBadArguments(t *testing.T) {
	surface, _, _, _, _ := newTestSurface(t)

	result := surface.Execute(context.Background(), ToolGetFunnelOverview, json.RawMessage(`{"start_date":"2026-07-01","end_date":"2026-07-01","dimension":"bogus"}`))
	assert.Equal(t, ErrorKindBadArguments, result.Kind)
	assert.NotEmpty(t, result.Error)
}

func TestSurface_UnknownToolName(t *testing.T) {
	surface, _, _, _, _ := newTestSurface(t)

	result := surface.Execute(context.Background(), ToolName("delete_everything"), nil)
	assert.Equal(t, ErrorKindBadArguments, result.Kind)
}

func TestSurface_GetSurveyStatsEmpty(t *testing.T) {
	surface, _, _, _, _ := newTestSurface(t)

	result := surface.Execute(context.Background(), ToolGetSurveyStats, nil)
	require.Empty(t, result.Error)
	stats, ok := result.Data.(*txstore.SearchStats)
	require.True(t, ok)
	assert.Equal(t, 0, stats.Total)
}

func TestSurface_GetFeedbackThemesNotFoundBeforeAnyAnalysis(t *testing.T) {
	surface, _, _, _, _ := newTestSurface(t)

	result := surface.Execute(context.Background(), ToolGetFeedbackThemes, nil)
	assert.Equal(t, ErrorKindNotFound, result.Kind)
}

func TestSurface_SearchSurveyCommentsRejectsEmptyQuery(t *testing.T) {
	surface, _, _, _, _ := newTestSurface(t)

	result := surface.Execute(context.Background(), ToolSearchSurveyComments, json.RawMessage(`{"query":""}`))
	assert.Equal(t, ErrorKindBadArguments, result.Kind)
}
