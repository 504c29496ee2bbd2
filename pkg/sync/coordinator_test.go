package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/ga4"
	"github.com/croanalysis/core/pkg/txstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/oauth2"
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

// fakeGA4Server answers both runReport endpoints with one page each.
func fakeGA4Server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Dimensions []struct {
				Name string `json:"name"`
			} `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if len(req.Dimensions) == 2 {
			// page_paths report
			_ = json.NewEncoder(w).Encode(map[string]any{
				"rows": []map[string]any{
					{
						"dimensionValues": []map[string]string{{"value": "2026-07-01"}, {"value": "/home"}},
						"metricValues":    []map[string]string{{"value": "100"}, {"value": "80"}, {"value": "400.5"}},
					},
				},
				"rowCount": 1,
			})
			return
		}

		// events report (7 dimensions)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rows": []map[string]any{
				{
					"dimensionValues": []map[string]string{
						{"value": "2026-07-01"}, {"value": "US"}, {"value": "desktop"},
						{"value": "purchase"}, {"value": "Chrome"}, {"value": "Windows"}, {"value": "1920x1080"},
					},
					"metricValues": []map[string]string{
						{"value": "20"}, {"value": "21"}, {"value": "5"}, {"value": "0.1"}, {"value": "120.5"},
					},
				},
			},
			"rowCount": 1,
		})
	}))
}

func TestCoordinator_PullFirstSyncUsesBulkInsert(t *testing.T) {
	txClient := newTestClient(t)
	ctx := context.Background()

	project, err := txClient.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)

	cfg := txstore.ConnectorConfig{PropertyID: "123", PropertyName: "Main site"}
	connector, err := txClient.Connectors.Create(ctx, project.ID, txstore.ConnectorKindGA4, cfg)
	require.NoError(t, err)

	server := fakeGA4Server(t)
	defer server.Close()

	ga4Client := ga4.New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"})).WithBaseURLs(server.URL, server.URL)

	registry := columnar.NewStoreRegistry()
	t.Cleanup(func() { _ = registry.CloseAll() })

	basePath := t.TempDir()
	coord := New(txClient.Connectors, registry)
	result, err := coord.Pull(ctx, project.ID, connector, ga4Client, basePath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EventRows)
	assert.Equal(t, 1, result.PagePathRows)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), result.EndDate)

	store, err := registry.Open(columnar.PathFor(basePath, project.ID, connector.ID))
	require.NoError(t, err)
	empty, err := store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)

	got, err := txClient.Connectors.Get(ctx, project.ID, connector.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSyncAt)
}
