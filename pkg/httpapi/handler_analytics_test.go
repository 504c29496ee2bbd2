package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/txstore"
)

func TestParseDimension(t *testing.T) {
	e := echo.New()

	t.Run("defaults to all when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		dim, err := parseDimension(c)
		require.NoError(t, err)
		assert.Equal(t, columnar.DimensionAll, dim)
	})

	t.Run("accepts a known dimension", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x?dimension=country", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		dim, err := parseDimension(c)
		require.NoError(t, err)
		assert.Equal(t, columnar.DimensionCountry, dim)
	})

	t.Run("rejects an unknown dimension", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x?dimension=bogus", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		_, err := parseDimension(c)
		require.Error(t, err)
		var httpErr *echo.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusBadRequest, httpErr.Code)
	})
}

func TestParseLimit(t *testing.T) {
	e := echo.New()

	t.Run("falls back to default when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, 10, parseLimit(c, 10))
	})

	t.Run("falls back to default when non-positive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x?limit=-5", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, 10, parseLimit(c, 10))
	})

	t.Run("parses a valid limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x?limit=25", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, 25, parseLimit(c, 10))
	})
}

func TestServer_FunnelOverviewHandler(t *testing.T) {
	s, txClient := newTestServer(t)
	e := echo.New()
	ctx := context.Background()

	project, err := txClient.Projects.Create(ctx, "Funnel Test", nil)
	require.NoError(t, err)
	connector, err := txClient.Connectors.Create(ctx, project.ID, txstore.ConnectorKindGA4, txstore.ConnectorConfig{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x?start_date=2026-01-01&end_date=2026-01-31", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id", "cid")
	c.SetParamValues(project.ID, connector.ID)

	require.NoError(t, s.funnelOverviewHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}
