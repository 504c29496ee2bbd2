// Package httpapi is the HTTP transport (§6): thin Echo v5 handlers that
// bind requests, call into the service/query layers, and map errors
// through svcerr.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/oauth2"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/feedback"
	"github.com/croanalysis/core/pkg/ga4"
	"github.com/croanalysis/core/pkg/llmclient"
	"github.com/croanalysis/core/pkg/query"
	"github.com/croanalysis/core/pkg/reportcache"
	"github.com/croanalysis/core/pkg/sync"
	"github.com/croanalysis/core/pkg/tokenstore"
	"github.com/croanalysis/core/pkg/txstore"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	txClient   *txstore.Client
	tokens     *tokenstore.Store
	coord      *sync.Coordinator
	queryLayer *query.Layer
	feedback   *feedback.Service
	reports    *reportcache.Service
	stores     *columnar.StoreRegistry

	llm              *llmclient.Client
	model            string
	columnarBasePath string
	agentMaxTurns    int
	agentTurnTimeout time.Duration
	agentTotalTimeout time.Duration
}

// Deps bundles every collaborator Server needs. Built once in cmd/cro-core
// and handed to NewServer.
type Deps struct {
	TxClient         *txstore.Client
	Tokens           *tokenstore.Store
	Coordinator      *sync.Coordinator
	QueryLayer       *query.Layer
	Feedback         *feedback.Service
	Reports          *reportcache.Service
	Stores           *columnar.StoreRegistry
	LLM              *llmclient.Client
	ModelID          string
	ColumnarBasePath string
	AgentMaxTurns    int
	AgentTurnTimeout time.Duration
	AgentTotalTimeout time.Duration
}

// NewServer builds the Echo application and registers every route.
func NewServer(d Deps) *Server {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.BodyLimit(10 * 1024 * 1024))

	s := &Server{
		echo:              e,
		txClient:          d.TxClient,
		tokens:            d.Tokens,
		coord:             d.Coordinator,
		queryLayer:        d.QueryLayer,
		feedback:          d.Feedback,
		reports:           d.Reports,
		stores:            d.Stores,
		llm:               d.LLM,
		model:             d.ModelID,
		columnarBasePath:  d.ColumnarBasePath,
		agentMaxTurns:     d.AgentMaxTurns,
		agentTurnTimeout:  d.AgentTurnTimeout,
		agentTotalTimeout: d.AgentTotalTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/projects", s.createProjectHandler)
	v1.GET("/projects", s.listProjectsHandler)
	v1.GET("/projects/:id", s.getProjectHandler)
	v1.PUT("/projects/:id", s.updateProjectHandler)
	v1.DELETE("/projects/:id", s.deleteProjectHandler)

	v1.POST("/projects/:id/connectors", s.createConnectorHandler)
	v1.GET("/projects/:id/connectors", s.listConnectorsHandler)
	v1.PUT("/projects/:id/connectors/:cid/token", s.saveConnectorTokenHandler)
	v1.GET("/projects/:id/connectors/:cid/properties", s.listGA4PropertiesHandler)
	v1.PUT("/projects/:id/connectors/:cid/property", s.selectGA4PropertyHandler)
	v1.POST("/projects/:id/connectors/:cid/sync", s.triggerSyncHandler)
	v1.DELETE("/projects/:id/connectors/:cid", s.deleteConnectorHandler)

	v1.GET("/projects/:id/connectors/:cid/funnel", s.funnelOverviewHandler)
	v1.GET("/projects/:id/connectors/:cid/drop-off", s.dropOffPointsHandler)
	v1.GET("/projects/:id/connectors/:cid/compare", s.comparePeriodsHandler)
	v1.GET("/projects/:id/connectors/:cid/page-paths", s.pagePathsHandler)
	v1.GET("/projects/:id/connectors/:cid/scroll-depth", s.scrollDepthHandler)

	v1.POST("/projects/:id/surveys", s.uploadSurveysHandler)
	v1.GET("/projects/:id/surveys", s.listSurveysHandler)
	v1.GET("/projects/:id/surveys/stats", s.surveyStatsHandler)
	v1.GET("/projects/:id/surveys/search", s.searchCommentsHandler)

	v1.GET("/projects/:id/feedback", s.feedbackThemesHandler)

	v1.POST("/projects/:id/connectors/:cid/reports", s.triggerReportHandler)
	v1.GET("/projects/:id/reports", s.listReportsHandler)
	v1.GET("/projects/:id/reports/:rid", s.getReportHandler)
}

// Start runs the HTTP server (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener runs the HTTP server on a pre-created listener, for
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.txClient.DB().PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// ga4ClientFor builds a per-connector GA4 client from its persisted OAuth
// token: nothing outside this function holds GA4 credentials.
func (s *Server) ga4ClientFor(ctx context.Context, connectorID string) (*ga4.Client, error) {
	src, err := s.tokens.TokenSource(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	return ga4.New(oauth2.TokenSource(src)), nil
}

// removeColumnarStore closes any cached handle for a connector's columnar
// store and deletes its directory. Connectors exclusively own their
// columnar store, so deleting a connector must delete the store with it.
func (s *Server) removeColumnarStore(projectID, connectorID string) error {
	path := columnar.PathFor(s.columnarBasePath, projectID, connectorID)
	if err := s.stores.Close(path); err != nil {
		return fmt.Errorf("close columnar store: %w", err)
	}
	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		return fmt.Errorf("remove columnar store directory: %w", err)
	}
	return nil
}
