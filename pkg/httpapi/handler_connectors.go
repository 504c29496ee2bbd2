package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/oauth2"

	"github.com/croanalysis/core/pkg/txstore"
)

func (s *Server) createConnectorHandler(c *echo.Context) error {
	var req ConnectorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Kind != string(txstore.ConnectorKindGA4) {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be \"ga4\"")
	}
	connector, err := s.txClient.Connectors.Create(c.Request().Context(), c.Param("id"), txstore.ConnectorKindGA4, txstore.ConnectorConfig{})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, connector)
}

func (s *Server) listConnectorsHandler(c *echo.Context) error {
	connectors, err := s.txClient.Connectors.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, connectors)
}

func (s *Server) deleteConnectorHandler(c *echo.Context) error {
	projectID, connectorID := c.Param("id"), c.Param("cid")
	if err := s.txClient.Connectors.Delete(c.Request().Context(), projectID, connectorID); err != nil {
		return mapServiceError(err)
	}
	if err := s.removeColumnarStore(projectID, connectorID); err != nil {
		slog.Error("remove columnar store after connector delete", "project_id", projectID, "connector_id", connectorID, "error", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// oauthTokenRequest is the bootstrap shape for handing a connector a token
// obtained through the external OAuth authorization-code handshake (§3
// Non-goals: the handshake itself is not this server's concern).
type oauthTokenRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInSec int    `json:"expires_in_sec"`
}

func (s *Server) saveConnectorTokenHandler(c *echo.Context) error {
	var req oauthTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AccessToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "access_token is required")
	}
	tok := &oauth2.Token{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken}
	if req.ExpiresInSec > 0 {
		tok.Expiry = time.Now().Add(time.Duration(req.ExpiresInSec) * time.Second)
	}
	if err := s.tokens.Save(c.Request().Context(), c.Param("cid"), tok); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listGA4PropertiesHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	client, err := s.ga4ClientFor(ctx, c.Param("cid"))
	if err != nil {
		return mapServiceError(err)
	}
	properties, err := client.ListProperties(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, properties)
}

func (s *Server) selectGA4PropertyHandler(c *echo.Context) error {
	var req SelectPropertyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PropertyID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "property_id is required")
	}
	connector, err := s.txClient.Connectors.UpdateConfig(c.Request().Context(), c.Param("cid"), txstore.ConnectorConfig{
		PropertyID:   req.PropertyID,
		PropertyName: req.PropertyName,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, connector)
}

func (s *Server) triggerSyncHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	projectID, connectorID := c.Param("id"), c.Param("cid")

	connector, err := s.txClient.Connectors.Get(ctx, projectID, connectorID)
	if err != nil {
		return mapServiceError(err)
	}

	var req TriggerSyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var overrideStart *time.Time
	if req.OverrideStartDate != "" {
		t, err := time.Parse("2006-01-02", req.OverrideStartDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "override_start_date must be YYYY-MM-DD")
		}
		overrideStart = &t
	}

	client, err := s.ga4ClientFor(ctx, connectorID)
	if err != nil {
		return mapServiceError(err)
	}

	result, err := s.coord.Pull(ctx, projectID, connector, client, s.columnarBasePath, overrideStart)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
