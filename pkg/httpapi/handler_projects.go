package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	echo "github.com/labstack/echo/v5"
)

func (s *Server) createProjectHandler(c *echo.Context) error {
	var req ProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	project, err := s.txClient.Projects.Create(c.Request().Context(), req.Name, req.Description)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjectsHandler(c *echo.Context) error {
	projects, err := s.txClient.Projects.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) getProjectHandler(c *echo.Context) error {
	project, err := s.txClient.Projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

func (s *Server) updateProjectHandler(c *echo.Context) error {
	var req ProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	project, err := s.txClient.Projects.Update(c.Request().Context(), c.Param("id"), req.Name, req.Description)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

func (s *Server) deleteProjectHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("id")

	connectors, err := s.txClient.Connectors.List(ctx, projectID)
	if err != nil {
		return mapServiceError(err)
	}

	if err := s.txClient.Projects.Delete(ctx, projectID); err != nil {
		return mapServiceError(err)
	}

	for _, connector := range connectors {
		if err := s.removeColumnarStore(projectID, connector.ID); err != nil {
			slog.Error("remove columnar store after project delete", "project_id", projectID, "connector_id", connector.ID, "error", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(s.columnarBasePath, projectID)); err != nil {
		slog.Error("remove project columnar directory", "project_id", projectID, "error", err)
	}
	return c.NoContent(http.StatusNoContent)
}
