package httpapi

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/croanalysis/core/pkg/columnar"
)

func parseDimension(c *echo.Context) (columnar.Dimension, error) {
	raw := c.QueryParam("dimension")
	switch columnar.Dimension(raw) {
	case "", columnar.DimensionAll:
		return columnar.DimensionAll, nil
	case columnar.DimensionCountry, columnar.DimensionBrowser, columnar.DimensionDeviceCategory, columnar.DimensionOS:
		return columnar.Dimension(raw), nil
	default:
		return "", echo.NewHTTPError(http.StatusBadRequest, "unknown dimension: "+raw)
	}
}

func parseLimit(c *echo.Context, def int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) funnelOverviewHandler(c *echo.Context) error {
	dim, err := parseDimension(c)
	if err != nil {
		return err
	}
	results, err := s.queryLayer.FunnelOverview(c.Request().Context(), s.columnarBasePath,
		c.Param("id"), c.Param("cid"), c.QueryParam("start_date"), c.QueryParam("end_date"), nil, dim)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) dropOffPointsHandler(c *echo.Context) error {
	dim, err := parseDimension(c)
	if err != nil {
		return err
	}
	results, err := s.queryLayer.DropOffPoints(c.Request().Context(), s.columnarBasePath,
		c.Param("id"), c.Param("cid"), c.QueryParam("start_date"), c.QueryParam("end_date"), nil, dim, parseLimit(c, 10))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) comparePeriodsHandler(c *echo.Context) error {
	dim, err := parseDimension(c)
	if err != nil {
		return err
	}
	results, err := s.queryLayer.ComparePeriods(c.Request().Context(), s.columnarBasePath,
		c.Param("id"), c.Param("cid"),
		c.QueryParam("current_start_date"), c.QueryParam("current_end_date"),
		c.QueryParam("prior_start_date"), c.QueryParam("prior_end_date"), nil, dim)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) pagePathsHandler(c *echo.Context) error {
	results, err := s.queryLayer.PagePaths(c.Request().Context(), s.columnarBasePath,
		c.Param("id"), c.Param("cid"), c.QueryParam("start_date"), c.QueryParam("end_date"), parseLimit(c, 50))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) scrollDepthHandler(c *echo.Context) error {
	dim, err := parseDimension(c)
	if err != nil {
		return err
	}
	results, err := s.queryLayer.ScrollDepth(c.Request().Context(), s.columnarBasePath,
		c.Param("id"), c.Param("cid"), c.QueryParam("start_date"), c.QueryParam("end_date"), dim)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}
