package httpapi

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

func (s *Server) feedbackThemesHandler(c *echo.Context) error {
	force := c.QueryParam("force") == "true"
	analysis, err := s.feedback.Get(c.Request().Context(), c.Param("id"), force)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, analysis)
}
