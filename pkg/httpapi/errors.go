package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/croanalysis/core/pkg/svcerr"
)

// mapServiceError maps service-layer sentinel errors to HTTP responses,
// per §7's status table.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *svcerr.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validErr.Error())
	}
	switch {
	case errors.Is(err, svcerr.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, svcerr.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "resource conflict")
	case errors.Is(err, svcerr.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, svcerr.ErrValidation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, svcerr.ErrUpstreamUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "upstream unavailable")
	case errors.Is(err, svcerr.ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "operation timed out")
	}

	slog.Error("unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
