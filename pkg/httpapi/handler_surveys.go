package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/croanalysis/core/pkg/embedmodel"
	"github.com/croanalysis/core/pkg/txstore"
)

// csv columns are not a pack-wide concern (only this one upload endpoint
// needs them), so parsing uses encoding/csv from the standard library rather
// than pulling in a third-party CSV package for a handful of lines.
//
// requiredSurveyCSVHeaders are matched case-insensitively against the
// uploaded header row; a body missing any of them is rejected with 400
// rather than silently inserting rows with null fields.
var requiredSurveyCSVHeaders = []string{"date", "country", "url", "device", "browser", "os", "comments"}

func parseSurveyCSV(r io.Reader) ([]txstore.NewRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty CSV body")
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range requiredSurveyCSVHeaders {
		if _, ok := idx[required]; !ok {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "missing required CSV header: "+required)
		}
	}

	var rows []txstore.NewRow
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed CSV: "+err.Error())
		}

		row := txstore.NewRow{}
		if v, ok := field(record, idx, "date"); ok {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				row.Date = &t
			}
		}
		if v, ok := field(record, idx, "country"); ok {
			row.Country = &v
		}
		if v, ok := field(record, idx, "url"); ok {
			row.URL = &v
		}
		if v, ok := field(record, idx, "device"); ok {
			row.Device = &v
		}
		if v, ok := field(record, idx, "browser"); ok {
			row.Browser = &v
		}
		if v, ok := field(record, idx, "os"); ok {
			row.OS = &v
		}
		if v, ok := field(record, idx, "ratings"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				row.Rating = &n
			}
		}
		if v, ok := field(record, idx, "comments"); ok {
			row.Comment = &v
		}

		raw, err := json.Marshal(record)
		if err == nil {
			row.RawJSON = raw
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func field(record []string, idx map[string]int, name string) (string, bool) {
	i, ok := idx[name]
	if !ok || i >= len(record) {
		return "", false
	}
	v := strings.TrimSpace(record[i])
	if v == "" {
		return "", false
	}
	return v, true
}

func (s *Server) uploadSurveysHandler(c *echo.Context) error {
	rows, err := parseSurveyCSV(c.Request().Body)
	if err != nil {
		return err
	}
	n, err := s.txClient.Surveys.BulkInsert(c.Request().Context(), c.Param("id"), rows)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]int{"inserted": n})
}

func (s *Server) listSurveysHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("id")

	from, to := time.Time{}, time.Now()
	if v := c.QueryParam("start_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			from = t
		}
	}
	if v := c.QueryParam("end_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			to = t
		}
	}

	responses, err := s.txClient.Surveys.ListByPeriod(ctx, projectID, from, to)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) surveyStatsHandler(c *echo.Context) error {
	stats, err := s.queryLayer.SurveyStats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) searchCommentsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := parseLimit(c, 10)

	vec := embedmodel.Get().Embed(q)

	matches, err := s.txClient.Surveys.SearchComments(ctx, c.Param("id"), vec, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, matches)
}
