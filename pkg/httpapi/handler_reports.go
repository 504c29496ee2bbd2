package httpapi

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/croanalysis/core/pkg/agentloop"
	"github.com/croanalysis/core/pkg/agenttools"
)

// reportSystemPrompt is the default instruction set for the CRO report
// synthesis run (§4.9): the LLM is told which tools it has and the
// top-level §6 JSON shape its final answer must satisfy.
const reportSystemPrompt = `You are a conversion-rate-optimization analyst. Use the available tools ` +
	`(get_funnel_overview, compare_periods, get_page_paths, get_drop_off_points, search_survey_comments, ` +
	`get_survey_by_period, get_survey_stats, get_feedback_themes) to inspect the GA4 funnel data and qualitative survey feedback for this project, then respond with ` +
	`a single JSON object matching this shape and nothing else: {"executive_summary": string, ` +
	`"funnel_analysis": object, "qualitative_insights": object, "recommendations": ` +
	`[{"title": string, "priority": string, "category": string, ...}]}.`

const defaultReportPrompt = "Produce a full CRO analysis report for this project's most recent 30 days of data."

func (s *Server) triggerReportHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	projectID, connectorID := c.Param("id"), c.Param("cid")

	var req TriggerReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultReportPrompt
	}

	surface := agenttools.New(s.queryLayer, s.txClient.Feedback, s.columnarBasePath, projectID, connectorID)
	loop := agentloop.New(s.llm, surface, agenttools.Catalog(), agentloop.Config{
		MaxTurns:     s.agentMaxTurns,
		TurnTimeout:  s.agentTurnTimeout,
		TotalTimeout: s.agentTotalTimeout,
		Model:        s.model,
		SystemPrompt: reportSystemPrompt,
	})

	report, err := s.reports.Generate(ctx, loop, projectID, connectorID, prompt)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, report)
}

func (s *Server) listReportsHandler(c *echo.Context) error {
	reports, err := s.reports.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) getReportHandler(c *echo.Context) error {
	report, err := s.reports.Get(c.Request().Context(), c.Param("id"), c.Param("rid"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, report)
}
