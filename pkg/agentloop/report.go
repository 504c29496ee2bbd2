package agentloop

import (
	"encoding/json"
	"fmt"
)

// extractBalancedJSON finds the outermost balanced {...} object in text,
// ignoring braces inside quoted strings, per §4.9's "final JSON extracted
// via outermost balanced braces from a purely-textual response" rule.
// Models routinely wrap their final JSON in prose or a markdown fence, so
// a bare json.Unmarshal(text) is not reliable.
func extractBalancedJSON(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// ValidateReport checks the top-level shape of a CRO report against §6's
// schema. It intentionally validates structure, not prose content — an
// LLM that omits a required section should get concrete feedback to
// retry against, not a silent pass.
func ValidateReport(raw string) error {
	var report struct {
		ExecutiveSummary string `json:"executive_summary"`
		FunnelAnalysis   *struct {
			Overview         string `json:"overview"`
			CriticalDropOffs []struct {
				Stage               string `json:"stage"`
				DropRate            any    `json:"drop_rate"`
				Severity            string `json:"severity"`
				CorrelatedFeedback  any    `json:"correlated_feedback"`
			} `json:"critical_drop_offs"`
		} `json:"funnel_analysis"`
		QualitativeInsights *struct {
			Overview       string `json:"overview"`
			ThemesWithData []struct {
				Theme             string   `json:"theme"`
				Sentiment         string   `json:"sentiment"`
				SupportingQuotes  []string `json:"supporting_quotes"`
				RelatedMetrics    any      `json:"related_metrics"`
			} `json:"themes_with_data"`
		} `json:"qualitative_insights"`
		Recommendations []struct {
			Title             string `json:"title"`
			Priority          string `json:"priority"`
			Category          string `json:"category"`
			Description       string `json:"description"`
			SupportingEvidence any   `json:"supporting_evidence"`
			ExpectedImpact     string `json:"expected_impact"`
		} `json:"recommendations"`
	}

	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}

	if report.ExecutiveSummary == "" {
		return fmt.Errorf("executive_summary is required and must be non-empty")
	}
	if report.FunnelAnalysis == nil {
		return fmt.Errorf("funnel_analysis is required")
	}
	if report.QualitativeInsights == nil {
		return fmt.Errorf("qualitative_insights is required")
	}
	if len(report.Recommendations) == 0 {
		return fmt.Errorf("recommendations must contain at least one entry")
	}
	for i, rec := range report.Recommendations {
		if rec.Title == "" || rec.Priority == "" || rec.Category == "" {
			return fmt.Errorf("recommendations[%d] is missing a required field (title, priority, category)", i)
		}
	}
	return nil
}
