// Package ga4 is a client for the Google Analytics Data API (runReport) and
// Admin API (account/property listing). Wire formats follow the shape of
// internal/api/google_data_api.go and auth_google.go; retry/backoff and
// error classification follow the same transient-vs-permanent upstream
// failure split used for LLM reconnects (pkg/llmclient), implemented here
// with cenkalti/backoff/v4 instead of a hand-rolled retry loop.
package ga4

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

const (
	adminBaseURL = "https://analyticsadmin.googleapis.com/v1beta"
	dataBaseURL  = "https://analyticsdata.googleapis.com/v1beta"
)

// Client talks to the GA4 Admin and Data APIs on behalf of one connector,
// authenticating every request via the supplied oauth2.TokenSource.
type Client struct {
	httpClient *http.Client
	tokens     oauth2.TokenSource
	maxRetries uint64
	adminURL   string
	dataURL    string
}

// New constructs a GA4 client. tokens must already apply the 60s expiry
// skew (see pkg/tokenstore.TokenSource).
func New(tokens oauth2.TokenSource) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		tokens:     tokens,
		maxRetries: 4,
		adminURL:   adminBaseURL,
		dataURL:    dataBaseURL,
	}
}

// WithBaseURLs overrides the Admin/Data API base URLs, for pointing the
// client at an httptest server in tests.
func (c *Client) WithBaseURLs(admin, data string) *Client {
	c.adminURL = admin
	c.dataURL = data
	return c
}

// APIError is a non-200 GA4 response, classified as RateLimited, Transient,
// PermissionDenied or Permanent so the Sync Coordinator knows whether a
// retry can help (§4.5).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ga4 api error: status %d: %s", e.StatusCode, e.Body)
}

// Classification of an APIError for retry purposes.
type Classification int

const (
	ClassPermanent Classification = iota
	ClassPermissionDenied
	ClassRateLimited
	ClassTransient
)

// Classify maps an HTTP status to a retry classification.
func (e *APIError) Classify() Classification {
	switch {
	case e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized:
		return ClassPermissionDenied
	case e.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case e.StatusCode >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Property is one GA4 property under an account.
type Property struct {
	PropertyID  string `json:"property_id"`
	DisplayName string `json:"display_name"`
}

// ListProperties returns every GA4 property visible to the authenticated
// account (spec's "list available GA4 properties" connector setup step).
func (c *Client) ListProperties(ctx context.Context) ([]Property, error) {
	accounts, err := c.listAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var all []Property
	for _, acc := range accounts {
		props, err := c.listPropertiesForAccount(ctx, acc)
		if err != nil {
			return nil, err
		}
		all = append(all, props...)
	}
	return all, nil
}

func (c *Client) listAccounts(ctx context.Context) ([]string, error) {
	var out struct {
		Accounts []struct {
			Name string `json:"name"`
		} `json:"accounts"`
	}
	if err := c.doWithRetry(ctx, http.MethodGet, c.adminURL+"/accounts", nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, len(out.Accounts))
	for i, a := range out.Accounts {
		names[i] = a.Name
	}
	return names, nil
}

func (c *Client) listPropertiesForAccount(ctx context.Context, accountName string) ([]Property, error) {
	url := fmt.Sprintf("%s/properties?filter=parent:%s", c.adminURL, accountName)
	var out struct {
		Properties []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"properties"`
	}
	if err := c.doWithRetry(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	props := make([]Property, len(out.Properties))
	for i, p := range out.Properties {
		props[i] = Property{PropertyID: trimPropertiesPrefix(p.Name), DisplayName: p.DisplayName}
	}
	return props, nil
}

func trimPropertiesPrefix(name string) string {
	const prefix = "properties/"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}

// ReportRequest describes one runReport call (§4.2 "GA4 report shape").
type ReportRequest struct {
	PropertyID string
	StartDate  string
	EndDate    string
	Dimensions []string
	Metrics    []string
	Limit      int
	PageToken  string
}

// ReportPage is one page of runReport rows plus the token for the next page.
type ReportPage struct {
	Rows          []ReportRow
	NextPageToken string
	RowCount      int
}

// ReportRow is one dimension/metric tuple from a runReport response.
type ReportRow struct {
	DimensionValues []string
	MetricValues    []string
}

type runReportRequestBody struct {
	DateRanges []dateRangeBody `json:"dateRanges"`
	Dimensions []nameBody      `json:"dimensions"`
	Metrics    []nameBody      `json:"metrics"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

type dateRangeBody struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type nameBody struct {
	Name string `json:"name"`
}

type runReportResponseBody struct {
	Rows []struct {
		DimensionValues []struct {
			Value string `json:"value"`
		} `json:"dimensionValues"`
		MetricValues []struct {
			Value string `json:"value"`
		} `json:"metricValues"`
	} `json:"rows"`
	RowCount int `json:"rowCount"`
}

// RunReport executes a single runReport page. The GA4 Data API v1beta has no
// true server-side nextPageToken for runReport; pagination is offset-based,
// so PageToken here is the decimal string offset into the result set and
// NextPageToken on the returned page is the next offset, or "" when
// RowCount has been fully consumed. Callers iterate pages lazily via
// AllPages.
func (c *Client) RunReport(ctx context.Context, req ReportRequest) (*ReportPage, error) {
	offset := 0
	if req.PageToken != "" {
		if _, err := fmt.Sscanf(req.PageToken, "%d", &offset); err != nil {
			return nil, fmt.Errorf("invalid page token %q: %w", req.PageToken, err)
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10000
	}

	body := runReportRequestBody{
		DateRanges: []dateRangeBody{{StartDate: req.StartDate, EndDate: req.EndDate}},
		Limit:      limit,
		Offset:     offset,
	}
	for _, d := range req.Dimensions {
		body.Dimensions = append(body.Dimensions, nameBody{Name: d})
	}
	for _, m := range req.Metrics {
		body.Metrics = append(body.Metrics, nameBody{Name: m})
	}

	url := fmt.Sprintf("%s/properties/%s:runReport", c.dataURL, req.PropertyID)
	var resp runReportResponseBody
	if err := c.doWithRetry(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}

	page := &ReportPage{RowCount: resp.RowCount}
	for _, row := range resp.Rows {
		rr := ReportRow{}
		for _, v := range row.DimensionValues {
			rr.DimensionValues = append(rr.DimensionValues, v.Value)
		}
		for _, v := range row.MetricValues {
			rr.MetricValues = append(rr.MetricValues, v.Value)
		}
		page.Rows = append(page.Rows, rr)
	}

	nextOffset := offset + len(page.Rows)
	if len(page.Rows) > 0 && nextOffset < resp.RowCount {
		page.NextPageToken = fmt.Sprintf("%d", nextOffset)
	}
	return page, nil
}

// AllPages drains every page of a runReport query, invoking yield for each
// row as it arrives so the Sync Coordinator can stream rows into a batch
// writer without buffering the full result set (§4.5).
func (c *Client) AllPages(ctx context.Context, req ReportRequest, yield func(ReportRow) error) error {
	for {
		page, err := c.RunReport(ctx, req)
		if err != nil {
			return err
		}
		for _, row := range page.Rows {
			if err := yield(row); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		req.PageToken = page.NextPageToken
	}
}

// doWithRetry executes one authenticated HTTP call, retrying rate-limited
// and transient failures with exponential backoff, making at most
// maxRetries retries after the first call (five attempts in all with New's
// default of 4) (§4.2). PermissionDenied and other permanent failures propagate
// immediately.
func (c *Client) doWithRetry(ctx context.Context, method, url string, body any, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)

	return backoff.Retry(func() error {
		err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if ok := asAPIError(err, &apiErr); ok {
			switch apiErr.Classify() {
			case ClassRateLimited, ClassTransient:
				return err
			default:
				return backoff.Permanent(err)
			}
		}
		// Network-level errors are treated as transient.
		return err
	}, policy)
}

func asAPIError(err error, target **APIError) bool {
	apiErr, ok := err.(*APIError)
	if ok {
		*target = apiErr
	}
	return ok
}

func (c *Client) doOnce(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("get oauth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ga4 request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
