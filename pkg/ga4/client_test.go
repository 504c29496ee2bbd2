package ga4

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(server *httptest.Server) *Client {
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
	return New(tokens).WithBaseURLs(server.URL, server.URL)
}

func TestClient_ListProperties(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accounts": []map[string]string{{"name": "accounts/1"}},
			})
		case "/properties":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"properties": []map[string]string{
					{"name": "properties/123", "displayName": "Main site"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	props, err := client.ListProperties(context.Background())
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "123", props[0].PropertyID)
	assert.Equal(t, "Main site", props[0].DisplayName)
}

func TestClient_RunReport_Pagination(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req runReportRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Offset == 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"rows": []map[string]any{
					{"dimensionValues": []map[string]string{{"value": "/home"}}, "metricValues": []map[string]string{{"value": "10"}}},
				},
				"rowCount": 2,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rows": []map[string]any{
				{"dimensionValues": []map[string]string{{"value": "/about"}}, "metricValues": []map[string]string{{"value": "3"}}},
			},
			"rowCount": 2,
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	var paths []string
	err := client.AllPages(context.Background(), ReportRequest{
		PropertyID: "123",
		StartDate:  "2026-01-01",
		EndDate:    "2026-01-31",
		Dimensions: []string{"pagePath"},
		Metrics:    []string{"screenPageViews"},
		Limit:      1,
	}, func(row ReportRow) error {
		paths = append(paths, row.DimensionValues[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/home", "/about"}, paths)
	assert.Equal(t, 2, calls)
}

func TestAPIError_Classify(t *testing.T) {
	assert.Equal(t, ClassPermissionDenied, (&APIError{StatusCode: http.StatusForbidden}).Classify())
	assert.Equal(t, ClassRateLimited, (&APIError{StatusCode: http.StatusTooManyRequests}).Classify())
	assert.Equal(t, ClassTransient, (&APIError{StatusCode: http.StatusServiceUnavailable}).Classify())
	assert.Equal(t, ClassPermanent, (&APIError{StatusCode: http.StatusBadRequest}).Classify())
}

func TestClient_PermanentErrorNoRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.ListProperties(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
