// Package sync is the Sync Coordinator (§4.5): computes the pull window
// for a connector, issues the two GA4 report calls, and writes the result
// into the columnar store as a single all-or-nothing batch per table.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/ga4"
	"github.com/croanalysis/core/pkg/txstore"
	"golang.org/x/sync/errgroup"
)

// eventDimensions is the 7-tuple composite key of the events table (§3),
// in the order GA4's runReport returns dimension values.
var eventDimensions = []string{
	"date", "country", "deviceCategory", "eventName", "browser", "operatingSystem", "screenResolution",
}

var eventMetrics = []string{
	"activeUsers", "sessions", "screenPageViews", "bounceRate", "averageSessionDuration",
}

var pagePathDimensions = []string{"date", "pagePath"}

var pagePathMetrics = []string{"screenPageViews", "totalUsers", "userEngagementDuration"}

// Coordinator drives one connector's incremental GA4 pull.
type Coordinator struct {
	connectors *txstore.ConnectorRepo
	stores     *columnar.StoreRegistry
}

// New builds a Coordinator.
func New(connectors *txstore.ConnectorRepo, stores *columnar.StoreRegistry) *Coordinator {
	return &Coordinator{connectors: connectors, stores: stores}
}

// Result summarizes one completed pull.
type Result struct {
	StartDate   string
	EndDate     string
	EventRows   int
	PagePathRows int
}

// Pull computes the window (§4.5's table), issues both GA4 reports
// concurrently, and writes each table's rows as one atomic batch. No
// partial state is persisted on any failure — a retried pull simply
// recomputes and re-runs the same window (§4.5, §7).
func (c *Coordinator) Pull(ctx context.Context, projectID string, connector *txstore.Connector, client *ga4.Client, basePath string, overrideStart *time.Time) (*Result, error) {
	var cfg txstore.ConnectorConfig
	if err := json.Unmarshal(connector.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode connector config: %w", err)
	}
	if cfg.PropertyID == "" {
		return nil, fmt.Errorf("connector %s has no selected GA4 property", connector.ID)
	}

	store, err := c.stores.Open(columnar.PathFor(basePath, projectID, connector.ID))
	if err != nil {
		return nil, fmt.Errorf("open columnar store: %w", err)
	}

	wasEmpty, err := store.IsEmpty(ctx)
	if err != nil {
		return nil, fmt.Errorf("check store emptiness: %w", err)
	}

	start, end, err := computeWindow(ctx, store, wasEmpty, overrideStart)
	if err != nil {
		return nil, fmt.Errorf("compute pull window: %w", err)
	}

	var eventRows []columnar.EventRow
	var pagePathRows []columnar.PagePathRow

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := pullEventRows(gctx, client, cfg.PropertyID, start, end)
		if err != nil {
			return fmt.Errorf("pull events report: %w", err)
		}
		eventRows = rows
		return nil
	})
	g.Go(func() error {
		rows, err := pullPagePathRows(gctx, client, cfg.PropertyID, start, end)
		if err != nil {
			return fmt.Errorf("pull page_paths report: %w", err)
		}
		pagePathRows = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if wasEmpty {
		if err := store.BulkInsertEvents(ctx, eventRows); err != nil {
			return nil, fmt.Errorf("bulk insert events: %w", err)
		}
		if err := store.BulkInsertPagePaths(ctx, pagePathRows); err != nil {
			return nil, fmt.Errorf("bulk insert page_paths: %w", err)
		}
	} else {
		if err := store.UpsertEvents(ctx, eventRows); err != nil {
			return nil, fmt.Errorf("upsert events: %w", err)
		}
		if err := store.UpsertPagePaths(ctx, pagePathRows); err != nil {
			return nil, fmt.Errorf("upsert page_paths: %w", err)
		}
	}

	now := time.Now().UTC()
	if err := c.connectors.TouchLastSync(ctx, connector.ID, sql.NullTime{Time: now, Valid: true}); err != nil {
		return nil, fmt.Errorf("touch last_sync: %w", err)
	}

	return &Result{StartDate: start, EndDate: end, EventRows: len(eventRows), PagePathRows: len(pagePathRows)}, nil
}

// computeWindow implements §4.5's window table.
func computeWindow(ctx context.Context, store *columnar.Store, wasEmpty bool, overrideStart *time.Time) (string, string, error) {
	const dateFormat = "2006-01-02"
	today := time.Now().UTC()
	end := today.Format(dateFormat)

	if overrideStart != nil {
		return overrideStart.UTC().Format(dateFormat), end, nil
	}
	if wasEmpty {
		return today.AddDate(0, 0, -90).Format(dateFormat), end, nil
	}

	maxDate, err := store.MaxDate(ctx)
	if err != nil {
		return "", "", err
	}
	if maxDate.IsZero() {
		return today.AddDate(0, 0, -90).Format(dateFormat), end, nil
	}
	// 2-day lookback absorbs GA4's up-to-72h retroactive reprocessing window.
	return maxDate.AddDate(0, 0, -2).Format(dateFormat), end, nil
}

func pullEventRows(ctx context.Context, client *ga4.Client, propertyID, start, end string) ([]columnar.EventRow, error) {
	var rows []columnar.EventRow
	err := client.AllPages(ctx, ga4.ReportRequest{
		PropertyID: propertyID, StartDate: start, EndDate: end,
		Dimensions: eventDimensions, Metrics: eventMetrics,
	}, func(row ga4.ReportRow) error {
		er, err := toEventRow(row)
		if err != nil {
			return err
		}
		rows = append(rows, er)
		return nil
	})
	return rows, err
}

func pullPagePathRows(ctx context.Context, client *ga4.Client, propertyID, start, end string) ([]columnar.PagePathRow, error) {
	var rows []columnar.PagePathRow
	err := client.AllPages(ctx, ga4.ReportRequest{
		PropertyID: propertyID, StartDate: start, EndDate: end,
		Dimensions: pagePathDimensions, Metrics: pagePathMetrics,
	}, func(row ga4.ReportRow) error {
		pr, err := toPagePathRow(row)
		if err != nil {
			return err
		}
		rows = append(rows, pr)
		return nil
	})
	return rows, err
}

func toEventRow(row ga4.ReportRow) (columnar.EventRow, error) {
	if len(row.DimensionValues) != len(eventDimensions) || len(row.MetricValues) != len(eventMetrics) {
		return columnar.EventRow{}, fmt.Errorf("unexpected events report row shape: %d dims, %d metrics", len(row.DimensionValues), len(row.MetricValues))
	}
	activeUsers, err := strconv.ParseInt(row.MetricValues[0], 10, 64)
	if err != nil {
		return columnar.EventRow{}, fmt.Errorf("parse activeUsers: %w", err)
	}
	sessions, err := strconv.ParseInt(row.MetricValues[1], 10, 64)
	if err != nil {
		return columnar.EventRow{}, fmt.Errorf("parse sessions: %w", err)
	}
	pageViews, err := strconv.ParseInt(row.MetricValues[2], 10, 64)
	if err != nil {
		return columnar.EventRow{}, fmt.Errorf("parse screenPageViews: %w", err)
	}
	bounceRate, err := strconv.ParseFloat(row.MetricValues[3], 64)
	if err != nil {
		return columnar.EventRow{}, fmt.Errorf("parse bounceRate: %w", err)
	}
	avgSessionDuration, err := strconv.ParseFloat(row.MetricValues[4], 64)
	if err != nil {
		return columnar.EventRow{}, fmt.Errorf("parse averageSessionDuration: %w", err)
	}

	return columnar.EventRow{
		Date: row.DimensionValues[0], Country: row.DimensionValues[1],
		DeviceCategory: row.DimensionValues[2], EventName: row.DimensionValues[3],
		Browser: row.DimensionValues[4], OperatingSystem: row.DimensionValues[5],
		ScreenResolution: row.DimensionValues[6],
		ActiveUsers:      activeUsers,
		Sessions:         sessions,
		ScreenPageViews:  pageViews,
		BounceRate:       bounceRate,
		AverageSessionDuration: avgSessionDuration,
	}, nil
}

func toPagePathRow(row ga4.ReportRow) (columnar.PagePathRow, error) {
	if len(row.DimensionValues) != len(pagePathDimensions) || len(row.MetricValues) != len(pagePathMetrics) {
		return columnar.PagePathRow{}, fmt.Errorf("unexpected page_paths report row shape: %d dims, %d metrics", len(row.DimensionValues), len(row.MetricValues))
	}
	pageViews, err := strconv.ParseInt(row.MetricValues[0], 10, 64)
	if err != nil {
		return columnar.PagePathRow{}, fmt.Errorf("parse screenPageViews: %w", err)
	}
	users, err := strconv.ParseInt(row.MetricValues[1], 10, 64)
	if err != nil {
		return columnar.PagePathRow{}, fmt.Errorf("parse totalUsers: %w", err)
	}
	engagement, err := strconv.ParseFloat(row.MetricValues[2], 64)
	if err != nil {
		return columnar.PagePathRow{}, fmt.Errorf("parse userEngagementDuration: %w", err)
	}

	return columnar.PagePathRow{
		Date: row.DimensionValues[0], PagePath: row.DimensionValues[1],
		TotalPageviews: pageViews, TotalUsers: users, TotalEngagementSeconds: engagement,
	}, nil
}
