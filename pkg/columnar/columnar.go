// Package columnar is the Columnar Embedded Store (§4.2): one SQLite file
// per connector, holding the GA4 events and page_paths tables for fast
// local aggregation without round-tripping to the transactional store.
// Uses gorm (model structs with gorm tags, auto-migration over a model
// slice) with glebarez/sqlite as the pure-Go driver, since no DuckDB
// binding is available (DESIGN.md). The file suffix is .sqlite rather
// than .duckdb for the same reason.
package columnar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// EventRow is one GA4 aggregated event row (§3 "GA4 Event Row"). The
// 7-tuple (Date, Country, DeviceCategory, EventName, Browser,
// OperatingSystem, ScreenResolution) is the composite primary key; GA4's
// runReport returns one such aggregated row per distinct dimension
// combination, not a per-user event log.
type EventRow struct {
	Date            string `gorm:"column:date;uniqueIndex:idx_events_key"`
	Country         string `gorm:"column:country;uniqueIndex:idx_events_key"`
	DeviceCategory  string `gorm:"column:device_category;uniqueIndex:idx_events_key"`
	EventName       string `gorm:"column:event_name;uniqueIndex:idx_events_key;index:idx_events_name"`
	Browser         string `gorm:"column:browser;uniqueIndex:idx_events_key"`
	OperatingSystem string `gorm:"column:operating_system;uniqueIndex:idx_events_key"`
	ScreenResolution string `gorm:"column:screen_resolution;uniqueIndex:idx_events_key"`

	ActiveUsers             int64   `gorm:"column:active_users"`
	Sessions                int64   `gorm:"column:sessions"`
	ScreenPageViews         int64   `gorm:"column:screen_page_views"`
	BounceRate              float64 `gorm:"column:bounce_rate"`
	AverageSessionDuration  float64 `gorm:"column:average_session_duration"`
}

// TableName pins the gorm table name independent of struct naming.
func (EventRow) TableName() string { return "events" }

// PagePathRow is one aggregated page-path row (§3 "GA4 Page Path Row"), the
// composite-key (date, page_path) upsert target for incremental pulls.
type PagePathRow struct {
	Date     string `gorm:"column:date;uniqueIndex:idx_page_paths_key"`
	PagePath string `gorm:"column:page_path;uniqueIndex:idx_page_paths_key"`

	TotalPageviews         int64 `gorm:"column:total_pageviews"`
	TotalUsers             int64 `gorm:"column:total_users"`
	TotalEngagementSeconds float64 `gorm:"column:total_engagement_seconds"`
}

// TableName pins the gorm table name independent of struct naming.
func (PagePathRow) TableName() string { return "page_paths" }

// AvgTimePerPageviewSec is a derived metric (§3), computed on read rather
// than stored.
func (p PagePathRow) AvgTimePerPageviewSec() float64 {
	if p.TotalPageviews == 0 {
		return 0
	}
	return p.TotalEngagementSeconds / float64(p.TotalPageviews)
}

// AvgTimePerUserSec is a derived metric (§3), computed on read rather than
// stored.
func (p PagePathRow) AvgTimePerUserSec() float64 {
	if p.TotalUsers == 0 {
		return 0
	}
	return p.TotalEngagementSeconds / float64(p.TotalUsers)
}

// AllModels lists every model for auto-migration.
func AllModels() []any {
	return []any{&EventRow{}, &PagePathRow{}}
}

// Dimension names one of the four breakable-out GA4 dimensions a query may
// group by in addition to its primary axis (§4.6 "dimension_filter").
type Dimension string

// Dimension values. DimensionAll means no secondary grouping.
const (
	DimensionAll            Dimension = "all"
	DimensionDeviceCategory Dimension = "device_category"
	DimensionCountry        Dimension = "country"
	DimensionBrowser        Dimension = "browser"
	DimensionOS             Dimension = "operating_system"
)

// column maps a Dimension to its events-table column name, empty for
// DimensionAll/unknown values.
func (d Dimension) column() string {
	switch d {
	case DimensionDeviceCategory, DimensionCountry, DimensionBrowser, DimensionOS:
		return string(d)
	default:
		return ""
	}
}

// Store wraps one connector's SQLite file. Single-writer/many-reader per
// §4.2: Writer() returns the sole handle used by the Sync Coordinator,
// Reader() returns a handle any number of query goroutines may share
// concurrently, both backed by the same file in SQLite WAL mode. The
// Bulk*/Upsert* write methods are additionally serialized by mu, an
// app-level mutex.
type Store struct {
	path   string
	mu     sync.Mutex
	writer *gorm.DB
	reader *gorm.DB
}

// PathFor builds the per-connector file path: {base}/{project_id}/{connector_id}/ga4.sqlite.
func PathFor(basePath, projectID, connectorID string) string {
	return filepath.Join(basePath, projectID, connectorID, "ga4.sqlite")
}

// StoreRegistry caches one open *Store per connector file path, so the
// Sync Coordinator and the Analytical Query Layer share a single pair of
// writer/reader handles per connector instead of each opening its own
// (multiple writer connections to the same SQLite file would otherwise
// contend for its single-writer lock).
type StoreRegistry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewStoreRegistry builds an empty registry.
func NewStoreRegistry() *StoreRegistry {
	return &StoreRegistry{stores: make(map[string]*Store)}
}

// Open returns the cached Store for path, opening it on first use.
func (r *StoreRegistry) Open(path string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[path]; ok {
		return s, nil
	}
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	r.stores[path] = s
	return s, nil
}

// Close closes and evicts the Store for path, if open. Used when a
// connector is deleted (§3 "connectors exclusively own their columnar
// store").
func (r *StoreRegistry) Close(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[path]
	if !ok {
		return nil
	}
	delete(r.stores, path)
	return s.Close()
}

// CloseAll closes every cached Store, for graceful shutdown.
func (r *StoreRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.stores, path)
	}
	return firstErr
}

// Open creates the connector's directory if needed and opens both handles,
// running auto-migration on the writer connection.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create columnar store directory: %w", err)
	}

	writer, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open columnar writer: %w", err)
	}
	if err := writer.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate columnar store: %w", err)
	}

	reader, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)&mode=ro"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open columnar reader: %w", err)
	}

	return &Store{path: path, writer: writer, reader: reader}, nil
}

// Close releases both underlying SQLite connections.
func (s *Store) Close() error {
	if sqlDB, err := s.writer.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if sqlDB, err := s.reader.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// Writer returns the single mutating handle; callers must serialize writes
// through Store's own mutex via the Bulk*/Upsert* methods rather than
// calling this directly for ad-hoc mutation.
func (s *Store) Writer() *gorm.DB { return s.writer }

// Reader returns a read-only handle safe for concurrent use by any number of
// query-layer goroutines.
func (s *Store) Reader() *gorm.DB { return s.reader }

// IsEmpty reports whether the page_paths table has no rows yet, the signal
// the Sync Coordinator uses to pick the first-sync 90-day window and the
// bulk_insert-vs-upsert write path (§4.5).
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int64
	if err := s.reader.WithContext(ctx).Model(&PagePathRow{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count page_paths: %w", err)
	}
	return count == 0, nil
}

// MaxDate returns the most recent date present in page_paths, or the zero
// time if the store is empty.
func (s *Store) MaxDate(ctx context.Context) (time.Time, error) {
	var maxDate string
	err := s.reader.WithContext(ctx).Model(&PagePathRow{}).Select("max(date)").Scan(&maxDate).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("max date: %w", err)
	}
	if maxDate == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", maxDate)
}

// BulkInsertEvents appends rows inside one transaction, used only when the
// store is empty at pull entry (§4.2 "bulk_insert ... used only when empty;
// ~10x faster than upsert").
func (s *Store) BulkInsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	const batchSize = 500
	if err := s.writer.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("bulk insert events: %w", err)
	}
	return nil
}

// UpsertEvents merges rows into events keyed on the 7-tuple composite key,
// overwriting metric columns on conflict (§4.2 "upsert ... INSERT OR
// REPLACE semantics against the composite key"). Uses an explicit
// ON CONFLICT DO UPDATE clause rather than Where+Assign+FirstOrCreate: that
// pattern only assigns non-zero struct fields, so a metric that legitimately
// drops to 0 on a re-pull would never overwrite a prior non-zero value.
func (s *Store) UpsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict := clause.OnConflict{
		Columns: []clause.Column{
			{Name: "date"}, {Name: "country"}, {Name: "device_category"},
			{Name: "event_name"}, {Name: "browser"}, {Name: "operating_system"},
			{Name: "screen_resolution"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"active_users", "sessions", "screen_page_views", "bounce_rate", "average_session_duration",
		}),
	}
	if err := s.writer.WithContext(ctx).Clauses(conflict).Create(&rows).Error; err != nil {
		return fmt.Errorf("upsert events: %w", err)
	}
	return nil
}

// BulkInsertPagePaths appends rows inside one transaction, used only when
// the store is empty at pull entry.
func (s *Store) BulkInsertPagePaths(ctx context.Context, rows []PagePathRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	const batchSize = 500
	if err := s.writer.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("bulk insert page_paths: %w", err)
	}
	return nil
}

// UpsertPagePaths merges rows into page_paths keyed on (date, page_path),
// overwriting metric columns on conflict (§4.2). Same ON CONFLICT DO UPDATE
// approach as UpsertEvents, so a metric dropping to 0 still overwrites.
func (s *Store) UpsertPagePaths(ctx context.Context, rows []PagePathRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}, {Name: "page_path"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_pageviews", "total_users", "total_engagement_seconds",
		}),
	}
	if err := s.writer.WithContext(ctx).Clauses(conflict).Create(&rows).Error; err != nil {
		return fmt.Errorf("upsert page_paths: %w", err)
	}
	return nil
}
