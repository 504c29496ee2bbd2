package columnar

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "ga4.sqlite")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_IsEmptyAndMaxDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	empty, err := store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, store.BulkInsertPagePaths(ctx, []PagePathRow{
		{Date: "2026-07-01", PagePath: "/home", TotalPageviews: 100, TotalUsers: 80},
		{Date: "2026-07-05", PagePath: "/pricing", TotalPageviews: 40, TotalUsers: 30},
	}))

	empty, err = store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)

	maxDate, err := store.MaxDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-05", maxDate.Format("2006-01-02"))
}

func TestStore_UpsertPagePathsOverwritesOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPagePaths(ctx, []PagePathRow{
		{Date: "2026-07-01", PagePath: "/home", TotalPageviews: 100, TotalUsers: 80},
	}))
	require.NoError(t, store.UpsertPagePaths(ctx, []PagePathRow{
		{Date: "2026-07-01", PagePath: "/home", TotalPageviews: 150, TotalUsers: 120},
	}))

	stats, err := store.PagePaths(ctx, "2026-07-01", "2026-07-01", 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(150), stats[0].TotalPageviews)
}

func TestStore_UpsertEventsOverwritesOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := EventRow{
		Date: "2026-07-01", Country: "US", DeviceCategory: "desktop",
		EventName: "purchase", Browser: "Chrome", OperatingSystem: "Windows",
		ScreenResolution: "1920x1080", ActiveUsers: 10, Sessions: 12,
	}
	require.NoError(t, store.UpsertEvents(ctx, []EventRow{row}))
	row.ActiveUsers = 25
	require.NoError(t, store.UpsertEvents(ctx, []EventRow{row}))

	results, err := store.Funnel(ctx, "2026-07-01", "2026-07-01", []FunnelStageInput{
		{Label: "Purchased", EventName: "purchase"},
	}, DimensionAll)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(25), results[0].TotalUsers)
}

func seedFunnelEvents(t *testing.T, store *Store) {
	ctx := context.Background()
	require.NoError(t, store.BulkInsertEvents(ctx, []EventRow{
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "page_view", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 100, Sessions: 110},
		{Date: "2026-07-01", Country: "US", DeviceCategory: "mobile", EventName: "page_view", Browser: "Safari", OperatingSystem: "iOS", ScreenResolution: "390x844", ActiveUsers: 50, Sessions: 55},
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "add_to_cart", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 40, Sessions: 42},
		{Date: "2026-07-01", Country: "US", DeviceCategory: "mobile", EventName: "add_to_cart", Browser: "Safari", OperatingSystem: "iOS", ScreenResolution: "390x844", ActiveUsers: 10, Sessions: 11},
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "purchase", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 20, Sessions: 20},
	}))
}

func TestStore_Funnel(t *testing.T) {
	store := newTestStore(t)
	seedFunnelEvents(t, store)

	results, err := store.Funnel(context.Background(), "2026-07-01", "2026-07-01", []FunnelStageInput{
		{Label: "Viewed", EventName: "page_view"},
		{Label: "Added to cart", EventName: "add_to_cart"},
		{Label: "Purchased", EventName: "purchase"},
	}, DimensionAll)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, int64(150), results[0].TotalUsers)
	assert.Equal(t, int64(50), results[1].TotalUsers)
	assert.Equal(t, int64(20), results[2].TotalUsers)
	assert.InDelta(t, 100.0, results[0].ConversionFromStartPct, 0.01)
	assert.InDelta(t, 33.33, results[1].ConversionFromStartPct, 0.1)
	assert.InDelta(t, 13.33, results[2].ConversionFromStartPct, 0.1)
	assert.Equal(t, int64(100), results[1].UsersDropped)
	assert.Equal(t, 1, results[1].Ranking)
}

func TestStore_FunnelByDimension(t *testing.T) {
	store := newTestStore(t)
	seedFunnelEvents(t, store)

	results, err := store.Funnel(context.Background(), "2026-07-01", "2026-07-01", []FunnelStageInput{
		{Label: "Viewed", EventName: "page_view"},
		{Label: "Added to cart", EventName: "add_to_cart"},
	}, DimensionDeviceCategory)
	require.NoError(t, err)
	require.Len(t, results, 4)

	byValue := map[string][]FunnelStageResult{}
	for _, r := range results {
		byValue[r.DimensionValue] = append(byValue[r.DimensionValue], r)
	}
	assert.Equal(t, int64(100), byValue["desktop"][0].TotalUsers)
	assert.Equal(t, int64(40), byValue["desktop"][1].TotalUsers)
	assert.Equal(t, int64(50), byValue["mobile"][0].TotalUsers)
	assert.Equal(t, int64(10), byValue["mobile"][1].TotalUsers)
}

func TestStore_DropOffPoints(t *testing.T) {
	store := newTestStore(t)
	seedFunnelEvents(t, store)

	points, err := store.DropOffPoints(context.Background(), "2026-07-01", "2026-07-01", []FunnelStageInput{
		{Label: "Viewed", EventName: "page_view"},
		{Label: "Added to cart", EventName: "add_to_cart"},
		{Label: "Purchased", EventName: "purchase"},
	}, DimensionAll, 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].DropoffPct >= points[1].DropoffPct)
}

func TestStore_ComparePeriods(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedFunnelEvents(t, store)
	require.NoError(t, store.BulkInsertEvents(ctx, []EventRow{
		{Date: "2026-06-01", Country: "US", DeviceCategory: "desktop", EventName: "page_view", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 60, Sessions: 65},
	}))

	deltas, err := store.ComparePeriods(ctx, "2026-07-01", "2026-07-01", "2026-06-01", "2026-06-01",
		[]FunnelStageInput{{Label: "Viewed", EventName: "page_view"}}, DimensionAll)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(150), deltas[0].CurrentUsers)
	assert.Equal(t, int64(60), deltas[0].PriorUsers)
	assert.Equal(t, int64(90), deltas[0].AbsoluteDelta)
}

func TestStore_ScrollDepth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.BulkInsertEvents(ctx, []EventRow{
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "scroll_25", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 2},
		{Date: "2026-07-01", Country: "US", DeviceCategory: "desktop", EventName: "scroll_50", Browser: "Chrome", OperatingSystem: "Windows", ScreenResolution: "1920x1080", ActiveUsers: 1},
	}))

	buckets, err := store.ScrollDepth(ctx, "2026-07-01", "2026-07-01", DimensionAll)
	require.NoError(t, err)
	require.Len(t, buckets, 4)
	assert.Equal(t, 25, buckets[0].Threshold)
	assert.Equal(t, int64(2), buckets[0].Users)
	assert.Equal(t, int64(1), buckets[1].Users)
	assert.Equal(t, int64(0), buckets[2].Users)
	assert.InDelta(t, 50.0, buckets[1].DropoffPct, 0.01)
}
