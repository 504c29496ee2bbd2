package columnar

import (
	"context"
	"fmt"
	"sort"
)

// FunnelStageInput names one step of a funnel query; EventName is matched
// against events.event_name (§4.6 "an ordered pipeline of named stages,
// each defined by an event-name predicate").
type FunnelStageInput struct {
	Label     string
	EventName string
}

// DefaultEcommerceStages is the default ecommerce funnel ordering (§4.6).
func DefaultEcommerceStages() []FunnelStageInput {
	return []FunnelStageInput{
		{Label: "Page view", EventName: "page_view"},
		{Label: "View item", EventName: "view_item"},
		{Label: "Add to cart", EventName: "add_to_cart"},
		{Label: "Begin checkout", EventName: "begin_checkout"},
		{Label: "Purchase", EventName: "purchase"},
	}
}

// FunnelStageResult is one computed stage of a funnel, optionally broken out
// by DimensionValue when the query's Dimension is not DimensionAll.
type FunnelStageResult struct {
	StageIndex              int
	Label                   string
	DimensionValue          string
	TotalUsers              int64
	TotalInteractions       int64
	UsersDropped            int64
	DropoffPct              float64
	StageConversionPct      float64
	ConversionFromStartPct  float64
	Ranking                 int
}

// Funnel computes per-stage user counts and conversion percentages for a
// date range, optionally broken out by dim. Each stage's TotalUsers is the
// sum of active_users across all rows matching its event_name in
// [from, to] (optionally further grouped by dim); TotalInteractions sums
// sessions over the same rows.
func (s *Store) Funnel(ctx context.Context, from, to string, stages []FunnelStageInput, dim Dimension) ([]FunnelStageResult, error) {
	if dim.column() == "" {
		return s.funnelAggregate(ctx, from, to, stages)
	}
	return s.funnelByDimension(ctx, from, to, stages, dim)
}

type stageTotals struct {
	users       int64
	interactions int64
}

func (s *Store) queryStageTotals(ctx context.Context, from, to, eventName string) (stageTotals, error) {
	var row struct {
		Users        int64 `gorm:"column:users"`
		Interactions int64 `gorm:"column:interactions"`
	}
	err := s.reader.WithContext(ctx).Model(&EventRow{}).
		Where("date >= ? AND date <= ? AND event_name = ?", from, to, eventName).
		Select("coalesce(sum(active_users),0) as users, coalesce(sum(sessions),0) as interactions").
		Scan(&row).Error
	if err != nil {
		return stageTotals{}, err
	}
	return stageTotals{users: row.Users, interactions: row.Interactions}, nil
}

func (s *Store) funnelAggregate(ctx context.Context, from, to string, stages []FunnelStageInput) ([]FunnelStageResult, error) {
	results := make([]FunnelStageResult, len(stages))
	var startUsers int64

	for i, stage := range stages {
		totals, err := s.queryStageTotals(ctx, from, to, stage.EventName)
		if err != nil {
			return nil, fmt.Errorf("funnel stage %q: %w", stage.Label, err)
		}
		results[i] = FunnelStageResult{StageIndex: i, Label: stage.Label, TotalUsers: totals.users, TotalInteractions: totals.interactions}
		if i == 0 {
			startUsers = totals.users
		}
	}

	applyFunnelDerivedFields(results, startUsers)
	rankByDropoff(results)
	return results, nil
}

func (s *Store) funnelByDimension(ctx context.Context, from, to string, stages []FunnelStageInput, dim Dimension) ([]FunnelStageResult, error) {
	col := dim.column()
	type groupedRow struct {
		Value        string `gorm:"column:value"`
		Users        int64  `gorm:"column:users"`
		Interactions int64  `gorm:"column:interactions"`
	}

	// byValue[dimensionValue] holds one FunnelStageResult per stage index,
	// so drop-off is computed within each dimension value's own chain.
	byValue := map[string][]FunnelStageResult{}
	var order []string
	seen := map[string]bool{}

	for i, stage := range stages {
		var rows []groupedRow
		err := s.reader.WithContext(ctx).Model(&EventRow{}).
			Where("date >= ? AND date <= ? AND event_name = ?", from, to, stage.EventName).
			Select(fmt.Sprintf("%s as value, coalesce(sum(active_users),0) as users, coalesce(sum(sessions),0) as interactions", col)).
			Group(col).
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("funnel stage %q by %s: %w", stage.Label, dim, err)
		}

		present := map[string]bool{}
		for _, r := range rows {
			present[r.Value] = true
			if !seen[r.Value] {
				seen[r.Value] = true
				order = append(order, r.Value)
				byValue[r.Value] = make([]FunnelStageResult, len(stages))
				for j := range byValue[r.Value] {
					byValue[r.Value][j] = FunnelStageResult{StageIndex: j, Label: stages[j].Label, DimensionValue: r.Value}
				}
			}
			slot := byValue[r.Value]
			slot[i].TotalUsers = r.Users
			slot[i].TotalInteractions = r.Interactions
		}
		// Values with no rows for this stage still need a zeroed slot; they
		// are already initialized to zero when first seen, so nothing else
		// to do here.
		_ = present
	}

	sort.Strings(order)
	var out []FunnelStageResult
	for _, v := range order {
		stageResults := byValue[v]
		var startUsers int64
		if len(stageResults) > 0 {
			startUsers = stageResults[0].TotalUsers
		}
		applyFunnelDerivedFields(stageResults, startUsers)
		out = append(out, stageResults...)
	}
	rankByDropoff(out)
	return out, nil
}

func applyFunnelDerivedFields(results []FunnelStageResult, startUsers int64) {
	for i := range results {
		if startUsers > 0 {
			results[i].ConversionFromStartPct = pct(results[i].TotalUsers, startUsers)
		}
		if i == 0 {
			continue
		}
		prev := results[i-1].TotalUsers
		results[i].UsersDropped = prev - results[i].TotalUsers
		if prev > 0 {
			results[i].DropoffPct = pct(results[i].UsersDropped, prev)
			results[i].StageConversionPct = pct(results[i].TotalUsers, prev)
		}
	}
}

// rankByDropoff assigns Ranking 1..N by UsersDropped descending, tie-broken
// by StageIndex ascending (§4.6).
func rankByDropoff(results []FunnelStageResult) {
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ra, rb := results[order[a]], results[order[b]]
		if ra.UsersDropped != rb.UsersDropped {
			return ra.UsersDropped > rb.UsersDropped
		}
		return ra.StageIndex < rb.StageIndex
	})
	for rank, idx := range order {
		results[idx].Ranking = rank + 1
	}
}

func pct(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// DropOffPoints returns funnel stages sorted by DropoffPct descending
// (stage 0, which has no prior stage, is excluded), limited by the caller
// (§4.6 "drop-off points").
func (s *Store) DropOffPoints(ctx context.Context, from, to string, stages []FunnelStageInput, dim Dimension, limit int) ([]FunnelStageResult, error) {
	all, err := s.Funnel(ctx, from, to, stages, dim)
	if err != nil {
		return nil, err
	}
	var withDropoff []FunnelStageResult
	for _, r := range all {
		if r.StageIndex == 0 {
			continue
		}
		withDropoff = append(withDropoff, r)
	}
	sort.SliceStable(withDropoff, func(i, j int) bool {
		return withDropoff[i].DropoffPct > withDropoff[j].DropoffPct
	})
	if limit > 0 && len(withDropoff) > limit {
		withDropoff = withDropoff[:limit]
	}
	return withDropoff, nil
}

// PeriodDelta is one stage's change between two funnel runs (§4.6 "period
// comparison").
type PeriodDelta struct {
	StageIndex       int
	Label            string
	DimensionValue   string
	CurrentUsers     int64
	PriorUsers       int64
	AbsoluteDelta    int64
	PercentDelta     float64
}

// ComparePeriods runs the funnel over two independent date ranges and
// returns per-stage deltas.
func (s *Store) ComparePeriods(ctx context.Context, currentFrom, currentTo, priorFrom, priorTo string, stages []FunnelStageInput, dim Dimension) ([]PeriodDelta, error) {
	current, err := s.Funnel(ctx, currentFrom, currentTo, stages, dim)
	if err != nil {
		return nil, fmt.Errorf("compare periods current: %w", err)
	}
	prior, err := s.Funnel(ctx, priorFrom, priorTo, stages, dim)
	if err != nil {
		return nil, fmt.Errorf("compare periods prior: %w", err)
	}

	priorByKey := make(map[string]FunnelStageResult, len(prior))
	for _, p := range prior {
		priorByKey[fmt.Sprintf("%d|%s", p.StageIndex, p.DimensionValue)] = p
	}

	out := make([]PeriodDelta, len(current))
	for i, c := range current {
		p := priorByKey[fmt.Sprintf("%d|%s", c.StageIndex, c.DimensionValue)]
		delta := PeriodDelta{
			StageIndex:     c.StageIndex,
			Label:          c.Label,
			DimensionValue: c.DimensionValue,
			CurrentUsers:   c.TotalUsers,
			PriorUsers:     p.TotalUsers,
			AbsoluteDelta:  c.TotalUsers - p.TotalUsers,
		}
		if p.TotalUsers > 0 {
			delta.PercentDelta = float64(delta.AbsoluteDelta) / float64(p.TotalUsers) * 100
		}
		out[i] = delta
	}
	return out, nil
}

// PagePathStats is one row of the page-path aggregation (§4.6 "get_page_paths").
type PagePathStats struct {
	PagePath               string
	TotalPageviews         int64
	TotalUsers             int64
	TotalEngagementSeconds float64
	AvgTimePerPageviewSec  float64
	AvgTimePerUserSec      float64
}

// PagePaths returns the top page paths by total pageviews in a date range,
// backing the get_page_paths agent tool.
func (s *Store) PagePaths(ctx context.Context, from, to string, limit int) ([]PagePathStats, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []PagePathRow
	err := s.reader.WithContext(ctx).
		Where("date >= ? AND date <= ?", from, to).
		Select("page_path, sum(total_pageviews) as total_pageviews, sum(total_users) as total_users, sum(total_engagement_seconds) as total_engagement_seconds").
		Group("page_path").
		Order("total_pageviews DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("page paths: %w", err)
	}

	out := make([]PagePathStats, len(rows))
	for i, r := range rows {
		out[i] = PagePathStats{
			PagePath:               r.PagePath,
			TotalPageviews:         r.TotalPageviews,
			TotalUsers:             r.TotalUsers,
			TotalEngagementSeconds: r.TotalEngagementSeconds,
			AvgTimePerPageviewSec:  r.AvgTimePerPageviewSec(),
			AvgTimePerUserSec:      r.AvgTimePerUserSec(),
		}
	}
	return out, nil
}

// ScrollDepthBucket is one of the fixed 25/50/75/90 percent thresholds
// (§4.6 "scroll depth buckets") with its successive drop-off percentage.
type ScrollDepthBucket struct {
	Threshold    int
	Users        int64
	DropoffPct   float64
}

// ScrollDepth counts active users reaching each scroll-depth threshold by
// summing events rows named "scroll_25", "scroll_50", "scroll_75" and
// "scroll_90". The Sync Coordinator stores GA4 event names unchanged and
// does not derive these names from GA4's "scroll" event, so a bucket holds
// users only when the events table has rows under that exact name. dim has
// no effect: buckets are totals over every dimension value, and (the events
// table's 7-tuple key has no page_path column) are not path-scoped.
func (s *Store) ScrollDepth(ctx context.Context, from, to string, dim Dimension) ([]ScrollDepthBucket, error) {
	thresholds := []int{25, 50, 75, 90}
	out := make([]ScrollDepthBucket, len(thresholds))

	for i, t := range thresholds {
		totals, err := s.queryStageTotals(ctx, from, to, fmt.Sprintf("scroll_%d", t))
		if err != nil {
			return nil, fmt.Errorf("scroll depth %d%%: %w", t, err)
		}
		out[i] = ScrollDepthBucket{Threshold: t, Users: totals.users}
	}
	for i := 1; i < len(out); i++ {
		if out[i-1].Users > 0 {
			out[i].DropoffPct = pct(out[i-1].Users-out[i].Users, out[i-1].Users)
		}
	}
	_ = dim // not applied; see the ScrollDepth doc comment
	return out, nil
}
