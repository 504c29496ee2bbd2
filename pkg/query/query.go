// Package query is the Analytical Query Layer (§4.6): funnel, drop-off,
// period comparison, page-path, scroll-depth, semantic comment search, and
// survey statistics. It fronts both pkg/columnar and pkg/txstore, and
// deduplicates concurrent identical funnel queries the Agent Tool Surface
// can issue within one agent turn via a singleflight.Group, the same
// shape as internal/jobs/worker.go's jobInfoGroup.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/embedmodel"
	"github.com/croanalysis/core/pkg/txstore"
	"golang.org/x/sync/singleflight"
)

// Layer answers analytical queries for one project's columnar store plus
// the shared transactional store.
type Layer struct {
	stores  *columnar.StoreRegistry
	surveys *txstore.SurveyRepo
	model   *embedmodel.Model
	group   singleflight.Group
}

// New builds a Layer.
func New(stores *columnar.StoreRegistry, surveys *txstore.SurveyRepo, model *embedmodel.Model) *Layer {
	return &Layer{stores: stores, surveys: surveys, model: model}
}

func (l *Layer) openStore(basePath, projectID, connectorID string) (*columnar.Store, error) {
	return l.stores.Open(columnar.PathFor(basePath, projectID, connectorID))
}

// dedup coalesces concurrent calls sharing the same key into a single
// underlying query.
func dedup[T any](l *Layer, key string, fn func() (T, error)) (T, error) {
	v, err, _ := l.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// FunnelOverview answers get_funnel_overview: a named stage pipeline over a
// date range, optionally broken out by dimension. A nil stages slice falls
// back to the default ecommerce funnel.
func (l *Layer) FunnelOverview(ctx context.Context, basePath, projectID, connectorID string, from, to string, stages []columnar.FunnelStageInput, dim columnar.Dimension) ([]columnar.FunnelStageResult, error) {
	if len(stages) == 0 {
		stages = columnar.DefaultEcommerceStages()
	}
	key := fmt.Sprintf("funnel|%s|%s|%s|%s|%s", connectorID, from, to, dim, stageKey(stages))
	return dedup(l, key, func() ([]columnar.FunnelStageResult, error) {
		store, err := l.openStore(basePath, projectID, connectorID)
		if err != nil {
			return nil, err
		}
		return store.Funnel(ctx, from, to, stages, dim)
	})
}

// DropOffPoints answers get_drop_off_points.
func (l *Layer) DropOffPoints(ctx context.Context, basePath, projectID, connectorID string, from, to string, stages []columnar.FunnelStageInput, dim columnar.Dimension, limit int) ([]columnar.FunnelStageResult, error) {
	if len(stages) == 0 {
		stages = columnar.DefaultEcommerceStages()
	}
	store, err := l.openStore(basePath, projectID, connectorID)
	if err != nil {
		return nil, err
	}
	return store.DropOffPoints(ctx, from, to, stages, dim, limit)
}

// ComparePeriods answers compare_periods.
func (l *Layer) ComparePeriods(ctx context.Context, basePath, projectID, connectorID string, currentFrom, currentTo, priorFrom, priorTo string, stages []columnar.FunnelStageInput, dim columnar.Dimension) ([]columnar.PeriodDelta, error) {
	if len(stages) == 0 {
		stages = columnar.DefaultEcommerceStages()
	}
	store, err := l.openStore(basePath, projectID, connectorID)
	if err != nil {
		return nil, err
	}
	return store.ComparePeriods(ctx, currentFrom, currentTo, priorFrom, priorTo, stages, dim)
}

// PagePaths answers get_page_paths.
func (l *Layer) PagePaths(ctx context.Context, basePath, projectID, connectorID string, from, to string, limit int) ([]columnar.PagePathStats, error) {
	key := fmt.Sprintf("pagepaths|%s|%s|%s|%d", connectorID, from, to, limit)
	return dedup(l, key, func() ([]columnar.PagePathStats, error) {
		store, err := l.openStore(basePath, projectID, connectorID)
		if err != nil {
			return nil, err
		}
		return store.PagePaths(ctx, from, to, limit)
	})
}

// ScrollDepth answers the scroll-depth portion of §4.6.
func (l *Layer) ScrollDepth(ctx context.Context, basePath, projectID, connectorID string, from, to string, dim columnar.Dimension) ([]columnar.ScrollDepthBucket, error) {
	store, err := l.openStore(basePath, projectID, connectorID)
	if err != nil {
		return nil, err
	}
	return store.ScrollDepth(ctx, from, to, dim)
}

// SearchComments answers search_survey_comments: embeds query through the
// same model used by pkg/embedworker, then runs cosine-distance search.
func (l *Layer) SearchComments(ctx context.Context, projectID, query string, limit int) ([]txstore.SemanticMatch, error) {
	vec := l.model.Embed(query)
	return l.surveys.SearchComments(ctx, projectID, vec, limit)
}

// SurveysInRange answers get_survey_by_period.
func (l *Layer) SurveysInRange(ctx context.Context, projectID string, from, to time.Time) ([]txstore.SurveyResponse, error) {
	return l.surveys.ListByPeriod(ctx, projectID, from, to)
}

// SurveyStats answers get_survey_stats.
func (l *Layer) SurveyStats(ctx context.Context, projectID string) (*txstore.SearchStats, error) {
	return l.surveys.Stats(ctx, projectID)
}

func stageKey(stages []columnar.FunnelStageInput) string {
	s := ""
	for _, st := range stages {
		s += st.EventName + ","
	}
	return s
}
