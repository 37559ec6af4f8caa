package forecast

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/cache"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/datasource"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/metrics"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/model"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/series"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// Service answers forecast queries, recomputing at most once per ISO week
type Service struct {
	source  datasource.Source
	loader  model.Loader
	engine  *Engine
	cache   *cache.PredictionCache
	horizon int
}

func NewService(source datasource.Source, loader model.Loader, engine *Engine, c *cache.PredictionCache, horizon int) *Service {
	return &Service{
		source:  source,
		loader:  loader,
		engine:  engine,
		cache:   c,
		horizon: horizon,
	}
}

// Predict returns this week's forecast. The returned value is shared between callers and
// must not be modified.
//
// A recompute serves every caller waiting on the cache, so it runs detached from ctx's
// cancellation. Only the data source timeout bounds it.
func (s *Service) Predict(ctx context.Context) (*types.ForecastResult, error) {
	computeCtx := context.WithoutCancel(ctx)
	result, hit, err := s.cache.GetOrCompute(func() (*types.ForecastResult, error) {
		return s.compute(computeCtx)
	})
	if err != nil {
		metrics.ForecastRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ForecastRequests.WithLabelValues("success").Inc()
	klog.V(3).InfoS("Served forecast", "cached", hit, "lastUpdated", result.LastUpdated)
	return result, nil
}

func (s *Service) compute(ctx context.Context) (*types.ForecastResult, error) {
	start := time.Now()
	result, err := s.run(ctx)
	if err != nil {
		metrics.ForecastDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		klog.ErrorS(err, "Forecast computation failed", "duration", time.Since(start))
		return nil, err
	}

	metrics.ForecastDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	metrics.LastForecastTimestamp.Set(float64(result.LastUpdated.Unix()))
	klog.InfoS("Computed new forecast",
		"duration", time.Since(start),
		"weeks", len(result.Forecast))
	return result, nil
}

func (s *Service) run(ctx context.Context) (*types.ForecastResult, error) {
	records, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch registrations: %w", err)
	}

	history, err := series.Build(records)
	if err != nil {
		return nil, err
	}

	artifact, err := s.loader.Load()
	if err != nil {
		return nil, err
	}

	return s.engine.Forecast(history, artifact, s.horizon)
}
