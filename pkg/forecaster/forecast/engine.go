package forecast

import (
	"errors"
	"fmt"
	"math"

	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/clock"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/features"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/metrics"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/model"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/series"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

const (
	// DefaultHistoryWeeks is how many trailing observed weeks accompany a forecast
	DefaultHistoryWeeks = 12

	// z-score of a two-sided 95% normal interval
	intervalZ = 1.96
)

// FeatureMismatchError reports that a forecast step could not supply a feature the model
// requires
type FeatureMismatchError struct {
	Feature    string
	Step       int
	WeekEnding types.Date
	Reason     string
}

func (e *FeatureMismatchError) Error() string {
	return fmt.Sprintf("feature %q unavailable for forecast step %d (week ending %s): %s",
		e.Feature, e.Step, e.WeekEnding, e.Reason)
}

// Engine produces recursive multi-week forecasts. Each predicted week is written back into
// a working copy of the series so later steps derive their lag and rolling features from it.
type Engine struct {
	clock        clock.Clock
	historyWeeks int
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithHistoryWeeks sets how many trailing history points the result carries
func WithHistoryWeeks(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.historyWeeks = n
		}
	}
}

func NewEngine(clk clock.Clock, opts ...EngineOption) *Engine {
	e := &Engine{
		clock:        clk,
		historyWeeks: DefaultHistoryWeeks,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Forecast predicts horizon weeks past the end of history. Any failure aborts the whole
// forecast; no partial result is returned.
func (e *Engine) Forecast(history types.WeeklySeries, m model.Artifact, horizon int) (*types.ForecastResult, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}
	if len(history) == 0 {
		return nil, errors.New("history is empty")
	}
	if err := series.Validate(history); err != nil {
		return nil, fmt.Errorf("invalid history: %w", err)
	}
	for _, p := range history {
		if p.Registrations == nil {
			return nil, fmt.Errorf("history week %s has no observed registrations", p.WeekEnding)
		}
	}

	names := m.FeatureNames()
	if len(names) == 0 {
		return nil, errors.New("model declares no features")
	}
	sigma := m.Sigma()
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) || sigma < 0 {
		return nil, fmt.Errorf("model residual deviation %v is unusable", sigma)
	}
	margin := intervalZ * sigma

	working := history.Clone()
	last := history[len(history)-1].WeekEnding
	for step := 1; step <= horizon; step++ {
		working = append(working, types.WeeklyPoint{WeekEnding: last.AddWeeks(step)})
	}

	points := make([]types.ForecastPoint, 0, horizon)
	values := make([]float64, len(names))

	for step := 0; step < horizon; step++ {
		idx := len(history) + step
		// Re-derived over the whole working series so earlier predictions feed this row
		row := features.Derive(working)[idx]

		for i, name := range names {
			v, present, err := row.Value(name)
			if err != nil {
				return nil, &FeatureMismatchError{Feature: name, Step: step + 1, WeekEnding: row.WeekEnding, Reason: err.Error()}
			}
			if !present {
				return nil, &FeatureMismatchError{Feature: name, Step: step + 1, WeekEnding: row.WeekEnding, Reason: "not enough history to compute it"}
			}
			values[i] = v
		}

		y, err := m.Predict(values)
		metrics.ModelPredictions.Inc()
		if err != nil {
			return nil, fmt.Errorf("prediction failed for week ending %s: %w", row.WeekEnding, err)
		}
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, fmt.Errorf("model returned non-finite prediction %v for week ending %s", y, row.WeekEnding)
		}

		prediction := clampCount(y)
		working[idx].Registrations = ptr.To(prediction)

		points = append(points, types.ForecastPoint{
			WeekEnding:      row.WeekEnding,
			Prediction:      prediction,
			ConfidenceLower: clampCount(float64(prediction) - margin),
			ConfidenceUpper: roundCount(float64(prediction) + margin),
		})

		klog.V(4).InfoS("Forecast step",
			"step", step+1,
			"weekEnding", row.WeekEnding.String(),
			"raw", y,
			"prediction", prediction)
	}

	result := &types.ForecastResult{
		LastUpdated: e.clock.Now(),
		History:     history.Tail(e.historyWeeks).Clone(),
		Forecast:    points,
	}

	klog.V(2).InfoS("Forecast complete",
		"historyWeeks", len(history),
		"horizon", horizon,
		"first", points[0].WeekEnding.String(),
		"sigma", sigma)

	return result, nil
}

// roundCount rounds half to even
func roundCount(v float64) int {
	return int(math.RoundToEven(v))
}

// clampCount rounds and floors at zero, since a count is never negative
func clampCount(v float64) int {
	n := roundCount(v)
	if n < 0 {
		return 0
	}
	return n
}
