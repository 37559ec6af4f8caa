package model

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/features"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// Fit trains an ordinary-least-squares model. rows[i] is ordered like names and observed[i]
// is its target. Sigma is the population standard deviation of the training residuals.
func Fit(names []string, rows [][]float64, observed []float64, trainedAt time.Time) (*LinearModel, error) {
	if len(rows) != len(observed) {
		return nil, fmt.Errorf("got %d rows but %d observations", len(rows), len(observed))
	}
	if len(rows) <= len(names) {
		return nil, fmt.Errorf("need more than %d training rows, got %d", len(names), len(rows))
	}

	r := new(regression.Regression)
	r.SetObserved("registrations")
	for i, name := range names {
		r.SetVar(i, name)
	}
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(names))
		}
		r.Train(regression.DataPoint(observed[i], row))
	}
	if err := r.Run(); err != nil {
		return nil, fmt.Errorf("regression failed: %w", err)
	}

	m := &LinearModel{
		Features:     append([]string(nil), names...),
		Intercept:    r.Coeff(0),
		Coefficients: make(map[string]float64, len(names)),
		TrainedAt:    trainedAt,
		TrainingRows: len(rows),
	}
	for i, name := range names {
		m.Coefficients[name] = r.Coeff(i + 1)
	}

	residuals := make([]float64, len(rows))
	for i, row := range rows {
		pred, err := m.Predict(row)
		if err != nil {
			return nil, err
		}
		residuals[i] = observed[i] - pred
	}
	_, variance := stat.PopMeanVariance(residuals, nil)
	m.ResidualStd = math.Sqrt(variance)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("trained model is unusable: %w", err)
	}
	return m, nil
}

// TrainingSet derives the feature matrix for a fully observed series, dropping weeks where
// any requested feature is missing
func TrainingSet(s types.WeeklySeries, names []string) (rows [][]float64, observed []float64, err error) {
	for _, name := range names {
		if _, _, err := (features.Row{}).Value(name); err != nil {
			return nil, nil, err
		}
	}

	derived := features.Derive(s)
	for i, row := range derived {
		if s[i].Registrations == nil || !row.Complete(names) {
			continue
		}
		values := make([]float64, len(names))
		for j, name := range names {
			values[j], _, _ = row.Value(name)
		}
		rows = append(rows, values)
		observed = append(observed, float64(*s[i].Registrations))
	}

	if len(rows) == 0 {
		return nil, nil, errors.New("no week has every requested feature")
	}

	klog.V(2).InfoS("Built training set", "weeks", len(s), "rows", len(rows), "features", len(names))
	return rows, observed, nil
}
