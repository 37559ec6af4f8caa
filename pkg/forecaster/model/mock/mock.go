package mock

import (
	"fmt"
	"sync/atomic"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/model"
)

// MockModel implements model.Artifact for testing. It returns the first feature value plus
// Offset unless PredictFunc is set, and counts every invocation.
type MockModel struct {
	Names       []string
	ResidualStd float64
	Offset      float64
	PredictFunc func(row []float64) (float64, error)

	calls atomic.Int64
}

// New creates a mock model requiring the given features
func New(sigma float64, names ...string) *MockModel {
	return &MockModel{Names: names, ResidualStd: sigma}
}

func (m *MockModel) Predict(row []float64) (float64, error) {
	m.calls.Add(1)
	if m.PredictFunc != nil {
		return m.PredictFunc(row)
	}
	if len(row) == 0 {
		return m.Offset, nil
	}
	return row[0] + m.Offset, nil
}

func (m *MockModel) FeatureNames() []string {
	return m.Names
}

func (m *MockModel) Sigma() float64 {
	return m.ResidualStd
}

// Calls returns how many times Predict has been invoked
func (m *MockModel) Calls() int64 {
	return m.calls.Load()
}

// Loader hands out a fixed artifact, or Err when set
type Loader struct {
	Artifact model.Artifact
	Err      error

	loads atomic.Int64
}

func (l *Loader) Load() (model.Artifact, error) {
	l.loads.Add(1)
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Artifact == nil {
		return nil, &model.UnavailableError{Path: "mock", Err: fmt.Errorf("no artifact configured")}
	}
	return l.Artifact, nil
}

// Loads returns how many times Load has been invoked
func (l *Loader) Loads() int64 {
	return l.loads.Load()
}
