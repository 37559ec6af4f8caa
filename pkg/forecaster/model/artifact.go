package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"
)

// Artifact is a trained regressor as consumed by the forecast engine
type Artifact interface {
	// Predict scores a row whose values are ordered like FeatureNames
	Predict(row []float64) (float64, error)
	// FeatureNames is the ordered list of features the model requires
	FeatureNames() []string
	// Sigma is the residual standard deviation observed during training
	Sigma() float64
}

// UnavailableError reports that the artifact could not be loaded
type UnavailableError struct {
	Path string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("model artifact %s unavailable: %v", e.Path, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// LinearModel is an ordinary-least-squares regressor over named features
type LinearModel struct {
	Features     []string           `json:"feature_names"`
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
	ResidualStd  float64            `json:"sigma"`
	TrainedAt    time.Time          `json:"trained_at"`
	TrainingRows int                `json:"training_rows"`
}

func (m *LinearModel) FeatureNames() []string {
	return m.Features
}

func (m *LinearModel) Sigma() float64 {
	return m.ResidualStd
}

func (m *LinearModel) Predict(row []float64) (float64, error) {
	if len(row) != len(m.Features) {
		return 0, fmt.Errorf("row has %d values, model expects %d", len(row), len(m.Features))
	}
	y := m.Intercept
	for i, name := range m.Features {
		y += m.Coefficients[name] * row[i]
	}
	return y, nil
}

// Validate checks that the artifact is internally consistent
func (m *LinearModel) Validate() error {
	if len(m.Features) == 0 {
		return errors.New("feature list is empty")
	}
	seen := make(map[string]bool, len(m.Features))
	for _, name := range m.Features {
		if seen[name] {
			return fmt.Errorf("feature %q listed twice", name)
		}
		seen[name] = true
		c, ok := m.Coefficients[name]
		if !ok {
			return fmt.Errorf("no coefficient for feature %q", name)
		}
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("coefficient for %q is not finite", name)
		}
	}
	if math.IsNaN(m.Intercept) || math.IsInf(m.Intercept, 0) {
		return errors.New("intercept is not finite")
	}
	if math.IsNaN(m.ResidualStd) || m.ResidualStd < 0 {
		return fmt.Errorf("invalid residual standard deviation %v", m.ResidualStd)
	}
	return nil
}

// Loader produces an Artifact on demand
type Loader interface {
	Load() (Artifact, error)
}

// FileLoader reads a JSON LinearModel from disk on every Load, so a retrained artifact is
// picked up on the next recompute without a restart
type FileLoader struct {
	Path string
}

func (l FileLoader) Load() (Artifact, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, &UnavailableError{Path: l.Path, Err: err}
	}

	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &UnavailableError{Path: l.Path, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := m.Validate(); err != nil {
		return nil, &UnavailableError{Path: l.Path, Err: err}
	}

	klog.V(3).InfoS("Loaded model artifact",
		"path", l.Path,
		"features", len(m.Features),
		"sigma", m.ResidualStd,
		"trainedAt", m.TrainedAt)

	return &m, nil
}

// Save writes the model atomically to path
func Save(path string, m *LinearModel) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid model: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	return nil
}
