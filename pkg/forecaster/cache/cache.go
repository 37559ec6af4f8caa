package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/clock"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/metrics"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// ComputeFunc produces a fresh forecast on a cache miss
type ComputeFunc func() (*types.ForecastResult, error)

// PredictionCache holds at most one forecast, valid for the ISO week it was computed in.
// The slot is mirrored to a JSON file so a restart within the same week serves the
// persisted result instead of recomputing.
type PredictionCache struct {
	clock clock.Clock
	path  string

	// mutex is held across check, compute and publish so concurrent misses compute once
	mutex sync.Mutex
	entry *cacheEntry

	stats Stats
}

type cacheEntry struct {
	result *types.ForecastResult
	week   clock.WeekKey
}

// Stats are cumulative lookup counters
type Stats struct {
	Hits     int64
	FileHits int64
	Misses   int64
}

// New creates an empty cache persisted at path. An empty path disables persistence.
func New(clk clock.Clock, path string) *PredictionCache {
	return &PredictionCache{
		clock: clk,
		path:  path,
	}
}

// GetOrCompute returns the forecast for the current ISO week, calling compute only when no
// entry exists for it. hit reports whether compute was skipped. A compute error is returned
// unchanged and the previous entry is kept.
func (c *PredictionCache) GetOrCompute(compute ComputeFunc) (result *types.ForecastResult, hit bool, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	week := clock.CurrentWeek(c.clock)

	if c.entry != nil && c.entry.week == week {
		c.stats.Hits++
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		klog.V(3).InfoS("Serving cached forecast", "year", week.Year, "week", week.Week)
		return c.entry.result, true, nil
	}

	if c.entry == nil {
		if persisted := c.loadFile(); persisted != nil && persisted.week == week {
			c.entry = persisted
			c.stats.FileHits++
			metrics.CacheLookups.WithLabelValues("file_hit").Inc()
			klog.V(2).InfoS("Serving forecast restored from cache file",
				"path", c.path,
				"lastUpdated", persisted.result.LastUpdated)
			return persisted.result, true, nil
		}
	}

	c.stats.Misses++
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	result, err = compute()
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, errors.New("forecast computation returned no result")
	}

	c.entry = &cacheEntry{result: result, week: week}
	if err := c.persist(result); err != nil {
		metrics.CachePersistErrors.Inc()
		klog.ErrorS(err, "Failed to persist forecast cache", "path", c.path)
	}

	klog.V(2).InfoS("Cached new forecast",
		"year", week.Year,
		"week", week.Week,
		"forecastWeeks", len(result.Forecast))

	return result, false, nil
}

// Invalidate drops the in-memory entry. The next lookup falls through to the cache file.
func (c *PredictionCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entry = nil
	klog.V(4).Info("Invalidated forecast cache")
}

// Stats returns cumulative lookup counters
func (c *PredictionCache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stats
}

// loadFile reads the persisted slot. Absent or unreadable files are treated as empty.
func (c *PredictionCache) loadFile() *cacheEntry {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			klog.ErrorS(err, "Failed to read forecast cache file", "path", c.path)
		}
		return nil
	}

	var result types.ForecastResult
	if err := json.Unmarshal(data, &result); err != nil {
		klog.ErrorS(err, "Ignoring corrupt forecast cache file", "path", c.path)
		return nil
	}
	if result.LastUpdated.IsZero() {
		klog.ErrorS(nil, "Ignoring forecast cache file without last_updated", "path", c.path)
		return nil
	}

	return &cacheEntry{result: &result, week: clock.ISOWeek(result.LastUpdated)}
}

func (c *PredictionCache) persist(result *types.ForecastResult) error {
	if c.path == "" {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}
