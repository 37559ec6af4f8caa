package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Subsystem name used for forecaster metrics
	forecasterSubsystem = "registration_forecaster"
)

var (
	// ForecastRequests counts query endpoint calls by outcome
	ForecastRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: forecasterSubsystem,
			Name:      "forecast_requests_total",
			Help:      "Number of forecast requests by result",
		},
		[]string{"result"}, // "success", "error"
	)

	// CacheLookups counts prediction cache lookups
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: forecasterSubsystem,
			Name:      "cache_lookups_total",
			Help:      "Number of prediction cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "file_hit"
	)

	// CachePersistErrors counts failed writes of the cache file
	CachePersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: forecasterSubsystem,
			Name:      "cache_persist_errors_total",
			Help:      "Number of failed attempts to persist the prediction cache",
		},
	)

	// ModelPredictions counts individual model invocations
	ModelPredictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: forecasterSubsystem,
			Name:      "model_predictions_total",
			Help:      "Number of single-step model predictions made",
		},
	)

	// ForecastDuration measures full recomputes, from fetch to assembled result
	ForecastDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: forecasterSubsystem,
			Name:      "forecast_duration_seconds",
			Help:      "Latency of forecast recomputes",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"result"}, // "success", "error"
	)

	// DataSourceFetches counts record fetches by source and outcome
	DataSourceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: forecasterSubsystem,
			Name:      "datasource_fetches_total",
			Help:      "Number of registration record fetches by source and result",
		},
		[]string{"source", "result"}, // source: "remote", "snapshot"; result: "success", "error"
	)

	// DataSourceRecords records how many raw records the last successful fetch returned
	DataSourceRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: forecasterSubsystem,
			Name:      "datasource_records",
			Help:      "Raw registration records returned by the last successful fetch",
		},
		[]string{"source"},
	)

	// CircuitBreakerState exposes the remote API breaker (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: forecasterSubsystem,
			Name:      "circuit_breaker_state",
			Help:      "State of the data API circuit breaker: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	// LastForecastTimestamp is the unix time of the most recently computed forecast
	LastForecastTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: forecasterSubsystem,
			Name:      "last_forecast_timestamp_seconds",
			Help:      "Unix timestamp of the most recently computed forecast",
		},
	)
)

func init() {
	prometheus.MustRegister(ForecastRequests)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(CachePersistErrors)
	prometheus.MustRegister(ModelPredictions)
	prometheus.MustRegister(ForecastDuration)
	prometheus.MustRegister(DataSourceFetches)
	prometheus.MustRegister(DataSourceRecords)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(LastForecastTimestamp)
}
