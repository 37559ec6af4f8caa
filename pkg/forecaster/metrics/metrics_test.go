package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	for _, c := range []prometheus.Collector{
		ForecastRequests, CacheLookups, CachePersistErrors, ModelPredictions, ForecastDuration,
		DataSourceFetches, DataSourceRecords, CircuitBreakerState, LastForecastTimestamp,
	} {
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		require.ErrorAs(t, err, &already)
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(CacheLookups.WithLabelValues("hit"))
	CacheLookups.WithLabelValues("hit").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CacheLookups.WithLabelValues("hit")))

	CircuitBreakerState.WithLabelValues("test").Set(2)
	expected := `
# HELP registration_forecaster_circuit_breaker_state State of the data API circuit breaker: 0 closed, 1 half-open, 2 open
# TYPE registration_forecaster_circuit_breaker_state gauge
registration_forecaster_circuit_breaker_state{name="test"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(CircuitBreakerState, strings.NewReader(expected)))
}
