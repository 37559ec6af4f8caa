package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/clock"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/config"
)

var testNow = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

func testConfig(url string) config.DataAPIConfig {
	return config.DataAPIConfig{
		URL:             url,
		Token:           "test-token",
		Timeout:         time.Second,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		LookbackYears:   4,
		LookaheadYears:  1,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
}

func TestFetchRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("x-access-token"))
		assert.Equal(t, "/api/students", r.URL.Path)

		wantStart := testNow.AddDate(0, 0, -4*365).UnixMilli()
		wantEnd := testNow.AddDate(0, 0, 365).UnixMilli()
		assert.Equal(t, strconv.FormatInt(wantStart, 10), r.URL.Query().Get("startDate"))
		assert.Equal(t, strconv.FormatInt(wantEnd, 10), r.URL.Query().Get("endDate"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"students":[{"registerDate":1709640000000,"name":"a"},{"registerDate":null}]}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL+"/api/students"), WithClock(clock.NewMockClock(testNow)))

	records, err := client.FetchRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	ts, ok := records[0].Timestamp()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), ts)

	_, ok = records[1].Timestamp()
	assert.False(t, ok)
}

func TestFetchRecordsMissingStudentsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	records, err := NewClient(testConfig(server.URL)).FetchRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetchRecordsStatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantAttempts int32
		wantStatus   int
	}{
		{"unauthorized is not retried", http.StatusUnauthorized, "", 1, http.StatusUnauthorized},
		{"not found is not retried", http.StatusNotFound, "", 1, http.StatusNotFound},
		{"server error is retried", http.StatusBadGateway, "", 3, http.StatusBadGateway},
		{"rate limit is retried", http.StatusTooManyRequests, "", 3, http.StatusTooManyRequests},
		{"malformed body", http.StatusOK, `{"students": [`, 1, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(testConfig(server.URL)).FetchRecords(context.Background())

			var transportErr *TransportError
			require.True(t, errors.As(err, &transportErr))
			assert.Equal(t, tt.wantStatus, transportErr.StatusCode)
			assert.Equal(t, server.URL, transportErr.URL)
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestFetchRecordsRecoversAfterRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"students":[{"registerDate":1709640000000}]}`))
	}))
	defer server.Close()

	records, err := NewClient(testConfig(server.URL)).FetchRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), attempts.Load())
}

type mockHTTPClient struct {
	mock.Mock
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

func TestFetchRecordsNetworkError(t *testing.T) {
	httpClient := &mockHTTPClient{}
	httpClient.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	cfg := testConfig("https://registrations.invalid/api/students")
	cfg.MaxRetries = 1
	_, err := NewClient(cfg, WithHTTPClient(httpClient)).FetchRecords(context.Background())

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 0, transportErr.StatusCode)
	assert.Contains(t, err.Error(), "connection refused")
	httpClient.AssertNumberOfCalls(t, "Do", 2)
}

func TestCircuitBreakerOpens(t *testing.T) {
	httpClient := &mockHTTPClient{}
	httpClient.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	cfg := testConfig("https://registrations.invalid/api/students")
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	client := NewClient(cfg, WithHTTPClient(httpClient))

	for i := 0; i < 2; i++ {
		_, err := client.FetchRecords(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, client.BreakerState())

	_, err := client.FetchRecords(context.Background())
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	httpClient.AssertNumberOfCalls(t, "Do", 2)
}

func TestFetchRecordsContextCancelled(t *testing.T) {
	httpClient := &mockHTTPClient{}
	httpClient.On("Do", mock.Anything).Return(nil, errors.New("timeout"))

	cfg := testConfig("https://registrations.invalid/api/students")
	cfg.RetryDelay = time.Hour
	client := NewClient(cfg, WithHTTPClient(httpClient))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.FetchRecords(ctx)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Minute)
}
