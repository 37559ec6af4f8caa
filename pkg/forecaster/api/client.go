package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/clock"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/config"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/metrics"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

const (
	breakerName = "registrations-api"
	tokenHeader = "x-access-token"
	daysPerYear = 365
	maxBackoff  = 30 * time.Second
	maxBodySize = 64 << 20
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportError reports a failed exchange with the registrations API. StatusCode is 0
// when no response was received.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registrations API %s returned status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registrations API %s unreachable: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// retryable reports whether another attempt could succeed
func (e *TransportError) retryable() bool {
	if errors.Is(e.Err, gobreaker.ErrOpenState) || errors.Is(e.Err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// StudentsResponse is the registrations API payload
type StudentsResponse struct {
	Students []types.Record `json:"students"`
}

// Client fetches raw registration records from the remote API
type Client struct {
	cfg        config.DataAPIConfig
	httpClient HTTPClient
	clock      clock.Clock
	breaker    *gobreaker.CircuitBreaker[[]types.Record]
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClock sets the clock used to compute the requested date window
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// NewClient creates a new API client
func NewClient(cfg config.DataAPIConfig, opts ...ClientOption) *Client {
	client := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		clock: clock.RealClock{},
	}

	for _, opt := range opts {
		opt(client)
	}

	failures := uint32(max(cfg.BreakerFailures, 1))
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	client.breaker = gobreaker.NewCircuitBreaker[[]types.Record](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.InfoS("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return client
}

// FetchRecords retrieves every registration in the configured window around now. The
// call is retried with backoff and short-circuited while the breaker is open. Errors are
// always *TransportError.
func (c *Client) FetchRecords(ctx context.Context) ([]types.Record, error) {
	records, err := c.breaker.Execute(func() ([]types.Record, error) {
		return c.fetchWithRetry(ctx)
	})
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return nil, transportErr
		}
		// The breaker rejected the call without attempting it
		return nil, &TransportError{URL: c.cfg.URL, Err: err}
	}
	return records, nil
}

func (c *Client) fetchWithRetry(ctx context.Context) ([]types.Record, error) {
	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr *TransportError
	for attempt := 0; attempt <= retries; attempt++ {
		records, err := c.doRequest(ctx)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if !err.retryable() || attempt == retries {
			break
		}

		klog.V(2).InfoS("Registrations API request failed, retrying",
			"attempt", attempt+1,
			"maxRetries", retries,
			"error", err)

		timer := time.NewTimer(c.getBackoffDuration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TransportError{URL: c.cfg.URL, Err: fmt.Errorf("context cancelled during backoff: %w", ctx.Err())}
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context) ([]types.Record, *TransportError) {
	reqURL, err := c.requestURL()
	if err != nil {
		return nil, &TransportError{URL: c.cfg.URL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{URL: c.cfg.URL, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	klog.V(2).InfoS("Making registrations API request",
		"url", c.cfg.URL,
		"hasToken", c.cfg.Token != "")

	if c.cfg.Token != "" {
		req.Header.Set(tokenHeader, c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: c.cfg.URL, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, &TransportError{URL: c.cfg.URL, StatusCode: resp.StatusCode, Err: errors.New("rate limit exceeded")}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &TransportError{URL: c.cfg.URL, StatusCode: resp.StatusCode, Err: errors.New("access token rejected")}
	default:
		return nil, &TransportError{URL: c.cfg.URL, StatusCode: resp.StatusCode, Err: errors.New("unexpected status code")}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{URL: c.cfg.URL, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var payload StudentsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &TransportError{URL: c.cfg.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	klog.V(2).InfoS("Fetched registration records", "count", len(payload.Students))
	return payload.Students, nil
}

// requestURL appends the startDate/endDate window, in epoch milliseconds, to the base URL
func (c *Client) requestURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}

	now := c.clock.Now()
	start := now.AddDate(0, 0, -daysPerYear*c.cfg.LookbackYears)
	end := now.AddDate(0, 0, daysPerYear*c.cfg.LookaheadYears)

	q := u.Query()
	q.Set("startDate", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endDate", strconv.FormatInt(end.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) getBackoffDuration(attempt int) time.Duration {
	// Exponential backoff with jitter
	backoff := c.cfg.RetryDelay * time.Duration(1<<uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	// Add jitter (±20%)
	return time.Duration(float64(backoff) * (0.8 + 0.4*float64(time.Now().UnixNano()%100)/100.0))
}

// BreakerState returns the current circuit breaker state
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
