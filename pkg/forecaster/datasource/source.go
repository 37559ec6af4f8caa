package datasource

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/metrics"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

const (
	sourceRemote   = "remote"
	sourceSnapshot = "snapshot"
)

// Source supplies the raw registration records a forecast is built from
type Source interface {
	Fetch(ctx context.Context) ([]types.Record, error)
}

// RemoteFetcher is the remote registrations API, normally *api.Client
type RemoteFetcher interface {
	FetchRecords(ctx context.Context) ([]types.Record, error)
}

// FallbackSource tries the remote API under a bounded timeout and falls back to the
// local snapshot when it fails
type FallbackSource struct {
	remote   RemoteFetcher
	snapshot SnapshotStore
	timeout  time.Duration
	refresh  bool
}

// Option customizes a FallbackSource
type Option func(*FallbackSource)

// WithRemote sets the remote API; without one only the snapshot is read
func WithRemote(remote RemoteFetcher, timeout time.Duration) Option {
	return func(s *FallbackSource) {
		s.remote = remote
		s.timeout = timeout
	}
}

// WithRefresh makes every successful remote fetch overwrite the snapshot
func WithRefresh(refresh bool) Option {
	return func(s *FallbackSource) {
		s.refresh = refresh
	}
}

func NewFallbackSource(snapshot SnapshotStore, opts ...Option) *FallbackSource {
	s := &FallbackSource{
		snapshot: snapshot,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns the remote records when available, otherwise the snapshot. The remote
// error is only surfaced, joined with the snapshot error, when both fail.
func (s *FallbackSource) Fetch(ctx context.Context) ([]types.Record, error) {
	var remoteErr error
	if s.remote != nil {
		records, err := s.fetchRemote(ctx)
		if err == nil {
			return records, nil
		}
		remoteErr = err
		klog.ErrorS(err, "Registrations API unavailable, falling back to snapshot")
	}

	records, err := s.snapshot.Load(ctx)
	if err != nil {
		metrics.DataSourceFetches.WithLabelValues(sourceSnapshot, "error").Inc()
		if remoteErr != nil {
			return nil, fmt.Errorf("snapshot fallback failed: %w (after remote failure: %w)", err, remoteErr)
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	metrics.DataSourceFetches.WithLabelValues(sourceSnapshot, "success").Inc()
	metrics.DataSourceRecords.WithLabelValues(sourceSnapshot).Set(float64(len(records)))
	klog.V(2).InfoS("Using snapshot records", "records", len(records))
	return records, nil
}

func (s *FallbackSource) fetchRemote(ctx context.Context) ([]types.Record, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.remote.FetchRecords(fetchCtx)
	if err != nil {
		metrics.DataSourceFetches.WithLabelValues(sourceRemote, "error").Inc()
		return nil, err
	}

	metrics.DataSourceFetches.WithLabelValues(sourceRemote, "success").Inc()
	metrics.DataSourceRecords.WithLabelValues(sourceRemote).Set(float64(len(records)))

	if s.refresh {
		if len(records) == 0 {
			klog.V(2).InfoS("Remote returned no records, keeping existing snapshot")
		} else if err := s.snapshot.Save(ctx, records); err != nil {
			klog.ErrorS(err, "Failed to refresh snapshot", "records", len(records))
		}
	}

	return records, nil
}
