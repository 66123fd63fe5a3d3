// Package stats aggregates audit records into dashboard statistics. Current
// stats are served from a short-TTL cache; detailed stats are computed on
// demand.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"acta/internal/audit"
	"acta/internal/platform/metrics"
	dErrors "acta/pkg/domain-errors"
)

const (
	defaultTTL      = 30 * time.Second
	defaultTopLimit = 10
)

// Service computes aggregated statistics over the audit store.
type Service struct {
	store    audit.StatsStore
	cache    Cache
	ttl      time.Duration
	topLimit int
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTTL overrides the current-stats cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithTopLimit overrides the ranking size in detailed stats.
func WithTopLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.topLimit = limit
		}
	}
}

// WithClock overrides the wall clock; for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the stats service.
func New(store audit.StatsStore, cache Cache, opts ...Option) *Service {
	s := &Service{
		store:    store,
		cache:    cache,
		ttl:      defaultTTL,
		topLimit: defaultTopLimit,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(tenantID string) string {
	if tenantID == "" {
		return "acta:stats:current:platform"
	}
	return "acta:stats:current:" + tenantID
}

// GetCurrentStats returns today's counters for the tenant scope, serving from
// cache within the TTL. An empty tenant id means platform-wide. A cache
// backend failure degrades to a recompute, never to a request failure.
func (s *Service) GetCurrentStats(ctx context.Context, tenantID string) (*audit.CurrentStats, error) {
	key := cacheKey(tenantID)
	if cached, found, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "stats cache read failed", "key", key, "error", err)
	} else if found {
		if s.metrics != nil {
			s.metrics.StatsCacheHits.Inc()
		}
		return cached, nil
	}
	if s.metrics != nil {
		s.metrics.StatsCacheMisses.Inc()
	}

	stats, err := s.computeCurrent(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, stats, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "stats cache write failed", "key", key, "error", err)
	}
	return stats, nil
}

func (s *Service) computeCurrent(ctx context.Context, tenantID string) (*audit.CurrentStats, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats := &audit.CurrentStats{
		TenantID:    tenantID,
		Date:        dayStart,
		GeneratedAt: now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.RequestCount, err = s.store.CountRequests(gctx, tenantID, dayStart, now)
		return err
	})
	g.Go(func() (err error) {
		stats.HandlerCount, err = s.store.CountHandlers(gctx, tenantID, dayStart, now)
		return err
	})
	g.Go(func() (err error) {
		stats.EntityChangeCount, err = s.store.CountChanges(gctx, tenantID, dayStart, now)
		return err
	})
	g.Go(func() (err error) {
		stats.ErrorCount, err = s.store.CountErrors(gctx, tenantID, dayStart, now)
		return err
	})
	g.Go(func() (err error) {
		stats.ActiveUsers, err = s.store.CountDistinctUsers(gctx, tenantID, dayStart, now)
		return err
	})
	g.Go(func() (err error) {
		stats.AvgResponseMS, err = s.store.AvgRequestDuration(gctx, tenantID, dayStart, now)
		return err
	})
	g.Go(func() (err error) {
		stats.HourlyRequests, err = s.store.HourlyRequestCounts(gctx, tenantID, dayStart)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute current stats: %w", err)
	}
	return stats, nil
}

// GetDetailedStats computes the on-demand report over [from, to]. It is never
// cached: the range is arbitrary and the report is admin-facing.
func (s *Service) GetDetailedStats(ctx context.Context, tenantID string, from, to time.Time) (*audit.DetailedStats, error) {
	if from.IsZero() || to.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "both from and to are required")
	}
	if to.Before(from) {
		return nil, dErrors.New(dErrors.CodeValidation, "to must not be before from")
	}

	stats := &audit.DetailedStats{
		From:     from,
		To:       to,
		TenantID: tenantID,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.Daily, err = s.store.DailyCounts(gctx, tenantID, from, to)
		return err
	})
	g.Go(func() (err error) {
		stats.TopEntityTypes, err = s.store.TopEntityTypes(gctx, tenantID, from, to, s.topLimit)
		return err
	})
	g.Go(func() (err error) {
		stats.TopUsers, err = s.store.TopUsers(gctx, tenantID, from, to, s.topLimit)
		return err
	})
	g.Go(func() (err error) {
		stats.TopHandlers, err = s.store.TopHandlers(gctx, tenantID, from, to, s.topLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute detailed stats: %w", err)
	}
	return stats, nil
}
