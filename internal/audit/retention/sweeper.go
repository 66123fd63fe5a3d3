// Package retention archives handler records past their retention window.
// Archival is a soft flag flip: the rows stay queryable with IncludeArchived
// and nothing is ever deleted.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"acta/internal/audit"
	"acta/internal/platform/metrics"
)

const (
	defaultSchedule  = "5 * * * *" // hourly at :05
	defaultBatchSize = 500
)

// Sweeper runs the periodic archival sweep.
type Sweeper struct {
	archiver  audit.Archiver
	retention time.Duration
	schedule  string
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	cron      *cron.Cron
}

// Option configures the sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSchedule overrides the cron schedule.
func WithSchedule(schedule string) Option {
	return func(s *Sweeper) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

// WithBatchSize bounds rows archived per store call.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock overrides the wall clock; for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New constructs a sweeper archiving records older than retention.
func New(archiver audit.Archiver, retention time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		archiver:  archiver,
		retention: retention,
		schedule:  defaultSchedule,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep. The returned stop function waits for a running
// sweep to finish.
func (s *Sweeper) Start(ctx context.Context) (stop func(), err error) {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	s.cron.Start()
	return func() { <-s.cron.Stop().Done() }, nil
}

// Sweep archives everything past the retention window, looping in batches
// until the store reports no more work. It returns the total rows archived.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		archived, err := s.archiver.ArchiveOlderThan(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, err
		}
		total += archived
		if s.metrics != nil {
			s.metrics.ArchivedRecords.Add(float64(archived))
		}
		if archived < int64(s.batchSize) {
			break
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "retention sweep archived records",
			"archived", total,
			"cutoff", cutoff)
	}
	return total, nil
}
