package audit

import (
	"context"
	"time"
)

// Store is the write path for audit records. Implementations must make
// AppendHandlerBatch atomic: the handler record and its entity changes commit
// as a unit or not at all.
type Store interface {
	AppendRequest(ctx context.Context, rec *RequestRecord) error
	AppendHandlerBatch(ctx context.Context, handler *HandlerRecord, changes []*EntityChangeRecord) error
}

// QueryStore is the read path used by trail reconstruction, log search,
// entity history and export. Lookups for unknown ids return empty results,
// not errors.
type QueryStore interface {
	GetRequestByCorrelation(ctx context.Context, correlationID string) (*RequestRecord, error)
	ListHandlersByCorrelation(ctx context.Context, correlationID string) ([]*HandlerRecord, error)
	ListChangesByCorrelation(ctx context.Context, correlationID string) ([]*EntityChangeRecord, error)
	ListRequests(ctx context.Context, filter RequestFilter, page Page) ([]*RequestRecord, int, error)
	ListHandlers(ctx context.Context, filter HandlerFilter, page Page) ([]*HandlerRecord, int, error)
	ListEntityHistory(ctx context.Context, entityType, entityID string, page Page) ([]*EntityChangeRecord, int, error)
	ExportChanges(ctx context.Context, criteria ExportCriteria) ([]ExportRow, error)
}

// StatsStore answers the aggregator's sub-queries. Each method is independent
// so the aggregator can run them concurrently.
type StatsStore interface {
	CountRequests(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	CountHandlers(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	CountChanges(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	CountErrors(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	CountDistinctUsers(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	AvgRequestDuration(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	HourlyRequestCounts(ctx context.Context, tenantID string, dayStart time.Time) ([24]int, error)
	DailyCounts(ctx context.Context, tenantID string, from, to time.Time) ([]DailyCount, error)
	TopEntityTypes(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]EntityTypeActivity, error)
	TopUsers(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]UserActivity, error)
	TopHandlers(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]HandlerActivity, error)
}

// Archiver is the retention sweep's only mutation path: flipping the archived
// flag on handler records older than the cutoff, in bounded batches.
type Archiver interface {
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
