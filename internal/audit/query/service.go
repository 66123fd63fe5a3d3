// Package query serves the read side of the audit pipeline: trail
// reconstruction, log search, entity history and compliance export.
package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mssola/useragent"

	"acta/internal/audit"
	"acta/internal/platform/metrics"
	dErrors "acta/pkg/domain-errors"
	"acta/pkg/email"
)

const (
	actorCacheSize = 1024
	actorCacheTTL  = 5 * time.Minute
)

// actorInfo is the cached resolution of a correlation id to its acting user.
type actorInfo struct {
	UserID    string
	UserEmail string
	UserName  string
}

// Service answers audit read queries.
type Service struct {
	store   audit.QueryStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	// actors caches correlation id -> acting user so entity-history pages do
	// not refetch the same request record per row.
	actors *expirable.LRU[string, actorInfo]

	maxRangeDays int
	maxRows      int
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

// WithExportLimits overrides the export range and row caps.
func WithExportLimits(maxRangeDays, maxRows int) Option {
	return func(s *Service) {
		if maxRangeDays > 0 {
			s.maxRangeDays = maxRangeDays
		}
		if maxRows > 0 {
			s.maxRows = maxRows
		}
	}
}

// New constructs the query service.
func New(store audit.QueryStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       slog.Default(),
		actors:       expirable.NewLRU[string, actorInfo](actorCacheSize, nil, actorCacheTTL),
		maxRangeDays: defaultMaxRangeDays,
		maxRows:      defaultMaxRows,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetAuditTrail reconstructs all three record levels for one correlation id.
// An unknown id yields an empty trail, not an error.
func (s *Service) GetAuditTrail(ctx context.Context, correlationID string) (*audit.Trail, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "correlation id is required")
	}

	request, err := s.store.GetRequestByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load request record")
	}
	handlers, err := s.store.ListHandlersByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load handler records")
	}
	changes, err := s.store.ListChangesByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load entity changes")
	}

	trail := &audit.Trail{
		CorrelationID: correlationID,
		Request:       request,
		Handlers:      handlers,
		Changes:       changes,
	}
	if len(handlers) > 0 && len(changes) > 0 {
		trail.ChangesByHandler = make(map[uuid.UUID][]*audit.EntityChangeRecord, len(handlers))
		for _, change := range changes {
			if change.HandlerID == nil {
				continue
			}
			trail.ChangesByHandler[*change.HandlerID] = append(trail.ChangesByHandler[*change.HandlerID], change)
		}
	}
	return trail, nil
}

// HistoryEntry is one entity change annotated with the acting user resolved
// through the request record sharing the correlation id.
type HistoryEntry struct {
	*audit.EntityChangeRecord
	ActorID    string `json:"actorId,omitempty"`
	ActorEmail string `json:"actorEmail,omitempty"`
	ActorName  string `json:"actorName,omitempty"`
}

// GetEntityHistory returns the change timeline for one entity, newest first,
// with each entry annotated with its acting user.
func (s *Service) GetEntityHistory(ctx context.Context, entityType, entityID string, page audit.Page) ([]HistoryEntry, int, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(entityID) == "" {
		return nil, 0, dErrors.New(dErrors.CodeValidation, "entity type and id are required")
	}

	changes, total, err := s.store.ListEntityHistory(ctx, entityType, entityID, page)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeInternal, "load entity history")
	}

	entries := make([]HistoryEntry, 0, len(changes))
	for _, change := range changes {
		entry := HistoryEntry{EntityChangeRecord: change}
		actor := s.resolveActor(ctx, change.CorrelationID)
		entry.ActorID = actor.UserID
		entry.ActorEmail = actor.UserEmail
		entry.ActorName = actor.UserName
		entries = append(entries, entry)
	}
	return entries, total, nil
}

func (s *Service) resolveActor(ctx context.Context, correlationID string) actorInfo {
	if correlationID == "" {
		return actorInfo{}
	}
	if cached, ok := s.actors.Get(correlationID); ok {
		return cached
	}
	request, err := s.store.GetRequestByCorrelation(ctx, correlationID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to resolve acting user",
			"correlation_id", correlationID, "error", err)
		return actorInfo{}
	}
	actor := actorInfo{}
	if request != nil {
		actor.UserID = request.UserID
		actor.UserEmail = request.UserEmail
		if request.UserEmail != "" {
			first, last := email.DeriveNameFromEmail(request.UserEmail)
			actor.UserName = first + " " + last
		}
	}
	// negative results are cached too; the record is append-only
	s.actors.Add(correlationID, actor)
	return actor
}

// RequestLogEntry is a request record annotated with the parsed client.
type RequestLogEntry struct {
	*audit.RequestRecord
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
}

// GetRequestLogs returns a filtered page of request records, newest first,
// with browser and OS parsed out of the user agent.
func (s *Service) GetRequestLogs(ctx context.Context, filter audit.RequestFilter, page audit.Page) ([]RequestLogEntry, int, error) {
	records, total, err := s.store.ListRequests(ctx, filter, page)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeInternal, "list request records")
	}

	entries := make([]RequestLogEntry, 0, len(records))
	for _, rec := range records {
		entry := RequestLogEntry{RequestRecord: rec}
		if rec.UserAgent != "" {
			ua := useragent.New(rec.UserAgent)
			name, version := ua.Browser()
			if name != "" {
				entry.Browser = strings.TrimSpace(name + " " + version)
			}
			entry.OS = ua.OS()
		}
		entries = append(entries, entry)
	}
	return entries, total, nil
}

// GetHandlerLogs returns a filtered page of handler records, newest first.
func (s *Service) GetHandlerLogs(ctx context.Context, filter audit.HandlerFilter, page audit.Page) ([]*audit.HandlerRecord, int, error) {
	records, total, err := s.store.ListHandlers(ctx, filter, page)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeInternal, "list handler records")
	}
	return records, total, nil
}
