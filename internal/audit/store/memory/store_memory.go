// Package memory provides an in-memory audit store for tests and development.
// It implements the same interfaces as the postgres store so services can be
// exercised without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"acta/internal/audit"
)

// InMemoryStore holds audit records in process memory, guarded by one RWMutex.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests []*audit.RequestRecord
	handlers []*audit.HandlerRecord
	changes  []*audit.EntityChangeRecord
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Clear drops all records.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	s.handlers = nil
	s.changes = nil
}

// AppendRequest stores a finalized request record.
func (s *InMemoryStore) AppendRequest(_ context.Context, rec *audit.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.requests = append(s.requests, &clone)
	return nil
}

// AppendHandlerBatch stores a handler record with its entity changes as a
// unit. The in-memory implementation is trivially atomic under the lock.
func (s *InMemoryStore) AppendHandlerBatch(ctx context.Context, handler *audit.HandlerRecord, changes []*audit.EntityChangeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handlerClone := *handler
	s.handlers = append(s.handlers, &handlerClone)
	for _, change := range changes {
		changeClone := *change
		s.changes = append(s.changes, &changeClone)
	}
	return nil
}

// GetRequestByCorrelation returns the request record for the correlation id,
// or nil when nothing was recorded.
func (s *InMemoryStore) GetRequestByCorrelation(_ context.Context, correlationID string) (*audit.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.requests {
		if rec.CorrelationID == correlationID {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, nil
}

// ListHandlersByCorrelation returns handler records ordered by start time.
func (s *InMemoryStore) ListHandlersByCorrelation(_ context.Context, correlationID string) ([]*audit.HandlerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.HandlerRecord
	for _, rec := range s.handlers {
		if rec.CorrelationID == correlationID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ListChangesByCorrelation returns entity changes ordered by timestamp, which
// is the underlying commit order.
func (s *InMemoryStore) ListChangesByCorrelation(_ context.Context, correlationID string) ([]*audit.EntityChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.EntityChangeRecord
	for _, rec := range s.changes {
		if rec.CorrelationID == correlationID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ListRequests returns a filtered page of request records, newest first, with
// the total match count.
func (s *InMemoryStore) ListRequests(_ context.Context, filter audit.RequestFilter, page audit.Page) ([]*audit.RequestRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*audit.RequestRecord
	for _, rec := range s.requests {
		if matchRequest(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].StartTime.After(matched[j].StartTime) })
	return pageRequests(matched, page), len(matched), nil
}

func matchRequest(rec *audit.RequestRecord, f audit.RequestFilter) bool {
	if f.TenantID != "" && rec.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Method != "" && !strings.EqualFold(rec.Method, f.Method) {
		return false
	}
	if f.StatusCode != 0 && rec.StatusCode != f.StatusCode {
		return false
	}
	if !f.From.IsZero() && rec.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.StartTime.After(f.To) {
		return false
	}
	return true
}

func pageRequests(matched []*audit.RequestRecord, page audit.Page) []*audit.RequestRecord {
	start := page.Offset()
	if start >= len(matched) {
		return nil
	}
	end := start + page.Limit()
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*audit.RequestRecord, 0, end-start)
	for _, rec := range matched[start:end] {
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

// ListHandlers returns a filtered page of handler records, newest first, with
// the total match count. Archived rows are excluded unless asked for.
func (s *InMemoryStore) ListHandlers(_ context.Context, filter audit.HandlerFilter, page audit.Page) ([]*audit.HandlerRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*audit.HandlerRecord
	for _, rec := range s.handlers {
		if matchHandler(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].StartTime.After(matched[j].StartTime) })

	start := page.Offset()
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := start + page.Limit()
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*audit.HandlerRecord, 0, end-start)
	for _, rec := range matched[start:end] {
		clone := *rec
		out = append(out, &clone)
	}
	return out, len(matched), nil
}

func matchHandler(rec *audit.HandlerRecord, f audit.HandlerFilter) bool {
	if rec.Archived && !f.IncludeArchived {
		return false
	}
	if f.TenantID != "" && rec.TenantID != f.TenantID {
		return false
	}
	if f.HandlerName != "" && rec.HandlerName != f.HandlerName {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.TargetType != "" && rec.TargetType != f.TargetType {
		return false
	}
	if f.OnlyFailures && rec.Success {
		return false
	}
	if !f.From.IsZero() && rec.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.StartTime.After(f.To) {
		return false
	}
	return true
}

// ListEntityHistory returns changes for one entity, newest first.
func (s *InMemoryStore) ListEntityHistory(_ context.Context, entityType, entityID string, page audit.Page) ([]*audit.EntityChangeRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*audit.EntityChangeRecord
	for _, rec := range s.changes {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	start := page.Offset()
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := start + page.Limit()
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*audit.EntityChangeRecord, 0, end-start)
	for _, rec := range matched[start:end] {
		clone := *rec
		out = append(out, &clone)
	}
	return out, len(matched), nil
}

// ExportChanges returns the flat export projection, oldest first, capped at
// criteria.MaxRows. Acting users are resolved through the request record
// sharing the correlation id.
func (s *InMemoryStore) ExportChanges(ctx context.Context, criteria audit.ExportCriteria) ([]audit.ExportRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	userByCorrelation := make(map[string]*audit.RequestRecord, len(s.requests))
	for _, rec := range s.requests {
		userByCorrelation[rec.CorrelationID] = rec
	}

	var matched []*audit.EntityChangeRecord
	for _, rec := range s.changes {
		if criteria.EntityType != "" && rec.EntityType != criteria.EntityType {
			continue
		}
		if !criteria.From.IsZero() && rec.Timestamp.Before(criteria.From) {
			continue
		}
		if !criteria.To.IsZero() && rec.Timestamp.After(criteria.To) {
			continue
		}
		if criteria.UserID != "" {
			req := userByCorrelation[rec.CorrelationID]
			if req == nil || req.UserID != criteria.UserID {
				continue
			}
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	if criteria.MaxRows > 0 && len(matched) > criteria.MaxRows {
		matched = matched[:criteria.MaxRows]
	}

	rows := make([]audit.ExportRow, 0, len(matched))
	for _, rec := range matched {
		row := audit.ExportRow{
			Timestamp:     rec.Timestamp,
			CorrelationID: rec.CorrelationID,
			TenantID:      rec.TenantID,
			EntityType:    rec.EntityType,
			EntityID:      rec.EntityID,
			Operation:     rec.Operation,
			Version:       rec.Version,
			Diff:          rec.Diff,
		}
		if req := userByCorrelation[rec.CorrelationID]; req != nil {
			row.UserID = req.UserID
			row.UserEmail = req.UserEmail
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// -----------------------------------------------------------------------------
// Stats queries
// -----------------------------------------------------------------------------

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

// CountRequests counts request records in the window, tenant-scoped when a
// tenant id is given.
func (s *InMemoryStore) CountRequests(_ context.Context, tenantID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.requests {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			count++
		}
	}
	return count, nil
}

// CountHandlers counts handler records in the window.
func (s *InMemoryStore) CountHandlers(_ context.Context, tenantID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.handlers {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			count++
		}
	}
	return count, nil
}

// CountChanges counts entity-change records in the window.
func (s *InMemoryStore) CountChanges(_ context.Context, tenantID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.changes {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.Timestamp, from, to) {
			count++
		}
	}
	return count, nil
}

// CountErrors counts failed handler executions in the window.
func (s *InMemoryStore) CountErrors(_ context.Context, tenantID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.handlers {
		if !rec.Success && (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			count++
		}
	}
	return count, nil
}

// CountDistinctUsers counts distinct acting users in the window.
func (s *InMemoryStore) CountDistinctUsers(_ context.Context, tenantID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]struct{})
	for _, rec := range s.requests {
		if rec.UserID == "" {
			continue
		}
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			users[rec.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

// AvgRequestDuration returns the mean response time in milliseconds, 0 when
// no requests matched.
func (s *InMemoryStore) AvgRequestDuration(_ context.Context, tenantID string, from, to time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	count := 0
	for _, rec := range s.requests {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			total += rec.DurationMS
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return float64(total) / float64(count), nil
}

// HourlyRequestCounts buckets one day's requests by hour of day.
func (s *InMemoryStore) HourlyRequestCounts(_ context.Context, tenantID string, dayStart time.Time) ([24]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buckets [24]int
	dayEnd := dayStart.Add(24 * time.Hour)
	for _, rec := range s.requests {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if rec.StartTime.Before(dayStart) || !rec.StartTime.Before(dayEnd) {
			continue
		}
		buckets[rec.StartTime.Sub(dayStart)/time.Hour]++
	}
	return buckets, nil
}

// DailyCounts breaks the window down by day.
func (s *InMemoryStore) DailyCounts(_ context.Context, tenantID string, from, to time.Time) ([]audit.DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[time.Time]*audit.DailyCount)
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	bucket := func(t time.Time) *audit.DailyCount {
		key := day(t)
		if existing, ok := byDay[key]; ok {
			return existing
		}
		created := &audit.DailyCount{Day: key}
		byDay[key] = created
		return created
	}

	for _, rec := range s.requests {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			bucket(rec.StartTime).Requests++
		}
	}
	for _, rec := range s.handlers {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.StartTime, from, to) {
			bucket(rec.StartTime).Handlers++
			if !rec.Success {
				bucket(rec.StartTime).Errors++
			}
		}
	}
	for _, rec := range s.changes {
		if (tenantID == "" || rec.TenantID == tenantID) && inWindow(rec.Timestamp, from, to) {
			bucket(rec.Timestamp).Changes++
		}
	}

	out := make([]audit.DailyCount, 0, len(byDay))
	for _, dc := range byDay {
		out = append(out, *dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// TopEntityTypes ranks entity types by total mutation count.
func (s *InMemoryStore) TopEntityTypes(_ context.Context, tenantID string, from, to time.Time, limit int) ([]audit.EntityTypeActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[string]*audit.EntityTypeActivity)
	for _, rec := range s.changes {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if !inWindow(rec.Timestamp, from, to) {
			continue
		}
		activity, ok := byType[rec.EntityType]
		if !ok {
			activity = &audit.EntityTypeActivity{EntityType: rec.EntityType}
			byType[rec.EntityType] = activity
		}
		switch rec.Operation {
		case audit.ChangeAdded:
			activity.Added++
		case audit.ChangeModified:
			activity.Modified++
		case audit.ChangeDeleted:
			activity.Deleted++
		}
	}

	out := make([]audit.EntityTypeActivity, 0, len(byType))
	for _, activity := range byType {
		out = append(out, *activity)
	}
	sort.Slice(out, func(i, j int) bool {
		ti := out[i].Added + out[i].Modified + out[i].Deleted
		tj := out[j].Added + out[j].Modified + out[j].Deleted
		if ti != tj {
			return ti > tj
		}
		return out[i].EntityType < out[j].EntityType
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TopUsers ranks users by request volume.
func (s *InMemoryStore) TopUsers(_ context.Context, tenantID string, from, to time.Time, limit int) ([]audit.UserActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string]*audit.UserActivity)
	for _, rec := range s.requests {
		if rec.UserID == "" {
			continue
		}
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if !inWindow(rec.StartTime, from, to) {
			continue
		}
		activity, ok := byUser[rec.UserID]
		if !ok {
			activity = &audit.UserActivity{UserID: rec.UserID, UserEmail: rec.UserEmail}
			byUser[rec.UserID] = activity
		}
		activity.Requests++
	}

	out := make([]audit.UserActivity, 0, len(byUser))
	for _, activity := range byUser {
		out = append(out, *activity)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TopHandlers ranks handlers by execution count.
func (s *InMemoryStore) TopHandlers(_ context.Context, tenantID string, from, to time.Time, limit int) ([]audit.HandlerActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		activity audit.HandlerActivity
		totalMS  int64
	}
	byName := make(map[string]*acc)
	for _, rec := range s.handlers {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if !inWindow(rec.StartTime, from, to) {
			continue
		}
		a, ok := byName[rec.HandlerName]
		if !ok {
			a = &acc{activity: audit.HandlerActivity{HandlerName: rec.HandlerName}}
			byName[rec.HandlerName] = a
		}
		a.activity.Executions++
		if !rec.Success {
			a.activity.Failures++
		}
		a.totalMS += rec.DurationMS
	}

	out := make([]audit.HandlerActivity, 0, len(byName))
	for _, a := range byName {
		if a.activity.Executions > 0 {
			a.activity.AvgDurationMS = float64(a.totalMS) / float64(a.activity.Executions)
		}
		out = append(out, a.activity)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Executions != out[j].Executions {
			return out[i].Executions > out[j].Executions
		}
		return out[i].HandlerName < out[j].HandlerName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ArchiveOlderThan flips the archived flag on handler records whose end time
// is before the cutoff, up to batchSize rows per call.
func (s *InMemoryStore) ArchiveOlderThan(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var archived int64
	now := time.Now()
	for _, rec := range s.handlers {
		if batchSize > 0 && archived >= int64(batchSize) {
			break
		}
		if !rec.Archived && rec.EndTime.Before(cutoff) {
			rec.Archived = true
			archivedAt := now
			rec.ArchivedAt = &archivedAt
			archived++
		}
	}
	return archived, nil
}
