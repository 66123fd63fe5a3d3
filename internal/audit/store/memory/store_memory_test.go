package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acta/internal/audit"
)

var (
	_ audit.Store      = (*InMemoryStore)(nil)
	_ audit.QueryStore = (*InMemoryStore)(nil)
	_ audit.StatsStore = (*InMemoryStore)(nil)
	_ audit.Archiver   = (*InMemoryStore)(nil)
)

func seedTrail(t *testing.T, store *InMemoryStore, correlationID, tenantID string, at time.Time) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.AppendRequest(ctx, &audit.RequestRecord{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		TenantID:      tenantID,
		Method:        "POST",
		URL:           "/products",
		StatusCode:    200,
		UserID:        "user-1",
		UserEmail:     "user@example.com",
		StartTime:     at,
		EndTime:       at.Add(40 * time.Millisecond),
		DurationMS:    40,
	}))

	handler := &audit.HandlerRecord{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		TenantID:      tenantID,
		HandlerName:   "RenameProduct",
		Kind:          audit.KindUpdate,
		TargetType:    "Product",
		TargetID:      "p-1",
		StartTime:     at,
		EndTime:       at.Add(30 * time.Millisecond),
		DurationMS:    30,
		Success:       true,
	}
	changes := []*audit.EntityChangeRecord{
		{
			ID:            uuid.New(),
			CorrelationID: correlationID,
			TenantID:      tenantID,
			EntityType:    "Product",
			EntityID:      "p-1",
			Operation:     audit.ChangeModified,
			Timestamp:     at.Add(20 * time.Millisecond),
			Version:       2,
			HandlerID:     &handler.ID,
		},
	}
	require.NoError(t, store.AppendHandlerBatch(ctx, handler, changes))
}

func TestTrailLookupByCorrelation(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now().UTC()
	seedTrail(t, store, "corr-1", "tenant-a", now)
	seedTrail(t, store, "corr-2", "tenant-a", now.Add(time.Minute))

	ctx := context.Background()

	req, err := store.GetRequestByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "POST", req.Method)

	handlers, err := store.ListHandlersByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.Equal(t, "RenameProduct", handlers[0].HandlerName)

	changes, err := store.ListChangesByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, audit.ChangeModified, changes[0].Operation)
}

func TestUnknownCorrelationReturnsEmpty(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	req, err := store.GetRequestByCorrelation(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, req)

	handlers, err := store.ListHandlersByCorrelation(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, handlers)
}

func TestListRequestsFiltersAndPaginates(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedTrail(t, store, uuid.NewString(), "tenant-a", now.Add(time.Duration(i)*time.Minute))
	}
	seedTrail(t, store, uuid.NewString(), "tenant-b", now)

	ctx := context.Background()

	recs, total, err := store.ListRequests(ctx, audit.RequestFilter{TenantID: "tenant-a"}, audit.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, recs, 2)
	// newest first
	assert.True(t, recs[0].StartTime.After(recs[1].StartTime))

	recs, total, err = store.ListRequests(ctx, audit.RequestFilter{TenantID: "tenant-a"}, audit.Page{Number: 3, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, recs, 1)

	_, total, err = store.ListRequests(ctx, audit.RequestFilter{Method: "get"}, audit.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestListHandlersExcludesArchivedByDefault(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now().UTC()
	seedTrail(t, store, "old", "tenant-a", now.Add(-48*time.Hour))
	seedTrail(t, store, "fresh", "tenant-a", now)

	ctx := context.Background()
	archived, err := store.ArchiveOlderThan(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)

	recs, total, err := store.ListHandlers(ctx, audit.HandlerFilter{}, audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh", recs[0].CorrelationID)

	recs, total, err = store.ListHandlers(ctx, audit.HandlerFilter{IncludeArchived: true}, audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, recs, 2)
}

func TestArchiveOlderThanHonorsBatchSize(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedTrail(t, store, uuid.NewString(), "tenant-a", now.Add(-72*time.Hour))
	}

	ctx := context.Background()
	archived, err := store.ArchiveOlderThan(ctx, now.Add(-24*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), archived)

	archived, err = store.ArchiveOlderThan(ctx, now.Add(-24*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)

	archived, err = store.ArchiveOlderThan(ctx, now.Add(-24*time.Hour), 2)
	require.NoError(t, err)
	assert.Zero(t, archived)
}

func TestEntityHistoryNewestFirst(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for version := int64(1); version <= 3; version++ {
		handler := &audit.HandlerRecord{ID: uuid.New(), CorrelationID: uuid.NewString(), TenantID: "tenant-a", StartTime: now, EndTime: now, Success: true}
		require.NoError(t, store.AppendHandlerBatch(ctx, handler, []*audit.EntityChangeRecord{{
			ID:            uuid.New(),
			CorrelationID: handler.CorrelationID,
			TenantID:      "tenant-a",
			EntityType:    "Product",
			EntityID:      "p-1",
			Operation:     audit.ChangeModified,
			Timestamp:     now.Add(time.Duration(version) * time.Second),
			Version:       version,
		}}))
	}

	recs, total, err := store.ListEntityHistory(ctx, "Product", "p-1", audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(3), recs[0].Version)
	assert.Equal(t, int64(1), recs[2].Version)

	_, total, err = store.ListEntityHistory(ctx, "Product", "other", audit.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestExportChangesResolvesActingUser(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now().UTC()
	seedTrail(t, store, "corr-1", "tenant-a", now)

	rows, err := store.ExportChanges(context.Background(), audit.ExportCriteria{
		From: now.Add(-time.Hour),
		To:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "user-1", rows[0].UserID)
	assert.Equal(t, "user@example.com", rows[0].UserEmail)
	assert.Equal(t, "Product", rows[0].EntityType)
}

func TestExportChangesCapsRows(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedTrail(t, store, uuid.NewString(), "tenant-a", now.Add(time.Duration(i)*time.Second))
	}

	rows, err := store.ExportChanges(context.Background(), audit.ExportCriteria{MaxRows: 3})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	// oldest first
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
}

func TestStatsCounts(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	at := dayStart.Add(10 * time.Hour)

	seedTrail(t, store, "corr-1", "tenant-a", at)
	seedTrail(t, store, "corr-2", "tenant-b", at)

	// one failure for tenant-a
	require.NoError(t, store.AppendHandlerBatch(ctx, &audit.HandlerRecord{
		ID: uuid.New(), CorrelationID: "corr-1", TenantID: "tenant-a",
		HandlerName: "RenameProduct", StartTime: at, EndTime: at, Success: false,
	}, nil))

	from, to := dayStart, dayStart.Add(24*time.Hour)

	count, err := store.CountRequests(ctx, "tenant-a", from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountRequests(ctx, "", from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountErrors(ctx, "tenant-a", from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountDistinctUsers(ctx, "", from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	avg, err := store.AvgRequestDuration(ctx, "tenant-a", from, to)
	require.NoError(t, err)
	assert.InDelta(t, 40, avg, 0.01)

	hourly, err := store.HourlyRequestCounts(ctx, "tenant-a", dayStart)
	require.NoError(t, err)
	assert.Equal(t, 1, hourly[10])
	assert.Zero(t, hourly[0])
}

func TestTopRankings(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		seedTrail(t, store, uuid.NewString(), "tenant-a", now)
	}
	require.NoError(t, store.AppendHandlerBatch(ctx, &audit.HandlerRecord{
		ID: uuid.New(), CorrelationID: uuid.NewString(), TenantID: "tenant-a",
		HandlerName: "DeleteProduct", Kind: audit.KindDelete,
		StartTime: now, EndTime: now, DurationMS: 10, Success: false,
	}, []*audit.EntityChangeRecord{{
		ID: uuid.New(), TenantID: "tenant-a", EntityType: "Order", EntityID: "o-1",
		Operation: audit.ChangeDeleted, Timestamp: now, Version: 1,
	}}))

	from, to := now.Add(-time.Hour), now.Add(time.Hour)

	types, err := store.TopEntityTypes(ctx, "tenant-a", from, to, 10)
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "Product", types[0].EntityType)
	assert.Equal(t, 3, types[0].Modified)
	assert.Equal(t, 1, types[1].Deleted)

	users, err := store.TopUsers(ctx, "tenant-a", from, to, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 3, users[0].Requests)

	handlers, err := store.TopHandlers(ctx, "tenant-a", from, to, 1)
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.Equal(t, "RenameProduct", handlers[0].HandlerName)
	assert.Equal(t, 3, handlers[0].Executions)
	assert.InDelta(t, 1.0, handlers[0].SuccessRate(), 0.001)

	daily, err := store.DailyCounts(ctx, "tenant-a", from, to)
	require.NoError(t, err)
	require.NotEmpty(t, daily)
	assert.Equal(t, 3, daily[0].Requests)
	assert.Equal(t, 1, daily[0].Errors)
}

func TestClearDropsEverything(t *testing.T) {
	store := NewInMemoryStore()
	seedTrail(t, store, "corr-1", "tenant-a", time.Now().UTC())
	store.Clear()

	_, total, err := store.ListRequests(context.Background(), audit.RequestFilter{}, audit.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}
