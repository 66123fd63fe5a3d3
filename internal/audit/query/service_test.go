package query

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acta/internal/audit"
	"acta/internal/audit/store/memory"
	dErrors "acta/pkg/domain-errors"
)

func seedTrail(t *testing.T, store *memory.InMemoryStore, correlationID string, handlerID uuid.UUID, at time.Time) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.AppendRequest(ctx, &audit.RequestRecord{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		TenantID:      "tenant-a",
		Method:        "PUT",
		URL:           "/products/p-1",
		UserID:        "user-1",
		UserEmail:     "user@example.com",
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		StartTime:     at,
		EndTime:       at.Add(25 * time.Millisecond),
		DurationMS:    25,
	}))

	handler := &audit.HandlerRecord{
		ID:            handlerID,
		CorrelationID: correlationID,
		TenantID:      "tenant-a",
		HandlerName:   "RenameProduct",
		Kind:          audit.KindUpdate,
		TargetType:    "Product",
		TargetID:      "p-1",
		StartTime:     at,
		EndTime:       at.Add(20 * time.Millisecond),
		Success:       true,
	}
	require.NoError(t, store.AppendHandlerBatch(ctx, handler, []*audit.EntityChangeRecord{{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		TenantID:      "tenant-a",
		EntityType:    "Product",
		EntityID:      "p-1",
		Operation:     audit.ChangeModified,
		Timestamp:     at.Add(15 * time.Millisecond),
		Version:       2,
		HandlerID:     &handlerID,
	}}))
}

func TestGetAuditTrail(t *testing.T) {
	store := memory.NewInMemoryStore()
	handlerID := uuid.New()
	seedTrail(t, store, "corr-1", handlerID, time.Now().UTC())

	svc := New(store)
	trail, err := svc.GetAuditTrail(context.Background(), "corr-1")
	require.NoError(t, err)

	require.NotNil(t, trail.Request)
	assert.Equal(t, "PUT", trail.Request.Method)
	require.Len(t, trail.Handlers, 1)
	require.Len(t, trail.Changes, 1)
	require.Contains(t, trail.ChangesByHandler, handlerID)
	assert.Len(t, trail.ChangesByHandler[handlerID], 1)
}

func TestGetAuditTrailBlankIDIsValidationError(t *testing.T) {
	svc := New(memory.NewInMemoryStore())
	_, err := svc.GetAuditTrail(context.Background(), "  ")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestGetAuditTrailUnknownIDIsEmpty(t *testing.T) {
	svc := New(memory.NewInMemoryStore())
	trail, err := svc.GetAuditTrail(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, trail.Request)
	assert.Empty(t, trail.Handlers)
	assert.Empty(t, trail.Changes)
}

// countingStore counts request lookups to observe the actor cache.
type countingStore struct {
	audit.QueryStore
	requestLookups atomic.Int64
}

func (c *countingStore) GetRequestByCorrelation(ctx context.Context, correlationID string) (*audit.RequestRecord, error) {
	c.requestLookups.Add(1)
	return c.QueryStore.GetRequestByCorrelation(ctx, correlationID)
}

func TestGetEntityHistoryAnnotatesActor(t *testing.T) {
	store := memory.NewInMemoryStore()
	at := time.Now().UTC()
	seedTrail(t, store, "corr-1", uuid.New(), at)
	seedTrail(t, store, "corr-2", uuid.New(), at.Add(time.Minute))

	counting := &countingStore{QueryStore: store}
	svc := New(counting)

	entries, total, err := svc.GetEntityHistory(context.Background(), "Product", "p-1", audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "user-1", entries[0].ActorID)
	assert.Equal(t, "user@example.com", entries[0].ActorEmail)
	assert.Equal(t, "User User", entries[0].ActorName)

	// a second page hit resolves actors from the cache
	lookups := counting.requestLookups.Load()
	_, _, err = svc.GetEntityHistory(context.Background(), "Product", "p-1", audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, lookups, counting.requestLookups.Load())
}

func TestGetEntityHistoryValidatesInput(t *testing.T) {
	svc := New(memory.NewInMemoryStore())
	_, _, err := svc.GetEntityHistory(context.Background(), "", "p-1", audit.Page{})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestGetRequestLogsParsesUserAgent(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTrail(t, store, "corr-1", uuid.New(), time.Now().UTC())

	svc := New(store)
	entries, total, err := svc.GetRequestLogs(context.Background(), audit.RequestFilter{}, audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Browser, "Chrome")
	assert.Contains(t, entries[0].OS, "Mac")
}

func TestGetHandlerLogsFiltersFailures(t *testing.T) {
	store := memory.NewInMemoryStore()
	at := time.Now().UTC()
	seedTrail(t, store, "corr-1", uuid.New(), at)
	require.NoError(t, store.AppendHandlerBatch(context.Background(), &audit.HandlerRecord{
		ID:            uuid.New(),
		CorrelationID: "corr-1",
		TenantID:      "tenant-a",
		HandlerName:   "DeleteProduct",
		Kind:          audit.KindDelete,
		StartTime:     at,
		EndTime:       at,
		Success:       false,
		ErrorMessage:  "product is referenced by open orders",
	}, nil))

	svc := New(store)
	records, total, err := svc.GetHandlerLogs(context.Background(), audit.HandlerFilter{OnlyFailures: true}, audit.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, records, 1)
	assert.Equal(t, "DeleteProduct", records[0].HandlerName)
}
