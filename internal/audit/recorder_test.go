package audit_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acta/internal/audit"
	"acta/internal/audit/store/memory"
	"acta/pkg/requestcontext"
)

type updateProduct struct {
	ProductID string
	NewName   string
}

func (updateProduct) OperationType() string { return "catalog.update_product" }
func (op updateProduct) Describe() (audit.OperationKind, string) {
	return audit.KindUpdate, "catalog: update product"
}
func (op updateProduct) Target() (string, string) { return "Product", op.ProductID }

type getProduct struct {
	ProductID string
}

func (getProduct) OperationType() string { return "catalog.get_product" }

type product struct {
	Name string
}

// catalog is a minimal feature module: one mutable entity, a resolver for
// snapshots and a handler that mutates and tracks the change.
type catalog struct {
	mu       sync.Mutex
	products map[string]*product
	versions map[string]int64
}

func newCatalog() *catalog {
	return &catalog{
		products: map[string]*product{"p-1": {Name: "Shoe"}},
		versions: map[string]int64{"p-1": 1},
	}
}

func (c *catalog) snapshot(id string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return nil
	}
	return product{Name: p.Name}
}

func (c *catalog) update(ctx context.Context, op updateProduct) {
	c.mu.Lock()
	before := product{Name: c.products[op.ProductID].Name}
	c.products[op.ProductID].Name = op.NewName
	c.versions[op.ProductID]++
	after := product{Name: op.NewName}
	version := c.versions[op.ProductID]
	c.mu.Unlock()

	audit.TrackChange(ctx, audit.Change{
		EntityType: "Product",
		EntityID:   op.ProductID,
		Operation:  audit.ChangeModified,
		Before:     before,
		After:      after,
		Version:    version,
	})
}

type pipeline struct {
	store      *memory.InMemoryStore
	dispatcher *audit.Dispatcher
	catalog    *catalog
}

func newPipeline(t *testing.T, opts ...audit.RecorderOption) *pipeline {
	t.Helper()
	store := memory.NewInMemoryStore()
	cat := newCatalog()

	registry := audit.NewRegistry()
	registry.Register("catalog.update_product", func(ctx context.Context, operation any) (any, error) {
		op := operation.(updateProduct)
		return cat.snapshot(op.ProductID), nil
	})
	registry.Register("catalog.get_product", func(ctx context.Context, operation any) (any, error) {
		op := operation.(getProduct)
		return cat.snapshot(op.ProductID), nil
	})

	recorder := audit.NewRecorder(store, registry, opts...)
	dispatcher := audit.NewDispatcher(audit.WithHooks(recorder))
	dispatcher.RegisterHandler("catalog.update_product", func(ctx context.Context, op audit.Operation) (any, error) {
		update := op.(updateProduct)
		cat.update(ctx, update)
		return map[string]string{"name": update.NewName}, nil
	})
	dispatcher.RegisterHandler("catalog.get_product", func(ctx context.Context, op audit.Operation) (any, error) {
		return cat.snapshot(op.(getProduct).ProductID), nil
	})

	return &pipeline{store: store, dispatcher: dispatcher, catalog: cat}
}

func requestCtx(correlationID, tenantID string) context.Context {
	ctx := requestcontext.WithCorrelationID(context.Background(), correlationID)
	ctx = requestcontext.WithIdentity(ctx, "user-1", "user@example.com", tenantID)
	return requestcontext.WithFailureScope(ctx)
}

func TestRecorderFullPipeline(t *testing.T) {
	p := newPipeline(t)
	ctx := requestCtx("corr-1", "tenant-a")

	result, err := p.dispatcher.Dispatch(ctx, updateProduct{ProductID: "p-1", NewName: "Boot"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "Boot"}, result)

	handlers, err := p.store.ListHandlersByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, handlers, 1)

	rec := handlers[0]
	assert.Equal(t, "catalog.update_product", rec.HandlerName)
	assert.Equal(t, audit.KindUpdate, rec.Kind)
	assert.Equal(t, "catalog: update product", rec.Action)
	assert.Equal(t, "Product", rec.TargetType)
	assert.Equal(t, "p-1", rec.TargetID)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.True(t, rec.Success)
	assert.Contains(t, rec.Input, "Boot")
	assert.Contains(t, rec.Output, "Boot")
	require.False(t, rec.Diff.IsEmpty())

	changes, err := p.store.ListChangesByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, changes, 1)

	change := changes[0]
	assert.Equal(t, "Product", change.EntityType)
	assert.Equal(t, "p-1", change.EntityID)
	assert.Equal(t, audit.ChangeModified, change.Operation)
	assert.Equal(t, int64(2), change.Version)
	require.NotNil(t, change.HandlerID)
	assert.Equal(t, rec.ID, *change.HandlerID)
	assert.False(t, change.Diff.IsEmpty())
}

func TestRecorderQueryProducesNoDiff(t *testing.T) {
	p := newPipeline(t)
	ctx := requestCtx("corr-2", "tenant-a")

	_, err := p.dispatcher.Dispatch(ctx, getProduct{ProductID: "p-1"})
	require.NoError(t, err)

	handlers, err := p.store.ListHandlersByCorrelation(ctx, "corr-2")
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.Equal(t, audit.KindQuery, handlers[0].Kind)
	assert.True(t, handlers[0].Diff.IsEmpty())

	changes, err := p.store.ListChangesByCorrelation(ctx, "corr-2")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestRecorderHandlerError(t *testing.T) {
	p := newPipeline(t)
	p.dispatcher.RegisterHandler("catalog.update_product", func(ctx context.Context, op audit.Operation) (any, error) {
		return nil, assert.AnError
	})
	ctx := requestCtx("corr-3", "tenant-a")

	_, err := p.dispatcher.Dispatch(ctx, updateProduct{ProductID: "p-1", NewName: "Boot"})
	require.ErrorIs(t, err, assert.AnError)

	handlers, err := p.store.ListHandlersByCorrelation(ctx, "corr-3")
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.False(t, handlers[0].Success)
	assert.Equal(t, assert.AnError.Error(), handlers[0].ErrorMessage)
}

func TestRecorderCapturesAmbientFailure(t *testing.T) {
	p := newPipeline(t)
	p.dispatcher.RegisterHandler("catalog.update_product", func(ctx context.Context, op audit.Operation) (any, error) {
		// Business rejection signalled without a Go error.
		requestcontext.SetFailure(ctx, "product is locked", "locked")
		return nil, nil
	})
	ctx := requestCtx("corr-4", "tenant-a")

	_, err := p.dispatcher.Dispatch(ctx, updateProduct{ProductID: "p-1", NewName: "Boot"})
	require.NoError(t, err)

	handlers, err := p.store.ListHandlersByCorrelation(ctx, "corr-4")
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.False(t, handlers[0].Success)
	assert.Equal(t, "product is locked", handlers[0].ErrorMessage)
}

func TestRecorderConcurrentDispatchesIsolated(t *testing.T) {
	store := memory.NewInMemoryStore()
	cat := &catalog{
		products: map[string]*product{"p-1": {Name: "Shoe"}, "p-2": {Name: "Hat"}},
		versions: map[string]int64{"p-1": 1, "p-2": 1},
	}

	registry := audit.NewRegistry()
	recorder := audit.NewRecorder(store, registry)
	dispatcher := audit.NewDispatcher(audit.WithHooks(recorder))
	dispatcher.RegisterHandler("catalog.update_product", func(ctx context.Context, op audit.Operation) (any, error) {
		cat.update(ctx, op.(updateProduct))
		return nil, nil
	})

	ctx := requestCtx("corr-5", "tenant-a")

	var wg sync.WaitGroup
	for _, op := range []updateProduct{
		{ProductID: "p-1", NewName: "Boot"},
		{ProductID: "p-2", NewName: "Cap"},
	} {
		wg.Add(1)
		go func(op updateProduct) {
			defer wg.Done()
			_, err := dispatcher.Dispatch(ctx, op)
			assert.NoError(t, err)
		}(op)
	}
	wg.Wait()

	handlers, err := store.ListHandlersByCorrelation(ctx, "corr-5")
	require.NoError(t, err)
	require.Len(t, handlers, 2)

	changes, err := store.ListChangesByCorrelation(ctx, "corr-5")
	require.NoError(t, err)
	require.Len(t, changes, 2)

	// Each change is owned by exactly one handler record.
	byHandler := map[string]int{}
	for _, c := range changes {
		require.NotNil(t, c.HandlerID)
		byHandler[c.HandlerID.String()]++
	}
	require.Len(t, byHandler, 2)
	for _, n := range byHandler {
		assert.Equal(t, 1, n)
	}
}

func TestRecorderEntityLifecycle(t *testing.T) {
	store := memory.NewInMemoryStore()
	recorder := audit.NewRecorder(store, audit.NewRegistry())
	dispatcher := audit.NewDispatcher(audit.WithHooks(recorder))

	dispatcher.RegisterHandler("catalog.create_product", func(ctx context.Context, op audit.Operation) (any, error) {
		audit.TrackChange(ctx, audit.Change{
			EntityType: "Product",
			EntityID:   "p-9",
			Operation:  audit.ChangeAdded,
			Before:     nil,
			After:      product{Name: "Shoe"},
			Version:    1,
		})
		return nil, nil
	})
	dispatcher.RegisterHandler("catalog.delete_product", func(ctx context.Context, op audit.Operation) (any, error) {
		audit.TrackChange(ctx, audit.Change{
			EntityType: "Product",
			EntityID:   "p-9",
			Operation:  audit.ChangeDeleted,
			Before:     product{Name: "Shoe"},
			After:      nil,
			Version:    2,
		})
		return nil, nil
	})

	_, err := dispatcher.Dispatch(requestCtx("corr-c", "tenant-a"), createProduct{})
	require.NoError(t, err)
	_, err = dispatcher.Dispatch(requestCtx("corr-d", "tenant-a"), deleteProduct{})
	require.NoError(t, err)

	history, total, err := store.ListEntityHistory(context.Background(), "Product", "p-9", audit.Page{})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	// newest first: deletion, then creation
	assert.Equal(t, audit.ChangeDeleted, history[0].Operation)
	assert.Equal(t, int64(2), history[0].Version)
	assert.Equal(t, audit.ChangeAdded, history[1].Operation)
	assert.Equal(t, int64(1), history[1].Version)

	// a creation diff holds only add operations
	for _, op := range history[1].Diff {
		assert.Equal(t, "add", string(op.Op))
	}
	assert.False(t, history[1].Diff.IsEmpty())
}

type createProduct struct{}

func (createProduct) OperationType() string { return "catalog.create_product" }
func (createProduct) Describe() (audit.OperationKind, string) {
	return audit.KindCreate, "catalog: create product"
}

type deleteProduct struct{}

func (deleteProduct) OperationType() string { return "catalog.delete_product" }
func (deleteProduct) Describe() (audit.OperationKind, string) {
	return audit.KindDelete, "catalog: delete product"
}

type failingStore struct{}

func (failingStore) AppendRequest(ctx context.Context, rec *audit.RequestRecord) error {
	return assert.AnError
}

func (failingStore) AppendHandlerBatch(ctx context.Context, handler *audit.HandlerRecord, changes []*audit.EntityChangeRecord) error {
	return assert.AnError
}

func TestRecorderSwallowsStoreFailure(t *testing.T) {
	recorder := audit.NewRecorder(failingStore{}, audit.NewRegistry())
	dispatcher := audit.NewDispatcher(audit.WithHooks(recorder))
	dispatcher.RegisterHandler("catalog.get_product", func(ctx context.Context, op audit.Operation) (any, error) {
		return "ok", nil
	})

	result, err := dispatcher.Dispatch(requestCtx("corr-6", ""), getProduct{ProductID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

type collectingSink struct {
	mu       sync.Mutex
	handlers []*audit.HandlerRecord
	changes  []*audit.EntityChangeRecord
}

func (s *collectingSink) RequestLogged(rec *audit.RequestRecord) {}

func (s *collectingSink) HandlerLogged(rec *audit.HandlerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, rec)
}

func (s *collectingSink) EntityChanged(rec *audit.EntityChangeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, rec)
}

func TestRecorderNotifiesSinksAfterWrite(t *testing.T) {
	sink := &collectingSink{}
	p := newPipeline(t, audit.WithSinks(sink))
	ctx := requestCtx("corr-7", "tenant-a")

	_, err := p.dispatcher.Dispatch(ctx, updateProduct{ProductID: "p-1", NewName: "Boot"})
	require.NoError(t, err)

	require.Len(t, sink.handlers, 1)
	require.Len(t, sink.changes, 1)
	assert.Equal(t, "corr-7", sink.handlers[0].CorrelationID)
}

func TestRecorderSkipsSinksOnWriteFailure(t *testing.T) {
	sink := &collectingSink{}
	recorder := audit.NewRecorder(failingStore{}, audit.NewRegistry(), audit.WithSinks(sink))
	dispatcher := audit.NewDispatcher(audit.WithHooks(recorder))
	dispatcher.RegisterHandler("catalog.get_product", func(ctx context.Context, op audit.Operation) (any, error) {
		return nil, nil
	})

	_, err := dispatcher.Dispatch(requestCtx("corr-8", ""), getProduct{ProductID: "p-1"})
	require.NoError(t, err)
	assert.Empty(t, sink.handlers)
}
