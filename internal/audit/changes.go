package audit

import (
	"context"
	"sync"

	"acta/pkg/platform/tx"
)

// Change is one persisted entity mutation reported by the storage layer.
// Before/After are snapshots in whatever shape the layer has at hand; the
// recorder serializes them through the diff engine.
type Change struct {
	EntityType string
	EntityID   string
	Operation  ChangeOperation
	Before     any
	After      any
	// Version mirrors the aggregate's own version counter after the mutation.
	Version int64
}

// ChangeSet accumulates the mutations of one dispatched operation. The
// recorder installs a fresh set per dispatch, so concurrently dispatched
// operations under one request never see each other's changes.
type ChangeSet struct {
	mu      sync.Mutex
	changes []Change
}

type changeSetKey struct{}

// WithChangeSet installs a fresh change set into the context.
func WithChangeSet(ctx context.Context) context.Context {
	return context.WithValue(ctx, changeSetKey{}, &ChangeSet{})
}

// changeSetFrom extracts the ambient change set, if any.
func changeSetFrom(ctx context.Context) (*ChangeSet, bool) {
	cs, ok := ctx.Value(changeSetKey{}).(*ChangeSet)
	return cs, ok
}

// TrackChange reports a mutation from the storage layer. When the call runs
// inside a tx.Runner transaction the change is recorded only after that
// transaction commits, so a rollback leaves no trace; outside a transaction
// it is recorded immediately. A no-op when no change set is installed.
func TrackChange(ctx context.Context, change Change) {
	cs, ok := changeSetFrom(ctx)
	if !ok {
		return
	}
	tx.OnCommit(ctx, func(context.Context) {
		cs.add(change)
	})
}

func (cs *ChangeSet) add(change Change) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.changes = append(cs.changes, change)
}

// Drain returns the tracked changes in commit order and empties the set.
func (cs *ChangeSet) Drain() []Change {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	drained := cs.changes
	cs.changes = nil
	return drained
}

// Len reports how many changes are currently tracked.
func (cs *ChangeSet) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.changes)
}
