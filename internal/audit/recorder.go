package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"acta/internal/platform/metrics"
	"acta/pkg/diff"
	"acta/pkg/requestcontext"
)

// Sink receives notifications after audit records are durably written.
// Publication is fire-and-forget relative to the request that produced the
// record; implementations must not block the caller on slow subscribers.
type Sink interface {
	RequestLogged(rec *RequestRecord)
	HandlerLogged(rec *HandlerRecord)
	EntityChanged(rec *EntityChangeRecord)
}

// recorderState is the per-dispatch state the recorder keeps on the envelope.
type recorderState struct {
	record        *HandlerRecord
	beforeState   any
	resolverKnown bool
	changes       *ChangeSet
}

// Recorder is the dispatch hook that writes handler and entity-change records.
// A storage failure while recording is logged and swallowed: it must never
// fail the business operation it documents.
type Recorder struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sinks    []Sink
	now      func() time.Time

	// payload capture limit for operation input/output snapshots
	maxPayloadBytes int
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithSinks appends notification sinks (hub, external brokers).
func WithSinks(sinks ...Sink) RecorderOption {
	return func(r *Recorder) { r.sinks = append(r.sinks, sinks...) }
}

// WithClock overrides the wall clock; for tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithMaxPayloadBytes caps captured operation payloads.
func WithMaxPayloadBytes(n int) RecorderOption {
	return func(r *Recorder) { r.maxPayloadBytes = n }
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, registry *Registry, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:           store,
		registry:        registry,
		logger:          slog.Default(),
		now:             time.Now,
		maxPayloadBytes: 4096,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Before opens the handler record, resolves the before-state snapshot when a
// resolver is registered, and installs a fresh change set for this dispatch.
func (r *Recorder) Before(ctx context.Context, env *Envelope) context.Context {
	start := r.now()
	state := &recorderState{
		record: &HandlerRecord{
			ID:            uuid.New(),
			CorrelationID: requestcontext.CorrelationID(ctx),
			TenantID:      requestcontext.TenantID(ctx),
			HandlerName:   env.HandlerName,
			Kind:          env.Kind,
			Action:        env.Action,
			TargetType:    env.TargetType,
			TargetID:      env.TargetID,
			Input:         r.capturePayload(env.Operation),
			StartTime:     start,
		},
	}

	snapshot, registered, err := r.registry.Resolve(ctx, env.HandlerName, env.Operation)
	if err != nil {
		// A broken resolver costs the diff, never the operation.
		r.logger.WarnContext(ctx, "before-state resolver failed",
			"handler", env.HandlerName,
			"correlation_id", state.record.CorrelationID,
			"error", err,
		)
	} else {
		state.beforeState = snapshot
		state.resolverKnown = registered
	}

	ctx = WithChangeSet(ctx)
	state.changes, _ = changeSetFrom(ctx)
	env.rec = state
	return ctx
}

// Finally closes the handler record: stamps duration, captures ambient
// failures, computes the target diff, drains tracked entity changes and
// persists everything in one batch.
//
// Atomicity note: entity changes only reach the change set after the business
// transaction commits, and the batch itself is written in one dedicated
// transaction. An audit row can therefore never describe a rolled-back
// mutation; a crash between the business commit and this write can lose the
// handler's audit rows, which is the documented trade-off.
func (r *Recorder) Finally(ctx context.Context, env *Envelope, result any, opErr error) {
	state := env.rec
	if state == nil {
		return
	}
	rec := state.record

	end := r.now()
	rec.EndTime = end
	rec.DurationMS = end.Sub(rec.StartTime).Milliseconds()
	if rec.DurationMS < 0 {
		rec.DurationMS = 0
	}

	rec.Success = opErr == nil
	if opErr != nil {
		rec.ErrorMessage = opErr.Error()
	} else if failure, ok := requestcontext.Failure(ctx); ok {
		rec.Success = false
		rec.ErrorMessage = failure.Message
	}

	if result != nil {
		rec.Output = r.capturePayload(result)
	}

	if state.resolverKnown && rec.Kind != KindQuery {
		r.computeTargetDiff(ctx, env, state)
	}

	changeRecords := r.buildChangeRecords(ctx, rec, state)

	// Write on a detached context: a caller that already gave up must not
	// leave a half-written batch behind, and the store is transactional per
	// batch anyway.
	writeCtx := context.WithoutCancel(ctx)
	if err := r.store.AppendHandlerBatch(writeCtx, rec, changeRecords); err != nil {
		r.countFailure("handler")
		r.logger.ErrorContext(ctx, "audit handler batch write failed; swallowing",
			"handler", rec.HandlerName,
			"correlation_id", rec.CorrelationID,
			"changes", len(changeRecords),
			"error", err,
		)
		return
	}
	r.countWrite("handler")
	for range changeRecords {
		r.countWrite("entity_change")
	}

	for _, sink := range r.sinks {
		sink.HandlerLogged(rec)
		for _, change := range changeRecords {
			sink.EntityChanged(change)
		}
	}
}

// computeTargetDiff resolves the after-state and diffs it against the
// before-state. Pure reads never reach here.
func (r *Recorder) computeTargetDiff(ctx context.Context, env *Envelope, state *recorderState) {
	afterState, _, err := r.registry.Resolve(ctx, env.HandlerName, env.Operation)
	if err != nil {
		r.logger.WarnContext(ctx, "after-state resolver failed",
			"handler", env.HandlerName,
			"error", err,
		)
		return
	}
	patch, err := diff.Compute(state.beforeState, afterState)
	if err != nil {
		r.logger.WarnContext(ctx, "target diff computation failed",
			"handler", env.HandlerName,
			"error", err,
		)
		return
	}
	if !patch.IsEmpty() {
		state.record.Diff = patch
	}
}

// buildChangeRecords turns the drained change set into entity-change records
// linked to the owning handler, preserving commit order.
func (r *Recorder) buildChangeRecords(ctx context.Context, rec *HandlerRecord, state *recorderState) []*EntityChangeRecord {
	if state.changes == nil {
		return nil
	}
	drained := state.changes.Drain()
	if len(drained) == 0 {
		return nil
	}

	records := make([]*EntityChangeRecord, 0, len(drained))
	for _, change := range drained {
		patch, err := diff.Compute(change.Before, change.After)
		if err != nil {
			r.logger.WarnContext(ctx, "entity change diff failed",
				"entity_type", change.EntityType,
				"entity_id", change.EntityID,
				"error", err,
			)
			patch = nil
		}
		handlerID := rec.ID
		records = append(records, &EntityChangeRecord{
			ID:            uuid.New(),
			CorrelationID: rec.CorrelationID,
			TenantID:      rec.TenantID,
			EntityType:    change.EntityType,
			EntityID:      change.EntityID,
			Operation:     change.Operation,
			Diff:          patch,
			Timestamp:     r.now(),
			Version:       change.Version,
			HandlerID:     &handlerID,
		})
	}
	return records
}

// capturePayload serializes a payload for the audit record, size-capped.
func (r *Recorder) capturePayload(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if len(raw) > r.maxPayloadBytes {
		raw = raw[:r.maxPayloadBytes]
	}
	return string(raw)
}

func (r *Recorder) countWrite(kind string) {
	if r.metrics != nil {
		r.metrics.AuditWrites.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) countFailure(kind string) {
	if r.metrics != nil {
		r.metrics.AuditWriteFailures.WithLabelValues(kind).Inc()
	}
}
