package audit

import (
	"context"
	"log/slog"

	dErrors "acta/pkg/domain-errors"
)

// Operation is a dispatchable application operation. The type identifier is
// stable across releases and doubles as the before-state registry key and the
// handler name on audit records.
type Operation interface {
	OperationType() string
}

// Describable lets an operation declare its kind and a human-readable action
// for audit records. Operations that don't implement it default to KindQuery
// with no action text.
type Describable interface {
	Describe() (OperationKind, string)
}

// Targeted lets an operation name the object it acts on.
type Targeted interface {
	Target() (entityType, entityID string)
}

// HandlerFunc executes one operation.
type HandlerFunc func(ctx context.Context, op Operation) (any, error)

// Envelope wraps one dispatch so hooks can observe and annotate it without
// knowing the operation's concrete type.
type Envelope struct {
	HandlerName string
	Kind        OperationKind
	Action      string
	TargetType  string
	TargetID    string
	Operation   Operation

	// recorder-owned state for this dispatch
	rec *recorderState
}

// Hook observes the dispatch lifecycle. Before runs ahead of the handler and
// may derive a new context; Finally runs after it returns, success or failure.
type Hook interface {
	Before(ctx context.Context, env *Envelope) context.Context
	Finally(ctx context.Context, env *Envelope, result any, err error)
}

// Dispatcher routes operations to their handlers through the hook chain. It
// stands in for the surrounding application's message-dispatch framework; the
// audit recorder only relies on the Before/Finally hook surface.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	hooks    []Hook
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithHooks appends lifecycle hooks. Before hooks run in registration order,
// Finally hooks in reverse.
func WithHooks(hooks ...Hook) DispatcherOption {
	return func(d *Dispatcher) { d.hooks = append(d.hooks, hooks...) }
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterHandler binds an operation type to its handler. Called once at
// startup by each feature module; the last registration for a type wins.
func (d *Dispatcher) RegisterHandler(operationType string, fn HandlerFunc) {
	d.handlers[operationType] = fn
}

// Dispatch runs one operation through the hook chain. Concurrent dispatches
// under one request each get their own envelope and therefore their own
// handler record.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation) (any, error) {
	opType := op.OperationType()
	handler, ok := d.handlers[opType]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no handler registered for operation %q", opType)
	}

	env := &Envelope{
		HandlerName: opType,
		Kind:        KindQuery,
		Operation:   op,
	}
	if desc, ok := op.(Describable); ok {
		env.Kind, env.Action = desc.Describe()
	}
	if targeted, ok := op.(Targeted); ok {
		env.TargetType, env.TargetID = targeted.Target()
	}

	for _, hook := range d.hooks {
		ctx = hook.Before(ctx, env)
	}

	result, err := handler(ctx, op)

	for i := len(d.hooks) - 1; i >= 0; i-- {
		d.hooks[i].Finally(ctx, env, result, err)
	}
	return result, err
}
