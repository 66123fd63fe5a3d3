// Package tx carries a SQL transaction in context so stores can transparently
// join an enclosing business transaction, and runs functions inside one with
// commit hooks for change tracking.
package tx

import (
	"context"
	"database/sql"
	"fmt"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Runner executes functions inside a transaction. Commit hooks registered for
// the run fire after a successful commit and never on rollback, which is what
// lets entity-change tracking discard changes for mutations that were never
// actually saved.
type Runner struct {
	db *sql.DB
}

// NewRunner creates a Runner over the given database handle.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

type hooksKey struct{}

type hookList struct {
	fns []func(ctx context.Context)
}

// OnCommit registers fn to run after the enclosing transaction commits.
// Outside a Runner transaction fn runs immediately.
func OnCommit(ctx context.Context, fn func(ctx context.Context)) {
	hooks, ok := ctx.Value(hooksKey{}).(*hookList)
	if !ok {
		fn(ctx)
		return
	}
	hooks.fns = append(hooks.fns, fn)
}

// Within runs fn inside a transaction. The transaction is placed in the
// context so stores using an execer pattern join it automatically. Rollback
// happens on error or panic; commit hooks run only after a successful commit,
// on a context that no longer carries the finished transaction.
func (r *Runner) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	hooks := &hookList{}
	txCtx := WithTx(ctx, sqlTx)
	txCtx = context.WithValue(txCtx, hooksKey{}, hooks)

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for _, hook := range hooks.fns {
		hook(ctx)
	}
	return nil
}
