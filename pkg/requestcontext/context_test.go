package requestcontext

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationID(ctx))

	ctx = WithCorrelationID(ctx, "c1")
	assert.Equal(t, "c1", CorrelationID(ctx))
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u1", "u1@example.com", "t1")

	assert.Equal(t, "u1", UserID(ctx))
	assert.Equal(t, "u1@example.com", UserEmail(ctx))
	assert.Equal(t, "t1", TenantID(ctx))
}

func TestIdentityVisibleThroughAncestorScope(t *testing.T) {
	ingress := WithIdentityScope(context.Background())

	// authentication fills the identity in a derived context
	_ = WithIdentity(ingress, "u1", "u1@example.com", "t1")

	// the ancestor context resolves the same identity through the cell
	assert.Equal(t, "u1", UserID(ingress))
	assert.Equal(t, "u1@example.com", UserEmail(ingress))
	assert.Equal(t, "t1", TenantID(ingress))
}

func TestIdentityScopeEmptyBeforeAuthentication(t *testing.T) {
	ingress := WithIdentityScope(context.Background())

	assert.Empty(t, UserID(ingress))
	assert.Empty(t, TenantID(ingress))
}

func TestNowFallsBackToWallClock(t *testing.T) {
	before := time.Now()
	got := Now(context.Background())
	assert.False(t, got.Before(before))

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, Now(WithTime(context.Background(), fixed)))
}

func TestFailureScopeLifecycle(t *testing.T) {
	ctx := WithFailureScope(context.Background())
	assert.False(t, HasFailure(ctx))
	assert.Empty(t, ErrorMessage(ctx))

	SetFailure(ctx, "insufficient stock", "OUT_OF_STOCK")

	info, ok := Failure(ctx)
	require.True(t, ok)
	assert.Equal(t, "insufficient stock", info.Message)
	assert.Equal(t, "OUT_OF_STOCK", info.Code)
	assert.Equal(t, "insufficient stock", ErrorMessage(ctx))

	ClearFailure(ctx)
	assert.False(t, HasFailure(ctx))
}

func TestFailureVisibleThroughDerivedContexts(t *testing.T) {
	ctx := WithFailureScope(context.Background())
	derived := WithCorrelationID(ctx, "c1")

	// A deep layer sets the failure on a derived context; the recorder reads it
	// from the parent scope after the call returns.
	SetFailure(derived, "rejected", "BIZ")
	assert.True(t, HasFailure(ctx))
}

func TestSetFailureWithoutScopeIsNoop(t *testing.T) {
	ctx := context.Background()
	SetFailure(ctx, "msg", "code") // must not panic
	assert.False(t, HasFailure(ctx))
}

func TestFailureScopesAreIsolatedBetweenRequests(t *testing.T) {
	first := WithFailureScope(context.Background())
	second := WithFailureScope(context.Background())

	SetFailure(first, "only on first", "X")

	assert.True(t, HasFailure(first))
	assert.False(t, HasFailure(second))
}

func TestFailureScopeConcurrentAccess(t *testing.T) {
	ctx := WithFailureScope(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetFailure(ctx, "m", "c")
		}()
		go func() {
			defer wg.Done()
			_ = HasFailure(ctx)
		}()
	}
	wg.Wait()

	assert.True(t, HasFailure(ctx))
}
