// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// This package defines context keys and getter/setter functions for values that are
// typically set by middleware but consumed by services. By keeping this package free
// of net/http dependencies, services can import only what they need without pulling
// in HTTP-related code.
//
// Usage in services (read values):
//
//	correlationID := requestcontext.CorrelationID(ctx)
//	tenantID := requestcontext.TenantID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithCorrelationID(ctx, id)
//	ctx = requestcontext.WithIdentity(ctx, userID, email, tenantID)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithClientMetadata(ctx, "10.0.0.1", "Mozilla/5.0")
package requestcontext

import (
	"context"
	"sync"
	"time"
)

// Context key types (unexported for encapsulation).
type (
	correlationIDKey struct{}
	userIDKey        struct{}
	userEmailKey     struct{}
	tenantIDKey      struct{}
	clientIPKey      struct{}
	userAgentKey     struct{}
	requestTimeKey   struct{}
	failureScopeKey  struct{}
	identityScopeKey struct{}
)

// -----------------------------------------------------------------------------
// Correlation id
// -----------------------------------------------------------------------------

// CorrelationID retrieves the correlation id shared by every audit record of one
// inbound request. Empty when no request is in flight (workers, CLI, tests).
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID injects a correlation id into the context. It is assigned
// once at request ingress and never changes afterwards.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// -----------------------------------------------------------------------------
// Identity (acting user + tenant)
// -----------------------------------------------------------------------------

// identityScope is a mutable cell installed at ingress, before authentication
// has run. The auth layer fills it in a derived context; the capture layer,
// holding an ancestor context, still observes the final identity when it
// writes the request record at egress.
type identityScope struct {
	mu       sync.Mutex
	userID   string
	email    string
	tenantID string
}

func (s *identityScope) get() (string, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.email, s.tenantID
}

// WithIdentityScope installs an empty identity cell. Called once per request
// at ingress, ahead of authentication.
func WithIdentityScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, identityScopeKey{}, &identityScope{})
}

// UserID retrieves the acting user id from the context.
func UserID(ctx context.Context) string {
	id, _, _ := identity(ctx)
	return id
}

// UserEmail retrieves the acting user's email from the context.
func UserEmail(ctx context.Context) string {
	_, email, _ := identity(ctx)
	return email
}

// TenantID retrieves the tenant id from the context. An empty tenant id means
// the request is platform-scoped, not tenant-scoped.
func TenantID(ctx context.Context) string {
	_, _, tenantID := identity(ctx)
	return tenantID
}

func identity(ctx context.Context) (userID, email, tenantID string) {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		userID = id
	}
	if e, ok := ctx.Value(userEmailKey{}).(string); ok {
		email = e
	}
	if id, ok := ctx.Value(tenantIDKey{}).(string); ok {
		tenantID = id
	}
	if userID == "" && email == "" && tenantID == "" {
		if scope, ok := ctx.Value(identityScopeKey{}).(*identityScope); ok {
			return scope.get()
		}
	}
	return userID, email, tenantID
}

// WithIdentity injects the acting user and tenant into the context. When an
// identity scope is installed the cell is filled too, so ancestor contexts
// from before authentication resolve the same identity.
func WithIdentity(ctx context.Context, userID, email, tenantID string) context.Context {
	if scope, ok := ctx.Value(identityScopeKey{}).(*identityScope); ok {
		scope.mu.Lock()
		scope.userID = userID
		scope.email = email
		scope.tenantID = tenantID
		scope.mu.Unlock()
	}
	ctx = context.WithValue(ctx, userIDKey{}, userID)
	ctx = context.WithValue(ctx, userEmailKey{}, email)
	ctx = context.WithValue(ctx, tenantIDKey{}, tenantID)
	return ctx
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent)
// -----------------------------------------------------------------------------

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentKey{}).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	ctx = context.WithValue(ctx, userAgentKey{}, userAgent)
	return ctx
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for non-HTTP contexts like workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests that don't run the full HTTP middleware chain
//   - Workers that need consistent time within a batch operation
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// -----------------------------------------------------------------------------
// Ambient failure scope
// -----------------------------------------------------------------------------

// FailureInfo records a business rejection that was not signalled as a Go error.
// Deep layers set it; the audit recorder reads it when the handler record closes.
type FailureInfo struct {
	Message string
	Code    string
}

// failureScope is a mutable cell shared by everything derived from one request
// context. It is guarded by a mutex because concurrently dispatched operations
// under one request may touch it from separate goroutines.
type failureScope struct {
	mu      sync.Mutex
	failure *FailureInfo
}

// WithFailureScope installs a fresh failure cell. The correlation middleware
// calls this exactly once per request; the cell travels with the context, so it
// follows the logical flow of the request across goroutines and suspension
// points rather than any one OS thread.
func WithFailureScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, failureScopeKey{}, &failureScope{})
}

// SetFailure records a non-exceptional business failure for the current request.
// A no-op when no failure scope is installed (workers, bare tests).
func SetFailure(ctx context.Context, message, code string) {
	scope, ok := ctx.Value(failureScopeKey{}).(*failureScope)
	if !ok {
		return
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.failure = &FailureInfo{Message: message, Code: code}
}

// Failure reports the recorded failure, if any.
func Failure(ctx context.Context) (FailureInfo, bool) {
	scope, ok := ctx.Value(failureScopeKey{}).(*failureScope)
	if !ok {
		return FailureInfo{}, false
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if scope.failure == nil {
		return FailureInfo{}, false
	}
	return *scope.failure, true
}

// HasFailure reports whether a failure has been recorded in the current scope.
func HasFailure(ctx context.Context) bool {
	_, ok := Failure(ctx)
	return ok
}

// ErrorMessage returns the recorded failure message, or "" when none is set.
func ErrorMessage(ctx context.Context) string {
	info, ok := Failure(ctx)
	if !ok {
		return ""
	}
	return info.Message
}

// ClearFailure resets the failure cell. The correlation middleware runs this in
// a deferred block so the cell is always cleared, success or failure; skipping
// it would leak stale failure data into whatever reuses the scope.
func ClearFailure(ctx context.Context) {
	scope, ok := ctx.Value(failureScopeKey{}).(*failureScope)
	if !ok {
		return
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.failure = nil
}
