// Package httpcapture records every inbound HTTP request as a request-level
// audit record. It mints the correlation id, installs the ambient failure
// scope and finalizes the record at egress.
package httpcapture

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"acta/internal/audit"
	"acta/internal/platform/metrics"
	platformstrings "acta/pkg/platform/strings"
	"acta/pkg/requestcontext"
)

const defaultMaxBodyBytes = 4096

// defaultRedactedHeaders are never captured verbatim.
var defaultRedactedHeaders = []string{"authorization", "cookie", "set-cookie", "x-api-key"}

// Middleware wraps HTTP handlers with request-level audit capture.
type Middleware struct {
	store        audit.Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	sinks        []audit.Sink
	now          func() time.Time
	maxBodyBytes int
	redacted     map[string]struct{}
}

// Option configures the middleware.
type Option func(*Middleware)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) { m.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mx }
}

// WithSinks appends notification sinks.
func WithSinks(sinks ...audit.Sink) Option {
	return func(m *Middleware) { m.sinks = append(m.sinks, sinks...) }
}

// WithClock overrides the wall clock; for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) { m.now = now }
}

// WithMaxBodyBytes caps captured request and response bodies.
func WithMaxBodyBytes(n int) Option {
	return func(m *Middleware) { m.maxBodyBytes = n }
}

// WithRedactedHeaders extends the redaction set. Header names are
// case-insensitive.
func WithRedactedHeaders(names ...string) Option {
	return func(m *Middleware) {
		for _, name := range platformstrings.DedupeAndTrimLower(names) {
			m.redacted[name] = struct{}{}
		}
	}
}

// New constructs the capture middleware.
func New(store audit.Store, opts ...Option) *Middleware {
	m := &Middleware{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		maxBodyBytes: defaultMaxBodyBytes,
		redacted:     make(map[string]struct{}, len(defaultRedactedHeaders)),
	}
	for _, name := range defaultRedactedHeaders {
		m.redacted[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// responseWriter captures the status code and a size-capped copy of the body.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	body       bytes.Buffer
	bodyCap    int
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	if remaining := rw.bodyCap - rw.body.Len(); remaining > 0 {
		if len(b) > remaining {
			rw.body.Write(b[:remaining])
		} else {
			rw.body.Write(b)
		}
	}
	return rw.ResponseWriter.Write(b)
}

// Handler wraps next with audit capture. The record is opened before next runs
// and written after the response is complete; a storage failure is logged and
// swallowed so it never affects the response already sent.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.now()
		correlationID := uuid.NewString()

		ctx := requestcontext.WithCorrelationID(r.Context(), correlationID)
		ctx = requestcontext.WithTime(ctx, start)
		ctx = requestcontext.WithClientMetadata(ctx, clientIP(r), r.UserAgent())
		ctx = requestcontext.WithFailureScope(ctx)
		// Authentication runs after capture; the cell lets the record pick up
		// the identity the auth layer resolves downstream.
		ctx = requestcontext.WithIdentityScope(ctx)
		defer requestcontext.ClearFailure(ctx)

		requestBody := m.captureRequestBody(r)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			bodyCap:        m.maxBodyBytes,
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		end := m.now()
		rec := &audit.RequestRecord{
			ID:              uuid.New(),
			CorrelationID:   correlationID,
			Method:          r.Method,
			URL:             r.URL.Path,
			QueryString:     r.URL.RawQuery,
			RequestHeaders:  m.sanitizeHeaders(r.Header),
			ResponseHeaders: m.sanitizeHeaders(wrapped.Header()),
			RequestBody:     requestBody,
			ResponseBody:    wrapped.body.String(),
			StatusCode:      wrapped.statusCode,
			UserID:          requestcontext.UserID(ctx),
			UserEmail:       requestcontext.UserEmail(ctx),
			TenantID:        requestcontext.TenantID(ctx),
			ClientIP:        requestcontext.ClientIP(ctx),
			UserAgent:       requestcontext.UserAgent(ctx),
			StartTime:       start,
			EndTime:         end,
			DurationMS:      end.Sub(start).Milliseconds(),
		}

		// The client may already be gone; the record is written regardless.
		writeCtx := context.WithoutCancel(ctx)
		if err := m.store.AppendRequest(writeCtx, rec); err != nil {
			m.logger.ErrorContext(writeCtx, "failed to write request audit record",
				"correlation_id", correlationID,
				"method", r.Method,
				"path", r.URL.Path,
				"error", err)
			if m.metrics != nil {
				m.metrics.AuditWriteFailures.WithLabelValues("request").Inc()
			}
			return
		}
		if m.metrics != nil {
			m.metrics.AuditWrites.WithLabelValues("request").Inc()
		}
		for _, sink := range m.sinks {
			sink.RequestLogged(rec)
		}
	})
}

func (m *Middleware) captureRequestBody(r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	limited := io.LimitReader(r.Body, int64(m.maxBodyBytes))
	captured, err := io.ReadAll(limited)
	if err != nil {
		return ""
	}
	// Splice the captured prefix back so the handler still sees the full body.
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(captured), r.Body), r.Body}
	return string(captured)
}

// sanitizeHeaders flattens headers to single values, replacing credential
// carriers with a redaction marker.
func (m *Middleware) sanitizeHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, redact := m.redacted[strings.ToLower(name)]; redact {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = values[0]
	}
	return out
}

// clientIP resolves the originating address: X-Forwarded-For first hop, then
// X-Real-IP, then the socket peer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
