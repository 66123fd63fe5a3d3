// Package httptransport is the thin HTTP layer. It delegates to the audit
// services without embedding business logic so transport concerns remain
// isolated.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"acta/internal/audit"
	"acta/internal/audit/query"
	"acta/internal/audit/stats"
	dErrors "acta/pkg/domain-errors"
	"acta/pkg/platform/httputil"
	"acta/pkg/requestcontext"
)

// Handler wires audit endpoints to the query and stats services.
type Handler struct {
	query  *query.Service
	stats  *stats.Service
	logger *slog.Logger
}

// New constructs the audit API handler with its dependencies.
func New(querySvc *query.Service, statsSvc *stats.Service, logger *slog.Logger) *Handler {
	return &Handler{
		query:  querySvc,
		stats:  statsSvc,
		logger: logger,
	}
}

// Register mounts the audit endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit/trail/{correlationID}", h.HandleTrail)
	r.Get("/audit/entities/{entityType}/{entityID}/history", h.HandleEntityHistory)
	r.Get("/audit/requests", h.HandleRequestLogs)
	r.Get("/audit/handlers", h.HandleHandlerLogs)
	r.Get("/audit/stats/current", h.HandleCurrentStats)
	r.Get("/audit/stats/detailed", h.HandleDetailedStats)
	r.Post("/audit/export", h.HandleExport)
}

// HandleTrail handles GET /audit/trail/{correlationID} requests.
func (h *Handler) HandleTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := chi.URLParam(r, "correlationID")

	trail, err := h.query.GetAuditTrail(ctx, correlationID)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit trail lookup failed",
			"correlation_id", correlationID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if trail.Request != nil && !h.canSee(ctx, trail.Request.TenantID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "audit trail not found"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, trailResponse(trail))
}

// HandleEntityHistory handles GET /audit/entities/{entityType}/{entityID}/history.
func (h *Handler) HandleEntityHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")
	page := parsePage(r)

	entries, total, err := h.query.GetEntityHistory(ctx, entityType, entityID, page)
	if err != nil {
		h.logger.ErrorContext(ctx, "entity history lookup failed",
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		if !h.canSee(ctx, e.TenantID) {
			continue
		}
		items = append(items, newHistoryItem(e))
	}
	httputil.WriteJSON(w, http.StatusOK, pagedResponse[historyItem]{
		Items: items,
		Total: total,
		Page:  page.Number,
		Size:  page.Limit(),
	})
}

// HandleRequestLogs handles GET /audit/requests requests.
func (h *Handler) HandleRequestLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := parseRequestFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter.TenantID = h.scopeTenant(ctx, filter.TenantID)
	page := parsePage(r)

	entries, total, err := h.query.GetRequestLogs(ctx, filter, page)
	if err != nil {
		h.logger.ErrorContext(ctx, "request log listing failed", "error", err)
		httputil.WriteError(w, err)
		return
	}

	items := make([]requestItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, newRequestItem(e))
	}
	httputil.WriteJSON(w, http.StatusOK, pagedResponse[requestItem]{
		Items: items,
		Total: total,
		Page:  page.Number,
		Size:  page.Limit(),
	})
}

// HandleHandlerLogs handles GET /audit/handlers requests.
func (h *Handler) HandleHandlerLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := parseHandlerFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter.TenantID = h.scopeTenant(ctx, filter.TenantID)
	page := parsePage(r)

	records, total, err := h.query.GetHandlerLogs(ctx, filter, page)
	if err != nil {
		h.logger.ErrorContext(ctx, "handler log listing failed", "error", err)
		httputil.WriteError(w, err)
		return
	}

	items := make([]handlerItem, 0, len(records))
	for _, rec := range records {
		items = append(items, newHandlerItem(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, pagedResponse[handlerItem]{
		Items: items,
		Total: total,
		Page:  page.Number,
		Size:  page.Limit(),
	})
}

// HandleCurrentStats handles GET /audit/stats/current requests.
func (h *Handler) HandleCurrentStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := h.scopeTenant(ctx, r.URL.Query().Get("tenantId"))

	current, err := h.stats.GetCurrentStats(ctx, tenantID)
	if err != nil {
		h.logger.ErrorContext(ctx, "current stats failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, current)
}

// HandleDetailedStats handles GET /audit/stats/detailed requests.
func (h *Handler) HandleDetailedStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	from, err := parseTime(q.Get("from"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tenantID := h.scopeTenant(ctx, q.Get("tenantId"))

	detailed, err := h.stats.GetDetailedStats(ctx, tenantID, from, to)
	if err != nil {
		h.logger.ErrorContext(ctx, "detailed stats failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detailed)
}

// exportRequest is the POST /audit/export body. MaxRows is a pointer so an
// explicit non-positive cap can be told apart from an absent one.
type exportRequest struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	EntityType string    `json:"entityType,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	MaxRows    *int      `json:"maxRows,omitempty"`
	Format     string    `json:"format,omitempty"`
}

// HandleExport handles POST /audit/export requests. Rows are streamed straight
// to the response body in the requested format.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid export request body"))
		return
	}

	format, err := query.ParseFormat(req.Format)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	criteria := audit.ExportCriteria{
		From:       req.From,
		To:         req.To,
		EntityType: req.EntityType,
		UserID:     req.UserID,
	}
	if req.MaxRows != nil {
		if *req.MaxRows <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "maxRows must be positive"))
			return
		}
		criteria.MaxRows = *req.MaxRows
	}

	// Tenant users can only export their own rows; the user filter stays free
	// for platform operators.
	if tenant := requestcontext.TenantID(ctx); tenant != "" && criteria.UserID == "" {
		criteria.UserID = requestcontext.UserID(ctx)
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.`+string(format)+`"`)

	start := time.Now()
	rows, err := h.query.Export(ctx, criteria, format, w)
	if err != nil {
		// Validation errors surface before any byte is written, so the error
		// envelope is still deliverable.
		if dErrors.CodeOf(err) == dErrors.CodeValidation {
			w.Header().Del("Content-Disposition")
			w.Header().Set("Content-Type", "application/json")
			httputil.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "export failed",
			"rows_written", rows,
			"error", err,
		)
		return
	}

	h.logger.InfoContext(ctx, "audit export completed",
		"rows", rows,
		"format", string(format),
		"user_id", requestcontext.UserID(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// scopeTenant pins tenant users to their own tenant. Platform-scoped callers
// may pass any tenant filter, including none.
func (h *Handler) scopeTenant(ctx context.Context, requested string) string {
	if tenant := requestcontext.TenantID(ctx); tenant != "" {
		return tenant
	}
	return requested
}

// canSee reports whether the caller may read records of the given tenant.
func (h *Handler) canSee(ctx context.Context, recordTenant string) bool {
	tenant := requestcontext.TenantID(ctx)
	return tenant == "" || tenant == recordTenant
}

func parsePage(r *http.Request) audit.Page {
	q := r.URL.Query()
	number, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("pageSize"))
	return audit.Page{Number: number, Size: size}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, dErrors.Newf(dErrors.CodeValidation, "invalid timestamp %q, expected RFC 3339", raw)
	}
	return t, nil
}

func parseRequestFilter(r *http.Request) (audit.RequestFilter, error) {
	q := r.URL.Query()
	filter := audit.RequestFilter{
		TenantID: q.Get("tenantId"),
		UserID:   q.Get("userId"),
		Method:   q.Get("method"),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil {
			return filter, dErrors.Newf(dErrors.CodeValidation, "invalid status %q", raw)
		}
		filter.StatusCode = status
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseHandlerFilter(r *http.Request) (audit.HandlerFilter, error) {
	q := r.URL.Query()
	filter := audit.HandlerFilter{
		TenantID:        q.Get("tenantId"),
		HandlerName:     q.Get("handler"),
		Kind:            audit.OperationKind(q.Get("kind")),
		TargetType:      q.Get("targetType"),
		OnlyFailures:    q.Get("onlyFailures") == "true",
		IncludeArchived: q.Get("includeArchived") == "true",
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return filter, err
	}
	return filter, nil
}
