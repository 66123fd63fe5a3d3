// Package audit implements the three-level audit pipeline: request records at
// ingress, handler records around each dispatched operation, and entity-change
// records for every persisted mutation, all correlated by a shared id.
package audit

import (
	"time"

	"github.com/google/uuid"

	"acta/pkg/diff"
)

// OperationKind classifies what a dispatched operation does to its target.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
	KindQuery  OperationKind = "query"
)

// ChangeOperation classifies a persisted entity mutation.
type ChangeOperation string

const (
	ChangeAdded    ChangeOperation = "added"
	ChangeModified ChangeOperation = "modified"
	ChangeDeleted  ChangeOperation = "deleted"
)

// RequestRecord is written once per inbound call, opened at ingress and
// finalized at egress. Append-only.
type RequestRecord struct {
	ID              uuid.UUID
	CorrelationID   string // unique per request
	Method          string
	URL             string
	QueryString     string
	RequestHeaders  map[string]string // sanitized
	ResponseHeaders map[string]string // sanitized
	RequestBody     string            // size-capped
	ResponseBody    string            // size-capped
	StatusCode      int
	UserID          string
	UserEmail       string
	TenantID        string // empty = platform-scoped
	ClientIP        string
	UserAgent       string
	StartTime       time.Time
	EndTime         time.Time
	DurationMS      int64
}

// HandlerRecord is written once per dispatched operation within a request
// (0..n per request). Append-only except the archival sweep, which only flips
// Archived/ArchivedAt.
type HandlerRecord struct {
	ID            uuid.UUID
	CorrelationID string
	TenantID      string
	HandlerName   string
	Kind          OperationKind
	Action        string // activity description, e.g. "catalog: rename product"
	TargetType    string
	TargetID      string
	// Diff is populated only when a before-state resolver was registered for
	// the operation type and the tracked object actually changed. Pure reads
	// never populate it.
	Diff         diff.Patch
	Input        string // sanitized operation payload
	Output       string // sanitized result payload
	StartTime    time.Time
	EndTime      time.Time
	DurationMS   int64
	Success      bool
	ErrorMessage string
	Archived     bool
	ArchivedAt   *time.Time
}

// EntityChangeRecord is written once per persisted entity mutation
// (0..n per handler), emitted at commit time in commit order. Append-only.
type EntityChangeRecord struct {
	ID            uuid.UUID
	CorrelationID string
	TenantID      string
	EntityType    string
	EntityID      string
	Operation     ChangeOperation
	Diff          diff.Patch
	Timestamp     time.Time
	// Version mirrors the owning aggregate's version counter and strictly
	// increases per (EntityType, EntityID) across successive records.
	Version int64
	// HandlerID links to the owning HandlerRecord. Nullable: the correlation
	// id alone is sufficient to reconstruct the graph if the link failed to
	// resolve.
	HandlerID *uuid.UUID
}

// Page selects one page of a listing. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Offset converts the page to a row offset, clamping bad input.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Limit()
}

// Limit returns the page size, defaulting to 50 and capping at 500.
func (p Page) Limit() int {
	switch {
	case p.Size <= 0:
		return 50
	case p.Size > 500:
		return 500
	default:
		return p.Size
	}
}

// RequestFilter narrows a request-log listing. Zero values mean "any".
type RequestFilter struct {
	TenantID   string
	UserID     string
	Method     string
	StatusCode int
	From       time.Time
	To         time.Time
}

// HandlerFilter narrows a handler-log listing. Zero values mean "any".
type HandlerFilter struct {
	TenantID     string
	HandlerName  string
	Kind         OperationKind
	TargetType   string
	OnlyFailures bool
	From         time.Time
	To           time.Time
	// Archived rows are excluded from live queries unless explicitly asked for.
	IncludeArchived bool
}

// ExportCriteria bounds a compliance export. Validation happens in the query
// service before any row is read.
type ExportCriteria struct {
	From       time.Time
	To         time.Time
	EntityType string
	UserID     string
	MaxRows    int
}

// ExportRow is the flat projection streamed to compliance exports. Only the
// columns needed, never full object graphs.
type ExportRow struct {
	Timestamp     time.Time
	CorrelationID string
	TenantID      string
	EntityType    string
	EntityID      string
	Operation     ChangeOperation
	Version       int64
	UserID        string
	UserEmail     string
	Diff          diff.Patch
	Summary       string // rendered diff summary, e.g. "Name: Shoe -> Boot"
}

// CurrentStats answers "what is happening now" for one tenant scope.
type CurrentStats struct {
	TenantID          string    `json:"tenantId,omitempty"`
	Date              time.Time `json:"date"`
	RequestCount      int       `json:"requestCount"`
	HandlerCount      int       `json:"handlerCount"`
	EntityChangeCount int       `json:"entityChangeCount"`
	ErrorCount        int       `json:"errorCount"`
	ActiveUsers       int       `json:"activeUsers"`
	AvgResponseMS     float64   `json:"avgResponseMs"`
	HourlyRequests    [24]int   `json:"hourlyRequests"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// DailyCount is one day of a detailed-stats breakdown.
type DailyCount struct {
	Day      time.Time `json:"day"`
	Requests int       `json:"requests"`
	Handlers int       `json:"handlers"`
	Changes  int       `json:"changes"`
	Errors   int       `json:"errors"`
}

// EntityTypeActivity ranks one entity type by mutation counts.
type EntityTypeActivity struct {
	EntityType string `json:"entityType"`
	Added      int    `json:"added"`
	Modified   int    `json:"modified"`
	Deleted    int    `json:"deleted"`
}

// UserActivity ranks one user by request volume.
type UserActivity struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail,omitempty"`
	Requests  int    `json:"requests"`
}

// HandlerActivity ranks one handler by execution count, success rate and
// average latency.
type HandlerActivity struct {
	HandlerName   string  `json:"handlerName"`
	Executions    int     `json:"executions"`
	Failures      int     `json:"failures"`
	AvgDurationMS float64 `json:"avgDurationMs"`
}

// SuccessRate reports the fraction of successful executions in [0,1].
func (h HandlerActivity) SuccessRate() float64 {
	if h.Executions == 0 {
		return 0
	}
	return float64(h.Executions-h.Failures) / float64(h.Executions)
}

// DetailedStats is the uncached on-demand report over a date range.
type DetailedStats struct {
	From           time.Time            `json:"from"`
	To             time.Time            `json:"to"`
	TenantID       string               `json:"tenantId,omitempty"`
	Daily          []DailyCount         `json:"daily"`
	TopEntityTypes []EntityTypeActivity `json:"topEntityTypes"`
	TopUsers       []UserActivity       `json:"topUsers"`
	TopHandlers    []HandlerActivity    `json:"topHandlers"`
}

// Trail is the full three-level reconstruction for one correlation id.
type Trail struct {
	CorrelationID string                `json:"correlationId"`
	Request       *RequestRecord        `json:"request,omitempty"`
	Handlers      []*HandlerRecord      `json:"handlers"`
	Changes       []*EntityChangeRecord `json:"changes"`
	// ChangesByHandler maps handler ids to their owned changes, built with an
	// in-memory lookup rather than one join per row.
	ChangesByHandler map[uuid.UUID][]*EntityChangeRecord `json:"-"`
}
