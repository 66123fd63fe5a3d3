package httptransport

import (
	"time"

	"github.com/google/uuid"

	"acta/internal/audit"
	"acta/internal/audit/query"
	"acta/pkg/diff"
)

// pagedResponse is the envelope for every listing endpoint.
type pagedResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

type requestItem struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	QueryString   string            `json:"queryString,omitempty"`
	StatusCode    int               `json:"statusCode"`
	UserID        string            `json:"userId,omitempty"`
	UserEmail     string            `json:"userEmail,omitempty"`
	TenantID      string            `json:"tenantId,omitempty"`
	ClientIP      string            `json:"clientIp,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	Browser       string            `json:"browser,omitempty"`
	OS            string            `json:"os,omitempty"`
	Headers       map[string]string `json:"requestHeaders,omitempty"`
	RequestBody   string            `json:"requestBody,omitempty"`
	ResponseBody  string            `json:"responseBody,omitempty"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	DurationMS    int64             `json:"durationMs"`
}

func newRequestItem(e query.RequestLogEntry) requestItem {
	return requestItem{
		ID:            e.ID.String(),
		CorrelationID: e.CorrelationID,
		Method:        e.Method,
		URL:           e.URL,
		QueryString:   e.QueryString,
		StatusCode:    e.StatusCode,
		UserID:        e.UserID,
		UserEmail:     e.UserEmail,
		TenantID:      e.TenantID,
		ClientIP:      e.ClientIP,
		UserAgent:     e.UserAgent,
		Browser:       e.Browser,
		OS:            e.OS,
		Headers:       e.RequestHeaders,
		RequestBody:   e.RequestBody,
		ResponseBody:  e.ResponseBody,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		DurationMS:    e.DurationMS,
	}
}

type handlerItem struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlationId"`
	TenantID      string     `json:"tenantId,omitempty"`
	HandlerName   string     `json:"handlerName"`
	Kind          string     `json:"kind"`
	Action        string     `json:"action,omitempty"`
	TargetType    string     `json:"targetType,omitempty"`
	TargetID      string     `json:"targetId,omitempty"`
	Diff          diff.Patch `json:"diff,omitempty"`
	Input         string     `json:"input,omitempty"`
	Output        string     `json:"output,omitempty"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       time.Time  `json:"endTime"`
	DurationMS    int64      `json:"durationMs"`
	Success       bool       `json:"success"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	Archived      bool       `json:"archived,omitempty"`
}

func newHandlerItem(rec *audit.HandlerRecord) handlerItem {
	return handlerItem{
		ID:            rec.ID.String(),
		CorrelationID: rec.CorrelationID,
		TenantID:      rec.TenantID,
		HandlerName:   rec.HandlerName,
		Kind:          string(rec.Kind),
		Action:        rec.Action,
		TargetType:    rec.TargetType,
		TargetID:      rec.TargetID,
		Diff:          rec.Diff,
		Input:         rec.Input,
		Output:        rec.Output,
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
		DurationMS:    rec.DurationMS,
		Success:       rec.Success,
		ErrorMessage:  rec.ErrorMessage,
		Archived:      rec.Archived,
	}
}

type changeItem struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlationId"`
	TenantID      string     `json:"tenantId,omitempty"`
	EntityType    string     `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Operation     string     `json:"operation"`
	Diff          diff.Patch `json:"diff,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Version       int64      `json:"version"`
	HandlerID     string     `json:"handlerId,omitempty"`
}

func newChangeItem(rec *audit.EntityChangeRecord) changeItem {
	item := changeItem{
		ID:            rec.ID.String(),
		CorrelationID: rec.CorrelationID,
		TenantID:      rec.TenantID,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Operation:     string(rec.Operation),
		Diff:          rec.Diff,
		Timestamp:     rec.Timestamp,
		Version:       rec.Version,
	}
	if rec.HandlerID != nil {
		item.HandlerID = rec.HandlerID.String()
	}
	return item
}

type historyItem struct {
	changeItem
	ActorID    string `json:"actorId,omitempty"`
	ActorEmail string `json:"actorEmail,omitempty"`
	ActorName  string `json:"actorName,omitempty"`
}

func newHistoryItem(e query.HistoryEntry) historyItem {
	return historyItem{
		changeItem: newChangeItem(e.EntityChangeRecord),
		ActorID:    e.ActorID,
		ActorEmail: e.ActorEmail,
		ActorName:  e.ActorName,
	}
}

// trailHandlerItem nests each handler's owned changes so clients get the full
// graph in one response.
type trailHandlerItem struct {
	handlerItem
	Changes []changeItem `json:"changes"`
}

type trailDTO struct {
	CorrelationID string             `json:"correlationId"`
	Request       *requestItem       `json:"request,omitempty"`
	Handlers      []trailHandlerItem `json:"handlers"`
	// Unlinked changes carry no handler id; they still belong to the trail.
	UnlinkedChanges []changeItem `json:"unlinkedChanges,omitempty"`
}

func trailResponse(trail *audit.Trail) trailDTO {
	dto := trailDTO{
		CorrelationID: trail.CorrelationID,
		Handlers:      make([]trailHandlerItem, 0, len(trail.Handlers)),
	}
	if trail.Request != nil {
		item := newRequestItem(query.RequestLogEntry{RequestRecord: trail.Request})
		dto.Request = &item
	}
	known := make(map[uuid.UUID]struct{}, len(trail.Handlers))
	for _, h := range trail.Handlers {
		known[h.ID] = struct{}{}
		owned := trail.ChangesByHandler[h.ID]
		changes := make([]changeItem, 0, len(owned))
		for _, c := range owned {
			changes = append(changes, newChangeItem(c))
		}
		dto.Handlers = append(dto.Handlers, trailHandlerItem{
			handlerItem: newHandlerItem(h),
			Changes:     changes,
		})
	}
	for _, c := range trail.Changes {
		// A handler id with no matching handler record degrades to unlinked;
		// the change still belongs to the trail.
		if c.HandlerID == nil {
			dto.UnlinkedChanges = append(dto.UnlinkedChanges, newChangeItem(c))
		} else if _, ok := known[*c.HandlerID]; !ok {
			dto.UnlinkedChanges = append(dto.UnlinkedChanges, newChangeItem(c))
		}
	}
	return dto
}
