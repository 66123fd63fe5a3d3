// Package hub fans audit events out to websocket subscribers. Connections
// join named groups; publication is fire-and-forget and a slow or dead
// subscriber never blocks the request that produced the event.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"acta/internal/audit"
	"acta/internal/platform/metrics"
	"acta/pkg/requestcontext"
)

// Group names. Every connection is auto-joined to its tenant group; the rest
// are opt-in via commands.
const (
	GroupAllEvents = "all-events"
	GroupDashboard = "dashboard"
)

func entityGroup(entityType string) string { return "entity:" + entityType }

func tenantGroup(tenantID string) string {
	if tenantID == "" {
		return "tenant:platform"
	}
	return "tenant:" + tenantID
}

// Event is one server-to-client message. Buffered record events carry the
// record id so history replay can paginate with beforeId.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	TenantID  string    `json:"tenantId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Event types sent to subscribers.
const (
	EventConnectionConfirmed = "connection_confirmed"
	EventRequestLogged       = "request_logged"
	EventHandlerLogged       = "handler_logged"
	EventEntityChanged       = "entity_changed"
	EventStats               = "stats"
	EventHistory             = "history"
	EventErrorSummary        = "error_summary"
	EventBufferStats         = "buffer_stats"
	EventError               = "error"
)

// command is one client-to-server message.
type command struct {
	Action     string `json:"action"`
	EntityType string `json:"entityType,omitempty"`
	// history paging: at most Count events, all older than BeforeID.
	Count    int    `json:"count,omitempty"`
	BeforeID string `json:"beforeId,omitempty"`
	// error_summary cap on returned clusters.
	MaxClusters int `json:"maxClusters,omitempty"`
}

// StatsProvider computes the current-stats snapshot pushed to dashboard
// subscribers.
type StatsProvider interface {
	GetCurrentStats(ctx context.Context, tenantID string) (*audit.CurrentStats, error)
}

// Hub manages subscriber connections and implements audit.Sink.
type Hub struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	stats         StatsProvider
	statsInterval time.Duration
	buffer        *RingBuffer
	errors        *errorTracker

	mu      sync.RWMutex
	conns   map[string]*connection
	byGroup map[string]map[string]struct{}
}

// Option configures the hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithStatsProvider enables periodic stats pushes to the dashboard group.
func WithStatsProvider(provider StatsProvider, interval time.Duration) Option {
	return func(h *Hub) {
		h.stats = provider
		if interval > 0 {
			h.statsInterval = interval
		}
	}
}

// WithBufferCapacity sizes the event history buffer.
func WithBufferCapacity(capacity int) Option {
	return func(h *Hub) { h.buffer = NewRingBuffer(capacity) }
}

// New constructs a hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:        slog.Default(),
		statsInterval: 10 * time.Second,
		buffer:        NewRingBuffer(1000),
		errors:        newErrorTracker(200),
		conns:         make(map[string]*connection),
		byGroup:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ audit.Sink = (*Hub)(nil)

// Run pushes stats to dashboard subscribers until ctx is cancelled, then
// closes all connections.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.pushStats(ctx)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*connection)
	h.byGroup = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close(ws.StatusGoingAway, "server shutting down")
	}
}

// HandleWS upgrades the request and serves the subscriber until it
// disconnects. Tenant scope comes from the authenticated request context.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := ws.Accept(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(sock, requestcontext.TenantID(r.Context()))
	h.add(conn)
	defer h.remove(conn)

	// The tenant group records the connection's scope; actual isolation is
	// enforced per event by canSee on every delivery path.
	h.joinGroup(conn, tenantGroup(conn.tenantID))
	confirmation := map[string]any{
		"connectionId": conn.id,
		"tenantId":     conn.tenantID,
		"groups":       conn.groupNames(),
	}
	if h.stats != nil {
		snapshot, err := h.stats.GetCurrentStats(r.Context(), conn.tenantID)
		if err != nil {
			h.logger.WarnContext(r.Context(), "initial stats snapshot failed",
				"tenant_id", conn.tenantID, "error", err)
		} else {
			confirmation["stats"] = snapshot
		}
	}
	if err := conn.sendJSON(Event{
		Type:      EventConnectionConfirmed,
		TenantID:  conn.tenantID,
		Timestamp: time.Now().UTC(),
		Data:      confirmation,
	}); err != nil {
		conn.close(ws.StatusInternalError, "confirmation failed")
		return
	}

	h.readLoop(r.Context(), conn)
}

func (h *Hub) add(conn *connection) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.HubConnections.Inc()
	}
}

func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	if _, ok := h.conns[conn.id]; ok {
		delete(h.conns, conn.id)
		for group := range conn.groups {
			if members, ok := h.byGroup[group]; ok {
				delete(members, conn.id)
				if len(members) == 0 {
					delete(h.byGroup, group)
				}
			}
		}
		if h.metrics != nil {
			h.metrics.HubConnections.Dec()
		}
	}
	h.mu.Unlock()
	conn.close(ws.StatusNormalClosure, "")
}

func (h *Hub) joinGroup(conn *connection, group string) {
	conn.mu.Lock()
	conn.groups[group] = struct{}{}
	conn.mu.Unlock()

	h.mu.Lock()
	if h.byGroup[group] == nil {
		h.byGroup[group] = make(map[string]struct{})
	}
	h.byGroup[group][conn.id] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leaveGroup(conn *connection, group string) {
	conn.mu.Lock()
	delete(conn.groups, group)
	conn.mu.Unlock()

	h.mu.Lock()
	if members, ok := h.byGroup[group]; ok {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(h.byGroup, group)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, conn *connection) {
	for {
		_, payload, err := conn.sock.Read(ctx)
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			h.sendError(conn, "malformed command")
			continue
		}
		h.handleCommand(ctx, conn, cmd)
	}
}

func (h *Hub) handleCommand(ctx context.Context, conn *connection, cmd command) {
	switch cmd.Action {
	case "subscribe_all":
		h.joinGroup(conn, GroupAllEvents)
	case "unsubscribe_all":
		h.leaveGroup(conn, GroupAllEvents)
	case "subscribe_entity":
		if cmd.EntityType == "" {
			h.sendError(conn, "subscribe_entity requires entityType")
			return
		}
		h.joinGroup(conn, entityGroup(cmd.EntityType))
	case "unsubscribe_entity":
		if cmd.EntityType == "" {
			h.sendError(conn, "unsubscribe_entity requires entityType")
			return
		}
		h.leaveGroup(conn, entityGroup(cmd.EntityType))
	case "subscribe_dashboard":
		h.joinGroup(conn, GroupDashboard)
	case "unsubscribe_dashboard":
		h.leaveGroup(conn, GroupDashboard)
	case "refresh_stats":
		h.sendStats(ctx, conn)
	case "history":
		h.send(conn, Event{
			Type:      EventHistory,
			Timestamp: time.Now().UTC(),
			Data:      h.buffer.Snapshot(conn.tenantID, cmd.Count, cmd.BeforeID),
		})
	case "error_summary":
		h.send(conn, Event{
			Type:      EventErrorSummary,
			Timestamp: time.Now().UTC(),
			Data:      h.errors.Summary(conn.tenantID, cmd.MaxClusters),
		})
	case "buffer_stats":
		h.send(conn, Event{
			Type:      EventBufferStats,
			Timestamp: time.Now().UTC(),
			Data: map[string]any{
				"buffered": h.buffer.Len(),
				"capacity": h.buffer.Capacity(),
				"dropped":  h.buffer.Dropped(),
			},
		})
	default:
		h.sendError(conn, "unknown action "+cmd.Action)
	}
}

func (h *Hub) sendError(conn *connection, message string) {
	h.send(conn, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"message": message},
	})
}

func (h *Hub) send(conn *connection, event Event) {
	if err := conn.sendJSON(event); err != nil {
		if h.metrics != nil {
			h.metrics.HubSendFailures.Inc()
		}
	}
}

func (h *Hub) sendStats(ctx context.Context, conn *connection) {
	if h.stats == nil {
		h.sendError(conn, "stats are not available")
		return
	}
	stats, err := h.stats.GetCurrentStats(ctx, conn.tenantID)
	if err != nil {
		h.logger.WarnContext(ctx, "stats push failed",
			"tenant_id", conn.tenantID, "error", err)
		h.sendError(conn, "stats are temporarily unavailable")
		return
	}
	h.send(conn, Event{
		Type:      EventStats,
		TenantID:  conn.tenantID,
		Timestamp: time.Now().UTC(),
		Data:      stats,
	})
}

func (h *Hub) pushStats(ctx context.Context) {
	h.mu.RLock()
	members := h.byGroup[GroupDashboard]
	conns := make([]*connection, 0, len(members))
	for id := range members {
		if conn, ok := h.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.sendStats(ctx, conn)
	}
}

// canSee enforces tenant isolation: platform-scoped connections see every
// event, tenant connections only their own.
func (c *connection) canSee(event Event) bool {
	if c.tenantID == "" {
		return true
	}
	return event.TenantID == c.tenantID
}

// broadcast delivers event to every visible connection in the groups,
// deduplicated when a connection is in more than one of them.
func (h *Hub) broadcast(event Event, groups ...string) {
	h.mu.RLock()
	targets := make(map[string]*connection)
	for _, group := range groups {
		for id := range h.byGroup[group] {
			if conn, ok := h.conns[id]; ok {
				targets[id] = conn
			}
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.HubBroadcasts.Inc()
	}
	for _, conn := range targets {
		if conn.canSee(event) {
			h.send(conn, event)
		}
	}
}

// RequestLogged implements audit.Sink.
func (h *Hub) RequestLogged(rec *audit.RequestRecord) {
	event := Event{
		ID:        rec.ID.String(),
		Type:      EventRequestLogged,
		TenantID:  rec.TenantID,
		Timestamp: time.Now().UTC(),
		Data:      rec,
	}
	h.buffer.Enqueue(event)
	h.broadcast(event, GroupAllEvents)
}

// HandlerLogged implements audit.Sink.
func (h *Hub) HandlerLogged(rec *audit.HandlerRecord) {
	h.errors.Observe(rec)
	event := Event{
		ID:        rec.ID.String(),
		Type:      EventHandlerLogged,
		TenantID:  rec.TenantID,
		Timestamp: time.Now().UTC(),
		Data:      rec,
	}
	h.buffer.Enqueue(event)
	h.broadcast(event, GroupAllEvents)
}

// EntityChanged implements audit.Sink.
func (h *Hub) EntityChanged(rec *audit.EntityChangeRecord) {
	event := Event{
		ID:        rec.ID.String(),
		Type:      EventEntityChanged,
		TenantID:  rec.TenantID,
		Timestamp: time.Now().UTC(),
		Data:      rec,
	}
	h.buffer.Enqueue(event)
	h.broadcast(event, GroupAllEvents, entityGroup(rec.EntityType))
}
