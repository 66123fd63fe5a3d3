// Package postgres persists audit records in PostgreSQL. The three tables are
// append-only; the only mutation path is the retention sweep flipping the
// archived flag on handler records.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"acta/internal/audit"
	"acta/pkg/diff"
	txcontext "acta/pkg/platform/tx"
)

// Store implements audit.Store, audit.QueryStore, audit.StatsStore and
// audit.Archiver on top of PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL-backed audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// EnsureSchema creates the audit tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_requests (
			id UUID PRIMARY KEY,
			correlation_id TEXT NOT NULL UNIQUE,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			query_string TEXT NOT NULL DEFAULT '',
			request_headers JSONB,
			response_headers JSONB,
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			status_code INT NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL DEFAULT '',
			user_email TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_requests_tenant_start
			ON audit_requests (tenant_id, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_requests_user
			ON audit_requests (user_id, start_time DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_handlers (
			id UUID PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			handler_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			diff JSONB,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			archived_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_handlers_correlation
			ON audit_handlers (correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_handlers_tenant_start
			ON audit_handlers (tenant_id, start_time DESC) WHERE NOT archived`,
		`CREATE INDEX IF NOT EXISTS idx_audit_handlers_retention
			ON audit_handlers (end_time) WHERE NOT archived`,
		`CREATE TABLE IF NOT EXISTS audit_entity_changes (
			id UUID PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			diff JSONB,
			timestamp TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			handler_id UUID
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_changes_correlation
			ON audit_entity_changes (correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_changes_entity
			ON audit_entity_changes (entity_type, entity_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_changes_tenant_time
			ON audit_entity_changes (tenant_id, timestamp)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}
	return nil
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return json.Marshal(headers)
}

func marshalPatch(patch diff.Patch) ([]byte, error) {
	if patch.IsEmpty() {
		return nil, nil
	}
	return json.Marshal(patch)
}

// AppendRequest inserts a finalized request record.
func (s *Store) AppendRequest(ctx context.Context, rec *audit.RequestRecord) error {
	reqHeaders, err := marshalHeaders(rec.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	respHeaders, err := marshalHeaders(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	query := `
		INSERT INTO audit_requests (
			id, correlation_id, method, url, query_string,
			request_headers, response_headers, request_body, response_body,
			status_code, user_id, user_email, tenant_id, client_ip, user_agent,
			start_time, end_time, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		rec.ID, rec.CorrelationID, rec.Method, rec.URL, rec.QueryString,
		reqHeaders, respHeaders, rec.RequestBody, rec.ResponseBody,
		rec.StatusCode, rec.UserID, rec.UserEmail, rec.TenantID, rec.ClientIP, rec.UserAgent,
		rec.StartTime, rec.EndTime, rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

// AppendHandlerBatch inserts the handler record and its entity changes in one
// transaction so the trail never shows a change without its owning handler.
func (s *Store) AppendHandlerBatch(ctx context.Context, handler *audit.HandlerRecord, changes []*audit.EntityChangeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin handler batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertHandler(ctx, tx, handler); err != nil {
		return err
	}
	for _, change := range changes {
		if err := insertChange(ctx, tx, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit handler batch: %w", err)
	}
	return nil
}

func insertHandler(ctx context.Context, tx *sql.Tx, rec *audit.HandlerRecord) error {
	patch, err := marshalPatch(rec.Diff)
	if err != nil {
		return fmt.Errorf("marshal handler diff: %w", err)
	}
	query := `
		INSERT INTO audit_handlers (
			id, correlation_id, tenant_id, handler_name, kind, action,
			target_type, target_id, diff, input, output,
			start_time, end_time, duration_ms, success, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.CorrelationID, rec.TenantID, rec.HandlerName, string(rec.Kind), rec.Action,
		rec.TargetType, rec.TargetID, patch, rec.Input, rec.Output,
		rec.StartTime, rec.EndTime, rec.DurationMS, rec.Success, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert handler record: %w", err)
	}
	return nil
}

func insertChange(ctx context.Context, tx *sql.Tx, rec *audit.EntityChangeRecord) error {
	patch, err := marshalPatch(rec.Diff)
	if err != nil {
		return fmt.Errorf("marshal change diff: %w", err)
	}
	query := `
		INSERT INTO audit_entity_changes (
			id, correlation_id, tenant_id, entity_type, entity_id,
			operation, diff, timestamp, version, handler_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.CorrelationID, rec.TenantID, rec.EntityType, rec.EntityID,
		string(rec.Operation), patch, rec.Timestamp, rec.Version, rec.HandlerID,
	)
	if err != nil {
		return fmt.Errorf("insert entity change: %w", err)
	}
	return nil
}

const requestColumns = `id, correlation_id, method, url, query_string,
	request_headers, response_headers, request_body, response_body,
	status_code, user_id, user_email, tenant_id, client_ip, user_agent,
	start_time, end_time, duration_ms`

func scanRequest(row interface{ Scan(...any) error }) (*audit.RequestRecord, error) {
	var rec audit.RequestRecord
	var reqHeaders, respHeaders []byte
	err := row.Scan(
		&rec.ID, &rec.CorrelationID, &rec.Method, &rec.URL, &rec.QueryString,
		&reqHeaders, &respHeaders, &rec.RequestBody, &rec.ResponseBody,
		&rec.StatusCode, &rec.UserID, &rec.UserEmail, &rec.TenantID, &rec.ClientIP, &rec.UserAgent,
		&rec.StartTime, &rec.EndTime, &rec.DurationMS,
	)
	if err != nil {
		return nil, err
	}
	if len(reqHeaders) > 0 {
		if err := json.Unmarshal(reqHeaders, &rec.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
	}
	if len(respHeaders) > 0 {
		if err := json.Unmarshal(respHeaders, &rec.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal response headers: %w", err)
		}
	}
	return &rec, nil
}

// GetRequestByCorrelation returns the request record for the correlation id,
// or nil when nothing was recorded.
func (s *Store) GetRequestByCorrelation(ctx context.Context, correlationID string) (*audit.RequestRecord, error) {
	query := `SELECT ` + requestColumns + ` FROM audit_requests WHERE correlation_id = $1`
	rec, err := scanRequest(s.execer(ctx).QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request by correlation: %w", err)
	}
	return rec, nil
}

const handlerColumns = `id, correlation_id, tenant_id, handler_name, kind, action,
	target_type, target_id, diff, input, output,
	start_time, end_time, duration_ms, success, error_message, archived, archived_at`

func scanHandler(row interface{ Scan(...any) error }) (*audit.HandlerRecord, error) {
	var rec audit.HandlerRecord
	var kind string
	var patch []byte
	var archivedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.CorrelationID, &rec.TenantID, &rec.HandlerName, &kind, &rec.Action,
		&rec.TargetType, &rec.TargetID, &patch, &rec.Input, &rec.Output,
		&rec.StartTime, &rec.EndTime, &rec.DurationMS, &rec.Success, &rec.ErrorMessage,
		&rec.Archived, &archivedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = audit.OperationKind(kind)
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &rec.Diff); err != nil {
			return nil, fmt.Errorf("unmarshal handler diff: %w", err)
		}
	}
	if archivedAt.Valid {
		at := archivedAt.Time
		rec.ArchivedAt = &at
	}
	return &rec, nil
}

// ListHandlersByCorrelation returns handler records ordered by start time.
func (s *Store) ListHandlersByCorrelation(ctx context.Context, correlationID string) ([]*audit.HandlerRecord, error) {
	query := `SELECT ` + handlerColumns + ` FROM audit_handlers
		WHERE correlation_id = $1 ORDER BY start_time ASC`
	rows, err := s.execer(ctx).QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list handlers by correlation: %w", err)
	}
	defer rows.Close()

	var out []*audit.HandlerRecord
	for rows.Next() {
		rec, err := scanHandler(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handler record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const changeColumns = `id, correlation_id, tenant_id, entity_type, entity_id,
	operation, diff, timestamp, version, handler_id`

func scanChange(row interface{ Scan(...any) error }) (*audit.EntityChangeRecord, error) {
	var rec audit.EntityChangeRecord
	var operation string
	var patch []byte
	var handlerID uuid.NullUUID
	err := row.Scan(
		&rec.ID, &rec.CorrelationID, &rec.TenantID, &rec.EntityType, &rec.EntityID,
		&operation, &patch, &rec.Timestamp, &rec.Version, &handlerID,
	)
	if err != nil {
		return nil, err
	}
	rec.Operation = audit.ChangeOperation(operation)
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &rec.Diff); err != nil {
			return nil, fmt.Errorf("unmarshal change diff: %w", err)
		}
	}
	if handlerID.Valid {
		id := handlerID.UUID
		rec.HandlerID = &id
	}
	return &rec, nil
}

// ListChangesByCorrelation returns entity changes in commit order.
func (s *Store) ListChangesByCorrelation(ctx context.Context, correlationID string) ([]*audit.EntityChangeRecord, error) {
	query := `SELECT ` + changeColumns + ` FROM audit_entity_changes
		WHERE correlation_id = $1 ORDER BY timestamp ASC`
	rows, err := s.execer(ctx).QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list changes by correlation: %w", err)
	}
	defer rows.Close()

	var out []*audit.EntityChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity change: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// conditions accumulates WHERE clauses with positional args.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(clause, len(c.args)))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func requestConditions(f audit.RequestFilter) *conditions {
	c := &conditions{}
	if f.TenantID != "" {
		c.add("tenant_id = $%d", f.TenantID)
	}
	if f.UserID != "" {
		c.add("user_id = $%d", f.UserID)
	}
	if f.Method != "" {
		c.add("method = $%d", strings.ToUpper(f.Method))
	}
	if f.StatusCode != 0 {
		c.add("status_code = $%d", f.StatusCode)
	}
	if !f.From.IsZero() {
		c.add("start_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		c.add("start_time <= $%d", f.To)
	}
	return c
}

// ListRequests returns a filtered page of request records, newest first, with
// the total match count.
func (s *Store) ListRequests(ctx context.Context, filter audit.RequestFilter, page audit.Page) ([]*audit.RequestRecord, int, error) {
	c := requestConditions(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_requests` + c.where()
	if err := s.execer(ctx).QueryRowContext(ctx, countQuery, c.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count request records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_requests%s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		requestColumns, c.where(), len(c.args)+1, len(c.args)+2)
	args := append(c.args, page.Limit(), page.Offset())

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list request records: %w", err)
	}
	defer rows.Close()

	var out []*audit.RequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func handlerConditions(f audit.HandlerFilter) *conditions {
	c := &conditions{}
	if !f.IncludeArchived {
		c.clauses = append(c.clauses, "NOT archived")
	}
	if f.TenantID != "" {
		c.add("tenant_id = $%d", f.TenantID)
	}
	if f.HandlerName != "" {
		c.add("handler_name = $%d", f.HandlerName)
	}
	if f.Kind != "" {
		c.add("kind = $%d", string(f.Kind))
	}
	if f.TargetType != "" {
		c.add("target_type = $%d", f.TargetType)
	}
	if f.OnlyFailures {
		c.clauses = append(c.clauses, "NOT success")
	}
	if !f.From.IsZero() {
		c.add("start_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		c.add("start_time <= $%d", f.To)
	}
	return c
}

// ListHandlers returns a filtered page of handler records, newest first.
// Archived rows are excluded unless the filter asks for them.
func (s *Store) ListHandlers(ctx context.Context, filter audit.HandlerFilter, page audit.Page) ([]*audit.HandlerRecord, int, error) {
	c := handlerConditions(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_handlers` + c.where()
	if err := s.execer(ctx).QueryRowContext(ctx, countQuery, c.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count handler records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_handlers%s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		handlerColumns, c.where(), len(c.args)+1, len(c.args)+2)
	args := append(c.args, page.Limit(), page.Offset())

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list handler records: %w", err)
	}
	defer rows.Close()

	var out []*audit.HandlerRecord
	for rows.Next() {
		rec, err := scanHandler(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan handler record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ListEntityHistory returns changes for one entity, newest first.
func (s *Store) ListEntityHistory(ctx context.Context, entityType, entityID string, page audit.Page) ([]*audit.EntityChangeRecord, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM audit_entity_changes WHERE entity_type = $1 AND entity_id = $2`
	if err := s.execer(ctx).QueryRowContext(ctx, countQuery, entityType, entityID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entity history: %w", err)
	}

	query := `SELECT ` + changeColumns + ` FROM audit_entity_changes
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp DESC LIMIT $3 OFFSET $4`
	rows, err := s.execer(ctx).QueryContext(ctx, query, entityType, entityID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list entity history: %w", err)
	}
	defer rows.Close()

	var out []*audit.EntityChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan entity change: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ExportChanges returns the flat export projection, oldest first, joining the
// request table once to resolve the acting user.
func (s *Store) ExportChanges(ctx context.Context, criteria audit.ExportCriteria) ([]audit.ExportRow, error) {
	c := &conditions{}
	if !criteria.From.IsZero() {
		c.add("ec.timestamp >= $%d", criteria.From)
	}
	if !criteria.To.IsZero() {
		c.add("ec.timestamp <= $%d", criteria.To)
	}
	if criteria.EntityType != "" {
		c.add("ec.entity_type = $%d", criteria.EntityType)
	}
	if criteria.UserID != "" {
		c.add("r.user_id = $%d", criteria.UserID)
	}

	query := fmt.Sprintf(`
		SELECT ec.timestamp, ec.correlation_id, ec.tenant_id, ec.entity_type,
			ec.entity_id, ec.operation, ec.version, ec.diff,
			COALESCE(r.user_id, ''), COALESCE(r.user_email, '')
		FROM audit_entity_changes ec
		LEFT JOIN audit_requests r ON r.correlation_id = ec.correlation_id
		%s ORDER BY ec.timestamp ASC`, c.where())
	args := c.args
	if criteria.MaxRows > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, criteria.MaxRows)
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export entity changes: %w", err)
	}
	defer rows.Close()

	var out []audit.ExportRow
	for rows.Next() {
		var row audit.ExportRow
		var operation string
		var patch []byte
		if err := rows.Scan(
			&row.Timestamp, &row.CorrelationID, &row.TenantID, &row.EntityType,
			&row.EntityID, &operation, &row.Version, &patch, &row.UserID, &row.UserEmail,
		); err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		row.Operation = audit.ChangeOperation(operation)
		if len(patch) > 0 {
			if err := json.Unmarshal(patch, &row.Diff); err != nil {
				return nil, fmt.Errorf("unmarshal export diff: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func tenantClause(tenantID string, args *[]any) string {
	if tenantID == "" {
		return ""
	}
	*args = append(*args, tenantID)
	return fmt.Sprintf(" AND tenant_id = $%d", len(*args))
}

func (s *Store) countWindow(ctx context.Context, table, timeColumn, extra, tenantID string, from, to time.Time) (int, error) {
	args := []any{from, to}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s >= $1 AND %s <= $2%s`,
		table, timeColumn, timeColumn, extra)
	query += tenantClause(tenantID, &args)

	var count int
	if err := s.execer(ctx).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

func (s *Store) CountRequests(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	return s.countWindow(ctx, "audit_requests", "start_time", "", tenantID, from, to)
}

func (s *Store) CountHandlers(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	return s.countWindow(ctx, "audit_handlers", "start_time", "", tenantID, from, to)
}

func (s *Store) CountChanges(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	return s.countWindow(ctx, "audit_entity_changes", "timestamp", "", tenantID, from, to)
}

func (s *Store) CountErrors(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	return s.countWindow(ctx, "audit_handlers", "start_time", " AND NOT success", tenantID, from, to)
}

func (s *Store) CountDistinctUsers(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	args := []any{from, to}
	query := `SELECT COUNT(DISTINCT user_id) FROM audit_requests
		WHERE start_time >= $1 AND start_time <= $2 AND user_id <> ''`
	query += tenantClause(tenantID, &args)

	var count int
	if err := s.execer(ctx).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count distinct users: %w", err)
	}
	return count, nil
}

func (s *Store) AvgRequestDuration(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	args := []any{from, to}
	query := `SELECT COALESCE(AVG(duration_ms), 0) FROM audit_requests
		WHERE start_time >= $1 AND start_time <= $2`
	query += tenantClause(tenantID, &args)

	var avg float64
	if err := s.execer(ctx).QueryRowContext(ctx, query, args...).Scan(&avg); err != nil {
		return 0, fmt.Errorf("avg request duration: %w", err)
	}
	return avg, nil
}

// HourlyRequestCounts buckets one day's requests by hour of day.
func (s *Store) HourlyRequestCounts(ctx context.Context, tenantID string, dayStart time.Time) ([24]int, error) {
	var buckets [24]int
	args := []any{dayStart, dayStart.Add(24 * time.Hour)}
	query := `SELECT EXTRACT(HOUR FROM start_time)::INT AS hour, COUNT(*)
		FROM audit_requests
		WHERE start_time >= $1 AND start_time < $2`
	query += tenantClause(tenantID, &args)
	query += ` GROUP BY hour`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return buckets, fmt.Errorf("hourly request counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return buckets, fmt.Errorf("scan hourly bucket: %w", err)
		}
		if hour >= 0 && hour < 24 {
			buckets[hour] = count
		}
	}
	return buckets, rows.Err()
}

// DailyCounts aggregates the three record levels per day with one full-outer
// join over three grouped subqueries.
func (s *Store) DailyCounts(ctx context.Context, tenantID string, from, to time.Time) ([]audit.DailyCount, error) {
	args := []any{from, to}
	tenant := tenantClause(tenantID, &args)
	query := fmt.Sprintf(`
		WITH req AS (
			SELECT date_trunc('day', start_time) AS day, COUNT(*) AS requests
			FROM audit_requests WHERE start_time >= $1 AND start_time <= $2%s GROUP BY 1
		), hnd AS (
			SELECT date_trunc('day', start_time) AS day,
				COUNT(*) AS handlers,
				COUNT(*) FILTER (WHERE NOT success) AS errors
			FROM audit_handlers WHERE start_time >= $1 AND start_time <= $2%s GROUP BY 1
		), chg AS (
			SELECT date_trunc('day', timestamp) AS day, COUNT(*) AS changes
			FROM audit_entity_changes WHERE timestamp >= $1 AND timestamp <= $2%s GROUP BY 1
		)
		SELECT COALESCE(req.day, hnd.day, chg.day) AS day,
			COALESCE(req.requests, 0), COALESCE(hnd.handlers, 0),
			COALESCE(chg.changes, 0), COALESCE(hnd.errors, 0)
		FROM req
		FULL OUTER JOIN hnd ON hnd.day = req.day
		FULL OUTER JOIN chg ON chg.day = COALESCE(req.day, hnd.day)
		ORDER BY day ASC`, tenant, tenant, tenant)

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	defer rows.Close()

	var out []audit.DailyCount
	for rows.Next() {
		var dc audit.DailyCount
		if err := rows.Scan(&dc.Day, &dc.Requests, &dc.Handlers, &dc.Changes, &dc.Errors); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// TopEntityTypes ranks entity types by total mutation count.
func (s *Store) TopEntityTypes(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]audit.EntityTypeActivity, error) {
	args := []any{from, to}
	query := `SELECT entity_type,
			COUNT(*) FILTER (WHERE operation = 'added'),
			COUNT(*) FILTER (WHERE operation = 'modified'),
			COUNT(*) FILTER (WHERE operation = 'deleted')
		FROM audit_entity_changes
		WHERE timestamp >= $1 AND timestamp <= $2`
	query += tenantClause(tenantID, &args)
	args = append(args, limit)
	query += fmt.Sprintf(` GROUP BY entity_type ORDER BY COUNT(*) DESC, entity_type ASC LIMIT $%d`, len(args))

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top entity types: %w", err)
	}
	defer rows.Close()

	var out []audit.EntityTypeActivity
	for rows.Next() {
		var activity audit.EntityTypeActivity
		if err := rows.Scan(&activity.EntityType, &activity.Added, &activity.Modified, &activity.Deleted); err != nil {
			return nil, fmt.Errorf("scan entity type activity: %w", err)
		}
		out = append(out, activity)
	}
	return out, rows.Err()
}

// TopUsers ranks users by request volume.
func (s *Store) TopUsers(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]audit.UserActivity, error) {
	args := []any{from, to}
	query := `SELECT user_id, MAX(user_email), COUNT(*)
		FROM audit_requests
		WHERE start_time >= $1 AND start_time <= $2 AND user_id <> ''`
	query += tenantClause(tenantID, &args)
	args = append(args, limit)
	query += fmt.Sprintf(` GROUP BY user_id ORDER BY COUNT(*) DESC, user_id ASC LIMIT $%d`, len(args))

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	var out []audit.UserActivity
	for rows.Next() {
		var activity audit.UserActivity
		if err := rows.Scan(&activity.UserID, &activity.UserEmail, &activity.Requests); err != nil {
			return nil, fmt.Errorf("scan user activity: %w", err)
		}
		out = append(out, activity)
	}
	return out, rows.Err()
}

// TopHandlers ranks handlers by execution count.
func (s *Store) TopHandlers(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]audit.HandlerActivity, error) {
	args := []any{from, to}
	query := `SELECT handler_name, COUNT(*),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(duration_ms), 0)
		FROM audit_handlers
		WHERE start_time >= $1 AND start_time <= $2`
	query += tenantClause(tenantID, &args)
	args = append(args, limit)
	query += fmt.Sprintf(` GROUP BY handler_name ORDER BY COUNT(*) DESC, handler_name ASC LIMIT $%d`, len(args))

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top handlers: %w", err)
	}
	defer rows.Close()

	var out []audit.HandlerActivity
	for rows.Next() {
		var activity audit.HandlerActivity
		if err := rows.Scan(&activity.HandlerName, &activity.Executions, &activity.Failures, &activity.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan handler activity: %w", err)
		}
		out = append(out, activity)
	}
	return out, rows.Err()
}

// ArchiveOlderThan flips the archived flag on handler records whose end time
// is before the cutoff, one bounded batch per call. Returns the number of rows
// archived.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	query := `
		UPDATE audit_handlers SET archived = TRUE, archived_at = NOW()
		WHERE id IN (
			SELECT id FROM audit_handlers
			WHERE NOT archived AND end_time < $1
			ORDER BY end_time ASC
			LIMIT $2
		)
	`
	result, err := s.execer(ctx).ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("archive handler records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive rows affected: %w", err)
	}
	return affected, nil
}
