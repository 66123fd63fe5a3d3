package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"acta/internal/audit"
	"acta/pkg/diff"
	dErrors "acta/pkg/domain-errors"
)

const (
	defaultMaxRangeDays = 365
	defaultMaxRows      = 10000
)

// Format selects the export encoding.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
)

// ParseFormat validates a format name. Empty defaults to CSV.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "ndjson":
		return FormatNDJSON, nil
	default:
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown export format %q, expected csv, json or ndjson", name)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Export validates the criteria, fetches the matching entity changes and
// writes them to w in the requested format. It returns the number of rows
// written.
func (s *Service) Export(ctx context.Context, criteria audit.ExportCriteria, format Format, w io.Writer) (int, error) {
	if err := s.validateExport(&criteria); err != nil {
		return 0, err
	}

	rows, err := s.store.ExportChanges(ctx, criteria)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "load export rows")
	}
	for i := range rows {
		rows[i].Summary = summarize(rows[i].Diff)
	}

	switch format {
	case FormatJSON:
		err = writeJSON(w, rows)
	case FormatNDJSON:
		err = writeNDJSON(w, rows)
	default:
		err = writeCSV(w, rows)
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "encode export")
	}

	if s.metrics != nil {
		s.metrics.ExportRows.Add(float64(len(rows)))
	}
	return len(rows), nil
}

// validateExport rejects bad criteria with messages naming the violated
// constraint, and fills the row cap. An export needs at least one narrowing
// filter; a date range needs both bounds.
func (s *Service) validateExport(criteria *audit.ExportCriteria) error {
	hasRange := !criteria.From.IsZero() || !criteria.To.IsZero()
	if !hasRange && criteria.EntityType == "" && criteria.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "export requires a date range, entity type or user filter")
	}
	if hasRange {
		if criteria.From.IsZero() || criteria.To.IsZero() {
			return dErrors.New(dErrors.CodeValidation, "export date range requires both from and to")
		}
		if criteria.To.Before(criteria.From) {
			return dErrors.New(dErrors.CodeValidation, "export to must not be before from")
		}
		rangeDays := int(criteria.To.Sub(criteria.From) / (24 * time.Hour))
		if rangeDays > s.maxRangeDays {
			return dErrors.Newf(dErrors.CodeValidation,
				"export range of %d days exceeds the maximum of %d days", rangeDays, s.maxRangeDays)
		}
	}
	if criteria.MaxRows <= 0 || criteria.MaxRows > s.maxRows {
		criteria.MaxRows = s.maxRows
	}
	return nil
}

// summarize renders a patch as a compact human-readable line.
func summarize(patch diff.Patch) string {
	if patch.IsEmpty() {
		return ""
	}
	parts := make([]string, 0, len(patch))
	for _, op := range patch {
		field := strings.TrimPrefix(op.Path, "/")
		field = strings.ReplaceAll(field, "/", ".")
		switch op.Op {
		case diff.OpAdd:
			parts = append(parts, fmt.Sprintf("%s: + %v", field, op.Value))
		case diff.OpRemove:
			parts = append(parts, fmt.Sprintf("%s: - %v", field, op.From))
		default:
			parts = append(parts, fmt.Sprintf("%s: %v -> %v", field, op.From, op.Value))
		}
	}
	return strings.Join(parts, "; ")
}

type exportRowJSON struct {
	Timestamp     time.Time             `json:"timestamp"`
	CorrelationID string                `json:"correlationId"`
	TenantID      string                `json:"tenantId,omitempty"`
	EntityType    string                `json:"entityType"`
	EntityID      string                `json:"entityId"`
	Operation     audit.ChangeOperation `json:"operation"`
	Version       int64                 `json:"version"`
	UserID        string                `json:"userId,omitempty"`
	UserEmail     string                `json:"userEmail,omitempty"`
	Summary       string                `json:"summary,omitempty"`
}

func toJSONRow(row audit.ExportRow) exportRowJSON {
	return exportRowJSON{
		Timestamp:     row.Timestamp,
		CorrelationID: row.CorrelationID,
		TenantID:      row.TenantID,
		EntityType:    row.EntityType,
		EntityID:      row.EntityID,
		Operation:     row.Operation,
		Version:       row.Version,
		UserID:        row.UserID,
		UserEmail:     row.UserEmail,
		Summary:       row.Summary,
	}
}

func writeJSON(w io.Writer, rows []audit.ExportRow) error {
	out := make([]exportRowJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toJSONRow(row))
	}
	encoder := json.NewEncoder(w)
	return encoder.Encode(out)
}

func writeNDJSON(w io.Writer, rows []audit.ExportRow) error {
	encoder := json.NewEncoder(w)
	for _, row := range rows {
		if err := encoder.Encode(toJSONRow(row)); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{
	"timestamp", "correlation_id", "tenant_id", "entity_type", "entity_id",
	"operation", "version", "user_id", "user_email", "summary",
}

// writeCSV renders rows for spreadsheet consumption: UTF-8 BOM, every field
// quote-wrapped, and fields starting with a formula or control character
// neutralized with a leading apostrophe. encoding/csv quotes only when forced,
// so the writer is explicit here.
func writeCSV(w io.Writer, rows []audit.ExportRow) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return err
	}
	if err := writeCSVLine(w, csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		fields := []string{
			row.Timestamp.UTC().Format(time.RFC3339),
			row.CorrelationID,
			row.TenantID,
			row.EntityType,
			row.EntityID,
			string(row.Operation),
			fmt.Sprintf("%d", row.Version),
			row.UserID,
			row.UserEmail,
			row.Summary,
		}
		if err := writeCSVLine(w, fields); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVLine(w io.Writer, fields []string) error {
	var sb strings.Builder
	for i, field := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(neutralizeField(field), `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// neutralizeField defuses spreadsheet formula injection. Quoting alone does
// not help: Excel evaluates =, +, -, @ and interprets tab, pipe, percent and
// carriage-return prefixes.
func neutralizeField(field string) string {
	if field == "" {
		return field
	}
	switch field[0] {
	case '=', '+', '-', '@', '\t', '|', '%', '\r':
		return "'" + field
	}
	return field
}
