// file: reader.go
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultSeriesLimit = 1000

// Reader pulls metric series out of a customer warehouse.
type Reader interface {
	Ping(ctx context.Context) error

	FetchSeries(ctx context.Context, q SeriesQuery) ([]Point, error)

	Close() error
}

type ConnectionConfig struct {
	Driver   string // mysql | postgres | mssql
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// SeriesQuery names the table and columns a metric field is mapped to.
type SeriesQuery struct {
	Table           string
	ValueColumn     string
	TimestampColumn string
	TextColumn      string
	OrgColumn       string
	OrgID           string
	Since           time.Time
	Until           time.Time
	Limit           int
}

type Point struct {
	TS    time.Time
	Value float64
	Text  string
}

type baseReader struct {
	cfg ConnectionConfig
	db  *sql.DB
}

func (b *baseReader) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

func quoteQualified(ident string, maxSegments int, quote func(string) string) (string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", err
	}
	if maxSegments > 0 && len(parts) > maxSegments {
		return "", fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, "."), nil
}

func quoteColumn(name string, quote func(string) string) (string, error) {
	parts, err := splitIdentifier(name)
	if err != nil || len(parts) != 1 {
		return "", fmt.Errorf("invalid column name %q", name)
	}
	return quote(parts[0]), nil
}

type quotedSeries struct {
	table string
	value string
	ts    string
	text  string
	org   string
}

func quoteSeries(q SeriesQuery, quote func(string) string) (quotedSeries, error) {
	var out quotedSeries
	var err error
	if out.table, err = quoteQualified(q.Table, 2, quote); err != nil {
		return out, fmt.Errorf("invalid table: %w", err)
	}
	if out.value, err = quoteColumn(q.ValueColumn, quote); err != nil {
		return out, fmt.Errorf("invalid value column: %w", err)
	}
	if out.ts, err = quoteColumn(q.TimestampColumn, quote); err != nil {
		return out, fmt.Errorf("invalid timestamp column: %w", err)
	}
	if q.TextColumn != "" {
		if out.text, err = quoteColumn(q.TextColumn, quote); err != nil {
			return out, fmt.Errorf("invalid text column: %w", err)
		}
	}
	if q.OrgColumn != "" {
		if out.org, err = quoteColumn(q.OrgColumn, quote); err != nil {
			return out, fmt.Errorf("invalid org column: %w", err)
		}
	}
	return out, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultSeriesLimit
	}
	return limit
}

func scanPoints(rows *sql.Rows, withText bool) ([]Point, error) {
	points := []Point{}
	for rows.Next() {
		var rawValue, rawTS, rawText any
		dest := []any{&rawValue, &rawTS}
		if withText {
			dest = append(dest, &rawText)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ts, ok := toTime(normalizeValue(rawTS))
		if !ok {
			continue
		}
		point := Point{TS: ts}
		if f, ok := toFloat(normalizeValue(rawValue)); ok {
			point.Value = f
		}
		if withText {
			if s, ok := normalizeValue(rawText).(string); ok {
				point.Text = s
			}
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	default:
		return t
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return parseTime(t)
	default:
		return time.Time{}, false
	}
}

func parseTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
