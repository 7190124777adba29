// file: postgres.go
package warehouse

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

type PostgresReader struct {
	baseReader
}

func newPostgresReader(cfg ConnectionConfig) (*PostgresReader, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	db, err := openDatabase("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	return &PostgresReader{baseReader{cfg: cfg, db: db}}, nil
}

func (r *PostgresReader) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (r *PostgresReader) FetchSeries(ctx context.Context, q SeriesQuery) ([]Point, error) {
	quoted, err := quoteSeries(q, func(s string) string { return "\"" + s + "\"" })
	if err != nil {
		return nil, fmt.Errorf("invalid postgres series query: %w", err)
	}
	selectClause := quoted.value + ", " + quoted.ts
	if quoted.text != "" {
		selectClause += ", " + quoted.text
	}
	args := []any{q.Since, q.Until}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= $1 AND %s <= $2", selectClause, quoted.table, quoted.ts, quoted.ts)
	if quoted.org != "" {
		args = append(args, q.OrgID)
		query += fmt.Sprintf(" AND %s = $%d", quoted.org, len(args))
	}
	args = append(args, normalizeLimit(q.Limit))
	query += fmt.Sprintf(" ORDER BY %s DESC LIMIT $%d", quoted.ts, len(args))

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare postgres series query: %w", err)
	}
	defer stmt.Close()
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query postgres series: %w", err)
	}
	defer rows.Close()
	points, err := scanPoints(rows, quoted.text != "")
	if err != nil {
		return nil, fmt.Errorf("scan postgres series: %w", err)
	}
	return points, nil
}
