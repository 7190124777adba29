// file: mssql.go
package warehouse

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
)

type MSSQLReader struct {
	baseReader
}

func newMSSQLReader(cfg ConnectionConfig) (*MSSQLReader, error) {
	if cfg.Port == 0 {
		cfg.Port = 1433
	}
	user := url.QueryEscape(cfg.User)
	pass := url.QueryEscape(cfg.Password)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	encrypt := "true"
	if sslMode == "disable" {
		encrypt = "disable"
	}
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s", user, pass, cfg.Host, cfg.Port, cfg.Database, encrypt)
	db, err := openDatabase("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mssql connection: %w", err)
	}
	return &MSSQLReader{baseReader{cfg: cfg, db: db}}, nil
}

func (r *MSSQLReader) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mssql: %w", err)
	}
	return nil
}

func (r *MSSQLReader) FetchSeries(ctx context.Context, q SeriesQuery) ([]Point, error) {
	quoted, err := quoteSeries(q, func(s string) string { return "\"" + s + "\"" })
	if err != nil {
		return nil, fmt.Errorf("invalid mssql series query: %w", err)
	}
	selectClause := quoted.value + ", " + quoted.ts
	if quoted.text != "" {
		selectClause += ", " + quoted.text
	}
	args := []any{normalizeLimit(q.Limit), q.Since, q.Until}
	query := fmt.Sprintf("SELECT TOP (@p1) %s FROM %s WHERE %s >= @p2 AND %s <= @p3", selectClause, quoted.table, quoted.ts, quoted.ts)
	if quoted.org != "" {
		args = append(args, q.OrgID)
		query += fmt.Sprintf(" AND %s = @p%d", quoted.org, len(args))
	}
	query += fmt.Sprintf(" ORDER BY %s DESC", quoted.ts)

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare mssql series query: %w", err)
	}
	defer stmt.Close()
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query mssql series: %w", err)
	}
	defer rows.Close()
	points, err := scanPoints(rows, quoted.text != "")
	if err != nil {
		return nil, fmt.Errorf("scan mssql series: %w", err)
	}
	return points, nil
}
