// file: mysql.go
package warehouse

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

type MySQLReader struct {
	baseReader
}

func newMySQLReader(cfg ConnectionConfig) (*MySQLReader, error) {
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "disable" {
		dsn += "&tls=false"
	} else if sslMode != "" {
		dsn += "&tls=true"
	}
	db, err := openDatabase("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	return &MySQLReader{baseReader{cfg: cfg, db: db}}, nil
}

func (r *MySQLReader) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	return nil
}

func (r *MySQLReader) FetchSeries(ctx context.Context, q SeriesQuery) ([]Point, error) {
	quoted, err := quoteSeries(q, func(s string) string { return "`" + s + "`" })
	if err != nil {
		return nil, fmt.Errorf("invalid mysql series query: %w", err)
	}
	selectClause := quoted.value + ", " + quoted.ts
	if quoted.text != "" {
		selectClause += ", " + quoted.text
	}
	args := []any{q.Since, q.Until}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= ? AND %s <= ?", selectClause, quoted.table, quoted.ts, quoted.ts)
	if quoted.org != "" {
		args = append(args, q.OrgID)
		query += fmt.Sprintf(" AND %s = ?", quoted.org)
	}
	args = append(args, normalizeLimit(q.Limit))
	query += fmt.Sprintf(" ORDER BY %s DESC LIMIT ?", quoted.ts)

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare mysql series query: %w", err)
	}
	defer stmt.Close()
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query mysql series: %w", err)
	}
	defer rows.Close()
	points, err := scanPoints(rows, quoted.text != "")
	if err != nil {
		return nil, fmt.Errorf("scan mysql series: %w", err)
	}
	return points, nil
}
