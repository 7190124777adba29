// file: factory.go
package warehouse

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func NewReader(cfg ConnectionConfig) (Reader, error) {
	if strings.TrimSpace(cfg.Driver) == "" {
		return nil, errors.New("warehouse driver is required")
	}
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		return newMySQLReader(cfg)
	case "postgres", "postgresql":
		return newPostgresReader(cfg)
	case "mssql", "sqlserver":
		return newMSSQLReader(cfg)
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
	}
}

func openDatabase(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}
