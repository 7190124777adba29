package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/warehouse"
)

const sourceColumns = `id, org_id, name, driver, host, port, user_name, password_enc, database_name, ssl_mode, mappings, created_at, updated_at`

// CreateMetricSource stores a warehouse connection. The password must
// already be encrypted by the caller.
func (r *Repository) CreateMetricSource(ctx context.Context, src MetricSource) (string, error) {
	id := src.ID
	if id == "" {
		id = uuid.NewString()
	}
	mappings, err := json.Marshal(src.Mappings)
	if err != nil {
		return "", err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO metric_sources (id, org_id, name, driver, host, port, user_name, password_enc, database_name, ssl_mode, mappings, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())`,
		id, src.OrgID, src.Name, src.Driver, src.Host, src.Port, src.User, src.Password, src.Database, src.SSLMode, mappings,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetMetricSource(ctx context.Context, id string) (MetricSource, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+sourceColumns+`
		FROM metric_sources WHERE id=$1`, id)
	return scanMetricSource(row)
}

func (r *Repository) ListMetricSources(ctx context.Context, orgID string) ([]MetricSource, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+sourceColumns+`
		FROM metric_sources WHERE org_id=$1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []MetricSource{}
	for rows.Next() {
		rec, err := scanMetricSource(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// UpdateMetricSource rewrites a source. An empty password keeps the
// stored one.
func (r *Repository) UpdateMetricSource(ctx context.Context, src MetricSource) error {
	mappings, err := json.Marshal(src.Mappings)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if src.Password == "" {
		tag, err = r.Store.Pool.Exec(ctx, `
			UPDATE metric_sources
			SET name=$1, driver=$2, host=$3, port=$4, user_name=$5, database_name=$6, ssl_mode=$7, mappings=$8, updated_at=now()
			WHERE id=$9`,
			src.Name, src.Driver, src.Host, src.Port, src.User, src.Database, src.SSLMode, mappings, src.ID)
	} else {
		tag, err = r.Store.Pool.Exec(ctx, `
			UPDATE metric_sources
			SET name=$1, driver=$2, host=$3, port=$4, user_name=$5, password_enc=$6, database_name=$7, ssl_mode=$8, mappings=$9, updated_at=now()
			WHERE id=$10`,
			src.Name, src.Driver, src.Host, src.Port, src.User, src.Password, src.Database, src.SSLMode, mappings, src.ID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteMetricSource(ctx context.Context, id string) error {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM metric_sources WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OrgSourceSettings loads the newest source for an organization with
// the password decrypted, ready to open a warehouse reader.
func (r *Repository) OrgSourceSettings(ctx context.Context, orgID string) (metricsource.SourceSettings, bool, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+sourceColumns+`
		FROM metric_sources WHERE org_id=$1 ORDER BY created_at DESC LIMIT 1`, orgID)
	src, err := scanMetricSource(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return metricsource.SourceSettings{}, false, nil
		}
		return metricsource.SourceSettings{}, false, err
	}
	password, err := r.Cipher.Decrypt(src.Password)
	if err != nil {
		return metricsource.SourceSettings{}, false, fmt.Errorf("decrypt source %s: %w", src.ID, err)
	}
	return metricsource.SourceSettings{
		Ref: fmt.Sprintf("%s:%d", src.ID, src.UpdatedAt.UnixNano()),
		Connection: warehouse.ConnectionConfig{
			Driver:   src.Driver,
			Host:     src.Host,
			Port:     src.Port,
			User:     src.User,
			Password: password,
			Database: src.Database,
			SSLMode:  src.SSLMode,
		},
		Mappings: src.Mappings,
	}, true, nil
}

func scanMetricSource(row pgx.Row) (MetricSource, error) {
	var rec MetricSource
	var mappings []byte
	err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.Name, &rec.Driver, &rec.Host, &rec.Port, &rec.User, &rec.Password,
		&rec.Database, &rec.SSLMode, &mappings, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MetricSource{}, ErrNotFound
		}
		return MetricSource{}, err
	}
	if err := json.Unmarshal(mappings, &rec.Mappings); err != nil {
		return MetricSource{}, err
	}
	return rec, nil
}

var _ metricsource.SettingsStore = (*Repository)(nil)
