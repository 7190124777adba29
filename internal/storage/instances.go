package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/rules"
)

const instanceColumns = `id, rule_id, org_id, title, message, severity, category, status, triggered_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_note, metadata`

func (r *Repository) InsertInstance(ctx context.Context, inst alerts.Instance) error {
	metadata, err := json.Marshal(inst.Metadata)
	if err != nil {
		return err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO alert_instances (id, rule_id, org_id, title, message, severity, category, status, triggered_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		inst.ID, inst.RuleID, inst.OrgID, inst.Title, inst.Message, string(inst.Severity), inst.Category,
		string(inst.Status), inst.TriggeredAt, metadata,
	)
	return err
}

func (r *Repository) GetInstance(ctx context.Context, id string) (alerts.Instance, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM alert_instances WHERE id=$1`, id)
	return scanInstance(row)
}

// UpdateStatus moves an instance to a new status only when its current
// status is in the allowed set, so concurrent transitions cannot tread
// on each other. Returns false when no row qualified.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from []alerts.Status, to alerts.Status, at time.Time, actor, note string) (bool, error) {
	states := statusStrings(from)
	var query string
	var args []any
	switch to {
	case alerts.StatusAcknowledged:
		query = `
			UPDATE alert_instances SET status=$1, acknowledged_at=$2, acknowledged_by=$3
			WHERE id=$4 AND status = ANY($5)`
		args = []any{string(to), at, actor, id, states}
	case alerts.StatusResolved:
		query = `
			UPDATE alert_instances SET status=$1, resolved_at=$2, resolved_by=$3, resolution_note=$4
			WHERE id=$5 AND status = ANY($6)`
		args = []any{string(to), at, actor, note, id, states}
	default:
		query = `
			UPDATE alert_instances SET status=$1 WHERE id=$2 AND status = ANY($3)`
		args = []any{string(to), id, states}
	}
	tag, err := r.Store.Pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListActive(ctx context.Context, orgID string) ([]alerts.Instance, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM alert_instances WHERE org_id=$1 AND status = ANY($2)
		ORDER BY triggered_at DESC`, orgID, statusStrings(alerts.ActiveStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

func (r *Repository) SummaryCounts(ctx context.Context, orgID string) (map[string]int, map[string]int, error) {
	bySeverity, err := r.groupActive(ctx, orgID, "severity")
	if err != nil {
		return nil, nil, err
	}
	byCategory, err := r.groupActive(ctx, orgID, "category")
	if err != nil {
		return nil, nil, err
	}
	return bySeverity, byCategory, nil
}

func (r *Repository) groupActive(ctx context.Context, orgID, column string) (map[string]int, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+column+`, count(*) FROM alert_instances
		WHERE org_id=$1 AND status = ANY($2) GROUP BY `+column,
		orgID, statusStrings(alerts.ActiveStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func (r *Repository) ActivityCounts(ctx context.Context, orgID string, since time.Time) (alerts.ActivityCounts, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE triggered_at >= $2),
			count(*) FILTER (WHERE acknowledged_at >= $2),
			count(*) FILTER (WHERE resolved_at >= $2)
		FROM alert_instances WHERE org_id=$1`, orgID, since)
	var counts alerts.ActivityCounts
	if err := row.Scan(&counts.Triggered, &counts.Acknowledged, &counts.Resolved); err != nil {
		return alerts.ActivityCounts{}, err
	}
	return counts, nil
}

func (r *Repository) CountInstancesSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT count(*) FROM alert_instances WHERE rule_id=$1 AND triggered_at >= $2`, ruleID, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RecentInstanceExists reports whether a non-suppressed alert for the
// rule was triggered at or after since. Suppressed duplicates do not
// extend the window.
func (r *Repository) RecentInstanceExists(ctx context.Context, ruleID string, since time.Time) (bool, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alert_instances
			WHERE rule_id=$1 AND triggered_at >= $2 AND status <> $3)`,
		ruleID, since, string(alerts.StatusSuppressed))
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) ListEscalationCandidates(ctx context.Context, ruleID string, cutoff time.Time) ([]alerts.Instance, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM alert_instances
		WHERE rule_id=$1 AND status=$2 AND triggered_at <= $3
		ORDER BY triggered_at ASC`, ruleID, string(alerts.StatusActive), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

func (r *Repository) CountActive(ctx context.Context) (int, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT count(*) FROM alert_instances WHERE status = ANY($1)`, statusStrings(alerts.ActiveStatuses))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) OrgIDs(ctx context.Context) ([]string, error) {
	rows, err := r.Store.Pool.Query(ctx, `SELECT DISTINCT org_id FROM alert_rules ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orgs := []string{}
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (r *Repository) DigestCounts(ctx context.Context, orgID string, since time.Time) (DigestCounts, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE triggered_at >= $2),
			count(*) FILTER (WHERE resolved_at >= $2),
			count(*) FILTER (WHERE status = $3),
			count(*) FILTER (WHERE status = ANY($4))
		FROM alert_instances WHERE org_id=$1`,
		orgID, since, string(alerts.StatusEscalated), statusStrings(alerts.ActiveStatuses))
	var counts DigestCounts
	if err := row.Scan(&counts.Triggered, &counts.Resolved, &counts.Escalated, &counts.Active); err != nil {
		return DigestCounts{}, err
	}
	return counts, nil
}

func statusStrings(statuses []alerts.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func scanInstance(row pgx.Row) (alerts.Instance, error) {
	var rec alerts.Instance
	var severity, status string
	var metadata []byte
	err := row.Scan(
		&rec.ID, &rec.RuleID, &rec.OrgID, &rec.Title, &rec.Message, &severity, &rec.Category, &status,
		&rec.TriggeredAt, &rec.AcknowledgedAt, &rec.AcknowledgedBy, &rec.ResolvedAt, &rec.ResolvedBy,
		&rec.ResolutionNote, &metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return alerts.Instance{}, ErrNotFound
		}
		return alerts.Instance{}, err
	}
	rec.Severity = rules.Severity(severity)
	rec.Status = alerts.Status(status)
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return alerts.Instance{}, err
	}
	return rec, nil
}

func collectInstances(rows pgx.Rows) ([]alerts.Instance, error) {
	results := []alerts.Instance{}
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
