package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/secrets"
)

type Repository struct {
	Store  *Store
	Cipher secrets.Cipher
}

func NewRepository(store *Store, cipher secrets.Cipher) *Repository {
	return &Repository{Store: store, Cipher: cipher}
}

const ruleColumns = `id, org_id, name, description, type, category, severity, conditions, actions, settings, active, created_by, last_triggered, trigger_count, created_at, updated_at`

func (r *Repository) CreateRule(ctx context.Context, rule rules.Rule) (string, error) {
	id := rule.ID
	if id == "" {
		id = uuid.NewString()
	}
	conditions, actions, settings, err := marshalRulePayload(rule)
	if err != nil {
		return "", err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO alert_rules (id, org_id, name, description, type, category, severity, conditions, actions, settings, active, created_by, trigger_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,now(),now())`,
		id, rule.OrgID, rule.Name, rule.Description, string(rule.Type), rule.Category, string(rule.Severity),
		conditions, actions, settings, rule.Active, rule.CreatedBy,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetRule(ctx context.Context, id string) (rules.Rule, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules WHERE id=$1`, id)
	return scanRule(row)
}

func (r *Repository) ListRules(ctx context.Context, orgID string) ([]rules.Rule, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules WHERE org_id=$1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *Repository) ListActiveRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules WHERE active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// UpdateRule rewrites the definable parts of a rule. Trigger
// bookkeeping and authorship columns are left untouched.
func (r *Repository) UpdateRule(ctx context.Context, rule rules.Rule) error {
	conditions, actions, settings, err := marshalRulePayload(rule)
	if err != nil {
		return err
	}
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE alert_rules
		SET name=$1, description=$2, type=$3, category=$4, severity=$5, conditions=$6, actions=$7, settings=$8, active=$9, updated_at=now()
		WHERE id=$10`,
		rule.Name, rule.Description, string(rule.Type), rule.Category, string(rule.Severity),
		conditions, actions, settings, rule.Active, rule.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetRuleActive(ctx context.Context, id string, active bool) error {
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE alert_rules SET active=$1, updated_at=now() WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM alert_rules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTrigger bumps the trigger counters. The active guard makes a
// rule disabled mid-cycle lose the race.
func (r *Repository) RecordTrigger(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE alert_rules
		SET trigger_count = trigger_count + 1, last_triggered=$2, updated_at=now()
		WHERE id=$1 AND active = true`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func marshalRulePayload(rule rules.Rule) ([]byte, []byte, []byte, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, nil, err
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, nil, err
	}
	settings, err := json.Marshal(rule.Settings)
	if err != nil {
		return nil, nil, nil, err
	}
	return conditions, actions, settings, nil
}

func scanRule(row pgx.Row) (rules.Rule, error) {
	var rec rules.Rule
	var ruleType, severity string
	var conditions, actions, settings []byte
	err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.Name, &rec.Description, &ruleType, &rec.Category, &severity,
		&conditions, &actions, &settings, &rec.Active, &rec.CreatedBy,
		&rec.LastTriggered, &rec.TriggerCount, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rules.Rule{}, ErrNotFound
		}
		return rules.Rule{}, err
	}
	rec.Type = rules.RuleType(ruleType)
	rec.Severity = rules.Severity(severity)
	if err := json.Unmarshal(conditions, &rec.Conditions); err != nil {
		return rules.Rule{}, err
	}
	if err := json.Unmarshal(actions, &rec.Actions); err != nil {
		return rules.Rule{}, err
	}
	if err := json.Unmarshal(settings, &rec.Settings); err != nil {
		return rules.Rule{}, err
	}
	return rec, nil
}

func collectRules(rows pgx.Rows) ([]rules.Rule, error) {
	results := []rules.Rule{}
	for rows.Next() {
		rec, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
