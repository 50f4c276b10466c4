package cds

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== Alert Audit Repository ===========

type alertAuditRepoPG struct{ pool *pgxpool.Pool }

// NewAlertAuditRepoPG creates the postgres-backed audit repository.
func NewAlertAuditRepoPG(pool *pgxpool.Pool) AlertAuditRepository {
	return &alertAuditRepoPG{pool: pool}
}

const auditCols = `id, rule_id, patient_id, hook, severity, summary, detail, fired_at, created_at`

func (r *alertAuditRepoPG) scan(row pgx.Row) (*AlertAudit, error) {
	var a AlertAudit
	err := row.Scan(&a.ID, &a.RuleID, &a.PatientID, &a.Hook, &a.Severity,
		&a.Summary, &a.Detail, &a.FiredAt, &a.CreatedAt)
	return &a, err
}

func (r *alertAuditRepoPG) Record(ctx context.Context, a *AlertAudit) error {
	a.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cds_alert_audit (id, rule_id, patient_id, hook, severity, summary, detail, fired_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.RuleID, a.PatientID, a.Hook, a.Severity, a.Summary, a.Detail, a.FiredAt)
	return err
}

func (r *alertAuditRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AlertAudit, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM cds_alert_audit WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+auditCols+`
		FROM cds_alert_audit WHERE patient_id = $1
		ORDER BY fired_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AlertAudit
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, nil
}
