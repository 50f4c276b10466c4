package cds

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AlertAudit is one persisted record of a fired alert, kept for clinical
// review and override analytics. Recording happens at the transport layer so
// evaluation itself stays side-effect free.
type AlertAudit struct {
	ID        uuid.UUID `db:"id" json:"id"`
	RuleID    string    `db:"rule_id" json:"rule_id"`
	PatientID string    `db:"patient_id" json:"patient_id"`
	Hook      string    `db:"hook" json:"hook"`
	Severity  string    `db:"severity" json:"severity"`
	Summary   string    `db:"summary" json:"summary"`
	Detail    string    `db:"detail" json:"detail"`
	FiredAt   time.Time `db:"fired_at" json:"fired_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AlertAuditRepository persists fired alerts. A nil repository disables
// recording.
type AlertAuditRepository interface {
	Record(ctx context.Context, a *AlertAudit) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AlertAudit, int, error)
}
