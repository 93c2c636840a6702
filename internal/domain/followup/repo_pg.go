package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/store"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by the followup_record table.
// Questions, responses and red flags are stored as JSONB.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const recordCols = `id, patient_id, patient_name, patient_contact, referral_id, clinician_id, clinician_contact,
	scheduled_at, status, questions, responses, completed_at, risk_score, red_flags, compliance_score,
	escalated, escalated_at, escalation_target, escalation_reason, escalated_by,
	needs_reminder, reminder_sent_at, next_follow_up_at, successor_id, predecessor_id,
	created_by, version, created_at, updated_at`

type jsonCols struct {
	questions, responses, redFlags []byte
}

func encodeJSON(rec *Record) (jsonCols, error) {
	var c jsonCols
	var err error
	if c.questions, err = json.Marshal(rec.Questions); err != nil {
		return c, fmt.Errorf("encode questions: %w", err)
	}
	responses := rec.Responses
	if responses == nil {
		responses = map[string]Answer{}
	}
	if c.responses, err = json.Marshal(responses); err != nil {
		return c, fmt.Errorf("encode responses: %w", err)
	}
	flags := rec.RedFlags
	if flags == nil {
		flags = []RedFlag{}
	}
	if c.redFlags, err = json.Marshal(flags); err != nil {
		return c, fmt.Errorf("encode red flags: %w", err)
	}
	return c, nil
}

func (r *repoPG) scan(row pgx.Row) (*Record, int64, error) {
	var (
		rec     Record
		cols    jsonCols
		version int64
	)
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.PatientName, &rec.PatientContact, &rec.ReferralID, &rec.ClinicianID, &rec.ClinicianContact,
		&rec.ScheduledAt, &rec.Status, &cols.questions, &cols.responses, &rec.CompletedAt, &rec.RiskScore, &cols.redFlags, &rec.ComplianceScore,
		&rec.Escalated, &rec.EscalatedAt, &rec.EscalationTarget, &rec.EscalationReason, &rec.EscalatedBy,
		&rec.NeedsReminder, &rec.ReminderSentAt, &rec.NextFollowUpAt, &rec.SuccessorID, &rec.PredecessorID,
		&rec.CreatedBy, &version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(cols.questions, &rec.Questions); err != nil {
		return nil, 0, fmt.Errorf("decode questions of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(cols.responses, &rec.Responses); err != nil {
		return nil, 0, fmt.Errorf("decode responses of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(cols.redFlags, &rec.RedFlags); err != nil {
		return nil, 0, fmt.Errorf("decode red flags of %s: %w", rec.ID, err)
	}
	return &rec, version, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	cols, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO followup_record (id, patient_id, patient_name, patient_contact, referral_id, clinician_id, clinician_contact,
			scheduled_at, status, questions, responses, risk_score, red_flags,
			needs_reminder, predecessor_id, created_by, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1,$17,$18)`,
		rec.ID, rec.PatientID, rec.PatientName, rec.PatientContact, rec.ReferralID, rec.ClinicianID, rec.ClinicianContact,
		rec.ScheduledAt, rec.Status, cols.questions, cols.responses, rec.RiskScore, cols.redFlags,
		rec.NeedsReminder, rec.PredecessorID, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *repoPG) Load(ctx context.Context, id uuid.UUID) (*Record, int64, error) {
	rec, v, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM followup_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, v, err
}

func (r *repoPG) CompareAndSwap(ctx context.Context, expected int64, rec *Record) (int64, error) {
	cols, err := encodeJSON(rec)
	if err != nil {
		return 0, err
	}
	var version int64
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE followup_record SET status=$3, responses=$4, completed_at=$5, risk_score=$6, red_flags=$7,
			compliance_score=$8, escalated=$9, escalated_at=$10, escalation_target=$11, escalation_reason=$12,
			escalated_by=$13, needs_reminder=$14, reminder_sent_at=$15, next_follow_up_at=$16, successor_id=$17,
			updated_at=$18, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		rec.ID, expected, rec.Status, cols.responses, rec.CompletedAt, rec.RiskScore, cols.redFlags,
		rec.ComplianceScore, rec.Escalated, rec.EscalatedAt, rec.EscalationTarget, rec.EscalationReason,
		rec.EscalatedBy, rec.NeedsReminder, rec.ReminderSentAt, rec.NextFollowUpAt, rec.SuccessorID,
		rec.UpdatedAt).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("follow-up %s: expected version %d: %w", rec.ID, expected, store.ErrVersionConflict)
	}
	return version, err
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, _, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) QueryOverdue(ctx context.Context, q OverdueQuery, limit int) ([]*Record, error) {
	return r.query(ctx, `SELECT `+recordCols+` FROM followup_record
		WHERE status = 'pending' AND NOT escalated AND scheduled_at < $1
		AND ((needs_reminder AND reminder_sent_at IS NULL) OR scheduled_at < $2)
		ORDER BY scheduled_at ASC LIMIT $3`, q.Before, q.EscalateBefore, limit)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if f.ReferralID != uuid.Nil {
		args = append(args, f.ReferralID)
		where += fmt.Sprintf(" AND referral_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Escalated != nil {
		args = append(args, *f.Escalated)
		where += fmt.Sprintf(" AND escalated = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM followup_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + recordCols + ` FROM followup_record` + where +
		fmt.Sprintf(` ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	items, err := r.query(ctx, query, append(args, limit, offset)...)
	return items, total, err
}
