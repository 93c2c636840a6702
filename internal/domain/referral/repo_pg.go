package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/store"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by the referral table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const refCols = `id, number, urgency, priority, status, patient, reason,
	referring_facility, referring_doctor_id, referring_contact,
	receiving_facility, receiving_contact, receiving_doctor_id,
	requires_transport, requires_bed, transport_leg,
	deadline, submitted_at, submitted_by, responded_at, responded_by, response_latency_seconds,
	accepted_at, rejected_at, expired_at, in_transit_at, arrived_at, completed_at, cancelled_at,
	rejection_reason, cancellation_reason, outcome, annotations, version, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Referral, int64, error) {
	var (
		ref         Referral
		patient     []byte
		annotations []byte
		version     int64
	)
	err := row.Scan(&ref.ID, &ref.Number, &ref.Urgency, &ref.Priority, &ref.Status, &patient, &ref.Reason,
		&ref.ReferringFacility, &ref.ReferringDoctorID, &ref.ReferringContact,
		&ref.ReceivingFacility, &ref.ReceivingContact, &ref.ReceivingDoctorID,
		&ref.RequiresTransport, &ref.RequiresBed, &ref.TransportLeg,
		&ref.Deadline, &ref.SubmittedAt, &ref.SubmittedBy, &ref.RespondedAt, &ref.RespondedBy, &ref.ResponseLatencySeconds,
		&ref.AcceptedAt, &ref.RejectedAt, &ref.ExpiredAt, &ref.InTransitAt, &ref.ArrivedAt, &ref.CompletedAt, &ref.CancelledAt,
		&ref.RejectionReason, &ref.CancellationReason, &ref.Outcome, &annotations, &version, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(patient, &ref.Patient); err != nil {
		return nil, 0, fmt.Errorf("decode patient of %s: %w", ref.Number, err)
	}
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &ref.Annotations); err != nil {
			return nil, 0, fmt.Errorf("decode annotations of %s: %w", ref.Number, err)
		}
	}
	return &ref, version, nil
}

func encode(ref *Referral) (patient, annotations []byte, err error) {
	if patient, err = json.Marshal(ref.Patient); err != nil {
		return nil, nil, fmt.Errorf("encode patient: %w", err)
	}
	notes := ref.Annotations
	if notes == nil {
		notes = []Annotation{}
	}
	if annotations, err = json.Marshal(notes); err != nil {
		return nil, nil, fmt.Errorf("encode annotations: %w", err)
	}
	return patient, annotations, nil
}

func (r *repoPG) Create(ctx context.Context, ref *Referral) error {
	patient, annotations, err := encode(ref)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO referral (id, number, urgency, priority, status, patient, reason,
			referring_facility, referring_doctor_id, referring_contact,
			receiving_facility, receiving_contact, receiving_doctor_id,
			requires_transport, requires_bed, transport_leg,
			deadline, submitted_at, submitted_by, annotations, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,1,$21,$22)`,
		ref.ID, ref.Number, ref.Urgency, ref.Priority, ref.Status, patient, ref.Reason,
		ref.ReferringFacility, ref.ReferringDoctorID, ref.ReferringContact,
		ref.ReceivingFacility, ref.ReceivingContact, ref.ReceivingDoctorID,
		ref.RequiresTransport, ref.RequiresBed, ref.TransportLeg,
		ref.Deadline, ref.SubmittedAt, ref.SubmittedBy, annotations, ref.CreatedAt, ref.UpdatedAt)
	return err
}

func (r *repoPG) Load(ctx context.Context, id uuid.UUID) (*Referral, int64, error) {
	ref, v, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+refCols+` FROM referral WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return ref, v, err
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Referral, error) {
	ref, _, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+refCols+` FROM referral WHERE number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", number, ErrNotFound)
	}
	return ref, err
}

func (r *repoPG) CompareAndSwap(ctx context.Context, expected int64, ref *Referral) (int64, error) {
	patient, annotations, err := encode(ref)
	if err != nil {
		return 0, err
	}
	var version int64
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE referral SET priority=$3, status=$4, patient=$5, receiving_doctor_id=$6, transport_leg=$7,
			responded_at=$8, responded_by=$9, response_latency_seconds=$10,
			accepted_at=$11, rejected_at=$12, expired_at=$13, in_transit_at=$14, arrived_at=$15,
			completed_at=$16, cancelled_at=$17, rejection_reason=$18, cancellation_reason=$19,
			outcome=$20, annotations=$21, updated_at=$22, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		ref.ID, expected, ref.Priority, ref.Status, patient, ref.ReceivingDoctorID, ref.TransportLeg,
		ref.RespondedAt, ref.RespondedBy, ref.ResponseLatencySeconds,
		ref.AcceptedAt, ref.RejectedAt, ref.ExpiredAt, ref.InTransitAt, ref.ArrivedAt,
		ref.CompletedAt, ref.CancelledAt, ref.RejectionReason, ref.CancellationReason,
		ref.Outcome, annotations, ref.UpdatedAt).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: expected version %d: %w", ref.Number, expected, store.ErrVersionConflict)
	}
	return version, err
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Referral, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Referral
	for rows.Next() {
		ref, _, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ref)
	}
	return items, rows.Err()
}

func (r *repoPG) QueryDue(ctx context.Context, before time.Time, limit int) ([]*Referral, error) {
	return r.query(ctx, `SELECT `+refCols+` FROM referral
		WHERE status = 'pending' AND deadline < $1
		ORDER BY deadline ASC LIMIT $2`, before, limit)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Referral, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, v)
		idx++
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Urgency != "" {
		add("urgency = $%d", f.Urgency)
	}
	if f.PatientID != "" {
		add("patient->>'id' = $%d", f.PatientID)
	}
	if f.ReceivingFacility != "" {
		add("receiving_facility = $%d", f.ReceivingFacility)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM referral`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + refCols + ` FROM referral` + where +
		fmt.Sprintf(` ORDER BY priority DESC, submitted_at ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	items, err := r.query(ctx, query, append(args, limit, offset)...)
	return items, total, err
}
