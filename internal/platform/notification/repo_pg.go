package notification

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

// NewRepoPG returns a Repository backed by the delivery_request table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const drCols = `id, seq, channel, recipient, payload, priority, source_type, source_id,
	scheduled_at, expires_at, attempts, max_attempts, status, next_retry_at,
	last_attempt_at, delivered_at, failed_at, last_error, failure_reason,
	provider_message_id, version, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*DeliveryRequest, int64, error) {
	var (
		d       DeliveryRequest
		payload []byte
		version int64
	)
	err := row.Scan(&d.ID, &d.Seq, &d.Channel, &d.Recipient, &payload, &d.Priority, &d.SourceType, &d.SourceID,
		&d.ScheduledAt, &d.ExpiresAt, &d.Attempts, &d.MaxAttempts, &d.Status, &d.NextRetryAt,
		&d.LastAttemptAt, &d.DeliveredAt, &d.FailedAt, &d.LastError, &d.FailureReason,
		&d.ProviderMessageID, &version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(payload, &d.Payload); err != nil {
		return nil, 0, fmt.Errorf("decode payload of %s: %w", d.ID, err)
	}
	return &d, version, nil
}

func (r *repoPG) Create(ctx context.Context, d *DeliveryRequest) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO delivery_request (id, channel, recipient, payload, priority, source_type, source_id,
			scheduled_at, expires_at, attempts, max_attempts, status, next_retry_at,
			last_attempt_at, delivered_at, failed_at, last_error, failure_reason,
			provider_message_id, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1,$20,$21)
		RETURNING seq`,
		d.ID, d.Channel, d.Recipient, payload, d.Priority, d.SourceType, d.SourceID,
		d.ScheduledAt, d.ExpiresAt, d.Attempts, d.MaxAttempts, d.Status, d.NextRetryAt,
		d.LastAttemptAt, d.DeliveredAt, d.FailedAt, d.LastError, d.FailureReason,
		d.ProviderMessageID, d.CreatedAt, d.UpdatedAt).Scan(&d.Seq)
}

func (r *repoPG) Load(ctx context.Context, id uuid.UUID) (*DeliveryRequest, int64, error) {
	d, v, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+drCols+` FROM delivery_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return d, v, err
}

func (r *repoPG) CompareAndSwap(ctx context.Context, expected int64, d *DeliveryRequest) (int64, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	var version int64
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE delivery_request SET payload=$3, priority=$4, scheduled_at=$5, expires_at=$6,
			attempts=$7, max_attempts=$8, status=$9, next_retry_at=$10, last_attempt_at=$11,
			delivered_at=$12, failed_at=$13, last_error=$14, failure_reason=$15,
			provider_message_id=$16, updated_at=$17, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		d.ID, expected, payload, d.Priority, d.ScheduledAt, d.ExpiresAt,
		d.Attempts, d.MaxAttempts, d.Status, d.NextRetryAt, d.LastAttemptAt,
		d.DeliveredAt, d.FailedAt, d.LastError, d.FailureReason,
		d.ProviderMessageID, d.UpdatedAt).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: expected version %d: %w", d.ID, expected, store.ErrVersionConflict)
	}
	return version, err
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*DeliveryRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DeliveryRequest
	for rows.Next() {
		d, _, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *repoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryRequest, error) {
	return r.query(ctx, `SELECT `+drCols+` FROM delivery_request
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY priority DESC, seq ASC LIMIT $2`, now, limit)
}

func (r *repoPG) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*DeliveryRequest, error) {
	return r.query(ctx, `SELECT `+drCols+` FROM delivery_request
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2`, now, limit)
}

func (r *repoPG) ListInFlight(ctx context.Context, cutoff time.Time, limit int) ([]*DeliveryRequest, error) {
	return r.query(ctx, `SELECT `+drCols+` FROM delivery_request
		WHERE status = 'sent' AND last_attempt_at < $1
		ORDER BY last_attempt_at ASC LIMIT $2`, cutoff, limit)
}

const failedWhere = `status = 'exhausted' OR (status = 'failed' AND next_retry_at IS NULL)`

func (r *repoPG) ListFailed(ctx context.Context, limit, offset int) ([]*DeliveryRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM delivery_request WHERE `+failedWhere).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+drCols+` FROM delivery_request WHERE `+failedWhere+`
		ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	return items, total, err
}

func (r *repoPG) ListByRecipient(ctx context.Context, recipient string, limit, offset int) ([]*DeliveryRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM delivery_request WHERE recipient = $1`, recipient).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+drCols+` FROM delivery_request WHERE recipient = $1
		ORDER BY seq DESC LIMIT $2 OFFSET $3`, recipient, limit, offset)
	return items, total, err
}

func (r *repoPG) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM delivery_request GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[Status]int)
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		stats[s] = n
	}
	return stats, rows.Err()
}
