package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/store"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by the dispatch_assignment table.
// Partial unique indexes on (resource_id) and (referral_id) WHERE active
// back up the claim-based exclusivity.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const assignCols = `id, number, referral_id, referral_number, resource_id, crew,
	pickup_lat, pickup_lng, destination_lat, destination_lng, distance_km, eta_seconds,
	leg, dispatched_at, en_route_pickup_at, at_pickup_at, en_route_destination_at, arrived_at,
	active, released_at, release_reason, assigned_by, version, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Assignment, int64, error) {
	var a Assignment
	var version int64
	err := row.Scan(&a.ID, &a.Number, &a.ReferralID, &a.ReferralNumber, &a.ResourceID, &a.Crew,
		&a.Pickup.Lat, &a.Pickup.Lng, &a.Destination.Lat, &a.Destination.Lng, &a.DistanceKm, &a.ETASeconds,
		&a.Leg, &a.DispatchedAt, &a.EnRoutePickupAt, &a.AtPickupAt, &a.EnRouteDestinationAt, &a.ArrivedAt,
		&a.Active, &a.ReleasedAt, &a.ReleaseReason, &a.AssignedBy, &version, &a.CreatedAt, &a.UpdatedAt)
	return &a, version, err
}

func (r *repoPG) Create(ctx context.Context, a *Assignment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dispatch_assignment (id, number, referral_id, referral_number, resource_id, crew,
			pickup_lat, pickup_lng, destination_lat, destination_lng, distance_km, eta_seconds,
			leg, dispatched_at, active, assigned_by, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1,$17,$18)`,
		a.ID, a.Number, a.ReferralID, a.ReferralNumber, a.ResourceID, a.Crew,
		a.Pickup.Lat, a.Pickup.Lng, a.Destination.Lat, a.Destination.Lng, a.DistanceKm, a.ETASeconds,
		a.Leg, a.DispatchedAt, a.Active, a.AssignedBy, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", a.ResourceID, ErrResourceBusy)
	}
	return err
}

func (r *repoPG) Load(ctx context.Context, id uuid.UUID) (*Assignment, int64, error) {
	a, v, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+assignCols+` FROM dispatch_assignment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return a, v, nil
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Assignment, error) {
	a, _, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+assignCols+` FROM dispatch_assignment WHERE number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", number, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *repoPG) CompareAndSwap(ctx context.Context, expected int64, a *Assignment) (int64, error) {
	var version int64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE dispatch_assignment SET leg=$3, en_route_pickup_at=$4, at_pickup_at=$5,
			en_route_destination_at=$6, arrived_at=$7, active=$8, released_at=$9, release_reason=$10,
			updated_at=$11, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		a.ID, expected, a.Leg, a.EnRoutePickupAt, a.AtPickupAt,
		a.EnRouteDestinationAt, a.ArrivedAt, a.Active, a.ReleasedAt, a.ReleaseReason,
		a.UpdatedAt).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: expected version %d: %w", a.Number, expected, store.ErrVersionConflict)
	}
	return version, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.ResourceID != "" {
		args = append(args, f.ResourceID)
		where += fmt.Sprintf(" AND resource_id = $%d", len(args))
	}
	if f.ReferralID != uuid.Nil {
		args = append(args, f.ReferralID)
		where += fmt.Sprintf(" AND referral_id = $%d", len(args))
	}
	if f.ActiveOnly {
		where += " AND active"
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_assignment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + assignCols + ` FROM dispatch_assignment` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Assignment
	for rows.Next() {
		a, _, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
