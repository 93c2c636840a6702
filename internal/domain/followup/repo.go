package followup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/platform/store"
)

// Filter narrows List results.
type Filter struct {
	PatientID  string
	ReferralID uuid.UUID
	Status     Status
	Escalated  *bool
}

func (f Filter) match(r *Record) bool {
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if f.ReferralID != uuid.Nil && (r.ReferralID == nil || *r.ReferralID != f.ReferralID) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Escalated != nil && r.Escalated != *f.Escalated {
		return false
	}
	return true
}

type Repository interface {
	Create(ctx context.Context, r *Record) error
	Load(ctx context.Context, id uuid.UUID) (*Record, int64, error)
	CompareAndSwap(ctx context.Context, expected int64, r *Record) (int64, error)
	// QueryOverdue returns pending, unescalated records that still have
	// overdue work, oldest first.
	QueryOverdue(ctx context.Context, q OverdueQuery, limit int) ([]*Record, error)
	// List orders by scheduled time, latest first.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
}

// OverdueQuery selects records scheduled before Before that either still
// owe their single reminder or were scheduled before EscalateBefore.
// Reminded records inside the grace period are left out so they cannot
// crowd a bounded batch.
type OverdueQuery struct {
	Before         time.Time
	EscalateBefore time.Time
}

func (q OverdueQuery) match(r *Record) bool {
	if r.Status != StatusPending || r.Escalated || !r.ScheduledAt.Before(q.Before) {
		return false
	}
	return (r.NeedsReminder && r.ReminderSentAt == nil) || r.ScheduledAt.Before(q.EscalateBefore)
}

type memoryRepo struct {
	items *store.Memory[*Record]
}

func NewMemoryRepo() Repository {
	return &memoryRepo{items: store.NewMemory((*Record).Clone)}
}

func (m *memoryRepo) Create(ctx context.Context, r *Record) error {
	_, err := m.items.Create(ctx, r.ID.String(), r)
	return err
}

func (m *memoryRepo) Load(ctx context.Context, id uuid.UUID) (*Record, int64, error) {
	r, v, err := m.items.Load(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, v, err
}

func (m *memoryRepo) CompareAndSwap(ctx context.Context, expected int64, r *Record) (int64, error) {
	v, err := m.items.CompareAndSwap(ctx, r.ID.String(), expected, r)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", r.ID, ErrNotFound)
	}
	return v, err
}

func (m *memoryRepo) QueryOverdue(ctx context.Context, q OverdueQuery, limit int) ([]*Record, error) {
	items := values(m.items.Filter(ctx, q.match))
	sort.SliceStable(items, func(i, j int) bool { return items[i].ScheduledAt.Before(items[j].ScheduledAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memoryRepo) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	items := values(m.items.Filter(ctx, f.match))
	sort.SliceStable(items, func(i, j int) bool { return items[i].ScheduledAt.After(items[j].ScheduledAt) })
	page, total := store.Page(items, limit, offset)
	return page, total, nil
}

func values(found []store.Versioned[*Record]) []*Record {
	out := make([]*Record, len(found))
	for i, f := range found {
		out[i] = f.Value
	}
	return out
}
