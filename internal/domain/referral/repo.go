package referral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/platform/store"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status            Status
	Urgency           Urgency
	PatientID         string
	ReceivingFacility string
}

func (f Filter) match(r *Referral) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Urgency != "" && r.Urgency != f.Urgency {
		return false
	}
	if f.PatientID != "" && r.Patient.ID != f.PatientID {
		return false
	}
	if f.ReceivingFacility != "" && r.ReceivingFacility != f.ReceivingFacility {
		return false
	}
	return true
}

// Repository persists referrals with optimistic concurrency.
type Repository interface {
	Create(ctx context.Context, r *Referral) error
	Load(ctx context.Context, id uuid.UUID) (*Referral, int64, error)
	// CompareAndSwap writes r when the stored version equals expected.
	// Conflicts wrap store.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expected int64, r *Referral) (int64, error)
	GetByNumber(ctx context.Context, number string) (*Referral, error)
	// QueryDue returns pending referrals whose deadline is before the given time.
	QueryDue(ctx context.Context, before time.Time, limit int) ([]*Referral, error)
	// List orders by priority, highest first, then submission time.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Referral, int, error)
}

type memoryRepo struct {
	items *store.Memory[*Referral]
}

// NewMemoryRepo returns an in-memory Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: store.NewMemory((*Referral).Clone)}
}

func (m *memoryRepo) Create(ctx context.Context, r *Referral) error {
	if existing, _ := m.GetByNumber(ctx, r.Number); existing != nil {
		return fmt.Errorf("referral number %s: %w", r.Number, store.ErrAlreadyExists)
	}
	_, err := m.items.Create(ctx, r.ID.String(), r)
	return err
}

func (m *memoryRepo) Load(ctx context.Context, id uuid.UUID) (*Referral, int64, error) {
	r, v, err := m.items.Load(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, v, err
}

func (m *memoryRepo) CompareAndSwap(ctx context.Context, expected int64, r *Referral) (int64, error) {
	v, err := m.items.CompareAndSwap(ctx, r.ID.String(), expected, r)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", r.ID, ErrNotFound)
	}
	return v, err
}

func (m *memoryRepo) GetByNumber(ctx context.Context, number string) (*Referral, error) {
	found := m.items.Filter(ctx, func(r *Referral) bool { return r.Number == number })
	if len(found) == 0 {
		return nil, fmt.Errorf("%s: %w", number, ErrNotFound)
	}
	return found[0].Value, nil
}

func (m *memoryRepo) QueryDue(ctx context.Context, before time.Time, limit int) ([]*Referral, error) {
	found := m.items.Filter(ctx, func(r *Referral) bool {
		return r.Status == StatusPending && r.Deadline.Before(before)
	})
	items := values(found)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Deadline.Before(items[j].Deadline) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memoryRepo) List(ctx context.Context, f Filter, limit, offset int) ([]*Referral, int, error) {
	items := values(m.items.Filter(ctx, f.match))
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].SubmittedAt.Before(items[j].SubmittedAt)
	})
	page, total := store.Page(items, limit, offset)
	return page, total, nil
}

func values(found []store.Versioned[*Referral]) []*Referral {
	out := make([]*Referral, len(found))
	for i, f := range found {
		out[i] = f.Value
	}
	return out
}
