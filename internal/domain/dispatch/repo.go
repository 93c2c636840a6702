package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/platform/store"
)

// Filter narrows List results.
type Filter struct {
	ResourceID string
	ReferralID uuid.UUID
	ActiveOnly bool
}

func (f Filter) match(a *Assignment) bool {
	if f.ResourceID != "" && a.ResourceID != f.ResourceID {
		return false
	}
	if f.ReferralID != uuid.Nil && a.ReferralID != f.ReferralID {
		return false
	}
	if f.ActiveOnly && !a.Active {
		return false
	}
	return true
}

type Repository interface {
	Create(ctx context.Context, a *Assignment) error
	Load(ctx context.Context, id uuid.UUID) (*Assignment, int64, error)
	CompareAndSwap(ctx context.Context, expected int64, a *Assignment) (int64, error)
	GetByNumber(ctx context.Context, number string) (*Assignment, error)
	// List returns newest assignments first.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error)
}

type memoryRepo struct {
	items *store.Memory[*Assignment]
}

func NewMemoryRepo() Repository {
	return &memoryRepo{items: store.NewMemory((*Assignment).Clone)}
}

func (m *memoryRepo) Create(ctx context.Context, a *Assignment) error {
	_, err := m.items.Create(ctx, a.ID.String(), a)
	return err
}

func (m *memoryRepo) Load(ctx context.Context, id uuid.UUID) (*Assignment, int64, error) {
	a, v, err := m.items.Load(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return a, v, err
}

func (m *memoryRepo) CompareAndSwap(ctx context.Context, expected int64, a *Assignment) (int64, error) {
	v, err := m.items.CompareAndSwap(ctx, a.ID.String(), expected, a)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", a.ID, ErrNotFound)
	}
	return v, err
}

func (m *memoryRepo) GetByNumber(ctx context.Context, number string) (*Assignment, error) {
	found := m.items.Filter(ctx, func(a *Assignment) bool { return a.Number == number })
	if len(found) == 0 {
		return nil, fmt.Errorf("%s: %w", number, ErrNotFound)
	}
	return found[0].Value, nil
}

func (m *memoryRepo) List(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error) {
	found := m.items.Filter(ctx, f.match)
	items := make([]*Assignment, len(found))
	for i, v := range found {
		items[i] = v.Value
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	page, total := store.Page(items, limit, offset)
	return page, total, nil
}
