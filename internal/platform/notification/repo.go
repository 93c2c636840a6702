package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/platform/store"
)

// Repository persists delivery requests with optimistic concurrency.
type Repository interface {
	// Create stores r at version 1 and assigns r.Seq.
	Create(ctx context.Context, r *DeliveryRequest) error
	Load(ctx context.Context, id uuid.UUID) (*DeliveryRequest, int64, error)
	// CompareAndSwap writes r when the stored version equals expected and
	// returns the new version. Conflicts wrap store.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expected int64, r *DeliveryRequest) (int64, error)
	// ListDue returns pending requests scheduled at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryRequest, error)
	// ListRetryable returns failed requests whose retry time is at or before now.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*DeliveryRequest, error)
	// ListInFlight returns sent requests whose attempt started before cutoff.
	ListInFlight(ctx context.Context, cutoff time.Time, limit int) ([]*DeliveryRequest, error)
	// ListFailed returns terminal failures: exhausted requests and stale rejects.
	ListFailed(ctx context.Context, limit, offset int) ([]*DeliveryRequest, int, error)
	ListByRecipient(ctx context.Context, recipient string, limit, offset int) ([]*DeliveryRequest, int, error)
	Stats(ctx context.Context) (map[Status]int, error)
}

type memoryRepo struct {
	items *store.Memory[*DeliveryRequest]
	seq   atomic.Int64
}

// NewMemoryRepo returns an in-memory Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: store.NewMemory((*DeliveryRequest).Clone)}
}

func (m *memoryRepo) Create(ctx context.Context, r *DeliveryRequest) error {
	r.Seq = m.seq.Add(1)
	if _, err := m.items.Create(ctx, r.ID.String(), r); err != nil {
		return err
	}
	return nil
}

func (m *memoryRepo) Load(ctx context.Context, id uuid.UUID) (*DeliveryRequest, int64, error) {
	r, v, err := m.items.Load(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, v, err
}

func (m *memoryRepo) CompareAndSwap(ctx context.Context, expected int64, r *DeliveryRequest) (int64, error) {
	v, err := m.items.CompareAndSwap(ctx, r.ID.String(), expected, r)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", r.ID, ErrNotFound)
	}
	return v, err
}

func (m *memoryRepo) list(ctx context.Context, pred func(*DeliveryRequest) bool) []*DeliveryRequest {
	found := m.items.Filter(ctx, pred)
	out := make([]*DeliveryRequest, len(found))
	for i, f := range found {
		out[i] = f.Value
	}
	return out
}

func limitTo(items []*DeliveryRequest, limit int) []*DeliveryRequest {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (m *memoryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryRequest, error) {
	items := m.list(ctx, func(r *DeliveryRequest) bool {
		return r.Status == StatusPending && !r.ScheduledAt.After(now)
	})
	SortForDelivery(items)
	return limitTo(items, limit), nil
}

func (m *memoryRepo) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*DeliveryRequest, error) {
	items := m.list(ctx, func(r *DeliveryRequest) bool {
		return r.Status == StatusFailed && r.NextRetryAt != nil && !r.NextRetryAt.After(now)
	})
	sort.SliceStable(items, func(i, j int) bool { return items[i].NextRetryAt.Before(*items[j].NextRetryAt) })
	return limitTo(items, limit), nil
}

func (m *memoryRepo) ListInFlight(ctx context.Context, cutoff time.Time, limit int) ([]*DeliveryRequest, error) {
	items := m.list(ctx, func(r *DeliveryRequest) bool {
		return r.Status == StatusSent && r.LastAttemptAt != nil && r.LastAttemptAt.Before(cutoff)
	})
	return limitTo(items, limit), nil
}

func (m *memoryRepo) ListFailed(ctx context.Context, limit, offset int) ([]*DeliveryRequest, int, error) {
	items := m.list(ctx, func(r *DeliveryRequest) bool {
		return r.Status == StatusExhausted || (r.Status == StatusFailed && r.NextRetryAt == nil)
	})
	page, total := store.Page(items, limit, offset)
	return page, total, nil
}

func (m *memoryRepo) ListByRecipient(ctx context.Context, recipient string, limit, offset int) ([]*DeliveryRequest, int, error) {
	items := m.list(ctx, func(r *DeliveryRequest) bool { return r.Recipient == recipient })
	page, total := store.Page(items, limit, offset)
	return page, total, nil
}

func (m *memoryRepo) Stats(ctx context.Context) (map[Status]int, error) {
	stats := make(map[Status]int)
	for _, r := range m.list(ctx, nil) {
		stats[r.Status]++
	}
	return stats, nil
}

// SortForDelivery orders requests by priority, highest first, then FIFO.
func SortForDelivery(items []*DeliveryRequest) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].Seq < items[j].Seq
	})
}
