package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type item struct {
	Name string
	Tags []string
}

func cloneItem(i *item) *item {
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	return &c
}

func TestMemory_CreateLoad(t *testing.T) {
	m := NewMemory(cloneItem)
	ctx := context.Background()

	v, err := m.Create(ctx, "a", &item{Name: "first", Tags: []string{"x"}})
	if err != nil || v != 1 {
		t.Fatalf("Create = (%d, %v), want (1, nil)", v, err)
	}
	if _, err := m.Create(ctx, "a", &item{}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, ver, err := m.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "first" || ver != 1 {
		t.Errorf("Load = (%+v, %d)", got, ver)
	}

	// Mutating the loaded copy must not leak into the store.
	got.Tags[0] = "mutated"
	again, _, _ := m.Load(ctx, "a")
	if again.Tags[0] != "x" {
		t.Errorf("store shares state with caller: %v", again.Tags)
	}

	if _, _, err := m.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_CompareAndSwap(t *testing.T) {
	m := NewMemory(cloneItem)
	ctx := context.Background()
	m.Create(ctx, "a", &item{Name: "v1"})

	v, err := m.CompareAndSwap(ctx, "a", 1, &item{Name: "v2"})
	if err != nil || v != 2 {
		t.Fatalf("CAS = (%d, %v), want (2, nil)", v, err)
	}
	if _, err := m.CompareAndSwap(ctx, "a", 1, &item{Name: "stale"}); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	got, _, _ := m.Load(ctx, "a")
	if got.Name != "v2" {
		t.Errorf("stale write must not apply, got %q", got.Name)
	}
	if _, err := m.CompareAndSwap(ctx, "missing", 1, &item{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ConcurrentCASOneWinnerPerVersion(t *testing.T) {
	m := NewMemory(cloneItem)
	ctx := context.Background()
	m.Create(ctx, "a", &item{Name: "v1"})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CompareAndSwap(ctx, "a", 1, &item{Name: "next"}); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one CAS to win, got %d", wins)
	}
}

func TestMemory_FilterKeepsInsertionOrder(t *testing.T) {
	m := NewMemory(cloneItem)
	ctx := context.Background()
	for _, n := range []string{"c", "a", "b"} {
		m.Create(ctx, n, &item{Name: n})
	}
	got := m.Filter(ctx, func(i *item) bool { return i.Name != "a" })
	if len(got) != 2 || got[0].Value.Name != "c" || got[1].Value.Name != "b" {
		t.Errorf("unexpected filter result: %+v", got)
	}
	if got[0].Version != 1 {
		t.Errorf("expected version 1, got %d", got[0].Version)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	page, total := Page(items, 2, 1)
	if total != 5 || len(page) != 2 || page[0] != 2 {
		t.Errorf("Page = %v, %d", page, total)
	}
	page, _ = Page(items, 10, 4)
	if len(page) != 1 {
		t.Errorf("expected tail page of 1, got %v", page)
	}
	page, _ = Page(items, 2, 9)
	if len(page) != 0 {
		t.Errorf("expected empty page, got %v", page)
	}
}
