package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
)

func TestMemoryStore_CursorMaxMerge_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ids := []int64{12, 7, 19, 3, 19, 15, 8, 11}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := store.UpsertCursor(ctx, 1, id, time.Now()); err != nil {
				t.Errorf("Failed to upsert cursor: %v", err)
			}
		}(id)
	}
	wg.Wait()

	cur, err := store.GetCursor(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to get cursor: %v", err)
	}
	if cur.LastSeenID != 19 {
		t.Errorf("Expected cursor at 19 under concurrent updates, got %d", cur.LastSeenID)
	}
}

func TestMemoryStore_IdentityConflictSkipped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.PutSource(ctx, &model.Source{ID: 1, TelegramID: 500, Active: true}); err != nil {
		t.Fatalf("Failed to put source: %v", err)
	}
	if err := store.PutSource(ctx, &model.Source{ID: 2, Active: true}); err != nil {
		t.Fatalf("Failed to put source: %v", err)
	}

	if err := store.UpdateResolvedIdentity(ctx, 2, 500, "dup"); err != nil {
		t.Fatalf("Conflicting identity update returned error: %v", err)
	}

	got, err := store.GetSource(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to get source: %v", err)
	}
	if got.TelegramID != 0 {
		t.Errorf("Expected skip on claimed telegram id, got %d", got.TelegramID)
	}
}

func TestMemoryStore_ListActiveSubscribed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.PutSource(ctx, &model.Source{ID: 1, Active: true}); err != nil {
		t.Fatalf("Failed to put source: %v", err)
	}
	if err := store.PutSource(ctx, &model.Source{ID: 2, Active: false}); err != nil {
		t.Fatalf("Failed to put source: %v", err)
	}

	active, err := store.ListActiveSubscribed(ctx)
	if err != nil {
		t.Fatalf("Failed to list active sources: %v", err)
	}
	if len(active) != 1 || active[0].ID != 1 {
		t.Errorf("Expected only source 1 active, got %+v", active)
	}
}
