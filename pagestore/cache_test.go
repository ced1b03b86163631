package pagestore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// countingStore wraps a MemoryStore and tallies inner reads, plus an
// injectable write error.
type countingStore struct {
	*MemoryStore
	gets   int
	putErr error
}

func (s *countingStore) GetPage(ctx context.Context, index uint32) ([]byte, error) {
	s.gets++
	return s.MemoryStore.GetPage(ctx, index)
}

func (s *countingStore) PutPage(ctx context.Context, index uint32, page []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStore.PutPage(ctx, index, page)
}

func TestCachedStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	s, err := NewCachedStore(inner, 4)
	if err != nil {
		t.Fatalf("NewCachedStore failed: %v", err)
	}

	want := fillPage(0x11)
	if err := s.PutPage(ctx, 0, want); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}

	// The write primed the cache; reads should not hit the inner store.
	for i := 0; i < 3; i++ {
		got, err := s.GetPage(ctx, 0)
		if err != nil {
			t.Fatalf("GetPage failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Cached page mismatch")
		}
	}
	if inner.gets != 0 {
		t.Errorf("Expected 0 inner reads, got %d", inner.gets)
	}
}

func TestCachedStoreMissFillsCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	if err := inner.MemoryStore.PutPage(ctx, 1, fillPage(0x22)); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	s, err := NewCachedStore(inner, 4)
	if err != nil {
		t.Fatalf("NewCachedStore failed: %v", err)
	}

	if _, err := s.GetPage(ctx, 1); err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if _, err := s.GetPage(ctx, 1); err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if inner.gets != 1 {
		t.Errorf("Expected 1 inner read, got %d", inner.gets)
	}
}

func TestCachedStoreDeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	s, err := NewCachedStore(inner, 4)
	if err != nil {
		t.Fatalf("NewCachedStore failed: %v", err)
	}

	if err := s.PutPage(ctx, 0, fillPage(0x33)); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if err := s.DelPage(ctx, 0); err != nil {
		t.Fatalf("DelPage failed: %v", err)
	}

	page, err := s.GetPage(ctx, 0)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if !bytes.Equal(page, ZeroPage()) {
		t.Errorf("Expected zero page after delete, cache served stale data")
	}
}

func TestCachedStoreFailedWriteDropsEntry(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	s, err := NewCachedStore(inner, 4)
	if err != nil {
		t.Fatalf("NewCachedStore failed: %v", err)
	}

	if err := s.PutPage(ctx, 0, fillPage(0x44)); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}

	inner.putErr = errors.New("disk full")
	if err := s.PutPage(ctx, 0, fillPage(0x55)); err == nil {
		t.Fatalf("Expected write error")
	}
	inner.putErr = nil

	// The stale cache entry must be gone; the read goes to the inner store
	// and returns the last successful write.
	got, err := s.GetPage(ctx, 0)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if got[0] != 0x44 {
		t.Errorf("Expected last committed page, got %#x", got[0])
	}
	if inner.gets != 1 {
		t.Errorf("Expected the read to bypass the cache, inner gets = %d", inner.gets)
	}
}
