package pagestore

import (
	"bytes"
	"context"
	"testing"
)

func fillPage(b byte) []byte {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = b
	}
	return page
}

func TestMemoryStoreEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	count, err := s.PageCount(ctx)
	if err != nil {
		t.Fatalf("PageCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty store, got %d pages", count)
	}

	// Reads outside the bound succeed and return a zero page.
	page, err := s.GetPage(ctx, 7)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if !bytes.Equal(page, ZeroPage()) {
		t.Errorf("Expected zero page for unwritten index")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	want := fillPage(0xAB)
	if err := s.PutPage(ctx, 0, want); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}

	// Mutating the caller's buffer must not affect the stored copy.
	want[0] = 0xFF
	got, err := s.GetPage(ctx, 0)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if got[0] != 0xAB {
		t.Errorf("Store aliased the caller's buffer: got %#x", got[0])
	}

	// Mutating the returned buffer must not affect the stored copy either.
	got[1] = 0xFF
	again, err := s.GetPage(ctx, 0)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if again[1] != 0xAB {
		t.Errorf("GetPage returned an aliased buffer: got %#x", again[1])
	}
}

func TestMemoryStoreBadPageSize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.PutPage(ctx, 0, make([]byte, 100)); err == nil {
		t.Errorf("Expected error writing a short page")
	}
	if err := s.PutPage(ctx, 0, make([]byte, PageSize+1)); err == nil {
		t.Errorf("Expected error writing an oversized page")
	}
}

func TestMemoryStoreSparseWriteGrowsBound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.PutPage(ctx, 5, fillPage(1)); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	count, _ := s.PageCount(ctx)
	if count != 6 {
		t.Errorf("Expected bound 6 after writing index 5, got %d", count)
	}

	// The skipped indices read back as holes.
	for i := uint32(0); i < 5; i++ {
		page, err := s.GetPage(ctx, i)
		if err != nil {
			t.Fatalf("GetPage(%d) failed: %v", i, err)
		}
		if !bytes.Equal(page, ZeroPage()) {
			t.Errorf("Expected hole at index %d", i)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 stored page, got %d", s.Len())
	}
}

func TestMemoryStoreTailDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := uint32(0); i < 3; i++ {
		if err := s.PutPage(ctx, i, fillPage(byte(i+1))); err != nil {
			t.Fatalf("PutPage(%d) failed: %v", i, err)
		}
	}

	if err := s.DelPage(ctx, 2); err != nil {
		t.Fatalf("DelPage failed: %v", err)
	}
	count, _ := s.PageCount(ctx)
	if count != 2 {
		t.Errorf("Expected bound 2 after tail delete, got %d", count)
	}

	// Deleting the tail again walks the bound back one page at a time.
	if err := s.DelPage(ctx, 1); err != nil {
		t.Fatalf("DelPage failed: %v", err)
	}
	count, _ = s.PageCount(ctx)
	if count != 1 {
		t.Errorf("Expected bound 1, got %d", count)
	}
}

func TestMemoryStoreInteriorDeleteLeavesHole(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := uint32(0); i < 3; i++ {
		if err := s.PutPage(ctx, i, fillPage(byte(i+1))); err != nil {
			t.Fatalf("PutPage(%d) failed: %v", i, err)
		}
	}

	if err := s.DelPage(ctx, 1); err != nil {
		t.Fatalf("DelPage failed: %v", err)
	}
	count, _ := s.PageCount(ctx)
	if count != 3 {
		t.Errorf("Interior delete must not move the bound: got %d", count)
	}
	page, err := s.GetPage(ctx, 1)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if !bytes.Equal(page, ZeroPage()) {
		t.Errorf("Expected interior delete to read back as zeroes")
	}
}

func TestMemoryStoreDeleteBeyondBound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.DelPage(ctx, 42); err != nil {
		t.Errorf("Delete past the bound should be a no-op, got %v", err)
	}
	count, _ := s.PageCount(ctx)
	if count != 0 {
		t.Errorf("Expected bound 0, got %d", count)
	}
}

func TestMemoryStoreRewriteHoleRestoresNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.PutPage(ctx, 1, fillPage(9)); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if err := s.DelPage(ctx, 1); err != nil {
		t.Fatalf("DelPage failed: %v", err)
	}
	// Index 0 was never written, so the hole at 0 still holds the bound up.
	count, _ := s.PageCount(ctx)
	if count != 1 {
		t.Errorf("Expected bound 1 after deleting tail index 1, got %d", count)
	}
	page, _ := s.GetPage(ctx, 1)
	if !bytes.Equal(page, ZeroPage()) {
		t.Errorf("Deleted page must read as zeroes")
	}
}
