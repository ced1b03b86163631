package pagestore

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is an in-memory Store. It is the reference implementation of
// the protocol semantics and the default backend for tests and ephemeral
// databases.
//
// Pages live in a concurrent map keyed by index; the logical bound is
// guarded by a separate mutex so that tail deletions and bound growth are
// atomic with respect to each other.
type MemoryStore struct {
	pages *xsync.MapOf[uint32, []byte]

	mu    sync.Mutex
	count uint32
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pages: xsync.NewMapOf[uint32, []byte]()}
}

func (s *MemoryStore) PageCount(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *MemoryStore) GetPage(ctx context.Context, index uint32) ([]byte, error) {
	if page, ok := s.pages.Load(index); ok {
		out := make([]byte, PageSize)
		copy(out, page)
		return out, nil
	}
	return ZeroPage(), nil
}

func (s *MemoryStore) PutPage(ctx context.Context, index uint32, page []byte) error {
	if err := checkPageSize(page); err != nil {
		return err
	}
	stored := make([]byte, PageSize)
	copy(stored, page)

	s.mu.Lock()
	s.pages.Store(index, stored)
	if index+1 > s.count {
		s.count = index + 1
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DelPage(ctx context.Context, index uint32) error {
	s.mu.Lock()
	s.pages.Delete(index)
	if index+1 == s.count {
		s.count = index
	}
	// An interior delete leaves a hole. The protocol defines no reclamation
	// for orphaned interior pages, so the bound stays put.
	s.mu.Unlock()
	return nil
}

// Len reports how many pages are actually stored, holes excluded.
func (s *MemoryStore) Len() int {
	return s.pages.Size()
}
