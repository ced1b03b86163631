package pagestore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore decorates a Store with an LRU read cache. Writes go through to
// the inner store and update the cache; reads are served from the cache when
// possible. The cache holds copies, so callers may mutate returned pages.
//
// The cache is a host-side optimization only and is not part of the page
// store protocol; correctness does not depend on it.
type CachedStore struct {
	inner Store
	cache *lru.Cache[uint32, []byte]
}

// NewCachedStore wraps inner with an LRU cache of at most size pages.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[uint32, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (s *CachedStore) PageCount(ctx context.Context) (uint32, error) {
	return s.inner.PageCount(ctx)
}

func (s *CachedStore) GetPage(ctx context.Context, index uint32) ([]byte, error) {
	if page, ok := s.cache.Get(index); ok {
		out := make([]byte, PageSize)
		copy(out, page)
		return out, nil
	}
	page, err := s.inner.GetPage(ctx, index)
	if err != nil {
		return nil, err
	}
	cached := make([]byte, PageSize)
	copy(cached, page)
	s.cache.Add(index, cached)
	return page, nil
}

func (s *CachedStore) PutPage(ctx context.Context, index uint32, page []byte) error {
	if err := s.inner.PutPage(ctx, index, page); err != nil {
		// The inner store may or may not have applied the write; drop any
		// cached copy so the next read goes through.
		s.cache.Remove(index)
		return err
	}
	cached := make([]byte, PageSize)
	copy(cached, page)
	s.cache.Add(index, cached)
	return nil
}

func (s *CachedStore) DelPage(ctx context.Context, index uint32) error {
	s.cache.Remove(index)
	return s.inner.DelPage(ctx, index)
}
