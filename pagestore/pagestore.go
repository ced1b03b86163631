// Package pagestore defines the page store contract that backs all durable
// state of a sandboxed SQL engine, along with several implementations.
//
// A page store is a logically sparse, zero-indexed array of fixed-size pages
// with a separately tracked logical bound (PageCount). Reading an index that
// was never written, or one at or beyond the bound, yields a page of all-zero
// bytes rather than an error. Deleting the last index shrinks the bound by
// one; deleting an interior index only removes the stored value and leaves a
// hole. Holes are never compacted.
//
// Store implementations may be backed by memory, a local file, or a remote
// object store. Operations take a context and may block; this is how an
// asynchronous backend is expressed to the synchronous engine, which is
// suspended by the bridge layer while the operation is in flight.
package pagestore

import (
	"context"
	"fmt"
)

// PageSize is the fixed size in bytes of every page. It is a protocol
// constant shared with the sandboxed engine and must match the engine's
// configured database page size.
const PageSize = 4096

// Store is the page store contract. Implementations must be safe for use by
// a single engine instance; they are not required to serialize calls from
// multiple instances, but must never interleave the bytes of a single page
// read or write.
type Store interface {
	// PageCount returns the current logical bound of the page array.
	PageCount(ctx context.Context) (uint32, error)

	// GetPage returns the PageSize bytes stored at index. An unwritten or
	// out-of-range index yields an all-zero page, never an error.
	GetPage(ctx context.Context, index uint32) ([]byte, error)

	// PutPage stores page at index, replacing any prior content. If index is
	// at or beyond the logical bound, the bound grows to index+1. The page
	// slice must be exactly PageSize bytes.
	PutPage(ctx context.Context, index uint32, page []byte) error

	// DelPage removes the page at index. If index+1 equals the logical
	// bound, the bound shrinks to index; otherwise the deletion leaves a
	// hole and the bound is unchanged.
	DelPage(ctx context.Context, index uint32) error
}

// ZeroPage returns a fresh all-zero page.
func ZeroPage() []byte {
	return make([]byte, PageSize)
}

func checkPageSize(page []byte) error {
	if len(page) != PageSize {
		return fmt.Errorf("pagestore: page must be exactly %d bytes, got %d", PageSize, len(page))
	}
	return nil
}
