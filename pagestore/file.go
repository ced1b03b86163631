package pagestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileStore persists pages in a single local file at page-aligned offsets.
// The logical bound is the file length divided by PageSize: writing past the
// end grows the file (the OS supplies zero bytes for any gap, which models
// holes), and deleting the tail page truncates.
//
// Interior deletions are written back as zero pages; once zeroed, a hole is
// indistinguishable from an unwritten index, which is exactly what the
// protocol requires of reads.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFileStore opens or creates the store file at path.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}
	if fi, err := f.Stat(); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagestore: stat %s: %w", path, err)
	} else if fi.Size()%PageSize != 0 {
		f.Close()
		return nil, fmt.Errorf("pagestore: %s is not page-aligned (%d bytes)", path, fi.Size())
	}
	return &FileStore{f: f, path: path}, nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *FileStore) size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *FileStore) PageCount(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.size()
	if err != nil {
		return 0, fmt.Errorf("pagestore: stat %s: %w", s.path, err)
	}
	return uint32(size / PageSize), nil
}

func (s *FileStore) GetPage(ctx context.Context, index uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := make([]byte, PageSize)
	n, err := s.f.ReadAt(page, int64(index)*PageSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pagestore: read page %d: %w", index, err)
	}
	// A short read past EOF leaves the remainder zeroed, which is the
	// correct result for an unwritten index.
	_ = n
	return page, nil
}

func (s *FileStore) PutPage(ctx context.Context, index uint32, page []byte) error {
	if err := checkPageSize(page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.WriteAt(page, int64(index)*PageSize); err != nil {
		return fmt.Errorf("pagestore: write page %d: %w", index, err)
	}
	return nil
}

func (s *FileStore) DelPage(ctx context.Context, index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.size()
	if err != nil {
		return fmt.Errorf("pagestore: stat %s: %w", s.path, err)
	}
	count := uint32(size / PageSize)
	switch {
	case index >= count:
		return nil
	case index+1 == count:
		if err := s.f.Truncate(int64(index) * PageSize); err != nil {
			return fmt.Errorf("pagestore: truncate to page %d: %w", index, err)
		}
	default:
		if _, err := s.f.WriteAt(make([]byte, PageSize), int64(index)*PageSize); err != nil {
			return fmt.Errorf("pagestore: zero page %d: %w", index, err)
		}
	}
	return nil
}

// Sync flushes the file to stable storage.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}
