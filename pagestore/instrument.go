package pagestore

import (
	"context"

	"github.com/tomyedwab/sqlpages/metrics"
)

// InstrumentedStore decorates a Store with prometheus counters for page
// operations and byte volumes.
type InstrumentedStore struct {
	inner Store
}

// NewInstrumentedStore wraps inner with metric instrumentation.
func NewInstrumentedStore(inner Store) *InstrumentedStore {
	return &InstrumentedStore{inner: inner}
}

func status(err error) string {
	if err != nil {
		return metrics.Fail
	}
	return metrics.Ok
}

func (s *InstrumentedStore) PageCount(ctx context.Context) (uint32, error) {
	return s.inner.PageCount(ctx)
}

func (s *InstrumentedStore) GetPage(ctx context.Context, index uint32) ([]byte, error) {
	page, err := s.inner.GetPage(ctx, index)
	metrics.PageReadsTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		metrics.PageReadBytesTotal.Add(PageSize)
	}
	return page, err
}

func (s *InstrumentedStore) PutPage(ctx context.Context, index uint32, page []byte) error {
	err := s.inner.PutPage(ctx, index, page)
	metrics.PageWritesTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		metrics.PageWriteBytesTotal.Add(PageSize)
	}
	return err
}

func (s *InstrumentedStore) DelPage(ctx context.Context, index uint32) error {
	err := s.inner.DelPage(ctx, index)
	metrics.PageDeletesTotal.WithLabelValues(status(err)).Inc()
	return err
}
