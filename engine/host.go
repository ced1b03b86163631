package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/tomyedwab/sqlpages/pagestore"
)

// Failure values injected when a suspending host operation is rejected: the
// guest observes the import returning a failure status and maps it to an
// ordinary I/O error inside the engine.
var (
	failI32 = []uint64{api.EncodeI32(-1)}
	failI64 = []uint64{api.EncodeI64(-1)}
)

// registerHostOps registers the page store operations and the sleep
// primitive as suspending imports. Each runs while the guest is unwound, so
// blocking on a slow or remote store never stalls the sandbox's memory.
func (e *Engine) registerHostOps() {
	e.bridge.Register("page_count", failI64, e.hostPageCount)
	e.bridge.Register("get_page", failI32, e.hostGetPage)
	e.bridge.Register("put_page", failI32, e.hostPutPage)
	e.bridge.Register("del_page", failI32, e.hostDelPage)
	e.bridge.Register("conn_sleep", nil, e.hostSleep)
}

func (e *Engine) hostPageCount(ctx context.Context, args []uint64) ([]uint64, error) {
	count, err := e.store.PageCount(ctx)
	if err != nil {
		return nil, &StorageError{Op: "page_count", Err: err}
	}
	return []uint64{api.EncodeI64(int64(count))}, nil
}

func (e *Engine) hostGetPage(ctx context.Context, args []uint64) ([]uint64, error) {
	index, ptr := uint32(args[0]), uint32(args[1])

	page, err := e.store.GetPage(ctx, index)
	if err != nil {
		return nil, &StorageError{Op: fmt.Sprintf("get_page(%d)", index), Err: err}
	}
	if len(page) != pagestore.PageSize {
		return nil, &StorageError{
			Op:  fmt.Sprintf("get_page(%d)", index),
			Err: fmt.Errorf("store returned %d bytes, want %d", len(page), pagestore.PageSize),
		}
	}
	// Memory is re-derived here: it may have grown since the call began.
	if !e.inst.Memory().Write(ptr, page) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("get_page destination %#x is out of memory bounds", ptr)}
	}
	return []uint64{0}, nil
}

func (e *Engine) hostPutPage(ctx context.Context, args []uint64) ([]uint64, error) {
	index, ptr := uint32(args[0]), uint32(args[1])

	view, ok := e.inst.Memory().Read(ptr, pagestore.PageSize)
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("put_page source %#x is out of memory bounds", ptr)}
	}
	// Copy out before suspending work: the view is a window into guest
	// memory and must not be retained across the store call.
	page := make([]byte, pagestore.PageSize)
	copy(page, view)

	if err := e.store.PutPage(ctx, index, page); err != nil {
		return nil, &StorageError{Op: fmt.Sprintf("put_page(%d)", index), Err: err}
	}
	return []uint64{0}, nil
}

func (e *Engine) hostDelPage(ctx context.Context, args []uint64) ([]uint64, error) {
	index := uint32(args[0])
	if err := e.store.DelPage(ctx, index); err != nil {
		return nil, &StorageError{Op: fmt.Sprintf("del_page(%d)", index), Err: err}
	}
	return []uint64{0}, nil
}

// hostSleep backs the engine's internal lock/backoff retries. It is not
// exposed to callers and honors the top-level call's context.
func (e *Engine) hostSleep(ctx context.Context, args []uint64) ([]uint64, error) {
	ms := uint32(args[0])
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, &StorageError{Op: "conn_sleep", Err: ctx.Err()}
	}
}
