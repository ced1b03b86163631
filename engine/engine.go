// Package engine hosts a SQLite engine compiled to WebAssembly and exposes
// it through connection handles. All of the engine's durable state lives in
// a caller-supplied page store; the engine's synchronous page I/O is
// suspended and resumed around the store's asynchronous operations by the
// bridge package.
//
// The guest ABI mirrors the engine module's exports: alloc/dealloc for
// explicit allocation, conn_new/conn_drop for session handles,
// conn_execute/conn_query taking a pointer+length request, a two-word
// result header released with query_result_drop, and the two-step
// conn_last_error/conn_last_error_drop error-record protocol. Its imports
// are the five suspending host calls: page_count, get_page, put_page,
// del_page, and conn_sleep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tomyedwab/sqlpages/bridge"
	"github.com/tomyedwab/sqlpages/pagestore"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	stackSize uint32
}

// WithStackSize overrides the size of the suspend-stack region reserved in
// guest memory. See bridge.DefaultStackSize.
func WithStackSize(size uint32) Option {
	return func(o *options) { o.stackSize = size }
}

// Engine is one sandboxed engine instance bound to a page store.
type Engine struct {
	id     string
	store  pagestore.Store
	inst   bridge.Instance
	bridge *bridge.Bridge

	// closer tears down the sandbox runtime, when the engine owns one.
	closer func(context.Context) error

	// ops serializes complete operation slices: every allocation, memory
	// access, and guest call of one Execute/Query/Connect/Close happens
	// under it. The bridge gate below it only serializes single exports;
	// without this outer gate a second connection could touch guest memory
	// while another operation's call is growing or reading it.
	ops *semaphore.Weighted

	mu       sync.Mutex
	conns    map[uint64]uint64 // handle id -> guest connection pointer
	nextConn uint64
	poisoned error
	closed   bool
}

// New builds an Engine over an already-created sandbox instance. Most
// callers want Instantiate; New exists so the engine can be driven against
// fake instances in tests.
func New(inst bridge.Instance, store pagestore.Store, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		id:       uuid.NewString(),
		store:    store,
		inst:     inst,
		ops:      semaphore.NewWeighted(1),
		conns:    make(map[uint64]uint64),
		nextConn: 1,
	}

	b, err := bridge.New(inst, bridge.Config{StackSize: o.stackSize})
	if err != nil {
		return nil, err
	}
	e.bridge = b
	e.registerHostOps()

	log.WithField("engine", e.id).Debug("engine ready")
	return e, nil
}

// acquire claims the engine for one complete operation slice. Concurrent
// operations queue until the in-flight one resolves, or until ctx is done.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if err := e.ops.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for engine: %w", err)
	}
	return func() { e.ops.Release(1) }, nil
}

// Close tears down the engine and its sandbox. Open connections become
// invalid; the page store is left untouched. An in-flight operation is
// waited out first.
func (e *Engine) Close(ctx context.Context) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.closer != nil {
		return e.closer(ctx)
	}
	return nil
}

// usable returns the error that makes the engine unusable, if any.
func (e *Engine) usable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poisoned != nil {
		return e.poisoned
	}
	if e.closed {
		return ErrClosed
	}
	return e.bridge.Poisoned()
}

// poison retires the engine instance. It is never resumed; callers must
// discard it and instantiate a fresh one.
func (e *Engine) poison(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poisoned == nil {
		e.poisoned = err
		log.WithError(err).WithField("engine", e.id).Error("engine poisoned")
	}
	return e.poisoned
}

// call routes one guest call through the bridge and applies the error
// taxonomy: bridge-fatal errors and host-side protocol violations poison
// the engine.
func (e *Engine) call(ctx context.Context, name string, params ...uint64) (bridge.Result, error) {
	if err := e.usable(); err != nil {
		return bridge.Result{}, err
	}
	res, err := e.bridge.Call(ctx, name, params...)
	if err != nil {
		return res, err
	}
	var perr *ProtocolError
	if errors.As(res.OpErr, &perr) {
		return res, e.poison(perr)
	}
	return res, nil
}

// alloc obtains an allocation of size bytes inside guest memory.
func (e *Engine) alloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := e.call(ctx, "alloc", uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res.Values[0])
	if ptr == 0 {
		return 0, e.poison(&ProtocolError{Reason: fmt.Sprintf("guest failed to allocate %d bytes", size)})
	}
	return ptr, nil
}

// dealloc releases an allocation previously obtained from alloc. Exactly
// one dealloc per alloc.
func (e *Engine) dealloc(ctx context.Context, ptr, size uint32) error {
	_, err := e.call(ctx, "dealloc", uint64(ptr), uint64(size))
	return err
}

// writeGuest copies data into guest memory at ptr. The memory view is
// derived fresh: any earlier view may be stale after a call or allocation.
func (e *Engine) writeGuest(ptr uint32, data []byte) error {
	if !e.inst.Memory().Write(ptr, data) {
		return e.poison(&ProtocolError{Reason: fmt.Sprintf("write of %d bytes at %#x is out of memory bounds", len(data), ptr)})
	}
	return nil
}

// readGuest copies byteCount bytes out of guest memory at ptr.
func (e *Engine) readGuest(ptr, byteCount uint32) ([]byte, error) {
	view, ok := e.inst.Memory().Read(ptr, byteCount)
	if !ok {
		return nil, e.poison(&ProtocolError{Reason: fmt.Sprintf("read of %d bytes at %#x is out of memory bounds", byteCount, ptr)})
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// readCString copies a NUL-terminated guest string at ptr.
func (e *Engine) readCString(ptr uint32) (string, error) {
	const chunk = 256
	var out []byte
	mem := e.inst.Memory()
	for off := ptr; ; {
		n := uint32(chunk)
		view, ok := mem.Read(off, n)
		for !ok && n > 1 {
			// Near the end of memory a full chunk may be out of bounds.
			n /= 2
			view, ok = mem.Read(off, n)
		}
		if !ok {
			return "", e.poison(&ProtocolError{Reason: fmt.Sprintf("unterminated string at %#x", ptr)})
		}
		for i, b := range view {
			if b == 0 {
				return string(append(out, view[:i]...)), nil
			}
		}
		out = append(out, view...)
		off += n
	}
}
