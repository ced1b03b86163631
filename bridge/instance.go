// Package bridge drives cooperative suspension of a sandboxed WebAssembly
// module around asynchronous host operations.
//
// The sandboxed engine is compiled with Asyncify instrumentation: a fixed
// set of its imports (the page store operations and a sleep primitive) may
// suspend the guest's call stack mid-call. When such an import is reached,
// the guest unwinds its local state into a pre-reserved suspend-stack region
// of linear memory and the exported call returns early. The bridge then runs
// the pending host operation - which may block for as long as a remote
// backend needs - rewinds the guest, and re-enters the same export. From the
// guest's point of view the import was an ordinary synchronous call.
//
// The bridge depends only on the narrow Instance/Memory/Function interfaces
// below, so it can be exercised against a fake guest in tests. wazero's
// api.Module is adapted to Instance by the engine package.
package bridge

import "context"

// Memory is the sandbox's linear memory. The returned views and write
// destinations are only valid until the next call into the instance or the
// next allocation: the underlying buffer may grow and move. wazero's
// api.Memory satisfies this interface.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset uint32, v uint32) bool
}

// Function is a callable export of the sandbox instance.
type Function interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Instance is one running sandbox with its own linear memory.
type Instance interface {
	// Memory returns the instance's linear memory. It must be re-derived
	// after any call into the instance.
	Memory() Memory

	// ExportedFunction returns the named export, or nil if the instance
	// does not export it.
	ExportedFunction(name string) Function
}

// EnvFunc is the entry point a suspending import forwards to. The import's
// host binding calls it with the import name and raw arguments; the returned
// values are what the import returns to the guest. During an unwind the
// returned values are placeholders that the guest never observes.
type EnvFunc func(ctx context.Context, name string, args ...uint64) ([]uint64, error)

// EnvBinder is implemented by instances whose suspending imports need to be
// bound to a bridge after instantiation. The wazero adapter implements it
// because host modules are built before the bridge exists.
type EnvBinder interface {
	BindEnv(EnvFunc)
}
