package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/tomyedwab/sqlpages/bridge"
	"github.com/tomyedwab/sqlpages/pagestore"
)

// Instantiate compiles and instantiates the engine WASM binary in a fresh
// wazero runtime, wires its suspending imports to store, and returns the
// engine handle.
//
// The binary must be an Asyncify-instrumented build of the engine guest,
// compiled against the status-result import ABI: get_page, put_page, and
// del_page return an i32 status (0 on success, -1 on failure) and
// page_count returns an i64 where a negative value reports failure. A guest
// whose imports carry no status results will fail to link here; the status
// results are what let a rejected page operation resume the guest as an
// ordinary I/O error instead of corrupting the suspension.
func Instantiate(ctx context.Context, wasm []byte, store pagestore.Store, opts ...Option) (*Engine, error) {
	r := wazero.NewRuntime(ctx)

	adapter := &wazeroInstance{}
	if err := instantiateEnv(ctx, r, adapter); err != nil {
		r.Close(ctx)
		return nil, err
	}
	if err := instantiateShim(ctx, r); err != nil {
		r.Close(ctx)
		return nil, err
	}

	mod, err := r.InstantiateWithConfig(ctx, wasm,
		wazero.NewModuleConfig().WithName("engine").WithStartFunctions("_initialize"))
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating engine module: %w", err)
	}
	adapter.mod = mod

	e, err := New(adapter, store, opts...)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	e.closer = r.Close
	log.WithField("engine", e.id).Info("instantiated sandboxed engine")
	return e, nil
}

// wazeroInstance adapts a wazero module to bridge.Instance. Its suspending
// imports forward through an EnvFunc bound after the bridge is built, since
// host modules must be instantiated before the guest module exists.
type wazeroInstance struct {
	mod api.Module
	env atomic.Value // bridge.EnvFunc
}

func (w *wazeroInstance) Memory() bridge.Memory { return w.mod.Memory() }

func (w *wazeroInstance) ExportedFunction(name string) bridge.Function {
	if fn := w.mod.ExportedFunction(name); fn != nil {
		return fn
	}
	return nil
}

func (w *wazeroInstance) BindEnv(fn bridge.EnvFunc) { w.env.Store(fn) }

// forward routes a suspending import into the bridge. A panic here becomes
// a guest trap, which the bridge treats as fatal; that is the correct
// outcome for the errors below, all of which poison the instance anyway.
func (w *wazeroInstance) forward(ctx context.Context, name string, args ...uint64) []uint64 {
	fn, _ := w.env.Load().(bridge.EnvFunc)
	if fn == nil {
		panic(fmt.Sprintf("suspending import %s called before bridge binding", name))
	}
	results, err := fn(ctx, name, args...)
	if err != nil {
		panic(err)
	}
	return results
}

// instantiateEnv builds the "env" host module holding the five suspending
// imports of the guest ABI.
func instantiateEnv(ctx context.Context, r wazero.Runtime, w *wazeroInstance) error {
	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
		return int64(w.forward(ctx, "page_count")[0])
	}).Export("page_count").
		NewFunctionBuilder().WithFunc(func(ctx context.Context, index, ptr uint32) int32 {
		return int32(uint32(w.forward(ctx, "get_page", uint64(index), uint64(ptr))[0]))
	}).Export("get_page").
		NewFunctionBuilder().WithFunc(func(ctx context.Context, index, ptr uint32) int32 {
		return int32(uint32(w.forward(ctx, "put_page", uint64(index), uint64(ptr))[0]))
	}).Export("put_page").
		NewFunctionBuilder().WithFunc(func(ctx context.Context, index uint32) int32 {
		return int32(uint32(w.forward(ctx, "del_page", uint64(index))[0]))
	}).Export("del_page").
		NewFunctionBuilder().WithFunc(func(ctx context.Context, ms uint32) {
		w.forward(ctx, "conn_sleep", uint64(ms))
	}).Export("conn_sleep").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiating env module: %w", err)
	}
	return nil
}
