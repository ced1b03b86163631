package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeInstance models an Asyncify-instrumented guest in pure Go. Its "work"
// export performs n suspending "fetch" imports and returns the sum of their
// results, re-executing from the top on every rewind the way instrumented
// code does.
type fakeInstance struct {
	mem  []byte
	next uint32
	env  EnvFunc

	unwinding bool
	rewinding bool

	// done holds results of imports completed in earlier entries of the
	// current call, replayed positionally on re-execution.
	done    [][]uint64
	step    int
	entries int

	overflowOnUnwind bool
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{mem: make([]byte, 4096), next: 16}
}

func (f *fakeInstance) Memory() Memory     { return fakeMemory{f.mem} }
func (f *fakeInstance) BindEnv(fn EnvFunc) { f.env = fn }

func (f *fakeInstance) ExportedFunction(name string) Function {
	switch name {
	case "asyncify_start_unwind", "asyncify_stop_unwind",
		"asyncify_start_rewind", "asyncify_stop_rewind",
		"alloc", "work", "boom":
		return fakeFn{f, name}
	}
	return nil
}

type fakeFn struct {
	f    *fakeInstance
	name string
}

func (fn fakeFn) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	f := fn.f
	switch fn.name {
	case "asyncify_start_unwind":
		f.unwinding = true
		if f.overflowOnUnwind {
			addr := uint32(params[0])
			end := binary.LittleEndian.Uint32(f.mem[addr+4:])
			binary.LittleEndian.PutUint32(f.mem[addr:], end+4)
		}
		return nil, nil
	case "asyncify_stop_unwind":
		f.unwinding = false
		return nil, nil
	case "asyncify_start_rewind":
		f.rewinding = true
		return nil, nil
	case "asyncify_stop_rewind":
		f.rewinding = false
		return nil, nil
	case "alloc":
		ptr := f.next
		f.next += uint32(params[0])
		return []uint64{uint64(ptr)}, nil
	case "work":
		return f.work(ctx, params[0])
	case "boom":
		return nil, errors.New("unreachable executed")
	}
	return nil, errors.New("no such export")
}

func (f *fakeInstance) work(ctx context.Context, n uint64) ([]uint64, error) {
	if !f.rewinding {
		f.done = nil
	}
	f.step = 0
	f.entries++

	var acc uint64
	for i := uint64(0); i < n; i++ {
		res, live, err := f.fetch(ctx, i)
		if err != nil {
			return nil, err
		}
		if !live {
			return []uint64{0}, nil
		}
		acc += res[0]
	}
	return []uint64{acc}, nil
}

func (f *fakeInstance) fetch(ctx context.Context, arg uint64) ([]uint64, bool, error) {
	f.step++
	if f.step <= len(f.done) {
		return f.done[f.step-1], true, nil
	}
	res, err := f.env(ctx, "fetch", arg)
	if err != nil {
		return nil, false, err
	}
	if f.unwinding {
		return nil, false, nil
	}
	f.done = append(f.done, res)
	return res, true, nil
}

type fakeMemory struct{ data []byte }

func (m fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset : offset+byteCount], true
}

func (m fakeMemory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], data)
	return true
}

func (m fakeMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	if uint64(offset)+4 > uint64(len(m.data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.data[offset:]), true
}

func (m fakeMemory) WriteUint32Le(offset uint32, v uint32) bool {
	if uint64(offset)+4 > uint64(len(m.data)) {
		return false
	}
	binary.LittleEndian.PutUint32(m.data[offset:], v)
	return true
}

func newTestBridge(t *testing.T, f *fakeInstance) *Bridge {
	t.Helper()
	b, err := New(f, Config{StackSize: 64})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestCallWithoutSuspension(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)
	b.Register("fetch", []uint64{0}, func(ctx context.Context, args []uint64) ([]uint64, error) {
		t.Fatal("op must not run for a non-suspending call")
		return nil, nil
	})

	res, err := b.Call(context.Background(), "work", 0)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Values[0] != 0 || res.OpErr != nil {
		t.Errorf("Unexpected result: %+v", res)
	}
	if f.entries != 1 {
		t.Errorf("Expected a single entry, got %d", f.entries)
	}
}

func TestCallDrivesSuspensions(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)

	var ops []uint64
	b.Register("fetch", []uint64{0}, func(ctx context.Context, args []uint64) ([]uint64, error) {
		ops = append(ops, args[0])
		return []uint64{args[0] * 10}, nil
	})

	res, err := b.Call(context.Background(), "work", 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	// 0 + 10 + 20
	if res.Values[0] != 30 {
		t.Errorf("Expected 30, got %d", res.Values[0])
	}
	if res.OpErr != nil {
		t.Errorf("Unexpected OpErr: %v", res.OpErr)
	}
	if len(ops) != 3 || ops[0] != 0 || ops[1] != 1 || ops[2] != 2 {
		t.Errorf("Ops ran out of order: %v", ops)
	}
	// One fresh entry plus one re-entry per suspension.
	if f.entries != 4 {
		t.Errorf("Expected 4 entries, got %d", f.entries)
	}
	if b.Poisoned() != nil {
		t.Errorf("Instance unexpectedly poisoned: %v", b.Poisoned())
	}
}

func TestCallInjectsFailureValues(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)

	opErr := errors.New("backend unavailable")
	b.Register("fetch", []uint64{7}, func(ctx context.Context, args []uint64) ([]uint64, error) {
		if args[0] == 1 {
			return nil, opErr
		}
		return []uint64{100}, nil
	})

	res, err := b.Call(context.Background(), "work", 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	// The failed import yields its failure value; the guest keeps running.
	if res.Values[0] != 100+7+100 {
		t.Errorf("Expected 207, got %d", res.Values[0])
	}
	if !errors.Is(res.OpErr, opErr) {
		t.Errorf("Expected OpErr %v, got %v", opErr, res.OpErr)
	}
	// A recoverable op failure must not poison the instance.
	if b.Poisoned() != nil {
		t.Errorf("Instance unexpectedly poisoned: %v", b.Poisoned())
	}
}

func TestCallSerializesEntry(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)

	opStarted := make(chan struct{})
	block := make(chan struct{})
	b.Register("fetch", []uint64{0}, func(ctx context.Context, args []uint64) ([]uint64, error) {
		close(opStarted)
		<-block
		return []uint64{1}, nil
	})

	doneCh := make(chan Result, 1)
	go func() {
		res, err := b.Call(context.Background(), "work", 1)
		if err != nil {
			t.Errorf("Call failed: %v", err)
		}
		doneCh <- res
	}()
	<-opStarted

	// A second call queues behind the suspended first one and gives up when
	// its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Call(ctx, "work", 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}

	close(block)
	res := <-doneCh
	if res.Values[0] != 1 {
		t.Errorf("First call returned %d", res.Values[0])
	}

	// With the instance idle again, calls proceed.
	if _, err := b.Call(context.Background(), "work", 0); err != nil {
		t.Errorf("Call after release failed: %v", err)
	}
}

func TestTrapPoisons(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)

	if _, err := b.Call(context.Background(), "boom"); err == nil {
		t.Fatal("Expected trap error")
	}
	if b.Poisoned() == nil {
		t.Fatal("Expected instance to be poisoned after a trap")
	}
	// Every later call fails fast with the same error.
	if _, err := b.Call(context.Background(), "work", 0); err == nil {
		t.Errorf("Expected poisoned instance to reject calls")
	}
}

// TestPoisonedDuringCall reads the poison state from another goroutine
// while a call is trapping. Run under -race this verifies Poisoned is safe
// to call while the instance is in flight.
func TestPoisonedDuringCall(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Poisoned()
			}
		}
	}()

	for i := 0; i < 100; i++ {
		if _, err := b.Call(context.Background(), "boom"); err == nil {
			t.Fatal("Expected trap error")
		}
	}
	close(stop)
	wg.Wait()

	if b.Poisoned() == nil {
		t.Fatal("Expected instance to be poisoned")
	}
}

func TestUnregisteredImportPoisons(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)
	// "fetch" is never registered.

	if _, err := b.Call(context.Background(), "work", 1); err == nil {
		t.Fatal("Expected error for unregistered suspending import")
	}
	if b.Poisoned() == nil {
		t.Fatal("Expected instance to be poisoned")
	}
}

func TestSuspendStackOverflowPoisons(t *testing.T) {
	f := newFakeInstance()
	b := newTestBridge(t, f)
	b.Register("fetch", []uint64{0}, func(ctx context.Context, args []uint64) ([]uint64, error) {
		return []uint64{1}, nil
	})

	f.overflowOnUnwind = true
	if _, err := b.Call(context.Background(), "work", 1); err == nil {
		t.Fatal("Expected overflow error")
	}
	if b.Poisoned() == nil {
		t.Fatal("Expected instance to be poisoned after stack overflow")
	}
}

func TestNewRequiresAsyncifyExports(t *testing.T) {
	if _, err := New(bareInstance{}, Config{}); err == nil {
		t.Fatal("Expected error for missing asyncify exports")
	}
}

type bareInstance struct{}

func (bareInstance) Memory() Memory                        { return fakeMemory{nil} }
func (bareInstance) ExportedFunction(name string) Function { return nil }
