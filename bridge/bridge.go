package bridge

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tomyedwab/sqlpages/metrics"
)

// DefaultStackSize is the default size of the suspend-stack region. The
// unwound locals of the deepest suspending call path must fit in it;
// overflow is detected after each unwind and is fatal to the instance.
const DefaultStackSize = 32 * 1024

// Asyncify exports the guest must provide.
const (
	fnStartUnwind = "asyncify_start_unwind"
	fnStopUnwind  = "asyncify_stop_unwind"
	fnStartRewind = "asyncify_start_rewind"
	fnStopRewind  = "asyncify_stop_rewind"
	fnAlloc       = "alloc"
)

// OpFunc performs the host side of a suspending import. It runs while the
// guest is suspended and may block; ctx is the context of the top-level call.
// The returned values are injected as the import's results when the guest is
// resumed.
type OpFunc func(ctx context.Context, args []uint64) ([]uint64, error)

type suspendOp struct {
	fn OpFunc
	// failure is injected as the import's results when fn returns an error,
	// so the guest observes the import itself failing. Its length also fixes
	// the import's result arity.
	failure []uint64
}

type pendingOp struct {
	name string
	args []uint64
	op   suspendOp
}

// Config configures a Bridge.
type Config struct {
	// StackSize is the size in bytes of the suspend-stack region reserved in
	// guest memory. Zero selects DefaultStackSize.
	StackSize uint32
}

// Result is the outcome of one top-level call into the instance.
type Result struct {
	// Values are the export's return values.
	Values []uint64
	// OpErr is the error of the last suspending host operation that failed
	// during the call, if any. The guest observed the failure as a failed
	// import; OpErr preserves the host-side cause for the caller.
	OpErr error
}

// Bridge serializes entry into one sandbox instance and drives the Asyncify
// suspend/resume protocol around its suspending imports.
type Bridge struct {
	inst Instance
	gate *semaphore.Weighted

	startUnwind Function
	stopUnwind  Function
	startRewind Function
	stopRewind  Function

	stackAddr uint32
	stackEnd  uint32

	ops map[string]suspendOp

	// Per-call state. Only the goroutine holding gate touches these.
	pending   *pendingOp
	rewinding bool
	resume    []uint64
	opErr     error

	// poisoned is written by the gate holder but read by Poisoned from any
	// goroutine, so it has its own lock.
	poisonMu sync.Mutex
	poisoned error
}

// New reserves the suspend-stack region inside the instance via its alloc
// export, registers its bounds, and returns a Bridge ready for Register and
// Call. If inst implements EnvBinder, its suspending imports are bound to
// the bridge.
func New(inst Instance, cfg Config) (*Bridge, error) {
	size := cfg.StackSize
	if size == 0 {
		size = DefaultStackSize
	}

	b := &Bridge{
		inst: inst,
		gate: semaphore.NewWeighted(1),
		ops:  make(map[string]suspendOp),
	}

	for name, dst := range map[string]*Function{
		fnStartUnwind: &b.startUnwind,
		fnStopUnwind:  &b.stopUnwind,
		fnStartRewind: &b.startRewind,
		fnStopRewind:  &b.stopRewind,
	} {
		fn := inst.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("bridge: instance does not export %s; the guest must be built with Asyncify", name)
		}
		*dst = fn
	}

	alloc := inst.ExportedFunction(fnAlloc)
	if alloc == nil {
		return nil, fmt.Errorf("bridge: instance does not export %s", fnAlloc)
	}
	results, err := alloc.Call(context.Background(), uint64(size+8))
	if err != nil {
		return nil, fmt.Errorf("bridge: allocating suspend stack: %w", err)
	}
	addr := uint32(results[0])
	if addr == 0 {
		return nil, fmt.Errorf("bridge: guest failed to allocate %d byte suspend stack", size+8)
	}

	// The suspend stack starts with an 8-byte header: the current unwind
	// position followed by the end bound. Asyncify advances the first word
	// as it spills locals and checks it against the second.
	mem := inst.Memory()
	if !mem.WriteUint32Le(addr, addr+8) || !mem.WriteUint32Le(addr+4, addr+8+size) {
		return nil, fmt.Errorf("bridge: suspend stack header at %#x is out of memory bounds", addr)
	}
	b.stackAddr = addr
	b.stackEnd = addr + 8 + size

	if binder, ok := inst.(EnvBinder); ok {
		binder.BindEnv(b.Suspend)
	}
	return b, nil
}

// Register marks the named import as suspending. failure is injected as the
// import's results when the host operation fails; its length fixes the
// import's result arity.
func (b *Bridge) Register(name string, failure []uint64, fn OpFunc) {
	b.ops[name] = suspendOp{fn: fn, failure: failure}
}

// Poisoned reports the fatal error that retired this instance, or nil. It
// may be called from any goroutine, including while a Call is in flight.
func (b *Bridge) Poisoned() error {
	b.poisonMu.Lock()
	defer b.poisonMu.Unlock()
	return b.poisoned
}

func (b *Bridge) poison(err error) error {
	b.poisonMu.Lock()
	defer b.poisonMu.Unlock()
	if b.poisoned == nil {
		b.poisoned = err
		log.WithError(err).Error("sandbox instance poisoned")
	}
	return b.poisoned
}

// Call invokes the named export, transparently driving any suspensions it
// performs to completion. Entry is serialized: a concurrent Call queues
// until the in-flight call - including any pending suspension - resolves,
// or until its context is done.
func (b *Bridge) Call(ctx context.Context, name string, params ...uint64) (Result, error) {
	if err := b.gate.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("bridge: waiting for instance: %w", err)
	}
	defer b.gate.Release(1)

	if err := b.Poisoned(); err != nil {
		return Result{}, err
	}

	fn := b.inst.ExportedFunction(name)
	if fn == nil {
		return Result{}, fmt.Errorf("bridge: instance does not export %s", name)
	}

	b.pending, b.rewinding, b.resume, b.opErr = nil, false, nil, nil

	for {
		values, err := fn.Call(ctx, params...)
		if err != nil {
			return Result{}, b.poison(fmt.Errorf("bridge: %s trapped: %w", name, err))
		}
		if b.pending == nil {
			// The export returned without suspending (or after its final
			// rewind). The call is complete.
			return Result{Values: values, OpErr: b.opErr}, nil
		}

		// The guest unwound inside a suspending import.
		if _, err := b.stopUnwind.Call(ctx); err != nil {
			return Result{}, b.poison(fmt.Errorf("bridge: %s: %w", fnStopUnwind, err))
		}
		if err := b.checkStack(); err != nil {
			return Result{}, b.poison(err)
		}
		op := b.pending
		b.pending = nil
		metrics.SuspensionsTotal.Inc()

		results, opErr := op.op.fn(ctx, op.args)
		if opErr != nil {
			// The suspended import observes the failure as its own: the
			// registered failure values are injected and the guest turns
			// them into an ordinary engine-level error.
			log.WithError(opErr).WithField("import", op.name).Warn("suspending host operation failed")
			b.opErr = opErr
			results = op.op.failure
		}
		b.resume = results
		b.rewinding = true

		if _, err := b.startRewind.Call(ctx, uint64(b.stackAddr)); err != nil {
			return Result{}, b.poison(fmt.Errorf("bridge: %s: %w", fnStartRewind, err))
		}
		// Re-enter the export: Asyncify replays the call path to the
		// suspension point, where Suspend hands the guest b.resume.
	}
}

// Suspend is the EnvFunc bound to the instance's suspending imports. It must
// only be called by the guest, during a Call.
func (b *Bridge) Suspend(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if b.rewinding {
		// Re-executed import at the suspension point: deliver the result of
		// the completed host operation.
		b.rewinding = false
		if _, err := b.stopRewind.Call(ctx); err != nil {
			return nil, b.poison(fmt.Errorf("bridge: %s: %w", fnStopRewind, err))
		}
		return b.resume, nil
	}

	op, ok := b.ops[name]
	if !ok {
		return nil, b.poison(fmt.Errorf("bridge: %s is not a registered suspending import", name))
	}
	if b.pending != nil {
		return nil, b.poison(fmt.Errorf("bridge: %s suspended while %s is already pending", name, b.pending.name))
	}

	log.WithFields(log.Fields{"import": name, "args": args}).Trace("suspending")
	b.pending = &pendingOp{name: name, args: args, op: op}
	if _, err := b.startUnwind.Call(ctx, uint64(b.stackAddr)); err != nil {
		return nil, b.poison(fmt.Errorf("bridge: %s: %w", fnStartUnwind, err))
	}
	// Placeholder results; the guest is unwinding and never observes them.
	return make([]uint64, len(op.failure)), nil
}

// checkStack validates the suspend-stack header after an unwind. A current
// position beyond the registered end means the unwound locals overran the
// reserved region and memory beyond it is corrupt.
func (b *Bridge) checkStack() error {
	mem := b.inst.Memory()
	cur, ok := mem.ReadUint32Le(b.stackAddr)
	if !ok {
		return fmt.Errorf("bridge: suspend stack header at %#x is out of memory bounds", b.stackAddr)
	}
	if cur < b.stackAddr+8 || cur > b.stackEnd {
		return fmt.Errorf("bridge: suspend stack overflow: unwound to %#x, reserved [%#x, %#x)",
			cur, b.stackAddr+8, b.stackEnd)
	}
	return nil
}
