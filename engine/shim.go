package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WASI errno values used by the shim.
const (
	wasiErrnoSuccess = 0
	wasiErrnoBadf    = 8
	wasiErrnoInval   = 28
	wasiErrnoNosys   = 52
	wasiErrnoSpipe   = 70
)

// instantiateShim builds a minimal wasi_snapshot_preview1 host module: just
// the system surface the engine touches during startup and operation. The
// engine's real I/O all flows through the page store imports; this shim only
// satisfies random bytes, clocks, text streams, and a few stubs.
func instantiateShim(ctx context.Context, r wazero.Runtime) error {
	s := &shim{streams: map[int32]*lineWriter{
		1: {level: log.InfoLevel},
		2: {level: log.ErrorLevel},
	}}

	_, err := r.NewHostModuleBuilder("wasi_snapshot_preview1").
		NewFunctionBuilder().WithFunc(s.argsSizesGet).Export("args_sizes_get").
		NewFunctionBuilder().WithFunc(s.argsGet).Export("args_get").
		NewFunctionBuilder().WithFunc(s.argsSizesGet).Export("environ_sizes_get").
		NewFunctionBuilder().WithFunc(s.argsGet).Export("environ_get").
		NewFunctionBuilder().WithFunc(s.clockTimeGet).Export("clock_time_get").
		NewFunctionBuilder().WithFunc(s.randomGet).Export("random_get").
		NewFunctionBuilder().WithFunc(s.fdWrite).Export("fd_write").
		NewFunctionBuilder().WithFunc(s.fdClose).Export("fd_close").
		NewFunctionBuilder().WithFunc(s.fdSeek).Export("fd_seek").
		NewFunctionBuilder().WithFunc(s.fdFdstatGet).Export("fd_fdstat_get").
		NewFunctionBuilder().WithFunc(s.pollOneoff).Export("poll_oneoff").
		NewFunctionBuilder().WithFunc(s.procExit).Export("proc_exit").
		NewFunctionBuilder().WithFunc(s.schedYield).Export("sched_yield").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiating wasi shim: %w", err)
	}
	return nil
}

type shim struct {
	mu      sync.Mutex
	streams map[int32]*lineWriter
}

// lineWriter buffers one text stream and logs complete lines.
type lineWriter struct {
	level log.Level
	buf   strings.Builder
}

func (w *lineWriter) write(data []byte) {
	for _, b := range data {
		if b == '\n' {
			if line := w.buf.String(); line != "" {
				log.StandardLogger().Log(w.level, "guest: ", line)
			}
			w.buf.Reset()
			continue
		}
		w.buf.WriteByte(b)
	}
}

// argsSizesGet serves both args_sizes_get and environ_sizes_get: the guest
// sees no arguments and an empty environment.
func (s *shim) argsSizesGet(ctx context.Context, m api.Module, countPtr, bufSizePtr uint32) int32 {
	if !m.Memory().WriteUint32Le(countPtr, 0) || !m.Memory().WriteUint32Le(bufSizePtr, 0) {
		return wasiErrnoInval
	}
	return wasiErrnoSuccess
}

func (s *shim) argsGet(ctx context.Context, m api.Module, argvPtr, bufPtr uint32) int32 {
	return wasiErrnoSuccess
}

func (s *shim) clockTimeGet(ctx context.Context, m api.Module, clockID uint32, precision uint64, resultPtr uint32) int32 {
	var now uint64
	switch clockID {
	case 0: // realtime
		now = uint64(time.Now().UnixNano())
	case 1: // monotonic
		now = uint64(time.Since(processStart))
	default:
		return wasiErrnoInval
	}
	if !m.Memory().WriteUint64Le(resultPtr, now) {
		return wasiErrnoInval
	}
	return wasiErrnoSuccess
}

var processStart = time.Now()

func (s *shim) randomGet(ctx context.Context, m api.Module, bufPtr, bufLen uint32) int32 {
	buf := make([]byte, bufLen)
	if _, err := rand.Read(buf); err != nil {
		return wasiErrnoNosys
	}
	if !m.Memory().Write(bufPtr, buf) {
		return wasiErrnoInval
	}
	return wasiErrnoSuccess
}

func (s *shim) fdWrite(ctx context.Context, m api.Module, fd int32, iovsPtr, iovsLen, nwrittenPtr uint32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[fd]
	if !ok {
		return wasiErrnoBadf
	}

	var written uint32
	for i := uint32(0); i < iovsLen; i++ {
		base, ok := m.Memory().ReadUint32Le(iovsPtr + i*8)
		if !ok {
			return wasiErrnoInval
		}
		length, ok := m.Memory().ReadUint32Le(iovsPtr + i*8 + 4)
		if !ok {
			return wasiErrnoInval
		}
		data, ok := m.Memory().Read(base, length)
		if !ok {
			return wasiErrnoInval
		}
		stream.write(data)
		written += length
	}
	if !m.Memory().WriteUint32Le(nwrittenPtr, written) {
		return wasiErrnoInval
	}
	return wasiErrnoSuccess
}

func (s *shim) fdClose(ctx context.Context, m api.Module, fd int32) int32 {
	return wasiErrnoSuccess
}

func (s *shim) fdSeek(ctx context.Context, m api.Module, fd int32, offset int64, whence uint32, resultPtr uint32) int32 {
	return wasiErrnoSpipe
}

func (s *shim) fdFdstatGet(ctx context.Context, m api.Module, fd int32, resultPtr uint32) int32 {
	if _, ok := s.streams[fd]; !ok {
		return wasiErrnoBadf
	}
	// fdstat: filetype character_device, no flags, no rights.
	stat := make([]byte, 24)
	stat[0] = 2
	if !m.Memory().Write(resultPtr, stat) {
		return wasiErrnoInval
	}
	return wasiErrnoSuccess
}

// pollOneoff is unsupported: the only truly asynchronous imports are the
// declared suspending ones, driven by the bridge.
func (s *shim) pollOneoff(ctx context.Context, m api.Module, inPtr, outPtr, nsubs, neventsPtr uint32) int32 {
	return wasiErrnoNosys
}

// procExit surfaces as a trap that poisons the instance. The host process
// is never terminated by the guest.
func (s *shim) procExit(ctx context.Context, m api.Module, code uint32) {
	panic(fmt.Sprintf("guest called proc_exit(%d)", code))
}

func (s *shim) schedYield(ctx context.Context, m api.Module) int32 {
	return wasiErrnoSuccess
}
