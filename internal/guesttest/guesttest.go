// Package guesttest provides an in-process fake of the sandboxed engine for
// tests. It implements the complete guest ABI - explicit allocation,
// connection handles, the request/result marshaling protocol, the
// error-record protocol, and the Asyncify suspend/resume state machine -
// while delegating actual SQL semantics to an in-memory SQLite database.
//
// Page traffic is scripted: every conn_new issues a page_count through the
// suspending imports (as the real engine does to probe for a fresh
// database), and conn_execute/conn_query replay the instance's Script,
// suspending on each operation exactly the way an Asyncify-instrumented
// guest would.
package guesttest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/sqlpages/bridge"
)

// PageOp is one scripted suspending import call.
type PageOp struct {
	Name string
	Args []uint64
}

// frame is the saved evaluation state of a call that may suspend. Asyncify
// replays the call path on rewind; the frame's step counter is what makes
// the replay skip work that already completed.
type frame struct {
	fn            string
	step          int
	storageFailed bool
}

// Instance is a fake bridge.Instance.
type Instance struct {
	db *sql.DB

	mem    []byte
	next   uint32
	allocs map[uint32]uint32

	conns    map[uint64]*guestConn
	nextConn uint64

	// results maps a result header pointer to its row-set buffer, so a
	// single drop releases both.
	results map[uint32]uint32

	env bridge.EnvFunc

	unwinding bool
	rewinding bool
	frame     *frame

	// Script is the page traffic replayed through the suspending imports by
	// each conn_execute / conn_query.
	Script []PageOp

	// FailAlloc makes the next alloc return a null pointer.
	FailAlloc bool

	// FailDealloc makes the next dealloc trap.
	FailDealloc bool
}

type guestConn struct {
	lastErr string
}

// New opens a fake instance backed by a fresh in-memory SQLite database.
func New() (*Instance, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every pool connection to :memory: would get its own database; pin the
	// pool to one so all guest connections share state.
	db.SetMaxOpenConns(1)
	return &Instance{
		db:       db,
		mem:      make([]byte, 1<<20),
		next:     8,
		allocs:   make(map[uint32]uint32),
		conns:    make(map[uint64]*guestConn),
		nextConn: 0x1000,
		results:  make(map[uint32]uint32),
	}, nil
}

// Close releases the backing database.
func (i *Instance) Close() error { return i.db.Close() }

// OutstandingAllocs reports live guest allocations. A well-behaved host
// leaves exactly one: the bridge's suspend stack.
func (i *Instance) OutstandingAllocs() int { return len(i.allocs) }

func (i *Instance) BindEnv(fn bridge.EnvFunc) { i.env = fn }

func (i *Instance) Memory() bridge.Memory { return (*guestMemory)(i) }

type guestMemory Instance

func (m *guestMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.mem)) {
		return nil, false
	}
	return m.mem[offset : offset+byteCount], true
}

func (m *guestMemory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.mem)) {
		return false
	}
	copy(m.mem[offset:], data)
	return true
}

func (m *guestMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func (m *guestMemory) WriteUint32Le(offset uint32, v uint32) bool {
	return m.Write(offset, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

type exportFn struct {
	i    *Instance
	name string
}

func (f exportFn) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.i.invoke(ctx, f.name, params)
}

func (i *Instance) ExportedFunction(name string) bridge.Function {
	switch name {
	case "alloc", "dealloc",
		"conn_new", "conn_drop", "conn_execute", "conn_query",
		"conn_last_error", "conn_last_error_drop", "query_result_drop",
		"asyncify_start_unwind", "asyncify_stop_unwind",
		"asyncify_start_rewind", "asyncify_stop_rewind":
		return exportFn{i: i, name: name}
	}
	return nil
}

func (i *Instance) invoke(ctx context.Context, name string, params []uint64) ([]uint64, error) {
	switch name {
	case "asyncify_start_unwind":
		i.unwinding = true
		return nil, nil
	case "asyncify_stop_unwind":
		i.unwinding = false
		return nil, nil
	case "asyncify_start_rewind":
		i.rewinding = true
		return nil, nil
	case "asyncify_stop_rewind":
		i.rewinding = false
		return nil, nil
	case "alloc":
		if i.FailAlloc {
			i.FailAlloc = false
			return []uint64{0}, nil
		}
		return []uint64{uint64(i.alloc(uint32(params[0])))}, nil
	case "dealloc":
		if i.FailDealloc {
			i.FailDealloc = false
			return nil, fmt.Errorf("guesttest: dealloc of %#x rejected", uint32(params[0]))
		}
		return nil, i.dealloc(uint32(params[0]), uint32(params[1]))
	case "conn_new":
		return i.connNew(ctx)
	case "conn_drop":
		if _, ok := i.conns[params[0]]; !ok {
			return nil, fmt.Errorf("guesttest: conn_drop of unknown connection %#x", params[0])
		}
		delete(i.conns, params[0])
		return nil, nil
	case "conn_execute":
		return i.connExecute(ctx, params)
	case "conn_query":
		return i.connQuery(ctx, params)
	case "conn_last_error":
		return i.connLastError(params)
	case "conn_last_error_drop":
		size, ok := i.allocs[uint32(params[0])]
		if !ok {
			return nil, fmt.Errorf("guesttest: double release of error record %#x", params[0])
		}
		return nil, i.dealloc(uint32(params[0]), size)
	case "query_result_drop":
		return nil, i.resultDrop(uint32(params[0]))
	}
	return nil, fmt.Errorf("guesttest: unknown export %s", name)
}

func (i *Instance) alloc(size uint32) uint32 {
	aligned := (size + 7) &^ 7
	if aligned == 0 {
		aligned = 8
	}
	for uint64(i.next)+uint64(aligned) > uint64(len(i.mem)) {
		grown := make([]byte, len(i.mem)*2)
		copy(grown, i.mem)
		i.mem = grown
	}
	ptr := i.next
	i.next += aligned
	i.allocs[ptr] = size
	return ptr
}

func (i *Instance) dealloc(ptr, size uint32) error {
	have, ok := i.allocs[ptr]
	if !ok {
		return fmt.Errorf("guesttest: dealloc of unknown pointer %#x", ptr)
	}
	if have != size {
		return fmt.Errorf("guesttest: dealloc size mismatch at %#x: alloc %d, dealloc %d", ptr, have, size)
	}
	delete(i.allocs, ptr)
	return nil
}

// enterFrame begins or resumes the evaluation frame for a suspendable call.
func (i *Instance) enterFrame(name string) *frame {
	if i.rewinding && i.frame != nil && i.frame.fn == name {
		return i.frame
	}
	i.frame = &frame{fn: name}
	return i.frame
}

// suspendingCall issues one import through the bridge. ok is false when the
// guest is unwinding and the caller must return placeholder values.
func (i *Instance) suspendingCall(ctx context.Context, f *frame, op PageOp) (results []uint64, ok bool, err error) {
	results, err = i.env(ctx, op.Name, op.Args...)
	if err != nil {
		return nil, false, err
	}
	if i.unwinding {
		return nil, false, nil
	}
	f.step++
	return results, true, nil
}

// replayScript plays the instance's scripted page traffic from the frame's
// current step. done is false when the guest unwound mid-script.
func (i *Instance) replayScript(ctx context.Context, f *frame) (done bool, err error) {
	for f.step < len(i.Script) {
		op := i.Script[f.step]
		results, ok, err := i.suspendingCall(ctx, f, op)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if opFailed(op.Name, results) {
			f.storageFailed = true
		}
	}
	return true, nil
}

// opFailed decodes the status result of a suspending import: page_count
// reports failure as a negative count, the rest as a nonzero i32 status.
func opFailed(name string, results []uint64) bool {
	if len(results) == 0 {
		return false
	}
	if name == "page_count" {
		return int64(results[0]) < 0
	}
	return int32(uint32(results[0])) != 0
}

func (i *Instance) connNew(ctx context.Context) ([]uint64, error) {
	f := i.enterFrame("conn_new")
	if f.step == 0 {
		// The engine probes page_count to decide whether the database is
		// fresh before opening it.
		results, ok, err := i.suspendingCall(ctx, f, PageOp{Name: "page_count"})
		if err != nil {
			return nil, err
		}
		if !ok {
			return []uint64{0}, nil
		}
		if int64(results[0]) < 0 {
			i.frame = nil
			return []uint64{0}, nil
		}
	}
	i.frame = nil

	ptr := i.nextConn
	i.nextConn += 16
	i.conns[ptr] = &guestConn{}
	return []uint64{ptr}, nil
}

func (i *Instance) readRequest(params []uint64) (*guestConn, string, []any, error) {
	conn, ok := i.conns[params[0]]
	if !ok {
		return nil, "", nil, fmt.Errorf("guesttest: unknown connection %#x", params[0])
	}
	ptr, length := uint32(params[1]), uint32(params[2])
	if uint64(ptr)+uint64(length) > uint64(len(i.mem)) {
		return nil, "", nil, fmt.Errorf("guesttest: request [%#x, +%d) out of bounds", ptr, length)
	}
	var req struct {
		SQL    string `json:"sql"`
		Params []any  `json:"params"`
	}
	if err := json.Unmarshal(i.mem[ptr:ptr+length], &req); err != nil {
		conn.lastErr = "malformed request: " + err.Error()
		return conn, "", nil, nil
	}
	return conn, req.SQL, req.Params, nil
}

func (i *Instance) connExecute(ctx context.Context, params []uint64) ([]uint64, error) {
	f := i.enterFrame("conn_execute")
	done, err := i.replayScript(ctx, f)
	if err != nil {
		return nil, err
	}
	if !done {
		return []uint64{0}, nil
	}
	i.frame = nil

	conn, query, args, err := i.readRequest(params)
	if err != nil {
		return nil, err
	}
	if query == "" && conn != nil && conn.lastErr != "" {
		return []uint64{0}, nil
	}
	if f.storageFailed {
		conn.lastErr = "disk I/O error"
		return []uint64{0}, nil
	}
	if _, err := i.db.ExecContext(ctx, query, args...); err != nil {
		conn.lastErr = err.Error()
		return []uint64{0}, nil
	}
	return []uint64{1}, nil
}

func (i *Instance) connQuery(ctx context.Context, params []uint64) ([]uint64, error) {
	f := i.enterFrame("conn_query")
	done, err := i.replayScript(ctx, f)
	if err != nil {
		return nil, err
	}
	if !done {
		return []uint64{0}, nil
	}
	i.frame = nil

	conn, query, args, err := i.readRequest(params)
	if err != nil {
		return nil, err
	}
	if query == "" && conn != nil && conn.lastErr != "" {
		return []uint64{0}, nil
	}
	if f.storageFailed {
		conn.lastErr = "disk I/O error"
		return []uint64{0}, nil
	}

	serialized, qerr := i.runQuery(ctx, query, args)
	if qerr != nil {
		conn.lastErr = qerr.Error()
		return []uint64{0}, nil
	}

	bufPtr := i.alloc(uint32(len(serialized)))
	copy(i.mem[bufPtr:], serialized)

	// Result header mirrors the real guest: offset, length, capacity.
	headerPtr := i.alloc(12)
	mem := (*guestMemory)(i)
	mem.WriteUint32Le(headerPtr, bufPtr)
	mem.WriteUint32Le(headerPtr+4, uint32(len(serialized)))
	mem.WriteUint32Le(headerPtr+8, uint32(len(serialized)))
	i.results[headerPtr] = bufPtr
	return []uint64{uint64(headerPtr)}, nil
}

// runQuery executes the query and serializes its rows as a JSON array of
// objects, preserving column order.
func (i *Instance) runQuery(ctx context.Context, query string, args []any) ([]byte, error) {
	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	scan := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for n := range scan {
		ptrs[n] = &scan[n]
	}

	var out strings.Builder
	out.WriteByte('[')
	first := true
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if !first {
			out.WriteByte(',')
		}
		first = false
		out.WriteByte('{')
		for n, col := range columns {
			if n > 0 {
				out.WriteByte(',')
			}
			key, _ := json.Marshal(col)
			out.Write(key)
			out.WriteByte(':')
			val := scan[n]
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			out.Write(enc)
		}
		out.WriteByte('}')
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.WriteByte(']')
	return []byte(out.String()), nil
}

func (i *Instance) connLastError(params []uint64) ([]uint64, error) {
	conn, ok := i.conns[params[0]]
	if !ok {
		return nil, fmt.Errorf("guesttest: unknown connection %#x", params[0])
	}
	if conn.lastErr == "" {
		return []uint64{0}, nil
	}
	msg := conn.lastErr
	conn.lastErr = ""

	ptr := i.alloc(uint32(len(msg)) + 1)
	copy(i.mem[ptr:], msg)
	i.mem[ptr+uint32(len(msg))] = 0
	return []uint64{uint64(ptr)}, nil
}

func (i *Instance) resultDrop(headerPtr uint32) error {
	bufPtr, ok := i.results[headerPtr]
	if !ok {
		return fmt.Errorf("guesttest: double release of result %#x", headerPtr)
	}
	delete(i.results, headerPtr)
	if err := i.dealloc(bufPtr, i.allocs[bufPtr]); err != nil {
		return err
	}
	return i.dealloc(headerPtr, 12)
}
