package engine

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Conn is an opaque handle to one session inside the sandboxed engine. It is
// created by Engine.Connect, accepts any number of Execute/Query calls, and
// must be closed exactly once. Use after Close - and a second Close - are
// protocol violations that retire the whole engine instance.
//
// Multiple connections may coexist against one page store, and their
// methods may be called from any goroutine: the engine serializes complete
// operations, so exactly one owns the sandbox and its memory at a time.
type Conn struct {
	e  *Engine
	id uint64
}

// Connect opens a new connection inside the engine.
func (e *Engine) Connect(ctx context.Context) (*Conn, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := e.call(ctx, "conn_new")
	if err != nil {
		return nil, err
	}
	ptr := res.Values[0]
	if ptr == 0 {
		if res.OpErr != nil {
			return nil, res.OpErr
		}
		return nil, e.poison(&ProtocolError{Reason: "conn_new returned a null handle"})
	}

	e.mu.Lock()
	id := e.nextConn
	e.nextConn++
	e.conns[id] = ptr
	e.mu.Unlock()

	log.WithFields(log.Fields{"engine": e.id, "conn": id}).Debug("connection opened")
	return &Conn{e: e, id: id}, nil
}

// resolve maps the host-side handle to the guest connection pointer. Handle
// ids are never reused, so a stale handle is always detected.
func (c *Conn) resolve() (uint64, error) {
	c.e.mu.Lock()
	ptr, ok := c.e.conns[c.id]
	c.e.mu.Unlock()
	if !ok {
		return 0, c.e.poison(&ProtocolError{Reason: fmt.Sprintf("use of dropped connection handle %d", c.id)})
	}
	return ptr, nil
}

// Close drops the connection inside the engine and invalidates the handle.
func (c *Conn) Close(ctx context.Context) error {
	release, err := c.e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ptr, err := c.resolve()
	if err != nil {
		return err
	}
	if _, err := c.e.call(ctx, "conn_drop", ptr); err != nil {
		return err
	}
	c.e.mu.Lock()
	delete(c.e.conns, c.id)
	c.e.mu.Unlock()
	log.WithFields(log.Fields{"engine": c.e.id, "conn": c.id}).Debug("connection dropped")
	return nil
}

// Execute runs SQL that produces no rows. Parameters bind positionally and
// must each be text, number, boolean, or null.
func (c *Conn) Execute(ctx context.Context, sql string, params ...any) (err error) {
	release, err := c.e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ptr, err := c.resolve()
	if err != nil {
		return err
	}
	req, reqPtr, err := c.e.writeRequest(ctx, sql, params)
	if err != nil {
		return err
	}
	defer func() {
		if derr := c.e.dealloc(ctx, reqPtr, uint32(len(req))); derr != nil && err == nil {
			err = derr
		}
	}()

	res, err := c.e.call(ctx, "conn_execute", ptr, uint64(reqPtr), uint64(len(req)))
	if err != nil {
		return err
	}
	if uint32(res.Values[0]) == 0 {
		return c.e.connError(ctx, ptr, res.OpErr)
	}
	return nil
}

// Query runs SQL and returns its rows, parsed.
func (c *Conn) Query(ctx context.Context, sql string, params ...any) ([]Row, error) {
	raw, err := c.QueryRaw(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	_, rows, err := ParseRows([]byte(raw))
	return rows, err
}

// QueryRaw runs SQL and returns the engine's serialized row set unparsed.
func (c *Conn) QueryRaw(ctx context.Context, sql string, params ...any) (raw string, err error) {
	release, err := c.e.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ptr, err := c.resolve()
	if err != nil {
		return "", err
	}
	req, reqPtr, err := c.e.writeRequest(ctx, sql, params)
	if err != nil {
		return "", err
	}
	defer func() {
		if derr := c.e.dealloc(ctx, reqPtr, uint32(len(req))); derr != nil && err == nil {
			err = derr
		}
	}()

	res, err := c.e.call(ctx, "conn_query", ptr, uint64(reqPtr), uint64(len(req)))
	if err != nil {
		return "", err
	}
	headerPtr := uint32(res.Values[0])
	if headerPtr == 0 {
		return "", c.e.connError(ctx, ptr, res.OpErr)
	}

	// The result header is two words: the offset and length of the
	// serialized row set. Ownership transferred with the pointer; it is
	// released below, which also frees the underlying buffer.
	header, err := c.e.readGuest(headerPtr, 8)
	if err != nil {
		return "", err
	}
	off := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
	length := uint32(header[4]) | uint32(header[5])<<8 | uint32(header[6])<<16 | uint32(header[7])<<24

	body, err := c.e.readGuest(off, length)
	if err != nil {
		return "", err
	}
	if _, err := c.e.call(ctx, "query_result_drop", uint64(headerPtr)); err != nil {
		return "", err
	}
	return string(body), nil
}

// writeRequest encodes the request, obtains a guest allocation for it, and
// writes the bytes. The caller owns the allocation and must dealloc it.
func (e *Engine) writeRequest(ctx context.Context, sql string, params []any) ([]byte, uint32, error) {
	req, err := encodeRequest(sql, params)
	if err != nil {
		return nil, 0, err
	}
	ptr, err := e.alloc(ctx, uint32(len(req)))
	if err != nil {
		return nil, 0, err
	}
	if err := e.writeGuest(ptr, req); err != nil {
		return nil, 0, err
	}
	return req, ptr, nil
}

// connError recovers the failure behind a falsy return. A storage failure
// recorded during the call takes precedence; otherwise the engine's error
// record is fetched and released, and its absence reads as ErrUnknown.
func (e *Engine) connError(ctx context.Context, connPtr uint64, opErr error) error {
	res, err := e.call(ctx, "conn_last_error", connPtr)
	if err != nil {
		return err
	}
	msgPtr := uint32(res.Values[0])

	var message string
	if msgPtr != 0 {
		message, err = e.readCString(msgPtr)
		if err != nil {
			return err
		}
		if _, err := e.call(ctx, "conn_last_error_drop", uint64(msgPtr)); err != nil {
			return err
		}
	}

	if opErr != nil {
		return opErr
	}
	if message == "" {
		return ErrUnknown
	}
	return &EngineError{Message: message}
}
