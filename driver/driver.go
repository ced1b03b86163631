package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tomyedwab/sqlpages/engine"
)

const driverName = "sqlpages"

func init() {
	sql.Register(driverName, &Driver{})
}

var (
	enginesMu sync.Mutex
	engines   = make(map[string]*engine.Engine)
)

// RegisterEngine makes an engine reachable through sql.Open("sqlpages",
// name). Engines created and passed directly should use NewConnector
// instead.
func RegisterEngine(name string, e *engine.Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = e
}

// Driver is the database/sql driver. Its DSN is a name previously passed to
// RegisterEngine.
type Driver struct{}

func (d *Driver) Open(name string) (driver.Conn, error) {
	enginesMu.Lock()
	e, ok := engines[name]
	enginesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sqlpages: no engine registered as %q", name)
	}
	return openConn(context.Background(), e)
}

// NewConnector returns a driver.Connector bound to e, for sql.OpenDB.
func NewConnector(e *engine.Engine) driver.Connector {
	return &connector{e: e}
}

type connector struct {
	e *engine.Engine
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	return openConn(ctx, c.e)
}

func (c *connector) Driver() driver.Driver { return &Driver{} }

func openConn(ctx context.Context, e *engine.Engine) (driver.Conn, error) {
	ec, err := e.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlpages: connect: %w", err)
	}
	return &Conn{conn: ec}, nil
}

// Conn implements driver.Conn over one engine connection.
type Conn struct {
	conn *engine.Conn
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) Close() error {
	return c.conn.Close(context.Background())
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := c.conn.Execute(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	return &Tx{conn: c}, nil
}

// Tx issues COMMIT/ROLLBACK as plain statements; the engine ABI has no
// dedicated transaction calls.
type Tx struct {
	conn *Conn
}

func (t *Tx) Commit() error {
	return t.conn.conn.Execute(context.Background(), "COMMIT")
}

func (t *Tx) Rollback() error {
	return t.conn.conn.Execute(context.Background(), "ROLLBACK")
}

// Stmt is a client-side statement: the engine ABI has no prepare, so the
// SQL text travels with every execution.
type Stmt struct {
	conn  *Conn
	query string
}

func (s *Stmt) Close() error { return nil }

// NumInput returns -1: placeholder counting happens inside the engine.
func (s *Stmt) NumInput() int { return -1 }

func convertArgs(args []driver.Value) []any {
	params := make([]any, len(args))
	for i, v := range args {
		switch val := v.(type) {
		case time.Time:
			params[i] = val.Format(time.RFC3339Nano)
		case []byte:
			params[i] = string(val)
		default:
			params[i] = v
		}
	}
	return params
}

func namedToValues(args []driver.NamedValue) ([]driver.Value, error) {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		if arg.Name != "" {
			return nil, fmt.Errorf("sqlpages: named parameters are not supported")
		}
		values[i] = arg.Value
	}
	return values, nil
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.exec(context.Background(), args)
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	values, err := namedToValues(args)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, values)
}

func (s *Stmt) exec(ctx context.Context, args []driver.Value) (driver.Result, error) {
	if err := s.conn.conn.Execute(ctx, s.query, convertArgs(args)...); err != nil {
		return nil, err
	}
	// The ABI returns no exec metadata; recover it from the engine on the
	// same connection.
	rows, err := s.conn.conn.Query(ctx, "SELECT last_insert_rowid() AS id, changes() AS n")
	if err != nil || len(rows) != 1 {
		return driver.ResultNoRows, nil
	}
	return &result{
		lastInsertID: asInt64(rows[0]["id"]),
		rowsAffected: asInt64(rows[0]["n"]),
	}, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.queryRows(context.Background(), args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	values, err := namedToValues(args)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx, values)
}

func (s *Stmt) queryRows(ctx context.Context, args []driver.Value) (driver.Rows, error) {
	raw, err := s.conn.conn.QueryRaw(ctx, s.query, convertArgs(args)...)
	if err != nil {
		return nil, err
	}
	columns, rows, err := engine.ParseRows([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &Rows{columns: columns, rows: rows}, nil
}

type result struct {
	lastInsertID int64
	rowsAffected int64
}

func (r *result) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r *result) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Rows iterates a fully fetched row set.
type Rows struct {
	columns []string
	rows    []engine.Row
	index   int
}

func (r *Rows) Columns() []string { return r.columns }

func (r *Rows) Close() error {
	r.rows = nil
	return nil
}

func (r *Rows) Next(dest []driver.Value) error {
	if r.index >= len(r.rows) {
		return io.EOF
	}
	row := r.rows[r.index]
	for i, col := range r.columns {
		dest[i] = row[col]
	}
	r.index++
	return nil
}
