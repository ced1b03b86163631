// Package driver implements a database/sql/driver over a sandboxed engine.
//
// The driver is registered under the name "sqlpages". Because an engine
// instance is a live object rather than something addressable by a DSN,
// connections are normally opened through a connector:
//
//	eng, err := engine.Instantiate(ctx, wasmBytes, store)
//	// ...
//	db := sql.OpenDB(driver.NewConnector(eng))
//	defer db.Close()
//
// Alternatively an engine may be registered under a name and opened with
// sql.Open("sqlpages", name).
//
// The engine ABI has no prepared statements: Prepare is client-side only
// and re-sends the SQL text with each execution. Transactions are plain
// BEGIN/COMMIT/ROLLBACK statements on the driver connection, with whatever
// semantics the engine itself provides.
package driver
