package engine_test

import (
	"context"
	"os"
	"testing"

	"github.com/tomyedwab/sqlpages/engine"
	"github.com/tomyedwab/sqlpages/pagestore"
)

// TestInstantiateRealGuest runs the full stack against an actual engine
// binary. It needs the Asyncify-instrumented WASM module, so it only runs
// when SQLPAGES_WASM points at one.
func TestInstantiateRealGuest(t *testing.T) {
	path := os.Getenv("SQLPAGES_WASM")
	if path == "" {
		t.Skip("SQLPAGES_WASM not set")
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading %s failed: %v", path, err)
	}

	ctx := context.Background()
	store := pagestore.NewMemoryStore()
	e, err := engine.Instantiate(ctx, wasm, store)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer e.Close(ctx)

	conn, err := e.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close(ctx)

	if err := conn.Execute(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}
	if err := conn.Execute(ctx, "INSERT INTO kv VALUES (?, ?)", "greeting", "hello"); err != nil {
		t.Fatalf("INSERT failed: %v", err)
	}
	rows, err := conn.Query(ctx, "SELECT v FROM kv WHERE k = ?", "greeting")
	if err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["v"] != "hello" {
		t.Fatalf("Unexpected rows: %v", rows)
	}

	// The engine's database really lives in the store.
	count, err := store.PageCount(ctx)
	if err != nil {
		t.Fatalf("PageCount failed: %v", err)
	}
	if count == 0 {
		t.Error("Expected the engine to have written pages")
	}
}
