// Command sqlpages runs SQL against a sandboxed engine whose pages live in
// a local file, in memory, or in an S3-compatible object store.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/sqlpages/engine"
	"github.com/tomyedwab/sqlpages/metrics"
	"github.com/tomyedwab/sqlpages/pagestore"
	s3store "github.com/tomyedwab/sqlpages/pagestore/s3"
)

var (
	flagWasm        string
	flagStore       string
	flagCache       int
	flagLogLevel    string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "sqlpages",
	Short: "SQL over a page store",
	Long: `sqlpages hosts a SQLite engine compiled to WebAssembly and persists
its database through a pluggable page store: a local file, memory, or an
S3-compatible object store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)

		if flagMetricsAddr != "" {
			metrics.MustRegister()
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
					log.WithError(err).Error("metrics listener failed")
				}
			}()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWasm, "wasm", "", "path to the engine WASM binary (required)")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "mem:", "page store URL: mem:, file:PATH, or s3://bucket/prefix")
	rootCmd.PersistentFlags().IntVar(&flagCache, "cache", 0, "LRU page cache size in pages (0 disables)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(execCmd, queryCmd, shellCmd, infoCmd)
}

// openStore maps a store URL to a pagestore.Store, applying the configured
// decorators.
func openStore(raw string) (pagestore.Store, func(), error) {
	ep, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing store URL %q: %w", raw, err)
	}

	var store pagestore.Store
	cleanup := func() {}

	switch ep.Scheme {
	case "mem":
		store = pagestore.NewMemoryStore()
	case "", "file":
		path := ep.Opaque
		if path == "" {
			path = ep.Path
		}
		fs, err := pagestore.OpenFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		store, cleanup = fs, func() { fs.Close() }
	case "s3":
		s3s, err := s3store.New(ep)
		if err != nil {
			return nil, nil, err
		}
		store = s3s
	default:
		return nil, nil, fmt.Errorf("unsupported store scheme %q", ep.Scheme)
	}

	if flagCache > 0 {
		cached, err := pagestore.NewCachedStore(store, flagCache)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		store = cached
	}
	if flagMetricsAddr != "" {
		store = pagestore.NewInstrumentedStore(store)
	}
	return store, cleanup, nil
}

// withConn opens the store and engine and hands a live connection to fn.
func withConn(fn func(ctx context.Context, conn *engine.Conn) error) error {
	if flagWasm == "" {
		return fmt.Errorf("--wasm is required")
	}
	wasm, err := os.ReadFile(flagWasm)
	if err != nil {
		return fmt.Errorf("reading %s: %w", flagWasm, err)
	}

	store, cleanup, err := openStore(flagStore)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	eng, err := engine.Instantiate(ctx, wasm, store)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	conn, err := eng.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	return fn(ctx, conn)
}

var execCmd = &cobra.Command{
	Use:   "exec SQL [PARAM...]",
	Short: "Run a statement that returns no rows",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(ctx context.Context, conn *engine.Conn) error {
			return conn.Execute(ctx, args[0], stringParams(args[1:])...)
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query SQL [PARAM...]",
	Short: "Run a query and print its rows",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(ctx context.Context, conn *engine.Conn) error {
			return runQuery(ctx, conn, args[0], stringParams(args[1:])...)
		})
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive SQL shell",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(ctx context.Context, conn *engine.Conn) error {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("sqlpages> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
				case line == ".exit", line == ".quit":
					return nil
				case isQuery(line):
					if err := runQuery(ctx, conn, line); err != nil {
						fmt.Fprintln(os.Stderr, "error:", err)
					}
				default:
					if err := conn.Execute(ctx, line); err != nil {
						fmt.Fprintln(os.Stderr, "error:", err)
					} else {
						fmt.Println("ok")
					}
				}
				fmt.Print("sqlpages> ")
			}
			return scanner.Err()
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print page store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore(flagStore)
		if err != nil {
			return err
		}
		defer cleanup()

		count, err := store.PageCount(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("store:      %s\n", flagStore)
		fmt.Printf("pages:      %d\n", count)
		fmt.Printf("page size:  %s\n", humanize.IBytes(pagestore.PageSize))
		fmt.Printf("total size: %s\n", humanize.IBytes(uint64(count)*pagestore.PageSize))
		return nil
	},
}

func isQuery(sql string) bool {
	head := strings.ToUpper(strings.Fields(sql)[0])
	return head == "SELECT" || head == "PRAGMA" || head == "EXPLAIN" || head == "WITH"
}

func stringParams(args []string) []any {
	params := make([]any, len(args))
	for i, a := range args {
		params[i] = a
	}
	return params
}

func runQuery(ctx context.Context, conn *engine.Conn, sql string, params ...any) error {
	raw, err := conn.QueryRaw(ctx, sql, params...)
	if err != nil {
		return err
	}
	columns, rows, err := engine.ParseRows([]byte(raw))
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(columns)
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = formatValue(row[col])
		}
		table.Append(cells)
	}
	table.Render()
	fmt.Printf("%d row(s)\n", len(rows))
	return nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", val), ".0")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
