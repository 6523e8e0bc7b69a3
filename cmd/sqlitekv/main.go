// Package main is the entry point for sqlitekv.
//
// Usage:
//
//	sqlitekv serve                  — HTTP API + periodic maintenance
//	sqlitekv put <key> [value|-]    — store a value (stdin when omitted or "-")
//	sqlitekv get <key> [--force]    — print a value
//	sqlitekv head <key>             — print size and modification time
//	sqlitekv delete <key>           — remove a key
//	sqlitekv stop                   — stop a running server
//	sqlitekv version                — print version
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/sqlitekv/sqlitekv/internal/deploy"
	"github.com/sqlitekv/sqlitekv/internal/host"
	"github.com/sqlitekv/sqlitekv/internal/observability"
	"github.com/sqlitekv/sqlitekv/internal/server"
	"github.com/sqlitekv/sqlitekv/internal/storage"
)

const (
	version = "0.1.0"
	appName = "sqlitekv"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitNotFound = 3
)

// isTerminal reports whether w is an interactive terminal.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
		return
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	os.Exit(run(cfg, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s v%s — SQLite key/value blob store

Usage:
  %s <command> [args]

Commands:
  serve                 Start the HTTP API
  put <key> [value|-]   Store a value; JSON for plain keys, raw bytes for keys with an extension
  get <key> [--force]   Print a value (--force writes binary to a terminal)
  head <key>            Print {"mod": seconds, "len": bytes}
  delete <key>          Remove a key
  stop                  Stop a running server
  version               Print version

Environment variables:
  SQLITEKV_DATA                 Data directory (default: ~/.sqlitekv)
  SQLITEKV_CONNECT              Database path (default: <data>/sqlitekv.db, ":memory:" for ephemeral)
  SQLITEKV_KEY_PREFIX           Prefix prepended to every key
  SQLITEKV_FLUSH_WAL_MINUTES    Minutes between WAL checkpoints (default 1, 0 = every write)
  SQLITEKV_API_ADDR             API listen address (default: %s)
  SQLITEKV_MAINTENANCE_MINUTES  Maintenance interval (default: 1440)
  SQLITEKV_LOG_LEVEL            debug, info, warn, error

`, appName, version, appName, defaultAPIAddr)
}

// run executes one command and returns the process exit code.
func run(cfg Config, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	if args[0] == "stop" {
		pid, err := deploy.Stop(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(stderr, "stop: %v\n", err)
			return exitError
		}
		fmt.Fprintf(stdout, "sent SIGTERM to %d\n", pid)
		return exitOK
	}

	logger := observability.NewLoggerLevel("storage", stderr, cfg.LogLevel)
	metrics := observability.NewMetricsCollector(0)

	if args[0] == "serve" {
		return runServe(cfg, logger, metrics)
	}

	store, err := openStorage(cfg, logger, metrics)
	if err != nil {
		fmt.Fprintf(stderr, "open: %v\n", err)
		return exitError
	}
	defer store.Shutdown()

	ctx := context.Background()
	switch args[0] {
	case "put":
		err = cmdPut(ctx, store, args[1:], stdin)
	case "get":
		err = cmdGet(ctx, store, args[1:], stdout)
	case "head":
		err = cmdHead(ctx, store, args[1:], stdout)
	case "delete":
		err = cmdDelete(ctx, store, args[1:])
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return exitUsage
	}

	var uerr usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &uerr):
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return exitUsage
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return exitNotFound
	default:
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return exitError
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

// openStorage builds the engine and the host wrapper around it.
func openStorage(cfg Config, logger *observability.Logger, metrics *observability.MetricsCollector) (*host.Storage, error) {
	if !cfg.Storage.InMemory() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	engine, err := storage.NewSQLiteEngine(cfg.Storage,
		storage.WithLogger(logger),
		storage.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	return host.New(engine, logger.With("layer", "host")), nil
}

func cmdPut(ctx context.Context, store *host.Storage, args []string, stdin io.Reader) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("usage: put <key> [value|-]")
	}
	key := args[0]

	var src io.Reader = stdin
	if len(args) == 2 && args[1] != "-" {
		src = bytes.NewReader([]byte(args[1]))
	}

	if store.IsBinaryKey(key) {
		return store.PutStream(ctx, key, src)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read value: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return usageError(fmt.Sprintf("value for %q is not valid JSON: %v", key, err))
	}
	return store.Put(ctx, key, v)
}

func cmdGet(ctx context.Context, store *host.Storage, args []string, stdout io.Writer) error {
	var key string
	force := false
	for _, a := range args {
		switch {
		case a == "--force" || a == "-f":
			force = true
		case key == "":
			key = a
		default:
			return usageError("usage: get <key> [--force]")
		}
	}
	if key == "" {
		return usageError("usage: get <key> [--force]")
	}

	v, err := store.GetValue(ctx, key)
	if err != nil {
		return err
	}

	if v.Kind == storage.KindBinary {
		if isTerminal(stdout) && !force {
			return usageError(fmt.Sprintf("refusing to write %d binary bytes to a terminal (use --force)", len(v.Bytes)))
		}
		_, err := stdout.Write(v.Bytes)
		return err
	}

	out, err := json.MarshalIndent(v.Data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}

func cmdHead(ctx context.Context, store *host.Storage, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return usageError("usage: head <key>")
	}
	meta, err := store.Head(ctx, args[0])
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(meta)
}

func cmdDelete(ctx context.Context, store *host.Storage, args []string) error {
	if len(args) != 1 {
		return usageError("usage: delete <key>")
	}
	return store.Delete(ctx, args[0])
}

// runServe starts the HTTP API and the maintenance loop, and blocks until
// SIGINT or SIGTERM.
func runServe(cfg Config, logger *observability.Logger, metrics *observability.MetricsCollector) int {
	pf := deploy.NewPIDFile(cfg.DataDir)
	release, err := pf.Acquire()
	if err != nil {
		log.Printf("[serve] %v", err)
		return exitError
	}
	defer release()

	store, err := openStorage(cfg, logger, metrics)
	if err != nil {
		log.Printf("[serve] open storage: %v", err)
		return exitError
	}
	defer store.Shutdown()
	log.Printf("[serve] database: %s", cfg.Storage.DSN())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go store.RunMaintenanceLoop(ctx, cfg.MaintenanceEvery)

	srv := server.New(cfg.APIAddr, store, logger.With("layer", "http"), metrics)
	log.Printf("[serve] %s v%s listening on %s", appName, version, cfg.APIAddr)
	if err := srv.Start(ctx); err != nil {
		log.Printf("[serve] %v", err)
		return exitError
	}
	log.Printf("[serve] shutdown complete (%d WAL checkpoints)", metrics.Counter(string(observability.MetricCheckpoints)))
	return exitOK
}
