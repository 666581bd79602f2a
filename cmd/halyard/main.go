// Command halyard runs a guest entry module against the aggregate execution
// engine: the halyard host module is registered on a wazero runtime, the
// entry wasm is instantiated, and its _start drives the host surface
// (connect store, load aggregate modules, execute commands).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/halyard-labs/halyard/pkg/config"
	"github.com/halyard-labs/halyard/pkg/hostapi"
	"github.com/halyard-labs/halyard/pkg/observability"
	"github.com/halyard-labs/halyard/pkg/sandbox"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "version":
		fmt.Fprintf(stdout, "halyard %s\n", version)
		return 0
	case "run":
		return runEntry(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: halyard <command>")
	fmt.Fprintln(w, "  run <entry.wasm> [args...]   run a guest entry module")
	fmt.Fprintln(w, "  version                      print the version")
}

func runEntry(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "run: missing entry module path")
		return 2
	}
	entryPath := args[0]

	cfg := config.Load()
	if profile := os.Getenv("HALYARD_PROFILE"); profile != "" {
		merged, err := config.LoadProfile(cfg, profile)
		if err != nil {
			fmt.Fprintf(stderr, "halyard: %v\n", err)
			return 1
		}
		cfg = merged
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.NewProvider(ctx, observability.Config{
		ServiceName:    "halyard",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	engine := sandbox.NewEngine(sandbox.Config{MemoryLimitBytes: cfg.MemoryLimitBytes})
	session := hostapi.NewSession(engine,
		hostapi.WithLogger(logger),
		hostapi.WithTracer(provider.Tracer()),
	)
	defer func() {
		if store := session.Store(); store != nil {
			_ = store.Close()
		}
	}()

	wasmBytes, err := os.ReadFile(entryPath)
	if err != nil {
		logger.Error("read entry module", "path", entryPath, "error", err)
		return 1
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer func() { _ = runtime.Close(context.Background()) }()
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	if err := session.Register(ctx, runtime); err != nil {
		logger.Error("register host module", "error", err)
		return 1
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		logger.Error("compile entry module", "path", entryPath, "error", err)
		return 1
	}

	modCfg := wazero.NewModuleConfig().
		WithName("entry").
		WithArgs(append([]string{entryPath}, args[1:]...)...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_start")

	logger.Info("running entry module", "path", entryPath, "session", session.ID())
	mod, err := runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		logger.Error("entry module failed", "error", err)
		return 1
	}
	_ = mod.Close(ctx)
	return 0
}
