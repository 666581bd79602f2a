package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/halyard-labs/halyard/pkg/aggregate"
)

// Module is a compiled sandbox artifact bound to one fuel-metered execution
// context. Multiple handles may reference the same Module; every call into
// it, or into any Instance derived from it, serializes through that context.
type Module struct {
	id       aggregate.ModuleID
	path     string
	runtime  wazero.Runtime
	contract *guestContract
	exec     *execContext
}

// Load compiles the module file under a fresh execution context with the
// given fuel budget and binds the aggregate contract exports. Failures are
// *LoadError: missing file, invalid binary, or contract-shape mismatch.
func (e *Engine) Load(ctx context.Context, fuelBudget uint64, path string) (*Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	meter := newMeter(fuelBudget, e.cfg.CallCost)
	exec := &execContext{meter: meter}

	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cfg.MemoryLimitBytes > 0 {
		rcfg = rcfg.WithMemoryLimitPages(memoryLimitPages(e.cfg.MemoryLimitBytes))
	}

	listenCtx := experimental.WithFunctionListenerFactory(ctx, meterListenerFactory{meter: meter})
	runtime := wazero.NewRuntimeWithConfig(listenCtx, rcfg)
	wasi_snapshot_preview1.MustInstantiate(listenCtx, runtime)

	compiled, err := runtime.CompileModule(listenCtx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, &LoadError{Path: path, Err: fmt.Errorf("compile: %w", err)}
	}

	stem := moduleStem(path)
	mod, err := runtime.InstantiateModule(listenCtx, compiled, wazero.NewModuleConfig().
		WithName(stem).
		WithStartFunctions("_initialize"))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, &LoadError{Path: path, Err: fmt.Errorf("instantiate: %w", err)}
	}

	contract, err := bindContract(exec, mod)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, &LoadError{Path: path, Err: err}
	}

	// Module identity is best effort: file stems following the
	// "name@version" convention carry it, anything else stays anonymous.
	id, _ := aggregate.ParseModuleID(stem)

	return &Module{
		id:       id,
		path:     path,
		runtime:  runtime,
		contract: contract,
		exec:     exec,
	}, nil
}

func moduleStem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// memoryLimitPages converts a byte limit to wazero's 64KB page unit. Wasm
// linear memory tops out at 65536 pages (4GiB); limits beyond that clamp to
// the maximum instead of overflowing the page count.
func memoryLimitPages(limitBytes int64) uint32 {
	pages := limitBytes / 65536
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}

// bindContract resolves the required exports and checks their shapes.
func bindContract(exec *execContext, mod api.Module) (*guestContract, error) {
	resolve := func(name string, params, results int) (api.Function, error) {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("contract: missing export %q", name)
		}
		def := fn.Definition()
		if len(def.ParamTypes()) != params || len(def.ResultTypes()) != results {
			return nil, fmt.Errorf("contract: export %q has signature (%d params, %d results), want (%d, %d)",
				name, len(def.ParamTypes()), len(def.ResultTypes()), params, results)
		}
		return fn, nil
	}

	initFn, err := resolve(exportInit, 2, 1)
	if err != nil {
		return nil, err
	}
	applyFn, err := resolve(exportApply, 4, 1)
	if err != nil {
		return nil, err
	}
	handleFn, err := resolve(exportHandle, 4, 1)
	if err != nil {
		return nil, err
	}
	allocFn, err := resolve(exportAlloc, 1, 1)
	if err != nil {
		return nil, err
	}

	return &guestContract{
		exec:     exec,
		mod:      mod,
		initFn:   initFn,
		applyFn:  applyFn,
		handleFn: handleFn,
		allocFn:  allocFn,
	}, nil
}

// ID returns the module identity parsed from the file stem; zero when
// anonymous.
func (m *Module) ID() aggregate.ModuleID { return m.id }

// Path returns the file the module was loaded from.
func (m *Module) Path() string { return m.path }

// Contract exposes the bound three-operation boundary.
func (m *Module) Contract() aggregate.Contract { return m.contract }

// FuelConsumed reports cumulative compute used by the shared execution
// context since load. Monotonic, never resets.
func (m *Module) FuelConsumed() uint64 { return m.exec.meter.Consumed() }

// Init calls the contract's initialize operation for a new aggregate
// identity and wraps the seed state, together with the shared execution
// context, into a running Instance. A *aggregate.DomainError is returned to
// the caller without creating an instance.
func (m *Module) Init(ctx context.Context, id string) (*Instance, error) {
	state, err := m.contract.Initialize(ctx, id)
	if err != nil {
		return nil, err
	}
	return newInstance(id, state, m.contract, m.exec), nil
}

// Close shuts the module's runtime down, freeing all resources.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}
