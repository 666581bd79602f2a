// Package sandbox loads untrusted aggregate modules into a wazero
// (pure-Go WebAssembly) runtime and executes their three-operation contract
// under a hard compute budget. Deny-by-default: no filesystem, no network,
// no ambient authority.
//
// All calls into one loaded module — whether through the Module itself or any
// Instance derived from it — serialize through a single shared execution
// context. This is a deliberately conservative single-writer-per-sandbox
// model, not per-instance concurrency.
package sandbox

import "fmt"

// Config configures per-module restrictions.
type Config struct {
	// MemoryLimitBytes caps guest linear memory. 0 means the wazero default.
	MemoryLimitBytes int64
	// CallCost is the fuel charged per guest function invocation. 0 uses
	// DefaultCallCost.
	CallCost uint64
}

// Engine creates sandboxed modules. One engine may load many modules; each
// module gets its own runtime, fuel meter and execution lock.
type Engine struct {
	cfg Config
}

// NewEngine returns an engine with the given restrictions.
func NewEngine(cfg Config) *Engine {
	if cfg.CallCost == 0 {
		cfg.CallCost = DefaultCallCost
	}
	return &Engine{cfg: cfg}
}

// Deterministic error codes for sandbox faults.
const (
	ErrFuelExhausted    = "ERR_FUEL_EXHAUSTED"
	ErrReplayDiverged   = "ERR_REPLAY_DIVERGED"
	ErrInstancePoisoned = "ERR_INSTANCE_POISONED"
)

// SandboxError is a typed, non-recoverable host fault raised by the sandbox.
// It is never a guest domain error.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadError reports why a module could not be loaded: missing file, invalid
// binary, or a contract-shape mismatch.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("sandbox: load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
