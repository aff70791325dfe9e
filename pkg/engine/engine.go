// Package engine defines the capability-set abstraction the Worker
// programs against, so the WASM runtime underneath (wazero today) can be
// swapped without touching the execute path.
package engine

import "context"

// ResourceLimits bounds a single execution: instruction fuel, memory,
// and wall-clock budget.
type ResourceLimits struct {
	MaxInstructions     uint64
	MaxMemoryMB         int
	MaxExecutionSeconds int
}

// StorageHost is the per-project encrypted key/value capability exposed
// to the guest as a host function.
type StorageHost interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	SetIfEquals(ctx context.Context, key string, expected, value []byte) (bool, error)
}

// HTTPHost is the sandboxed outbound-HTTP capability, available only to
// WASI preview-2 targets.
type HTTPHost interface {
	Do(ctx context.Context, method, url string, body []byte, timeout int) (status int, respBody []byte, err error)
}

// Options configures a single Instantiate + Run call.
type Options struct {
	Limits ResourceLimits
	Env    map[string]string
	Stdin  []byte

	// Random overrides the guest's entropy source; nil means host entropy.
	Random func(p []byte) (int, error)

	// Deterministic pins the guest's clock host functions so repeated runs
	// of the same (input, wasm, Random seed) produce identical output.
	Deterministic bool

	Storage StorageHost
	HTTP    HTTPHost
}

// Result is the outcome of running a module to completion.
type Result struct {
	Stdout           []byte
	InstructionsUsed uint64
	TimedOut         bool
	Trapped          bool
	Error            string
}

// Module is an instantiated, ready-to-run WASM guest.
type Module interface {
	// Run invokes the module's entry point with Options.Stdin bound to
	// stdin and returns stdout plus metering results.
	Run(ctx context.Context) (Result, error)
	Close(ctx context.Context) error
}

// Engine instantiates WASM modules under a capability set.
type Engine interface {
	Instantiate(ctx context.Context, wasmBytes []byte, opts Options) (Module, error)
}
