// Package wazero is the sole WASM execution engine: a thin adapter from
// pkg/engine's capability-set interface onto github.com/tetratelabs/wazero.
package wazero

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuemby/outlayer/pkg/engine"
	"github.com/cuemby/outlayer/pkg/wasihost"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Engine implements engine.Engine. Each Instantiate gets its own wazero
// runtime (host capabilities differ per job), sharing a compilation cache
// so repeated executions of the same cached artifact skip recompilation.
type Engine struct {
	cache wazero.CompilationCache
}

// New builds a wazero-backed Engine.
func New(ctx context.Context) (*Engine, error) {
	return &Engine{cache: wazero.NewCompilationCache()}, nil
}

// Close releases the shared compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// errFuelExhausted is recovered out of the instruction-counting listener
// when a module's metered call count exceeds its instruction budget.
var errFuelExhausted = errors.New("wazero: instruction budget exhausted")

// Instantiate compiles wasmBytes and prepares a module instance bound to
// opts' resource limits, environment, and host capabilities.
func (e *Engine) Instantiate(ctx context.Context, wasmBytes []byte, opts engine.Options) (engine.Module, error) {
	runtimeCfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	if opts.Limits.MaxMemoryMB > 0 {
		// 64 KiB wasm pages; a module declaring or growing past this cap
		// is rejected rather than run.
		pages := uint32(opts.Limits.MaxMemoryMB) * 16
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wazero: instantiate wasi_snapshot_preview1: %w", err)
	}
	if err := wasihost.Register(ctx, runtime, opts.Storage, opts.HTTP); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wazero: register host modules: %w", err)
	}

	// Function listeners attach at compile time, so the metering factory
	// must already be on the context handed to CompileModule.
	meter := &fuelMeter{budget: opts.Limits.MaxInstructions}
	instCtx := experimental.WithFunctionListenerFactory(ctx, meter)

	compiled, err := runtime.CompileModule(instCtx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wazero: compile module: %w", err)
	}

	var stdout bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(opts.Stdin)).
		WithStdout(&stdout).
		WithStderr(&stdout)
	for k, v := range opts.Env {
		modCfg = modCfg.WithEnv(k, v)
	}
	if opts.Random != nil {
		modCfg = modCfg.WithRandSource(readerFunc(opts.Random))
	} else {
		modCfg = modCfg.WithRandSource(cryptorand.Reader)
	}
	if !opts.Deterministic {
		// Deterministic mode keeps wazero's fake, zero-based clocks so
		// time-dependent host functions return pinned values.
		modCfg = modCfg.WithSysWalltime().WithSysNanotime()
	}

	return &module{
		runtime:  runtime,
		compiled: compiled,
		modCfg:   modCfg,
		instCtx:  instCtx,
		meter:    meter,
		stdout:   &stdout,
		limits:   opts.Limits,
	}, nil
}

type module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	modCfg   wazero.ModuleConfig
	instCtx  context.Context
	meter    *fuelMeter
	stdout   *bytes.Buffer
	limits   engine.ResourceLimits
}

// Run instantiates the compiled module, which invokes its _start entry
// point with stdin bound and stdout captured, under the wall-clock and
// instruction budgets.
func (m *module) Run(ctx context.Context) (engine.Result, error) {
	deadline := time.Duration(m.limits.MaxExecutionSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(m.instCtx, deadline)
	defer cancel()

	inst, err := m.runtime.InstantiateModule(runCtx, m.compiled, m.modCfg)
	if inst != nil {
		defer inst.Close(ctx)
	}
	if err != nil {
		if runCtx.Err() != nil {
			return engine.Result{TimedOut: true, InstructionsUsed: m.meter.used()}, nil
		}
		if errors.Is(err, errFuelExhausted) || strings.Contains(err.Error(), errFuelExhausted.Error()) {
			return engine.Result{Trapped: true, InstructionsUsed: m.meter.used(), Error: errFuelExhausted.Error()}, nil
		}
		return engine.Result{Trapped: true, InstructionsUsed: m.meter.used(), Error: err.Error()}, nil
	}

	return engine.Result{
		Stdout:           m.stdout.Bytes(),
		InstructionsUsed: m.meter.used(),
	}, nil
}

// Close tears down this instance's runtime (and with it the compiled
// module and host modules); the Engine-level compilation cache survives.
func (m *module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// fuelMeter approximates wasmtime-style fuel metering by counting
// function-call boundaries, since wazero exposes no native fuel counter.
// It traps (via a panic recovered by wazero and surfaced as an
// instantiation error) once the call count crosses budget.
type fuelMeter struct {
	budget uint64
	count  uint64
}

func (f *fuelMeter) used() uint64 {
	return atomic.LoadUint64(&f.count)
}

// NewFunctionListener implements experimental.FunctionListenerFactory.
func (f *fuelMeter) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	return f
}

// Before implements experimental.FunctionListener.
func (f *fuelMeter) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
	if atomic.AddUint64(&f.count, 1) > f.budget {
		panic(errFuelExhausted)
	}
}

// After implements experimental.FunctionListener.
func (f *fuelMeter) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {
}

// Abort implements experimental.FunctionListener.
func (f *fuelMeter) Abort(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error) {
}

type readerFunc func(p []byte) (int, error)

func (r readerFunc) Read(p []byte) (int, error) { return r(p) }
