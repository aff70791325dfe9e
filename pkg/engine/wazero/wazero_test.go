package wazero

import (
	"context"
	"math/rand"
	"testing"

	"github.com/cuemby/outlayer/pkg/engine"
	"github.com/stretchr/testify/require"
)

// emptyModule is a hand-encoded WASM binary exporting a memory and an
// empty _start function: (module (memory 1) (func (export "_start")))
var emptyModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // one function of type 0
	0x05, 0x03, 0x01, 0x00, 0x01, // memory: min 1 page
	0x07, 0x13, 0x02, // exports: "memory", "_start"
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code: empty body
}

// randModule fills 8 bytes from wasi random_get and writes them to stdout
// via fd_write, so tests can observe the configured entropy source:
//
//	(module
//	  (import "wasi_snapshot_preview1" "random_get" (func (param i32 i32) (result i32)))
//	  (import "wasi_snapshot_preview1" "fd_write" (func (param i32 i32 i32 i32) (result i32)))
//	  (memory (export "memory") 1)
//	  (func (export "_start")
//	    (drop (call 0 (i32.const 16) (i32.const 8)))   ;; random_get(buf=16, len=8)
//	    (i32.store (i32.const 0) (i32.const 16))       ;; iovec.base
//	    (i32.store (i32.const 4) (i32.const 8))        ;; iovec.len
//	    (drop (call 1 (i32.const 1) (i32.const 0) (i32.const 1) (i32.const 24)))))
var randModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32,i32)->i32, (i32,i32,i32,i32)->i32, ()->()
	0x01, 0x12, 0x03,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x00, 0x00,
	// imports: wasi_snapshot_preview1.random_get, wasi_snapshot_preview1.fd_write
	0x02, 0x47, 0x02,
	0x16, 0x77, 0x61, 0x73, 0x69, 0x5f, 0x73, 0x6e, 0x61, 0x70, 0x73, 0x68,
	0x6f, 0x74, 0x5f, 0x70, 0x72, 0x65, 0x76, 0x69, 0x65, 0x77, 0x31,
	0x0a, 0x72, 0x61, 0x6e, 0x64, 0x6f, 0x6d, 0x5f, 0x67, 0x65, 0x74, 0x00, 0x00,
	0x16, 0x77, 0x61, 0x73, 0x69, 0x5f, 0x73, 0x6e, 0x61, 0x70, 0x73, 0x68,
	0x6f, 0x74, 0x5f, 0x70, 0x72, 0x65, 0x76, 0x69, 0x65, 0x77, 0x31,
	0x08, 0x66, 0x64, 0x5f, 0x77, 0x72, 0x69, 0x74, 0x65, 0x00, 0x01,
	0x03, 0x02, 0x01, 0x02, // one function of type 2
	0x05, 0x03, 0x01, 0x00, 0x01, // memory: min 1 page
	0x07, 0x13, 0x02, // exports: "memory", "_start" (function index 2)
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x02,
	// code
	0x0a, 0x24, 0x01, 0x22, 0x00,
	0x41, 0x10, 0x41, 0x08, 0x10, 0x00, 0x1a, // random_get(16, 8); drop
	0x41, 0x00, 0x41, 0x10, 0x36, 0x02, 0x00, // mem[0] = 16
	0x41, 0x04, 0x41, 0x08, 0x36, 0x02, 0x00, // mem[4] = 8
	0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x18, 0x10, 0x01, 0x1a, // fd_write(1, 0, 1, 24); drop
	0x0b,
}

// bigMemoryModule is emptyModule but declaring a 32-page (2 MiB) minimum
// memory, for the memory-cap test.
var bigMemoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x20, // memory: min 32 pages
	0x07, 0x13, 0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	eng, err := New(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(ctx) })
	return eng
}

func testLimits(maxInstructions uint64) engine.ResourceLimits {
	return engine.ResourceLimits{
		MaxInstructions:     maxInstructions,
		MaxMemoryMB:         16,
		MaxExecutionSeconds: 10,
	}
}

func run(t *testing.T, eng *Engine, wasm []byte, opts engine.Options) engine.Result {
	t.Helper()
	ctx := context.Background()
	mod, err := eng.Instantiate(ctx, wasm, opts)
	require.NoError(t, err)
	defer mod.Close(ctx)

	result, err := mod.Run(ctx)
	require.NoError(t, err)
	return result
}

func TestRunWithinExactFuelBudgetSucceeds(t *testing.T) {
	eng := newTestEngine(t)

	// The empty module's only metered event is the _start invocation
	// itself: a budget of exactly one covers it to the last unit.
	result := run(t, eng, emptyModule, engine.Options{Limits: testLimits(1)})
	require.False(t, result.Trapped)
	require.False(t, result.TimedOut)
	require.Equal(t, uint64(1), result.InstructionsUsed)
}

func TestRunOverFuelBudgetTraps(t *testing.T) {
	eng := newTestEngine(t)

	result := run(t, eng, emptyModule, engine.Options{Limits: testLimits(0)})
	require.True(t, result.Trapped)
	require.Contains(t, result.Error, "instruction budget exhausted")
}

func TestDeterministicSeedReproducesOutput(t *testing.T) {
	eng := newTestEngine(t)

	seeded := func(seed int64) engine.Options {
		return engine.Options{
			Limits:        testLimits(100),
			Deterministic: true,
			Random:        rand.New(rand.NewSource(seed)).Read,
		}
	}

	first := run(t, eng, randModule, seeded(42))
	second := run(t, eng, randModule, seeded(42))
	require.Len(t, first.Stdout, 8)
	require.Equal(t, first.Stdout, second.Stdout, "same seed must reproduce the same output")

	other := run(t, eng, randModule, seeded(43))
	require.NotEqual(t, first.Stdout, other.Stdout, "a different seed must change the output")
}

func TestHostEntropyWithoutSeed(t *testing.T) {
	eng := newTestEngine(t)

	first := run(t, eng, randModule, engine.Options{Limits: testLimits(100)})
	second := run(t, eng, randModule, engine.Options{Limits: testLimits(100)})
	require.Len(t, first.Stdout, 8)
	require.NotEqual(t, first.Stdout, second.Stdout, "host entropy must not repeat across runs")
}

func TestMemoryOverCapIsRejected(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// 1 MB cap = 16 pages; the module declares a 32-page minimum.
	opts := engine.Options{Limits: engine.ResourceLimits{
		MaxInstructions:     100,
		MaxMemoryMB:         1,
		MaxExecutionSeconds: 10,
	}}
	mod, err := eng.Instantiate(ctx, bigMemoryModule, opts)
	if err != nil {
		return // rejected at compile time
	}
	defer mod.Close(ctx)

	result, err := mod.Run(ctx)
	require.NoError(t, err)
	require.True(t, result.Trapped, "a module demanding memory over the cap must not run")
}
