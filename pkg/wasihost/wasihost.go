// Package wasihost implements the Worker's custom host functions
// registered alongside WASI preview-1: per-project encrypted storage and
// a sandboxed outbound-HTTP capability for WASI preview-2 targets. Random
// bytes are not a host function here; guests get them through WASI's
// random_get, fed by the engine's configured random source. It also builds the deterministic environment-variable table
// injected into every execution.
package wasihost

import (
	"context"
	"fmt"

	"github.com/cuemby/outlayer/pkg/engine"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const hostModuleName = "outlayer"

// Register installs the storage and outbound-HTTP host functions into
// runtime's "outlayer" module. Either capability may be nil, in which
// case calls into it return 0, the same failure status as any other error.
func Register(ctx context.Context, runtime wazero.Runtime, storage engine.StorageHost, http engine.HTTPHost) error {
	builder := runtime.NewHostModuleBuilder(hostModuleName)

	builder = builder.NewFunctionBuilder().
		WithFunc(storageGetFunc(storage)).
		Export("storage_get")

	builder = builder.NewFunctionBuilder().
		WithFunc(storageSetFunc(storage)).
		Export("storage_set")

	builder = builder.NewFunctionBuilder().
		WithFunc(storageSetIfEqualsFunc(storage)).
		Export("storage_set_if_equals")

	builder = builder.NewFunctionBuilder().
		WithFunc(httpDoFunc(http)).
		Export("http_do")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("wasihost: instantiate host module: %w", err)
	}
	return nil
}

// The host functions below follow the WASM/host ABI convention of
// (ptr, len) pairs for guest memory and a single uint64 status/handle
// return; the guest-side SDK (out of scope for this repository) is
// responsible for marshaling Go-native arguments into this shape.

func storageGetFunc(storage engine.StorageHost) func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
	return func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
		if storage == nil {
			return 0
		}
		key, ok := mod.Memory().Read(keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, found, err := storage.Get(ctx, string(key))
		if err != nil || !found {
			return 0
		}
		return writeResultToGuestMemory(mod, value)
	}
}

func storageSetFunc(storage engine.StorageHost) func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint64 {
	return func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint64 {
		if storage == nil {
			return 0
		}
		key, ok := mod.Memory().Read(keyPtr, keyLen)
		if !ok {
			return 0
		}
		val, ok := mod.Memory().Read(valPtr, valLen)
		if !ok {
			return 0
		}
		if err := storage.Set(ctx, string(key), val); err != nil {
			return 0
		}
		return 1
	}
}

func storageSetIfEqualsFunc(storage engine.StorageHost) func(ctx context.Context, mod api.Module, keyPtr, keyLen, expPtr, expLen, valPtr, valLen uint32) uint64 {
	return func(ctx context.Context, mod api.Module, keyPtr, keyLen, expPtr, expLen, valPtr, valLen uint32) uint64 {
		if storage == nil {
			return 0
		}
		key, ok := mod.Memory().Read(keyPtr, keyLen)
		if !ok {
			return 0
		}
		expected, ok := mod.Memory().Read(expPtr, expLen)
		if !ok {
			return 0
		}
		val, ok := mod.Memory().Read(valPtr, valLen)
		if !ok {
			return 0
		}
		swapped, err := storage.SetIfEquals(ctx, string(key), expected, val)
		if err != nil || !swapped {
			return 0
		}
		return 1
	}
}

func httpDoFunc(httpHost engine.HTTPHost) func(ctx context.Context, mod api.Module, urlPtr, urlLen, bodyPtr, bodyLen uint32, timeoutSeconds uint32) uint64 {
	return func(ctx context.Context, mod api.Module, urlPtr, urlLen, bodyPtr, bodyLen uint32, timeoutSeconds uint32) uint64 {
		if httpHost == nil {
			return 0
		}
		url, ok := mod.Memory().Read(urlPtr, urlLen)
		if !ok {
			return 0
		}
		body, ok := mod.Memory().Read(bodyPtr, bodyLen)
		if !ok {
			return 0
		}
		_, respBody, err := httpHost.Do(ctx, "POST", string(url), body, int(timeoutSeconds))
		if err != nil {
			return 0
		}
		return writeResultToGuestMemory(mod, respBody)
	}
}

// writeResultToGuestMemory writes data into the guest's scratch region at
// a fixed offset reserved by the guest SDK's calling convention and
// returns a packed (ptr<<32 | len) handle.
func writeResultToGuestMemory(mod api.Module, data []byte) uint64 {
	const scratchOffset = 1 << 20 // 1 MiB in: reserved scratch region
	if !mod.Memory().Write(scratchOffset, data) {
		return 0
	}
	return uint64(scratchOffset)<<32 | uint64(len(data))
}
