// Package worker implements the Outlayer Worker: a long-running process
// that registers with a Coordinator, long-polls it for pending jobs, and
// claims a request_id's full job set atomically so a compile job and its
// dependent execute job always land on the same worker.
//
// Compile jobs clone the target repository on the host, build it inside a
// network-isolated containerd sandbox (pkg/runtime), and upload the
// resulting WASM to the Coordinator's content-addressed cache.
//
// Execute jobs resolve WASM bytes from the cache or a WasmUrl source,
// decrypt any referenced secret bundle through the Keystore under a fresh
// attestation quote, build the job's WASI environment (pkg/wasihost), and
// run the module under fuel/memory/time metering (pkg/engine). Every
// terminal outcome — success or one of the typed failure statuses — is
// reported back to the Coordinator; a successful execution's report also
// carries a signed attestation binding the job's input, wasm, and output
// hashes, while failure reports carry none.
package worker
