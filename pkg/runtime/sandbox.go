// Package runtime implements the Worker's compile sandbox: a
// network-isolated, resource-capped containerd container with a
// read-only root and a single writable scratch directory, used to build
// a job's GitHub code source into a WASM target. One container is
// created per compile job and deleted when the build exits.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/outlayer/pkg/types"
)

const (
	// Namespace is the containerd namespace the compile sandbox runs in.
	Namespace = "outlayer-compile"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// StderrTailBytes bounds the stderr captured into a failed job's error detail.
	StderrTailBytes = 4096
)

// Sandbox runs compile jobs inside containerd containers with no
// outbound networking, CPU/memory caps, and a read-only rootfs except a
// scratch directory.
//
// The repository is cloned on the host (where the worker already has
// egress) into a directory bind-mounted read-only into the sandbox; the
// sandboxed process only ever runs the build command, so untrusted build
// scripts get no network at all.
type Sandbox struct {
	client *containerd.Client
}

// NewSandbox dials the containerd socket at socketPath (DefaultSocketPath if empty).
func NewSandbox(socketPath string) (*Sandbox, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}
	return &Sandbox{client: client}, nil
}

// Close releases the containerd client connection.
func (s *Sandbox) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CompileSpec describes a single compile job's build invocation.
type CompileSpec struct {
	JobID string

	BuilderImage string // image ref carrying the toolchain for BuildTarget
	Repo         string
	Commit       string
	BuildTarget  types.BuildTarget

	CPUCores  float64
	MemoryMB  int
	Timeout   time.Duration
}

// CompileResult is the outcome of a single Compile call.
type CompileResult struct {
	WasmBytes []byte
	Stdout    []byte
	StderrTail []byte
	ExitCode  int64
}

// buildCommand returns the in-container shell command that builds
// /workspace (the host-cloned, read-only-mounted checkout) into
// /scratch/out.wasm for target.
func buildCommand(target types.BuildTarget) []string {
	return []string{
		"/bin/sh", "-c",
		fmt.Sprintf("cd /workspace && outlayer-build --target %s --out /scratch/out.wasm", target),
	}
}

// Compile clones spec.Repo at spec.Commit on the host, then runs the
// build inside a network-isolated, read-only-rootfs container with CPU
// and memory caps, returning the built WASM bytes on success. A non-zero
// exit or a build process that never produces /scratch/out.wasm is
// reported as an error carrying the stderr tail; the caller (the Worker's
// compile path) is responsible for turning that into a
// compilation_failed job outcome.
func (s *Sandbox) Compile(ctx context.Context, spec CompileSpec) (*CompileResult, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	workDir, err := os.MkdirTemp("", "outlayer-compile-")
	if err != nil {
		return nil, fmt.Errorf("runtime: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcDir := filepath.Join(workDir, "src")
	scratchDir := filepath.Join(workDir, "scratch")
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("runtime: create scratch dir: %w", err)
	}
	if err := cloneRepo(ctx, spec.Repo, spec.Commit, srcDir); err != nil {
		return nil, fmt.Errorf("runtime: clone %s@%s: %w", spec.Repo, spec.Commit, err)
	}

	image, err := s.client.GetImage(ctx, spec.BuilderImage)
	if err != nil {
		image, err = s.client.Pull(ctx, spec.BuilderImage, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("runtime: pull builder image %s: %w", spec.BuilderImage, err)
		}
	}

	containerID := "compile-" + spec.JobID
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(buildCommand(spec.BuildTarget)...),
		oci.WithRootFSReadonly(),
		// Give the container its own, never-configured network namespace:
		// no bridge or veth is attached, so the only interface present is
		// loopback. This is the isolation, not a firewall rule on top of
		// host networking.
		oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}),
		oci.WithMounts([]specs.Mount{
			{Source: srcDir, Destination: "/workspace", Type: "bind", Options: []string{"ro", "bind"}},
			{Source: scratchDir, Destination: "/scratch", Type: "bind", Options: []string{"rbind"}},
		}),
	}
	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMB)*1024*1024))
	}

	container, err := s.client.NewContainer(ctx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: create container: %w", err)
	}
	defer func() {
		_ = container.Delete(context.Background(), containerd.WithSnapshotCleanup)
	}()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("runtime: create task: %w", err)
	}
	defer func() {
		_, _ = task.Delete(context.Background())
	}()

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: wait on task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("runtime: start task: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var exitCode uint32
	select {
	case status := <-exitCh:
		exitCode = status.ExitCode()
	case <-timer.C:
		_ = task.Kill(ctx, syscall.SIGKILL)
		<-exitCh
		return nil, fmt.Errorf("runtime: compile timed out after %s", timeout)
	case <-ctx.Done():
		_ = task.Kill(context.Background(), syscall.SIGKILL)
		return nil, ctx.Err()
	}

	tail := tailBytes(stderr.Bytes(), StderrTailBytes)
	if exitCode != 0 {
		return &CompileResult{Stdout: stdout.Bytes(), StderrTail: tail, ExitCode: int64(exitCode)},
			fmt.Errorf("runtime: build exited %d: %s", exitCode, tail)
	}

	wasmPath := filepath.Join(scratchDir, "out.wasm")
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return &CompileResult{Stdout: stdout.Bytes(), StderrTail: tail, ExitCode: int64(exitCode)},
			fmt.Errorf("runtime: read build output: %w", err)
	}

	return &CompileResult{
		WasmBytes:  wasmBytes,
		Stdout:     stdout.Bytes(),
		StderrTail: tail,
		ExitCode:   int64(exitCode),
	}, nil
}

// cloneRepo clones repo at commit into dst using the host git binary —
// the one outbound-network step in the compile path, performed before
// the sandboxed, network-isolated build.
func cloneRepo(ctx context.Context, repo, commit, dst string) error {
	clone := exec.CommandContext(ctx, "git", "clone", "--no-checkout", repo, dst)
	if out, err := clone.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone: %w: %s", err, out)
	}
	checkout := exec.CommandContext(ctx, "git", "-C", dst, "checkout", "--detach", commit)
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout %s: %w: %s", commit, err, out)
	}
	return nil
}

func tailBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
