package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/wyf7685/kaiseki/internal/kaiseki/metrics"
)

// ErrExecuteInFlight is returned when Execute is called while a previous
// call on the same executor is still pending. Exactly one request/response
// slot exists per executor; overlapping calls are a caller error and are
// not retried internally.
var ErrExecuteInFlight = errors.New("sandbox: execute already in flight")

// errOutputNotReady drives the poll loop; never escapes Execute.
var errOutputNotReady = errors.New("sandbox: output not ready")

// Executor owns one isolated container and a scratch directory and provides
// synchronous "submit code, await typed result" semantics. It is used by
// session-scoped operations as a tool; it has no dependency on the session
// or lifecycle layers.
type Executor struct {
	rt     ContainerRuntime
	image  string
	limits Limits

	scratchDir string
	dataExt    string

	mu     sync.Mutex
	handle *Handle
	closed bool

	busy atomic.Bool
}

// New writes dataset into a fresh scratch directory and records the limits.
// The container is not started until the first Execute (or an explicit
// Start).
func New(rt ContainerRuntime, image string, dataset []byte, dataExt string, limits Limits) (*Executor, error) {
	if rt == nil {
		return nil, fmt.Errorf("sandbox: container runtime is required")
	}
	scratch, err := os.MkdirTemp("", "kaiseki-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	dataName := DataFileBase + "." + dataExt
	if err := os.WriteFile(filepath.Join(scratch, dataName), dataset, 0o644); err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("sandbox: write dataset: %w", err)
	}
	return &Executor{
		rt:         rt,
		image:      image,
		limits:     limits.withDefaults(),
		scratchDir: scratch,
		dataExt:    dataExt,
	}, nil
}

// ScratchDir returns the executor's scratch directory.
func (e *Executor) ScratchDir() string { return e.scratchDir }

// Start launches the container if it is not already running. Idempotent.
// A launch failure means the sandbox itself is broken and is raised
// immediately; it is never folded into an envelope.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *Executor) startLocked(ctx context.Context) error {
	if e.closed {
		return fmt.Errorf("sandbox: executor is closed")
	}
	if e.handle != nil {
		return nil
	}
	h, err := e.rt.Launch(ctx, LaunchSpec{
		Name:        "kaiseki-sandbox-" + uuid.NewString(),
		Image:       e.image,
		Cmd:         EntryCommand,
		ScratchDir:  e.scratchDir,
		MemoryBytes: e.limits.MemoryBytes,
		CPUShares:   e.limits.CPUShares,
	})
	if err != nil {
		return fmt.Errorf("sandbox: start container: %w", err)
	}
	e.handle = &h
	slog.Info("sandbox: container started",
		"id", h.ID, "scratch", e.scratchDir, "memory", e.limits.MemoryBytes)
	return nil
}

// Execute runs one piece of generated code and returns its envelope.
// Syntax, timeout, and decode failures are represented inside the envelope
// (Success=false) so callers can always tell "my code was bad" from "the
// sandbox is broken"; only container start failures and caller errors
// surface as Go errors.
func (e *Executor) Execute(ctx context.Context, code string) (*Envelope, error) {
	// Pre-parse before touching the container: bad code should not cost
	// a container launch.
	if err := CheckSyntax(code); err != nil {
		metrics.SandboxExecutions.WithLabelValues("syntax").Inc()
		return &Envelope{Success: false, Error: err.Error()}, nil
	}

	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrExecuteInFlight
	}
	defer e.busy.Store(false)

	e.mu.Lock()
	err := e.startLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	outputPath := filepath.Join(e.scratchDir, OutputFileName)
	// A stale marker from a crashed previous run must not be mistaken for
	// this run's result.
	_ = os.Remove(outputPath)

	if err := os.WriteFile(filepath.Join(e.scratchDir, InputFileName), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: write input: %w", err)
	}

	raw, err := e.awaitOutput(ctx, outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.SandboxExecutions.WithLabelValues("timeout").Inc()
		return &Envelope{
			Success: false,
			Error:   fmt.Sprintf("execution timed out after %s", e.limits.ExecTimeout),
		}, nil
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		metrics.SandboxExecutions.WithLabelValues("decode").Inc()
		return &Envelope{Success: false, Error: err.Error()}, nil
	}
	if env.Success {
		metrics.SandboxExecutions.WithLabelValues("ok").Inc()
	} else {
		metrics.SandboxExecutions.WithLabelValues("failed").Inc()
	}
	return env, nil
}

// awaitOutput polls for the output marker until it appears or the execution
// timeout expires, then reads and deletes it.
func (e *Executor) awaitOutput(ctx context.Context, path string) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.limits.ExecTimeout)
	defer cancel()

	check := func() error {
		if _, err := os.Stat(path); err != nil {
			return errOutputNotReady
		}
		return nil
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(e.limits.PollInterval), waitCtx)
	if err := backoff.Retry(check, policy); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read output: %w", err)
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("sandbox: could not remove output marker", "path", path, "err", err)
	}
	return raw, nil
}

// Close stops the container with a short grace period and removes the
// scratch directory. Best-effort and safe to call multiple times.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.handle != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := e.rt.Stop(stopCtx, *e.handle); err != nil {
			slog.Warn("sandbox: container stop failed", "id", e.handle.ID, "err", err)
		}
		e.handle = nil
	}
	if err := os.RemoveAll(e.scratchDir); err != nil {
		return fmt.Errorf("sandbox: remove scratch dir: %w", err)
	}
	return nil
}
