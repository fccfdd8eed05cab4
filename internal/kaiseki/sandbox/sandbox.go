// Package sandbox executes untrusted generated code inside an isolated,
// resource-bounded container, against a dataset bound at construction time,
// and returns a structured result envelope.
//
// The executor and the container communicate through the scratch directory:
// the dataset is written once at construction (data.<ext>), each Execute
// call writes input.py, and the container side writes output.json when the
// run finishes. Executed code never reaches the network and cannot exceed
// its memory or CPU budget.
package sandbox

import (
	"context"
	"time"
)

// Filesystem contract inside the scratch directory.
const (
	// DataFileBase is the dataset file name without extension.
	DataFileBase = "data"
	// InputFileName receives the generated code, one run at a time.
	InputFileName = "input.py"
	// OutputFileName is the result marker the container writes once per
	// run; the executor deletes it after reading.
	OutputFileName = "output.json"

	// MountPath is where the scratch directory appears inside the
	// container.
	MountPath = "/workspace"
)

// EntryCommand is the fixed container entry point: a loop that waits for
// input files to appear in the mounted scratch directory.
var EntryCommand = []string{"kaiseki-runner", "--watch", MountPath}

// Limits bounds one sandbox execution environment.
type Limits struct {
	// MemoryBytes is the container memory ceiling.
	MemoryBytes int64
	// CPUShares is the relative CPU weight.
	CPUShares int64
	// ExecTimeout bounds the wait for a single execution's output.
	// Defaults to 60s.
	ExecTimeout time.Duration
	// PollInterval is how often the output marker is checked for.
	// Defaults to 200ms.
	PollInterval time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.ExecTimeout <= 0 {
		l.ExecTimeout = 60 * time.Second
	}
	if l.PollInterval <= 0 {
		l.PollInterval = 200 * time.Millisecond
	}
	return l
}

// LaunchSpec describes the container a Handle is created from.
type LaunchSpec struct {
	// Name is the container name.
	Name string
	// Image is the sandbox image reference.
	Image string
	// Cmd is the fixed entry command.
	Cmd []string
	// ScratchDir is bind-mounted read-write at MountPath.
	ScratchDir string
	// MemoryBytes and CPUShares are the applied resource limits.
	MemoryBytes int64
	CPUShares   int64
}

// Handle identifies one running sandbox container. It lives for the
// lifetime of one Executor and never serves two overlapping executions.
type Handle struct {
	ID              string
	ScratchDir      string
	MemoryBytes     int64
	CPUShares       int64
	NetworkDisabled bool
}

// ContainerRuntime launches and stops sandbox containers. The Docker
// Engine adapter lives in the docker subpackage; tests substitute fakes.
type ContainerRuntime interface {
	// Launch creates and starts a container per spec, with networking
	// disabled. Launch failure is fatal to the executor.
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	// Stop gracefully stops the container with a short grace period.
	// Stopping an already-gone container is not an error.
	Stop(ctx context.Context, h Handle) error
}
