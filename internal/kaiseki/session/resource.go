package session

import (
	"context"
	"encoding/json"
	"time"
)

// Resource is the expensive, descriptor-keyed object a session operates on.
// The concrete implementation is agent.Agent; the runtime only needs to
// snapshot, seed, and tear it down.
type Resource interface {
	// Snapshot returns the serializable state to persist for this session.
	Snapshot() PersistedState
	// Seed is the random seed the resource was constructed with, recorded
	// so a rebuilt resource can reproduce prior behaviour.
	Seed() uint64
	// Close releases everything the resource owns (sandbox container,
	// scratch files). Called once, during teardown.
	Close(ctx context.Context) error
}

// ResourceFactory builds a fresh resource from a descriptor. Injected so
// the runtime stays independent of the concrete agent implementation.
type ResourceFactory func(ctx context.Context, d Descriptor) (Resource, error)

// PersistedState is the crash-safe snapshot written on every exit from a
// session operation and best-effort on process shutdown.
type PersistedState struct {
	// Values is the opaque conversation blob.
	Values json.RawMessage `json:"values"`
	// Auxiliary maps artifact names to their on-disk paths.
	Auxiliary map[string]string `json:"auxiliary"`
	// ResourceSeed reproduces the resource's randomness on rebuild.
	ResourceSeed uint64 `json:"resource_seed"`
}

// Registry is the subset of the store the runtime records session metadata
// in. Registry failures are logged, never escalated; a nil Registry
// disables registry bookkeeping entirely.
type Registry interface {
	UpsertSession(ctx context.Context, key string, descriptorHash uint64, status, statePath string) error
	TouchSession(ctx context.Context, key string, lastUsed time.Time) error
	DeleteSession(ctx context.Context, key string) error
}
