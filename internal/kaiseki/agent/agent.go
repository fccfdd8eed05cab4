// Package agent implements the per-session analysis resource. An Agent
// binds a dataset into an isolated sandbox, proxies generated code into it,
// and carries the conversation state that is checkpointed between
// operations.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wyf7685/kaiseki/internal/kaiseki/sandbox"
	"github.com/wyf7685/kaiseki/internal/kaiseki/session"
)

// DatasetLoader resolves a dataset reference from the descriptor into raw
// bytes plus the file extension the sandbox stages it under.
type DatasetLoader interface {
	Load(ctx context.Context, ref string) (data []byte, ext string, err error)
}

// FileLoader resolves dataset references as file names under a fixed
// directory. References are not allowed to escape it.
type FileLoader struct {
	Dir string
}

func (l FileLoader) Load(_ context.Context, ref string) ([]byte, string, error) {
	name := filepath.Base(ref)
	if name == "." || name == string(filepath.Separator) {
		return nil, "", fmt.Errorf("invalid dataset reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(l.Dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("load dataset %q: %w", ref, err)
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		ext = "csv"
	}
	return data, ext, nil
}

// Config carries everything a fresh agent needs besides its descriptor.
type Config struct {
	Runtime sandbox.ContainerRuntime
	Loader  DatasetLoader
	Image   string
	Limits  sandbox.Limits
	// ArtifactDir receives binary artifacts (figures) produced by
	// executions; their paths are tracked in the session's auxiliary map.
	ArtifactDir string
}

// Factory adapts the config into the constructor the session runtime
// injects. Each call builds a fully independent agent with its own sandbox
// and seed.
func (c Config) Factory() session.ResourceFactory {
	return func(ctx context.Context, d session.Descriptor) (session.Resource, error) {
		return New(ctx, c, d)
	}
}

// Agent is the expensive, descriptor-keyed object one session operates on.
// It satisfies session.Resource.
type Agent struct {
	descriptor  session.Descriptor
	seed        uint64
	exec        *sandbox.Executor
	artifactDir string

	mu           sync.Mutex
	conversation json.RawMessage
	auxiliary    map[string]string
	figureCount  int
}

// New loads the descriptor's primary dataset into a fresh sandbox. The
// sandbox container itself starts lazily on the first execution.
func New(ctx context.Context, cfg Config, d session.Descriptor) (*Agent, error) {
	if len(d.DatasetRefs) == 0 {
		return nil, fmt.Errorf("agent: descriptor for %q has no dataset references", d.SessionKey)
	}
	data, ext, err := cfg.Loader.Load(ctx, d.DatasetRefs[0])
	if err != nil {
		return nil, err
	}
	exec, err := sandbox.New(cfg.Runtime, cfg.Image, data, ext, cfg.Limits)
	if err != nil {
		return nil, err
	}
	return &Agent{
		descriptor:  d,
		seed:        rand.Uint64(),
		exec:        exec,
		artifactDir: cfg.ArtifactDir,
		auxiliary:   map[string]string{},
	}, nil
}

// Descriptor returns the descriptor the agent was built from.
func (a *Agent) Descriptor() session.Descriptor { return a.descriptor }

// Seed returns the seed the agent's randomness was initialized with.
func (a *Agent) Seed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seed
}

// RunCode executes one piece of generated code in the agent's sandbox.
// A figure in the envelope is saved to the artifact directory and tracked
// in the auxiliary map so it survives checkpointing.
func (a *Agent) RunCode(ctx context.Context, code string) (*sandbox.Envelope, error) {
	env, err := a.exec.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	if env.HasFigure && a.artifactDir != "" {
		if err := a.saveFigure(env.FigureBytes); err != nil {
			slog.Warn("agent: could not save figure artifact",
				"session", a.descriptor.SessionKey, "err", err)
		}
	}
	return env, nil
}

func (a *Agent) saveFigure(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.figureCount++
	name := fmt.Sprintf("figure-%d", a.figureCount)
	path := filepath.Join(a.artifactDir,
		fmt.Sprintf("%s-%s.png", sanitizeKey(a.descriptor.SessionKey), name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	a.auxiliary[name] = path
	return nil
}

// sanitizeKey flattens a session key into a safe file name fragment.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

// SetConversation replaces the opaque conversation blob.
func (a *Agent) SetConversation(blob json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversation = append(json.RawMessage(nil), blob...)
}

// Conversation returns the current conversation blob.
func (a *Agent) Conversation() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(json.RawMessage(nil), a.conversation...)
}

// Restore rehydrates a rebuilt agent from a prior checkpoint. The recorded
// seed replaces the fresh one so reruns reproduce earlier behaviour.
func (a *Agent) Restore(state session.PersistedState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversation = append(json.RawMessage(nil), state.Values...)
	a.auxiliary = map[string]string{}
	for k, v := range state.Auxiliary {
		a.auxiliary[k] = v
	}
	if state.ResourceSeed != 0 {
		a.seed = state.ResourceSeed
	}
}

// Snapshot produces the checkpoint written on every session operation exit.
func (a *Agent) Snapshot() session.PersistedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	aux := make(map[string]string, len(a.auxiliary))
	for k, v := range a.auxiliary {
		aux[k] = v
	}
	values := a.conversation
	if len(values) == 0 {
		values = json.RawMessage("null")
	}
	return session.PersistedState{
		Values:       append(json.RawMessage(nil), values...),
		Auxiliary:    aux,
		ResourceSeed: a.seed,
	}
}

// Close tears down the sandbox container and scratch directory.
func (a *Agent) Close(ctx context.Context) error {
	return a.exec.Close(ctx)
}

var _ session.Resource = (*Agent)(nil)
