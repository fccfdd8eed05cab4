// Package app assembles the Kaiseki runtime: session store, sandbox
// container runtime, session runtime, janitor, and the lifecycle supervisor
// that orders their startup and teardown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyf7685/kaiseki/internal/kaiseki/agent"
	"github.com/wyf7685/kaiseki/internal/kaiseki/config"
	"github.com/wyf7685/kaiseki/internal/kaiseki/lifecycle"
	"github.com/wyf7685/kaiseki/internal/kaiseki/sandbox"
	"github.com/wyf7685/kaiseki/internal/kaiseki/sandbox/docker"
	"github.com/wyf7685/kaiseki/internal/kaiseki/session"
	"github.com/wyf7685/kaiseki/internal/kaiseki/store"
)

// App is the assembled Kaiseki runtime.
type App struct {
	cfg      *config.Config
	life     *lifecycle.Manager
	store    *store.Store
	sessions *session.Runtime
	janitor  *session.Janitor
	health   *HealthServer
}

// New wires the application from configuration. The lifecycle manager is
// created but not started; Run drives it.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	containers, err := docker.New()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: docker runtime: %w", err)
	}

	memBytes, err := cfg.Sandbox.MemoryBytes()
	if err != nil {
		st.Close()
		return nil, err
	}

	agents := agent.Config{
		Runtime: containers,
		Loader:  agent.FileLoader{Dir: cfg.DatasetDir},
		Image:   cfg.Sandbox.Image,
		Limits: sandbox.Limits{
			MemoryBytes:  memBytes,
			CPUShares:    cfg.Sandbox.CPUShares,
			ExecTimeout:  cfg.Sandbox.ExecTimeout,
			PollInterval: cfg.Sandbox.PollInterval,
		},
		ArtifactDir: cfg.ArtifactDir,
	}

	sessions, err := session.NewRuntime(session.Config{
		StateDir:      cfg.StateDir,
		BuildResource: agents.Factory(),
		Registry:      st,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		life:     lifecycle.New(lifecycle.Config{}),
		store:    st,
		sessions: sessions,
		janitor: session.NewJanitor(sessions, session.JanitorConfig{
			Interval: cfg.Session.SweepInterval,
			IdleTTL:  cfg.Session.IdleTTL,
		}),
	}
	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, st, sessions)
	}

	a.registerHooks()
	return a, nil
}

// registerHooks orders the runtime's phases. Shutdown hooks run in reverse
// registration order, so the store closes after every session has been
// checkpointed and torn down.
func (a *App) registerHooks() {
	a.life.OnStartup(func(ctx context.Context) error {
		for _, dir := range []string{a.cfg.StateDir, a.cfg.ArtifactDir} {
			if dir == "" {
				continue
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("app: create %s: %w", dir, err)
			}
		}
		return nil
	})

	a.life.OnReady(func(ctx context.Context) error {
		return a.life.Spawn("session-janitor", a.janitor.Run)
	})

	a.life.OnShutdown(func(ctx context.Context) error {
		slog.Info("closing session store")
		return a.store.Close()
	})
	a.life.OnShutdown(func(ctx context.Context) error {
		a.sessions.DestroyAll(ctx)
		return nil
	})
}

// Sessions exposes the session runtime to the serving layer.
func (a *App) Sessions() *session.Runtime { return a.sessions }

// Lifecycle exposes the lifecycle manager, mainly for spawning extra
// background tasks from the serving layer.
func (a *App) Lifecycle() *lifecycle.Manager { return a.life }

// Run starts the runtime and blocks until an interrupt signal arrives, then
// shuts everything down in order.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.life.Startup(ctx); err != nil {
		return err
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("kaiseki is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return a.life.Shutdown(ctx)
}

// Stop tears the runtime down if Run's signal path was bypassed. Safe to
// call after a completed shutdown.
func (a *App) Stop() {
	if a.health != nil {
		a.health.Stop()
	}
	if a.life.State() == lifecycle.StateStarted {
		if err := a.life.Shutdown(context.Background()); err != nil {
			slog.Warn("app: shutdown", "err", err)
		}
	}
}
