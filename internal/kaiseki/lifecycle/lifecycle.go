// Package lifecycle sequences process-wide resource bring-up and tear-down
// and hosts long-lived background work.
//
// A Manager owns one supervisor scope. Registered hooks run in named phases:
// startup and ready hooks race each other within their phase and fail fast;
// shutdown hooks run strictly in reverse registration order and are
// best-effort. Background tasks spawned through the manager are joined
// before the manager considers itself stopped.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a Manager. Exactly one forward path
// exists; no state is re-enterable.
type State int

const (
	StateInitial State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Hook is a zero-argument effectful callable run during a lifecycle phase.
// The context is the manager's supervisor context for startup/ready hooks
// and a cancellation-shielded context for shutdown hooks.
type Hook func(ctx context.Context) error

// DefaultPoolSize is the background task pool capacity when Config.PoolSize
// is zero.
const DefaultPoolSize = 64

// Config tunes a Manager.
type Config struct {
	// PoolSize caps the number of concurrently running background tasks.
	PoolSize int
}

// Manager sequences startup/ready/shutdown hook phases and supervises
// background tasks. Construct with New and inject by reference everywhere a
// component registers hooks or spawns work; the zero value is not usable.
type Manager struct {
	mu     sync.Mutex
	state  State
	failed bool

	startupHooks  []Hook
	readyHooks    []Hook
	shutdownHooks []Hook

	ctx    context.Context
	cancel context.CancelFunc
	pool   *ants.Pool
	tasks  sync.WaitGroup
	calls  chan blockingCall

	poolSize int
}

type blockingCall struct {
	fn   Hook
	done chan error
}

// New creates a Manager in StateInitial with no hooks registered.
func New(cfg Config) *Manager {
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Manager{poolSize: size}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStartup registers a hook for the startup phase. When the manager has
// already reached StateStarted the hook is scheduled to run immediately in
// the background instead of being deferred.
func (m *Manager) OnStartup(hook Hook) {
	m.registerEager(&m.startupHooks, "late-startup-hook", hook)
}

// OnReady registers a hook for the ready phase, with the same late
// registration behaviour as OnStartup.
func (m *Manager) OnReady(hook Hook) {
	m.registerEager(&m.readyHooks, "late-ready-hook", hook)
}

// OnShutdown registers a hook for the shutdown phase. Shutdown hooks run
// exactly once, at Shutdown, in reverse registration order; registering one
// late simply queues it for that single run.
func (m *Manager) OnShutdown(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, hook)
}

func (m *Manager) registerEager(slot *[]Hook, name string, hook Hook) {
	m.mu.Lock()
	started := m.state == StateStarted && !m.failed
	if !started {
		*slot = append(*slot, hook)
	}
	m.mu.Unlock()

	if started {
		if err := m.Spawn(name, hook); err != nil {
			slog.Error("lifecycle: could not schedule late hook", "name", name, "err", err)
		}
	}
}

// Startup transitions Initial → Starting, runs all startup hooks
// concurrently (fail-fast: a failing hook cancels its siblings and aborts
// startup), transitions to Started, then runs ready hooks the same way.
// A Manager whose Startup failed is unusable; calling Shutdown on it is a
// precondition violation.
func (m *Manager) Startup(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInitial {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: startup requires state initial, manager is %s", state)
	}
	m.state = StateStarting

	pool, err := ants.NewPool(m.poolSize)
	if err != nil {
		m.failed = true
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: create task pool: %w", err)
	}
	m.pool = pool
	// The supervisor scope deliberately does not inherit the caller's
	// context: background tasks outlive the Startup call and are only
	// cancelled by Shutdown.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.calls = make(chan blockingCall)
	go m.dispatch()

	startup := append([]Hook(nil), m.startupHooks...)
	m.mu.Unlock()

	if err := m.runPhase(ctx, startup); err != nil {
		m.fail()
		return fmt.Errorf("lifecycle: startup hook: %w", err)
	}

	m.mu.Lock()
	m.state = StateStarted
	ready := append([]Hook(nil), m.readyHooks...)
	m.mu.Unlock()
	slog.Info("lifecycle: started", "startup_hooks", len(startup), "ready_hooks", len(ready))

	if err := m.runPhase(ctx, ready); err != nil {
		m.fail()
		return fmt.Errorf("lifecycle: ready hook: %w", err)
	}
	return nil
}

// runPhase runs hooks as concurrent siblings and waits for all of them.
// The first failure cancels the rest and is returned.
func (m *Manager) runPhase(ctx context.Context, hooks []Hook) error {
	if len(hooks) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, hook := range hooks {
		g.Go(func() error { return hook(gctx) })
	}
	return g.Wait()
}

func (m *Manager) fail() {
	m.mu.Lock()
	m.failed = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown transitions to Stopping, runs shutdown hooks in strictly reverse
// registration order inside a region shielded from the caller's
// cancellation, then cancels the supervisor scope, joins all background
// tasks, and transitions to Stopped. Hook failures are logged and do not
// stop remaining hooks.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.failed {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: shutdown called on a manager whose startup failed")
	}
	if m.state != StateStarting && m.state != StateStarted {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: shutdown requires state starting or started, manager is %s", state)
	}
	m.state = StateStopping
	hooks := append([]Hook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	// Shutdown must complete even when the caller is already being
	// cancelled; persistence and unwind work run under this shield.
	shield := context.WithoutCancel(ctx)
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := runHookSafely(shield, hooks[i]); err != nil {
			slog.Error("lifecycle: shutdown hook failed", "index", i, "err", err)
		}
	}

	m.cancel()
	m.tasks.Wait()
	m.pool.Release()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	slog.Info("lifecycle: stopped", "shutdown_hooks", len(hooks))
	return nil
}

// Spawn schedules task as a child of the supervisor scope. Task failures
// are logged only; they never propagate to the caller and never abort the
// manager. The returned error covers scheduling problems only (manager not
// running).
func (m *Manager) Spawn(name string, task Hook) error {
	m.mu.Lock()
	if m.state != StateStarting && m.state != StateStarted || m.failed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: spawn %q: manager is %s", name, state)
	}
	pool, ctx := m.pool, m.ctx
	m.mu.Unlock()

	m.tasks.Add(1)
	err := pool.Submit(func() {
		defer m.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("lifecycle: background task panicked", "name", name, "panic", r)
			}
		}()
		if err := task(ctx); err != nil {
			slog.Error("lifecycle: background task failed", "name", name, "err", err)
		}
	})
	if err != nil {
		m.tasks.Done()
		return fmt.Errorf("lifecycle: spawn %q: %w", name, err)
	}
	return nil
}

// RunBlocking is the sanctioned bridge from a foreign OS thread (or any
// goroutine outside the supervisor) into the manager's scheduling context.
// fn is enqueued onto the manager's dispatcher; the call blocks until fn
// has completed and returns fn's error.
func (m *Manager) RunBlocking(fn Hook) error {
	m.mu.Lock()
	if m.state != StateStarting && m.state != StateStarted || m.failed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: run blocking: manager is %s", state)
	}
	calls, ctx := m.calls, m.ctx
	m.mu.Unlock()

	done := make(chan error, 1)
	select {
	case calls <- blockingCall{fn: fn, done: done}:
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: run blocking: manager stopping")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: run blocking: manager stopped before completion")
	}
}

// dispatch services RunBlocking calls serially until the supervisor scope
// is cancelled.
func (m *Manager) dispatch() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case c := <-m.calls:
			c.done <- runHookSafely(m.ctx, c.fn)
		}
	}
}

func runHookSafely(ctx context.Context, hook Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(ctx)
}
