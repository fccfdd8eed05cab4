// Package session provides single-flight, resumable, cancellable access to
// one long-lived analysis resource per session key, with best-effort
// durability.
//
// A session is acquired exclusively for the duration of one unit of work:
// two operations never interleave on the same conversation. The second
// caller gets ErrBusy immediately rather than queueing, a deliberate
// backpressure choice. State is persisted on every exit path, including
// cancellation, under a cancellation shield.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wyf7685/kaiseki/common/trace"
	"github.com/wyf7685/kaiseki/internal/kaiseki/metrics"
)

// Config wires a Runtime.
type Config struct {
	// StateDir is where per-session state files are written.
	StateDir string
	// BuildResource constructs a fresh resource from a descriptor.
	BuildResource ResourceFactory
	// Registry records session metadata; nil disables registry writes.
	Registry Registry
}

// record is the per-key bookkeeping entry. The locked/cancel/cancelled
// fields are mutated only inside concurrent-map upsert callbacks (shard
// lock); resource and descriptorHash are mutated only while the caller
// holds the session guard, so no additional mutex is layered on top.
type record struct {
	locked    bool
	cancel    context.CancelFunc
	cancelled bool

	resource       Resource
	descriptorHash uint64
	lastUsed       time.Time
}

// Runtime manages all session records for one process. It is safe for
// concurrent use by any number of goroutines.
type Runtime struct {
	cfg     Config
	records cmap.ConcurrentMap[string, *record]
}

// NewRuntime creates a Runtime with no tracked sessions.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.BuildResource == nil {
		return nil, fmt.Errorf("session: Config.BuildResource is required")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("session: Config.StateDir is required")
	}
	return &Runtime{
		cfg:     cfg,
		records: cmap.New[*record](),
	}, nil
}

// Guard is the exclusive hold on one session record. Exactly one Guard per
// key exists at any instant; Release is idempotent.
type Guard struct {
	rt       *Runtime
	key      string
	released bool
}

// Key returns the session key the guard holds.
func (g *Guard) Key() string { return g.key }

// Release gives up the exclusive hold. Safe to call more than once.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.rt.records.Upsert(g.key, nil, func(exist bool, cur, _ *record) *record {
		if cur == nil {
			cur = &record{}
		}
		cur.locked = false
		return cur
	})
}

// Acquire takes the exclusive guard for key, creating the record on first
// use. It fails with ErrBusy immediately when another operation holds the
// key; it never queues.
func (r *Runtime) Acquire(key string) (*Guard, error) {
	acquired := false
	r.records.Upsert(key, nil, func(exist bool, cur, _ *record) *record {
		if cur == nil {
			cur = &record{}
		}
		if !cur.locked {
			cur.locked = true
			acquired = true
		}
		return cur
	})
	if !acquired {
		metrics.SessionOps.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("session %q: %w", key, ErrBusy)
	}
	return &Guard{rt: r, key: key}, nil
}

// GetOrCreate returns the session's resource, reusing the existing one when
// the descriptor hash is unchanged. A changed descriptor persists the old
// resource's state, tears it down (teardown failures are logged, not
// propagated), and constructs a fresh resource. The caller must hold the
// session's guard; the parameter type enforces that.
func (r *Runtime) GetOrCreate(ctx context.Context, g *Guard, d Descriptor) (Resource, error) {
	rec, _ := r.records.Get(g.key)
	hash := d.Hash()

	if rec != nil && rec.resource != nil {
		if rec.descriptorHash == hash {
			return rec.resource, nil
		}
		// Descriptor changed: the old resource is stale. Save what it
		// had and retire it before building the replacement.
		slog.Info("session: descriptor changed, rebuilding resource",
			"key", g.key, "old_hash", rec.descriptorHash, "new_hash", hash)
		if err := r.persist(ctx, g.key, rec.resource); err != nil {
			slog.Warn("session: persist before rebuild failed", "key", g.key, "err", err)
		}
		if err := rec.resource.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("session: stale resource teardown failed", "key", g.key, "err", err)
		}
		metrics.ResourceBuilds.WithLabelValues("teardown").Inc()
	}

	res, err := r.cfg.BuildResource(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("session %q: build resource: %w", g.key, err)
	}
	metrics.ResourceBuilds.WithLabelValues("build").Inc()

	r.records.Upsert(g.key, nil, func(exist bool, cur, _ *record) *record {
		if cur == nil {
			cur = &record{}
		}
		cur.resource = res
		cur.descriptorHash = hash
		return cur
	})

	if r.cfg.Registry != nil {
		statePath := StatePath(r.cfg.StateDir, g.key)
		if err := r.cfg.Registry.UpsertSession(ctx, g.key, hash, "active", statePath); err != nil {
			slog.Warn("session: registry upsert failed", "key", g.key, "err", err)
		}
	}
	return res, nil
}

// Body is one unit of session work. It receives a context that observes
// Cancel(key) at its next suspension point.
type Body func(ctx context.Context, res Resource) error

// UseScoped is the primary entry point: it acquires the session, builds or
// reuses the resource, runs body inside a cancellation scope, and on every
// exit path persists state under a cancellation shield before releasing the
// guard. When the scope was cancelled via Cancel, UseScoped returns
// ErrCancelled regardless of what body returned.
func (r *Runtime) UseScoped(ctx context.Context, key string, d Descriptor, body Body) (err error) {
	ctx = trace.Ensure(ctx)

	g, err := r.Acquire(key)
	if err != nil {
		return err
	}

	res, err := r.GetOrCreate(ctx, g, d)
	if err != nil {
		g.Release()
		metrics.SessionOps.WithLabelValues("error").Inc()
		return err
	}

	opCtx, cancelOp := context.WithCancel(ctx)
	r.records.Upsert(key, nil, func(exist bool, cur, _ *record) *record {
		if cur == nil {
			cur = &record{locked: true}
		}
		cur.cancel = cancelOp
		cur.cancelled = false
		return cur
	})

	var bodyErr error
	completed := false

	// Exit path: clear the cancel handle (capturing whether Cancel fired),
	// persist under a shield so cleanup is not cut short by the very
	// cancellation it responds to, then release the lock. Deferred so a
	// panicking body cannot leave the record locked or skip persistence;
	// the panic itself keeps unwinding after cleanup.
	defer func() {
		wasCancelled := false
		destroyed := false
		r.records.Upsert(key, nil, func(exist bool, cur, _ *record) *record {
			if !exist || cur == nil {
				// The session was torn down while the operation ran.
				// Do not resurrect it; the placeholder inserted here
				// is removed below.
				destroyed = true
				return &record{}
			}
			wasCancelled = cur.cancelled
			cur.cancel = nil
			cur.cancelled = false
			cur.lastUsed = time.Now()
			return cur
		})
		cancelOp()

		if destroyed {
			r.records.RemoveCb(key, func(_ string, v *record, exists bool) bool {
				return exists && v != nil && !v.locked
			})
			g.released = true
			wasCancelled = true
		} else {
			if perr := r.persist(context.WithoutCancel(ctx), key, res); perr != nil {
				slog.Warn("session: persist on exit failed", "key", key, "err", perr)
			}
			g.Release()
		}

		logger := slog.With("key", key, "trace_id", trace.FromContext(ctx))
		switch {
		case wasCancelled:
			logger.Info("session: operation cancelled")
			metrics.SessionOps.WithLabelValues("cancelled").Inc()
			err = fmt.Errorf("session %q: %w", key, ErrCancelled)
		case !completed:
			logger.Warn("session: operation panicked")
			metrics.SessionOps.WithLabelValues("error").Inc()
		case bodyErr != nil:
			logger.Warn("session: operation failed", "err", bodyErr)
			metrics.SessionOps.WithLabelValues("error").Inc()
			err = bodyErr
		default:
			metrics.SessionOps.WithLabelValues("ok").Inc()
		}
	}()

	bodyErr = body(opCtx, res)
	completed = true
	return nil
}

// Cancel interrupts the in-flight operation for key, if any. Cancelling a
// tracked session with no operation in flight is a no-op; an untracked key
// returns ErrNotFound.
func (r *Runtime) Cancel(key string) error {
	if !r.records.Has(key) {
		return fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	r.records.Upsert(key, nil, func(exist bool, cur, _ *record) *record {
		if cur == nil {
			cur = &record{}
		}
		if cur.cancel != nil {
			cur.cancelled = true
			cur.cancel()
		}
		return cur
	})
	return nil
}

// Tracked reports the number of session records currently held.
func (r *Runtime) Tracked() int {
	return r.records.Count()
}

// LastUsed returns the time the session last finished an operation, and
// whether the key is tracked.
func (r *Runtime) LastUsed(key string) (time.Time, bool) {
	rec, ok := r.records.Get(key)
	if !ok || rec == nil {
		return time.Time{}, false
	}
	return rec.lastUsed, true
}

// Destroy persists and tears down a single session, removing its record.
// Returns ErrBusy when an operation holds the key and ErrNotFound when the
// key is untracked.
func (r *Runtime) Destroy(ctx context.Context, key string) error {
	if !r.records.Has(key) {
		return fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	g, err := r.Acquire(key)
	if err != nil {
		return err
	}
	r.destroyLocked(ctx, key)
	// The record is gone; the guard has nothing left to release, but
	// Release on a recreated empty record is harmless.
	g.released = true
	return nil
}

// destroyLocked persists, closes, and removes the record for key. Callers
// either hold the guard or are in shutdown, where no new operation can
// start.
func (r *Runtime) destroyLocked(ctx context.Context, key string) {
	rec, ok := r.records.Get(key)
	if !ok || rec == nil {
		return // raced with another teardown; nothing to do
	}
	shield := context.WithoutCancel(ctx)
	if rec.resource != nil {
		if err := r.persist(shield, key, rec.resource); err != nil {
			slog.Warn("session: persist on destroy failed", "key", key, "err", err)
		}
		if err := rec.resource.Close(shield); err != nil {
			slog.Warn("session: resource teardown failed", "key", key, "err", err)
		}
		metrics.ResourceBuilds.WithLabelValues("teardown").Inc()
	}
	r.records.Remove(key)
	if r.cfg.Registry != nil {
		if err := r.cfg.Registry.DeleteSession(shield, key); err != nil {
			slog.Warn("session: registry delete failed", "key", key, "err", err)
		}
	}
}

// releaseWait bounds how long DestroyAll waits for a cancelled in-flight
// operation to release its guard before giving up on that session.
const releaseWait = 5 * time.Second

// DestroyAll persists then tears down every tracked session concurrently.
// "Session not found" races are swallowed; other failures are logged. It
// never fails: at process shutdown there is nothing useful to do with an
// error beyond recording it.
func (r *Runtime) DestroyAll(ctx context.Context) {
	keys := r.records.Keys()
	slog.Info("session: destroying all sessions", "count", len(keys))

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			if err := r.Destroy(ctx, key); err != nil {
				switch {
				case errors.Is(err, ErrNotFound):
					// Raced with an explicit teardown; fine.
				case errors.Is(err, ErrBusy):
					slog.Info("session: cancelling in-flight operation before teardown", "key", key)
					_ = r.Cancel(key)
					if err := r.destroyWhenReleased(ctx, key); err != nil {
						slog.Warn("session: still busy after cancel, skipping teardown", "key", key, "err", err)
					}
				default:
					slog.Warn("session: destroy failed", "key", key, "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// destroyWhenReleased waits for a cancelled operation to observe its
// cancellation and release the guard, then destroys the session. The
// resource is only ever closed with the guard held, so an in-flight body
// never has its resource torn down underneath it.
func (r *Runtime) destroyWhenReleased(ctx context.Context, key string) error {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseWait)
	defer cancel()

	policy := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), waitCtx)
	return backoff.Retry(func() error {
		if err := r.Destroy(ctx, key); errors.Is(err, ErrBusy) {
			return err
		}
		// Destroyed, or already gone. Either way the session is down.
		return nil
	}, policy)
}

// persist snapshots the resource and writes the state file plus the
// registry row. Failures are returned for the caller to log; they are
// never escalated past UseScoped.
func (r *Runtime) persist(ctx context.Context, key string, res Resource) error {
	st := res.Snapshot()
	st.ResourceSeed = res.Seed()
	if err := writeState(r.cfg.StateDir, key, st); err != nil {
		metrics.PersistFailures.Inc()
		return err
	}
	if r.cfg.Registry != nil {
		if err := r.cfg.Registry.TouchSession(ctx, key, time.Now()); err != nil {
			slog.Warn("session: registry touch failed", "key", key, "err", err)
		}
	}
	return nil
}
