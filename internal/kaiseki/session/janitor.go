package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// JanitorConfig configures the idle-session sweep loop.
type JanitorConfig struct {
	// Interval is how often to sweep. Defaults to 1m.
	Interval time.Duration
	// IdleTTL is how long a session may sit idle before it is persisted
	// and torn down. Defaults to 30m.
	IdleTTL time.Duration
}

// Janitor periodically persists and tears down sessions that have been
// idle longer than the TTL, so abandoned conversations do not pin their
// sandbox containers forever. Locked (in-flight) sessions are skipped.
type Janitor struct {
	rt  *Runtime
	cfg JanitorConfig
}

// NewJanitor creates a Janitor for the given runtime.
func NewJanitor(rt *Runtime, cfg JanitorConfig) *Janitor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Janitor{rt: rt, cfg: cfg}
}

// Run starts the sweep loop. Blocks until ctx is cancelled; intended to be
// spawned as a lifecycle background task.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	slog.Info("janitor: starting", "interval", j.cfg.Interval, "idle_ttl", j.cfg.IdleTTL)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor: stopping")
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass: every tracked session idle longer than the TTL
// and not currently locked is destroyed. Busy and already-gone sessions
// are skipped silently; other failures are logged.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.IdleTTL)

	for _, key := range j.rt.records.Keys() {
		lastUsed, ok := j.rt.LastUsed(key)
		if !ok {
			continue // removed since Keys()
		}
		// A zero lastUsed means the session never completed an operation;
		// leave it for the next pass rather than racing its first use.
		if lastUsed.IsZero() || lastUsed.After(cutoff) {
			continue
		}

		err := j.rt.Destroy(ctx, key)
		switch {
		case err == nil:
			slog.Info("janitor: destroyed idle session", "key", key, "idle_since", lastUsed)
		case errors.Is(err, ErrBusy), errors.Is(err, ErrNotFound):
			// In flight again, or torn down by someone else. Fine.
		default:
			slog.Warn("janitor: destroy failed", "key", key, "err", err)
		}
	}
}
