package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wyf7685/kaiseki/common/retry"
)

var errDaemonBusy = errors.New("daemon busy")

func TestDo_EventualSuccess(t *testing.T) {
	tests := []struct {
		name      string
		failFirst int // attempts that fail before fn succeeds
		maxTries  int
		wantCalls int
		wantErr   error
	}{
		{name: "clean first attempt", failFirst: 0, maxTries: 4, wantCalls: 1},
		{name: "recovers on second", failFirst: 1, maxTries: 4, wantCalls: 2},
		{name: "recovers on last", failFirst: 3, maxTries: 4, wantCalls: 4},
		{name: "budget exhausted", failFirst: 4, maxTries: 4, wantCalls: 4, wantErr: errDaemonBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry.Do(context.Background(), retry.Config{
				MaxAttempts:  tt.maxTries,
				InitialDelay: time.Millisecond,
			}, func() error {
				calls++
				if calls <= tt.failFirst {
					return errDaemonBusy
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{InitialDelay: time.Millisecond}, func() error {
		calls++
		return errDaemonBusy
	})
	if !errors.Is(err, errDaemonBusy) {
		t.Fatalf("err = %v, want %v", err, errDaemonBusy)
	}
	// A Config with MaxAttempts left zero still runs fn exactly once.
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_FatalErrorSkipsRetries(t *testing.T) {
	errNoSuchImage := errors.New("no such image")
	calls := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, errNoSuchImage) },
	}, func() error {
		calls++
		if calls == 1 {
			return errDaemonBusy
		}
		return errNoSuchImage
	})
	if !errors.Is(err, errNoSuchImage) {
		t.Fatalf("err = %v, want %v", err, errNoSuchImage)
	}
	// The busy error is retried once, then the fatal one stops the loop.
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDo_CancelledContextCarriesBothErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond}, func() error {
		calls++
		cancel() // cancel while Do sleeps before the next attempt
		return errDaemonBusy
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errDaemonBusy) {
		t.Fatalf("expected the last attempt error to survive, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled to be joined in, got %v", err)
	}
}
