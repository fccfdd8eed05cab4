package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRuntime records launches and optionally writes the output marker a
// short while after the input file appears, imitating the in-container
// watcher.
type fakeRuntime struct {
	mu       sync.Mutex
	launches int32
	stops    int32

	launchErr error
	respond   func(scratchDir string)
	watchers  []chan struct{}
}

func (f *fakeRuntime) Launch(_ context.Context, spec LaunchSpec) (Handle, error) {
	atomic.AddInt32(&f.launches, 1)
	if f.launchErr != nil {
		return Handle{}, f.launchErr
	}
	if f.respond != nil {
		stop := make(chan struct{})
		f.mu.Lock()
		f.watchers = append(f.watchers, stop)
		f.mu.Unlock()
		go f.watch(spec.ScratchDir, stop)
	}
	return Handle{ID: "fake-" + spec.Name, ScratchDir: spec.ScratchDir, NetworkDisabled: true}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, _ Handle) error {
	atomic.AddInt32(&f.stops, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stop := range f.watchers {
		close(stop)
	}
	f.watchers = nil
	return nil
}

func (f *fakeRuntime) watch(scratchDir string, stop chan struct{}) {
	input := filepath.Join(scratchDir, InputFileName)
	for {
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
		if _, err := os.Stat(input); err != nil {
			continue
		}
		os.Remove(input)
		f.respond(scratchDir)
	}
}

func writeEnvelope(t *testing.T, scratchDir, raw string) {
	t.Helper()
	// Write then rename so the executor's poll loop never observes a
	// partially written envelope.
	tmp := filepath.Join(scratchDir, OutputFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(raw), 0o644); err != nil {
		t.Fatalf("write output marker: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(scratchDir, OutputFileName)); err != nil {
		t.Fatalf("publish output marker: %v", err)
	}
}

func quickLimits() Limits {
	return Limits{ExecTimeout: 2 * time.Second, PollInterval: 5 * time.Millisecond}
}

func newTestExecutor(t *testing.T, rt ContainerRuntime, limits Limits) *Executor {
	t.Helper()
	e, err := New(rt, "kaiseki/runner:test", []byte("a,b\n1,2\n"), "csv", limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestNewWritesDataset(t *testing.T) {
	e := newTestExecutor(t, &fakeRuntime{}, quickLimits())
	raw, err := os.ReadFile(filepath.Join(e.ScratchDir(), DataFileBase+".csv"))
	if err != nil {
		t.Fatalf("dataset not staged: %v", err)
	}
	if string(raw) != "a,b\n1,2\n" {
		t.Fatalf("unexpected dataset contents: %q", raw)
	}
}

func TestExecuteSyntaxErrorSkipsContainer(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestExecutor(t, rt, quickLimits())

	env, err := e.Execute(context.Background(), "def f(:")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Success {
		t.Fatal("expected failure envelope for broken code")
	}
	if !strings.Contains(env.Error, "line 1") {
		t.Fatalf("expected position in error, got %q", env.Error)
	}
	if n := atomic.LoadInt32(&rt.launches); n != 0 {
		t.Fatalf("expected no container launch, got %d", n)
	}
}

func TestExecuteSuccess(t *testing.T) {
	rt := &fakeRuntime{}
	rt.respond = func(dir string) {
		writeEnvelope(t, dir, `{"success": true, "output": "done", "error": "", "result": 42, "result_type": "other"}`)
	}
	e := newTestExecutor(t, rt, quickLimits())

	env, err := e.Execute(context.Background(), "x = 1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !env.Success || env.Stdout != "done" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Result.Kind != ResultScalar || env.Result.Scalar != "42" {
		t.Fatalf("unexpected result: %+v", env.Result)
	}
	if n := atomic.LoadInt32(&rt.launches); n != 1 {
		t.Fatalf("expected one launch, got %d", n)
	}
}

func TestExecuteReusesContainer(t *testing.T) {
	rt := &fakeRuntime{}
	rt.respond = func(dir string) {
		writeEnvelope(t, dir, `{"success": true, "output": "", "error": ""}`)
	}
	e := newTestExecutor(t, rt, quickLimits())

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), "x = 1"); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&rt.launches); n != 1 {
		t.Fatalf("expected lazy single launch, got %d", n)
	}
}

func TestExecuteTimeout(t *testing.T) {
	rt := &fakeRuntime{} // never responds
	limits := quickLimits()
	limits.ExecTimeout = 50 * time.Millisecond
	e := newTestExecutor(t, rt, limits)

	env, err := e.Execute(context.Background(), "while True: pass")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Success {
		t.Fatal("expected timeout envelope")
	}
	if !strings.Contains(env.Error, "timed out") {
		t.Fatalf("unexpected error text: %q", env.Error)
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestExecutor(t, rt, quickLimits())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Execute(ctx, "x = 1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	rt := &fakeRuntime{}
	rt.respond = func(dir string) {
		time.Sleep(100 * time.Millisecond)
		writeEnvelope(t, dir, `{"success": true, "output": "", "error": ""}`)
	}
	e := newTestExecutor(t, rt, quickLimits())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := e.Execute(context.Background(), "x = 1")
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if _, err := e.Execute(context.Background(), "y = 2"); !errors.Is(err, ErrExecuteInFlight) {
		t.Fatalf("expected ErrExecuteInFlight, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first Execute: %v", err)
	}
}

func TestExecuteDecodeFailureFoldedIntoEnvelope(t *testing.T) {
	rt := &fakeRuntime{}
	rt.respond = func(dir string) {
		writeEnvelope(t, dir, `{"garbage": true}`)
	}
	e := newTestExecutor(t, rt, quickLimits())

	env, err := e.Execute(context.Background(), "x = 1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Success {
		t.Fatal("expected decode failure envelope")
	}
}

func TestExecuteLaunchFailureIsFatal(t *testing.T) {
	rt := &fakeRuntime{launchErr: errors.New("image missing")}
	e := newTestExecutor(t, rt, quickLimits())

	if _, err := e.Execute(context.Background(), "x = 1"); err == nil {
		t.Fatal("expected launch failure to surface as an error")
	}
}

func TestCloseStopsContainerAndRemovesScratch(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestExecutor(t, rt, quickLimits())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	scratch := e.ScratchDir()

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if atomic.LoadInt32(&rt.stops) != 1 {
		t.Fatalf("expected one stop, got %d", rt.stops)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("scratch dir still present: %v", err)
	}
}
