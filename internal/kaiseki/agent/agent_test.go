package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wyf7685/kaiseki/internal/kaiseki/agent"
	"github.com/wyf7685/kaiseki/internal/kaiseki/sandbox"
	"github.com/wyf7685/kaiseki/internal/kaiseki/session"
)

// echoRuntime answers every staged input file with a fixed envelope,
// standing in for the real container side.
type echoRuntime struct {
	envelope string
	stopped  chan struct{}
}

func newEchoRuntime(envelope string) *echoRuntime {
	return &echoRuntime{envelope: envelope, stopped: make(chan struct{})}
}

func (r *echoRuntime) Launch(_ context.Context, spec sandbox.LaunchSpec) (sandbox.Handle, error) {
	go func() {
		input := filepath.Join(spec.ScratchDir, sandbox.InputFileName)
		for {
			select {
			case <-r.stopped:
				return
			case <-time.After(5 * time.Millisecond):
			}
			if _, err := os.Stat(input); err != nil {
				continue
			}
			os.Remove(input)
			// Write then rename so the executor's poll loop never observes a
			// partially written envelope.
			tmp := filepath.Join(spec.ScratchDir, sandbox.OutputFileName+".tmp")
			os.WriteFile(tmp, []byte(r.envelope), 0o644)
			os.Rename(tmp, filepath.Join(spec.ScratchDir, sandbox.OutputFileName))
		}
	}()
	return sandbox.Handle{ID: "echo", ScratchDir: spec.ScratchDir, NetworkDisabled: true}, nil
}

func (r *echoRuntime) Stop(_ context.Context, _ sandbox.Handle) error {
	select {
	case <-r.stopped:
	default:
		close(r.stopped)
	}
	return nil
}

func testConfig(t *testing.T, rt sandbox.ContainerRuntime) agent.Config {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "sales.csv"), []byte("region,total\neast,10\n"), 0o644); err != nil {
		t.Fatalf("stage dataset: %v", err)
	}
	return agent.Config{
		Runtime:     rt,
		Loader:      agent.FileLoader{Dir: dataDir},
		Image:       "kaiseki/runner:test",
		Limits:      sandbox.Limits{ExecTimeout: 2 * time.Second, PollInterval: 5 * time.Millisecond},
		ArtifactDir: t.TempDir(),
	}
}

func testDescriptor(key string) session.Descriptor {
	return session.Descriptor{
		SessionKey:      key,
		DatasetRefs:     []string{"sales.csv"},
		ModelConfigHash: 7,
	}
}

func newTestAgent(t *testing.T, rt sandbox.ContainerRuntime) (*agent.Agent, agent.Config) {
	t.Helper()
	cfg := testConfig(t, rt)
	a, err := agent.New(context.Background(), cfg, testDescriptor("user-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a, cfg
}

func TestNewRequiresDataset(t *testing.T) {
	cfg := testConfig(t, newEchoRuntime(""))
	_, err := agent.New(context.Background(), cfg, session.Descriptor{SessionKey: "user-1"})
	if err == nil {
		t.Fatal("expected error for descriptor without datasets")
	}
}

func TestFileLoaderRejectsMissingDataset(t *testing.T) {
	cfg := testConfig(t, newEchoRuntime(""))
	d := testDescriptor("user-1")
	d.DatasetRefs = []string{"no-such-file.csv"}
	if _, err := agent.New(context.Background(), cfg, d); err == nil {
		t.Fatal("expected dataset load error")
	}
}

func TestRunCode(t *testing.T) {
	rt := newEchoRuntime(`{"success": true, "output": "12", "error": "", "result": "12", "result_type": "other"}`)
	a, _ := newTestAgent(t, rt)

	env, err := a.RunCode(context.Background(), "df['total'].sum()")
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if !env.Success || env.Result.Scalar != "12" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRunCodeSavesFigureArtifact(t *testing.T) {
	figure := []byte{0x89, 0x50, 0x4e, 0x47}
	envelope := fmt.Sprintf(
		`{"success": true, "output": "", "error": "", "has_figure": true, "figure_data": "%s"}`,
		"iVBORw==", // base64 of the PNG magic above
	)
	rt := newEchoRuntime(envelope)
	a, cfg := newTestAgent(t, rt)

	if _, err := a.RunCode(context.Background(), "plot()"); err != nil {
		t.Fatalf("RunCode: %v", err)
	}

	snap := a.Snapshot()
	path, ok := snap.Auxiliary["figure-1"]
	if !ok {
		t.Fatalf("figure not tracked in auxiliary map: %+v", snap.Auxiliary)
	}
	if filepath.Dir(path) != cfg.ArtifactDir {
		t.Errorf("figure saved outside artifact dir: %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read figure artifact: %v", err)
	}
	if !bytes.Equal(raw, figure) {
		t.Errorf("figure bytes: got %v, want %v", raw, figure)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	a, cfg := newTestAgent(t, newEchoRuntime(""))

	blob := json.RawMessage(`{"turns": [["user", "total sales?"]]}`)
	a.SetConversation(blob)
	snap := a.Snapshot()

	if !bytes.Equal(snap.Values, blob) {
		t.Errorf("Values: got %s, want %s", snap.Values, blob)
	}
	if snap.ResourceSeed != a.Seed() {
		t.Errorf("ResourceSeed: got %d, want %d", snap.ResourceSeed, a.Seed())
	}

	rebuilt, err := agent.New(context.Background(), cfg, testDescriptor("user-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rebuilt.Close(context.Background())

	rebuilt.Restore(snap)
	if rebuilt.Seed() != snap.ResourceSeed {
		t.Errorf("restored seed: got %d, want %d", rebuilt.Seed(), snap.ResourceSeed)
	}
	if !bytes.Equal(rebuilt.Conversation(), blob) {
		t.Errorf("restored conversation: got %s", rebuilt.Conversation())
	}
}

func TestSnapshotWithoutConversationIsValidJSON(t *testing.T) {
	a, _ := newTestAgent(t, newEchoRuntime(""))
	snap := a.Snapshot()
	var decoded any
	if err := json.Unmarshal(snap.Values, &decoded); err != nil {
		t.Fatalf("empty snapshot values are not valid JSON: %v", err)
	}
}
