package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/wyf7685/kaiseki/internal/kaiseki/session"
	"github.com/wyf7685/kaiseki/internal/kaiseki/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kaiseki-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Hash with the top bit set survives the round-trip through the
	// signed INTEGER column.
	hash := uint64(0xdeadbeefcafe0001)
	if err := s.UpsertSession(ctx, "user-42", hash, "active", "/var/lib/kaiseki/user-42.json"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession(ctx, "user-42")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.DescriptorHash != hash {
		t.Errorf("DescriptorHash: got %x, want %x", got.DescriptorHash, hash)
	}
	if got.Status != "active" {
		t.Errorf("Status: got %q, want %q", got.Status, "active")
	}
	if got.StatePath != "/var/lib/kaiseki/user-42.json" {
		t.Errorf("StatePath: got %q", got.StatePath)
	}
	if got.LastUsedAt.Valid {
		t.Error("LastUsedAt should be unset before first touch")
	}
}

func TestUpsertSessionReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "user-1", 1, "active", "a.json"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertSession(ctx, "user-1", 2, "active", "b.json"); err != nil {
		t.Fatalf("second UpsertSession: %v", err)
	}

	got, err := s.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.DescriptorHash != 2 || got.StatePath != "b.json" {
		t.Errorf("row not replaced: %+v", got)
	}

	n, err := s.SessionCount(ctx)
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	if n != 1 {
		t.Errorf("SessionCount: got %d, want 1", n)
	}
}

func TestTouchSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "user-1", 1, "active", "a.json"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	used := time.Now().Truncate(time.Second)
	if err := s.TouchSession(ctx, "user-1", used); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	got, err := s.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.LastUsedAt.Valid {
		t.Fatal("LastUsedAt not recorded")
	}
	if got.LastUsedAt.Time.Unix() != used.Unix() {
		t.Errorf("LastUsedAt: got %v, want %v", got.LastUsedAt.Time, used)
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "user-1", 1, "active", "a.json"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "user-1", "destroyed"); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	got, err := s.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != "destroyed" {
		t.Errorf("Status: got %q, want %q", got.Status, "destroyed")
	}

	if err := s.UpdateSessionStatus(ctx, "missing", "destroyed"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "user-1", 1, "active", "a.json"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "user-1"); err == nil {
		t.Error("expected error after delete")
	}

	// Deleting an unknown key is a no-op.
	if err := s.DeleteSession(ctx, "user-1"); err != nil {
		t.Errorf("repeat DeleteSession: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := s.UpsertSession(ctx, key, 7, "active", key+".json"); err != nil {
			t.Fatalf("UpsertSession(%s): %v", key, err)
		}
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("ListSessions: got %d rows, want 3", len(sessions))
	}
}

func TestReopenKeepsDataAndSkipsAppliedMigrations(t *testing.T) {
	ctx := context.Background()
	f, err := os.CreateTemp(t.TempDir(), "kaiseki-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s1, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.UpsertSession(ctx, "user-1", 9, "active", "a.json"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening runs the migration pass again; already-applied versions
	// must be skipped and existing rows survive.
	s2, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() { s2.Close() })

	got, err := s2.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession after reopen: %v", err)
	}
	if got.DescriptorHash != 9 || got.StatePath != "a.json" {
		t.Errorf("row did not survive reopen: %+v", got)
	}
	n, err := s2.SessionCount(ctx)
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	if n != 1 {
		t.Errorf("SessionCount after reopen: got %d, want 1", n)
	}

	var applied int
	if err := s2.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 applied migration after reopen, got %d", applied)
	}
}

func TestStoreSatisfiesSessionRegistry(t *testing.T) {
	var _ session.Registry = newTestStore(t)
}
