package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/storage"
)

func testStore(t *testing.T) *LedgerStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTrackAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sb := &storage.Sandbox{
		ContainerID: "4f1c2d3e4f5a6b7c",
		SessionID:   "sess-1",
		ExecutionID: "exec-1",
		Image:       "python:3.10-alpine",
		Workspace:   "/tmp/runbox/exec-1",
	}
	if err := s.Track(ctx, sb); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if sb.CreatedAt.IsZero() {
		t.Error("Track should stamp created_at")
	}

	got, err := s.Get(ctx, sb.ContainerID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != "sess-1" || got.Image != "python:3.10-alpine" || got.Workspace != sb.Workspace {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should round-trip")
	}
}

func TestGetByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Track(ctx, &storage.Sandbox{ContainerID: "abc123"})
	s.Track(ctx, &storage.Sandbox{ContainerID: "abd456"})

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.ContainerID != "abc123" {
		t.Errorf("got %q, want abc123", got.ContainerID)
	}

	if _, err := s.Get(ctx, "ab"); err == nil {
		t.Error("expected error for ambiguous prefix")
	}

	_, err = s.Get(ctx, "zzz")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTrackReplaces(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Track(ctx, &storage.Sandbox{ContainerID: "c1", SessionID: "old"})
	if err := s.Track(ctx, &storage.Sandbox{ContainerID: "c1", SessionID: "new"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "new" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestForget(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"c1", "c2", "c3"} {
		s.Track(ctx, &storage.Sandbox{ContainerID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	if err := s.Forget(ctx, "c2"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := s.Forget(ctx, "c2"); err != nil {
		t.Fatalf("Forget twice: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ContainerID != "c1" || list[1].ContainerID != "c3" {
		t.Errorf("unexpected list after forget: %+v", list)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Track(ctx, &storage.Sandbox{ContainerID: "survivor"})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if _, err := s.Get(ctx, "survivor"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
