package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := []byte(`{"chars":[],"clocks":{}}`)
	if err := s.Save(ctx, "doc1", state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(state) {
		t.Errorf("Load = %q, want %q", got, state)
	}
}

func TestLoadMissingDocument(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(ghost) = %v, want ErrNotFound", err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, "doc1", []byte("one"))
	s.Save(ctx, "doc1", []byte("two"))
	got, err := s.Load(ctx, "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Load = %q, want last write", got)
	}
}

func TestSnapshotsPrunedToKeepCount(t *testing.T) {
	s := newTestStore(t) // keep = 3
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		state := []byte(fmt.Sprintf("state-%d", i))
		if err := s.WriteSnapshot(ctx, "doc1", state, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("WriteSnapshot %d: %v", i, err)
		}
	}

	names, err := s.snapshotNames("doc1")
	if err != nil {
		t.Fatalf("snapshotNames: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("got %d snapshots after prune, want 3", len(names))
	}

	data, at, err := s.LoadLatestSnapshot(ctx, "doc1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if string(data) != "state-4" {
		t.Errorf("latest snapshot = %q, want state-4", data)
	}
	if !at.Equal(base.Add(4 * time.Second)) {
		t.Errorf("latest snapshot time = %v, want %v", at, base.Add(4*time.Second))
	}
}

func TestLoadLatestSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.LoadLatestSnapshot(context.Background(), "doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadLatestSnapshot = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesStateAndSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, "doc1", []byte("state"))
	s.WriteSnapshot(ctx, "doc1", []byte("snap"), time.Now())
	s.Save(ctx, "doc2", []byte("other"))

	if err := s.Delete(ctx, "doc1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("state survived delete: %v", err)
	}
	if _, _, err := s.LoadLatestSnapshot(ctx, "doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshots survived delete: %v", err)
	}
	if _, err := s.Load(ctx, "doc2"); err != nil {
		t.Errorf("unrelated document affected by delete: %v", err)
	}
	// Deleting a missing document is not an error.
	if err := s.Delete(ctx, "doc1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestListSkipsSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, "beta", []byte("b"))
	s.Save(ctx, "alpha", []byte("a"))
	s.WriteSnapshot(ctx, "alpha", []byte("a"), time.Now())

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("List = %v, want [alpha beta]", ids)
	}
}

func TestInvalidDocIDsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"", "../evil", "a/b", "a.b", "white space"} {
		if err := s.Save(ctx, id, []byte("x")); !errors.Is(err, ErrBadDocID) {
			t.Errorf("Save(%q) = %v, want ErrBadDocID", id, err)
		}
	}
	for _, id := range []string{"doc-1", "Doc_2", "abc123"} {
		if !ValidDocID(id) {
			t.Errorf("ValidDocID(%q) = false, want true", id)
		}
	}
}
