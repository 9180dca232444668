package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"coedit/server/internal/config"
	"coedit/server/internal/crdt"
	"coedit/server/internal/protocol"
	"coedit/server/internal/store"
)

type fakeSession struct {
	id string

	mu   sync.Mutex
	msgs []*protocol.Message
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(msg *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSession) Terminate(string) {}

// slowStore delays every canonical write, standing in for a congested disk
// or database.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStore) Save(ctx context.Context, docID string, state []byte) error {
	time.Sleep(s.delay)
	return s.Store.Save(ctx, docID, state)
}

func newTestService(t *testing.T, st store.Store) *Service {
	t.Helper()
	cfg := config.Config{
		SnapshotInterval: time.Hour,
		SnapshotKeep:     3,
		ProbeInterval:    time.Hour,
	}
	svc := New(cfg, st, nil)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func insertOps(t *testing.T, text string) *protocol.Patch {
	t.Helper()
	eng := crdt.NewEngine("alice")
	ops, err := eng.Insert(0, text)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return &protocol.Patch{Ops: ops}
}

// A final flush for one document must never stall merges for another.
func TestLeaveFlushDoesNotBlockOtherDocuments(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := newTestService(t, &slowStore{Store: fs, delay: 300 * time.Millisecond})

	sA := &fakeSession{id: "sA"}
	sB := &fakeSession{id: "sB"}
	if _, _, err := svc.Join(sA, "docA"); err != nil {
		t.Fatalf("Join docA: %v", err)
	}
	if _, _, err := svc.Join(sB, "docB"); err != nil {
		t.Fatalf("Join docB: %v", err)
	}

	leaveDone := make(chan struct{})
	go func() {
		svc.Leave(sA, "docA")
		close(leaveDone)
	}()
	// Let the leave reach its flush.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := svc.Update(sB, "docB", insertOps(t, "x")); err != nil {
		t.Fatalf("Update docB: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("update for docB took %v while docA was flushing", elapsed)
	}
	<-leaveDone
}

// After the last session leaves, a new join must reopen the document against
// the flushed state, never land on the closed manager.
func TestJoinAfterLastLeaveReopens(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := newTestService(t, fs)

	sA := &fakeSession{id: "sA"}
	if _, _, err := svc.Join(sA, "pad"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := svc.Update(sA, "pad", insertOps(t, "kept")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	svc.Leave(sA, "pad")
	if n := svc.OpenDocCount(); n != 0 {
		t.Fatalf("OpenDocCount = %d after last leave, want 0", n)
	}

	sB := &fakeSession{id: "sB"}
	stats, patch, err := svc.Join(sB, "pad")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if stats == nil || patch == nil || patch.State == nil {
		t.Fatalf("rejoin returned stats=%v patch=%v, want full payloads", stats, patch)
	}
	if stats.Sessions != 1 {
		t.Errorf("rejoin stats.Sessions = %d, want 1", stats.Sessions)
	}
	probe := crdt.NewEngine("probe")
	probe.Merge(*patch.State)
	if got := probe.VisibleText(); got != "kept" {
		t.Errorf("reopened text = %q, want %q", got, "kept")
	}
}
