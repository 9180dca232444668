package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"coedit/server/internal/crdt"
	"coedit/server/internal/protocol"
)

func testRelay(t *testing.T, addr string) *Relay {
	t.Helper()
	r, err := New("redis://" + addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPublishReachesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr.Addr())
	b := testRelay(t, mr.Addr())

	received := make(chan *protocol.Patch, 1)
	cancel, err := b.Subscribe(context.Background(), "doc1", func(p *protocol.Patch) {
		received <- p
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	sent := &protocol.Patch{Ops: []crdt.Op{{
		Type: crdt.OpInsert,
		Char: crdt.Character{ID: crdt.ID{Origin: "alice", Clock: 1}, Value: "x"},
	}}}
	if err := a.Publish(context.Background(), "doc1", sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if len(got.Ops) != 1 || got.Ops[0].Char.Value != "x" {
			t.Errorf("delivered patch = %+v, want the published op", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("patch never delivered")
	}
}

func TestOwnMessagesFiltered(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr.Addr())

	received := make(chan *protocol.Patch, 1)
	cancel, err := a.Subscribe(context.Background(), "doc1", func(p *protocol.Patch) {
		received <- p
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := a.Publish(context.Background(), "doc1", &protocol.Patch{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-received:
		t.Fatal("instance received its own publication")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelsAreScopedPerDocument(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr.Addr())
	b := testRelay(t, mr.Addr())

	received := make(chan *protocol.Patch, 1)
	cancel, err := b.Subscribe(context.Background(), "doc1", func(p *protocol.Patch) {
		received <- p
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := a.Publish(context.Background(), "doc2", &protocol.Patch{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-received:
		t.Fatal("patch for doc2 delivered to doc1 subscriber")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	if _, err := New("redis://127.0.0.1:1"); err == nil {
		t.Error("expected connection error")
	}
	if _, err := New("not a url"); err == nil {
		t.Error("expected parse error")
	}
}
