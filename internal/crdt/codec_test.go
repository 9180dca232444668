package crdt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStateRoundTrip(t *testing.T) {
	e := NewEngine("alice")
	mustInsert(t, e, 0, "hello world")
	mustDelete(t, e, 5, 6)

	data, err := EncodeState(e.Snapshot())
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	state, err := DecodeState(data)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}

	fresh := NewEngine("bob")
	fresh.Merge(state)

	if got, want := fresh.VisibleText(), e.VisibleText(); got != want {
		t.Errorf("reloaded text = %q, want %q", got, want)
	}
	if diff := cmp.Diff(e.Snapshot(), fresh.Snapshot()); diff != "" {
		t.Errorf("reloaded state differs:\n%s", diff)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	e := NewEngine("alice")
	mustInsert(t, e, 0, "abc")
	state := e.Snapshot()

	fresh := NewEngine("bob")
	if applied := fresh.Merge(state); len(applied) == 0 {
		t.Fatal("first merge integrated nothing")
	}
	if applied := fresh.Merge(state); len(applied) != 0 {
		t.Errorf("second merge integrated %d ops, want 0", len(applied))
	}
}

func TestMergeCarriesTombstonesToKnownCharacters(t *testing.T) {
	alice := NewEngine("alice")
	inserts := mustInsert(t, alice, 0, "abc")

	bob := NewEngine("bob")
	bob.ApplyRemote(inserts)

	// Alice deletes after bob already has the characters; bob only sees the
	// full-state sync.
	mustDelete(t, alice, 1, 1)
	bob.Merge(alice.Snapshot())

	if got, want := bob.VisibleText(), "ac"; got != want {
		t.Errorf("after state merge: %q, want %q", got, want)
	}
}

func TestValidateRejectsMalformedState(t *testing.T) {
	bad := []State{
		// no origin, no value, anonymous clock entry
		{Chars: []Character{{ID: ID{Clock: 7}, Value: "x"}}},
		{Chars: []Character{{ID: ID{Origin: "alice", Clock: 1}}}},
		{Clocks: map[string]uint64{"": 7}},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("state %d passed validation", i)
		}
	}

	good := NewEngine("alice")
	mustInsert(t, good, 0, "ok")
	mustDelete(t, good, 0, 1)
	if err := good.Snapshot().Validate(); err != nil {
		t.Errorf("Validate() = %v for a well-formed state", err)
	}
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	if _, err := DecodeState([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
