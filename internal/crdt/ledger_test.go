package crdt

import "testing"

func TestUndoInsertRestoresPriorText(t *testing.T) {
	l := NewLedger(NewEngine("alice"))
	if _, err := l.Insert(0, "abc"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ops := l.Undo()
	if len(ops) != 3 {
		t.Fatalf("expected 3 inverse ops, got %d", len(ops))
	}
	if got := l.Engine().VisibleText(); got != "" {
		t.Errorf("after undo: %q, want empty", got)
	}
}

func TestUndoDeleteRestoresExactCharacters(t *testing.T) {
	l := NewLedger(NewEngine("alice"))
	l.Insert(0, "abc")
	l.Delete(1, 1)
	if got, want := l.Engine().VisibleText(), "ac"; got != want {
		t.Fatalf("after delete: %q, want %q", got, want)
	}
	l.Undo()
	if got, want := l.Engine().VisibleText(), "abc"; got != want {
		t.Errorf("after undo: %q, want %q", got, want)
	}
}

func TestRedoReappliesEffect(t *testing.T) {
	l := NewLedger(NewEngine("alice"))
	l.Insert(0, "abc")
	l.Undo()
	ops := l.Redo()
	if len(ops) != 3 {
		t.Fatalf("expected 3 redo ops, got %d", len(ops))
	}
	if got, want := l.Engine().VisibleText(), "abc"; got != want {
		t.Errorf("after redo: %q, want %q", got, want)
	}

	l.Delete(0, 2)
	l.Undo()
	l.Redo()
	if got, want := l.Engine().VisibleText(), "c"; got != want {
		t.Errorf("after delete/undo/redo: %q, want %q", got, want)
	}
}

func TestNewEditClearsRedoStack(t *testing.T) {
	l := NewLedger(NewEngine("alice"))
	l.Insert(0, "a")
	l.Undo()
	if l.RedoDepth() != 1 {
		t.Fatalf("RedoDepth() = %d, want 1", l.RedoDepth())
	}
	l.Insert(0, "b")
	if l.RedoDepth() != 0 {
		t.Errorf("RedoDepth() = %d after new edit, want 0", l.RedoDepth())
	}
	if ops := l.Redo(); ops != nil {
		t.Errorf("Redo() after invalidation returned %d ops, want none", len(ops))
	}
}

func TestUndoOnEmptyLedgerIsNoop(t *testing.T) {
	l := NewLedger(NewEngine("alice"))
	if ops := l.Undo(); ops != nil {
		t.Errorf("Undo() on empty ledger returned ops")
	}
	if ops := l.Redo(); ops != nil {
		t.Errorf("Redo() on empty ledger returned ops")
	}
}

// Undoing a local edit must never touch another participant's characters,
// even when both edited the same position.
func TestUndoIsolationBetweenParticipants(t *testing.T) {
	p1 := NewLedger(NewEngine("p1"))
	p2 := NewLedger(NewEngine("p2"))

	ops1, _ := p1.Insert(0, "X")
	ops2, _ := p2.Insert(0, "Y")
	p1.Engine().ApplyRemote(ops2)
	p2.Engine().ApplyRemote(ops1)

	converged := p1.Engine().VisibleText()
	if converged != p2.Engine().VisibleText() {
		t.Fatalf("replicas diverged before undo: %q vs %q", converged, p2.Engine().VisibleText())
	}

	inverse := p1.Undo()
	p2.Engine().ApplyRemote(inverse)

	if got, want := p1.Engine().VisibleText(), "Y"; got != want {
		t.Errorf("p1 after undo: %q, want %q", got, want)
	}
	if got, want := p2.Engine().VisibleText(), "Y"; got != want {
		t.Errorf("p2 after merging p1's undo: %q, want %q", got, want)
	}
}

// Merging remote operations must not grow the local undo stack.
func TestRemoteOpsNeverEnterLedger(t *testing.T) {
	p1 := NewLedger(NewEngine("p1"))
	p2 := NewLedger(NewEngine("p2"))

	ops, _ := p1.Insert(0, "abc")
	p2.Engine().ApplyRemote(ops)

	if p2.UndoDepth() != 0 {
		t.Errorf("p2 UndoDepth() = %d after remote merge, want 0", p2.UndoDepth())
	}
	if ops := p2.Undo(); ops != nil {
		t.Errorf("p2 undo inverted a remote edit")
	}
}
