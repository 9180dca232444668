package crdt

// Ledger layers per-participant undo/redo on top of an Engine. It records an
// entry for every operation issued through it, and only for those: remote
// operations merged into the engine never enter the ledger, so undoing never
// inverts another participant's edit even when that edit targeted
// overlapping text.
type Ledger struct {
	eng  *Engine
	undo []ledgerEntry
	redo []ledgerEntry
}

// ledgerEntry remembers what a local operation did: its kind and the exact
// character ids it created or tombstoned. Ids are enough to invert either
// kind, because tombstones keep deleted characters addressable.
type ledgerEntry struct {
	kind string
	ids  []ID
}

func NewLedger(eng *Engine) *Ledger {
	return &Ledger{eng: eng}
}

func (l *Ledger) Engine() *Engine { return l.eng }

// Insert issues a local insert, records it for undo, and invalidates the
// redo stack.
func (l *Ledger) Insert(pos int, text string) ([]Op, error) {
	ops, err := l.eng.Insert(pos, text)
	if err != nil {
		return nil, err
	}
	l.push(OpInsert, ops)
	return ops, nil
}

// Delete issues a local delete, records it for undo, and invalidates the
// redo stack.
func (l *Ledger) Delete(pos, length int) ([]Op, error) {
	ops, err := l.eng.Delete(pos, length)
	if err != nil {
		return nil, err
	}
	l.push(OpDelete, ops)
	return ops, nil
}

func (l *Ledger) push(kind string, ops []Op) {
	ids := make([]ID, len(ops))
	for i, op := range ops {
		ids[i] = op.Char.ID
	}
	l.undo = append(l.undo, ledgerEntry{kind: kind, ids: ids})
	l.redo = nil
}

// Undo inverts the most recent local operation and returns the operation set
// to broadcast; nil when there is nothing to undo. An undone insert
// tombstones exactly the inserted ids, an undone delete un-tombstones
// exactly the deleted ids. The inverse ops bypass the undo stack and the
// entry moves to the redo stack.
func (l *Ledger) Undo() []Op {
	if len(l.undo) == 0 {
		return nil
	}
	en := l.undo[len(l.undo)-1]
	l.undo = l.undo[:len(l.undo)-1]
	var ops []Op
	if en.kind == OpInsert {
		ops = l.eng.deleteByIDs(en.ids)
	} else {
		ops = l.eng.undeleteByIDs(en.ids)
	}
	l.redo = append(l.redo, en)
	return ops
}

// Redo re-applies the most recently undone operation and returns the
// operation set to broadcast; nil when there is nothing to redo.
func (l *Ledger) Redo() []Op {
	if len(l.redo) == 0 {
		return nil
	}
	en := l.redo[len(l.redo)-1]
	l.redo = l.redo[:len(l.redo)-1]
	var ops []Op
	if en.kind == OpInsert {
		ops = l.eng.undeleteByIDs(en.ids)
	} else {
		ops = l.eng.deleteByIDs(en.ids)
	}
	l.undo = append(l.undo, en)
	return ops
}

func (l *Ledger) UndoDepth() int { return len(l.undo) }
func (l *Ledger) RedoDepth() int { return len(l.redo) }
