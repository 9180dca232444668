package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPositionOutOfBounds = errors.New("position out of bounds")
	ErrMalformedOp         = errors.New("malformed operation")
)

// Engine is one replica of a document: the ordered character store, the
// per-origin clock table, and a buffer for operations whose dependencies have
// not arrived yet. One Engine exists per participant, plus one canonical
// Engine per document on the server side. An Engine is not safe for
// concurrent use; callers serialize access (the Document Manager does this
// per document).
type Engine struct {
	origin string
	chars  []Character
	index  map[ID]int
	clocks map[string]uint64

	// Operations parked until their dependency arrives: inserts keyed by the
	// missing parent id, tombstone flags keyed by the missing target id.
	pendingInserts map[ID][]Character
	pendingFlags   map[ID]bool
}

// NewEngine returns an empty replica that stamps locally issued characters
// with the given origin identity.
func NewEngine(origin string) *Engine {
	return &Engine{
		origin:         origin,
		index:          make(map[ID]int),
		clocks:         make(map[string]uint64),
		pendingInserts: make(map[ID][]Character),
		pendingFlags:   make(map[ID]bool),
	}
}

func (e *Engine) Origin() string { return e.origin }

// Clock returns the highest clock value observed for the given origin.
func (e *Engine) Clock(origin string) uint64 { return e.clocks[origin] }

// Clocks returns a copy of the origin clock table.
func (e *Engine) Clocks() map[string]uint64 {
	out := make(map[string]uint64, len(e.clocks))
	for origin, clock := range e.clocks {
		out[origin] = clock
	}
	return out
}

// StoreSize returns the number of stored characters, tombstones included.
func (e *Engine) StoreSize() int { return len(e.chars) }

// VisibleLength returns the number of non-tombstoned characters.
func (e *Engine) VisibleLength() int {
	n := 0
	for i := range e.chars {
		if !e.chars[i].Deleted {
			n++
		}
	}
	return n
}

// VisibleText returns the document text: the ordered non-tombstoned values.
// O(store size); fine while stores stay moderate.
func (e *Engine) VisibleText() string {
	var b strings.Builder
	for i := range e.chars {
		if !e.chars[i].Deleted {
			b.WriteString(e.chars[i].Value)
		}
	}
	return b.String()
}

// visibleAt returns the store index of the pos'th visible character, or -1.
func (e *Engine) visibleAt(pos int) int {
	seen := 0
	for i := range e.chars {
		if e.chars[i].Deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return -1
}

func (e *Engine) nextID() ID {
	e.clocks[e.origin]++
	return ID{Origin: e.origin, Clock: e.clocks[e.origin]}
}

// Insert inserts text at the given visible position and returns the emitted
// operation set. Each rune gets a fresh (origin, clock) id; the first rune is
// parented on the character visibly preceding the position, the rest chain
// onto each other.
func (e *Engine) Insert(pos int, text string) ([]Op, error) {
	if pos < 0 || pos > e.VisibleLength() {
		return nil, fmt.Errorf("insert at %d: %w", pos, ErrPositionOutOfBounds)
	}
	parent := Head
	if pos > 0 {
		parent = e.chars[e.visibleAt(pos-1)].ID
	}
	var ops []Op
	p := pos
	for _, r := range text {
		c := Character{ID: e.nextID(), Parent: parent, Value: string(r)}
		e.integrate(c)
		ops = append(ops, Op{Type: OpInsert, Char: c, Position: p})
		parent = c.ID
		p++
	}
	return ops, nil
}

// Delete tombstones exactly length visible characters starting at pos and
// returns the emitted operation set.
func (e *Engine) Delete(pos, length int) ([]Op, error) {
	if pos < 0 || length < 0 || pos+length > e.VisibleLength() {
		return nil, fmt.Errorf("delete %d+%d: %w", pos, length, ErrPositionOutOfBounds)
	}
	ids := make([]ID, 0, length)
	for i := 0; i < length; i++ {
		ids = append(ids, e.chars[e.visibleAt(pos+i)].ID)
	}
	ops := make([]Op, 0, length)
	for i, id := range ids {
		e.applyFlag(id, true)
		ops = append(ops, Op{Type: OpDelete, Char: Character{ID: id}, Position: pos + i})
	}
	return ops, nil
}

// Validate reports whether an operation received from the wire is
// well-formed enough to merge.
func (op Op) Validate() error {
	switch op.Type {
	case OpInsert:
		if op.Char.ID.IsHead() || op.Char.ID.Origin == "" {
			return fmt.Errorf("insert without id: %w", ErrMalformedOp)
		}
		if op.Char.Value == "" {
			return fmt.Errorf("insert without value: %w", ErrMalformedOp)
		}
	case OpDelete, OpUndelete:
		if op.Char.ID.IsHead() {
			return fmt.Errorf("%s without target id: %w", op.Type, ErrMalformedOp)
		}
	default:
		return fmt.Errorf("unknown op type %q: %w", op.Type, ErrMalformedOp)
	}
	return nil
}

// ApplyRemote merges an operation set produced by another replica. It returns
// the operations actually integrated, including any previously buffered
// operations unblocked by this set; duplicates and invalid ops integrate
// nothing. Applying the same set twice, or two sets in either order, yields
// the same store.
func (e *Engine) ApplyRemote(ops []Op) []Op {
	var applied []Op
	for _, op := range ops {
		if op.Validate() != nil {
			continue
		}
		switch op.Type {
		case OpInsert:
			applied = append(applied, e.applyInsert(op.Char)...)
		case OpDelete:
			applied = append(applied, e.applyFlag(op.Char.ID, true)...)
		case OpUndelete:
			applied = append(applied, e.applyFlag(op.Char.ID, false)...)
		}
	}
	return applied
}

// applyInsert integrates a remote character if it is new and its parent is
// known, then drains any buffered operations that were waiting on it.
func (e *Engine) applyInsert(c Character) []Op {
	if _, ok := e.index[c.ID]; ok {
		return nil
	}
	if !c.Parent.IsHead() {
		if _, ok := e.index[c.Parent]; !ok {
			e.pendingInserts[c.Parent] = append(e.pendingInserts[c.Parent], c)
			return nil
		}
	}
	e.integrate(c)
	applied := []Op{{Type: OpInsert, Char: c}}
	if deleted, ok := e.pendingFlags[c.ID]; ok {
		delete(e.pendingFlags, c.ID)
		applied = append(applied, e.applyFlag(c.ID, deleted)...)
	}
	if kids, ok := e.pendingInserts[c.ID]; ok {
		delete(e.pendingInserts, c.ID)
		for _, kid := range kids {
			applied = append(applied, e.applyInsert(kid)...)
		}
	}
	return applied
}

// applyFlag sets the tombstone flag for an id, buffering the flag when the
// id has not been seen yet (a delete can arrive before its insert).
func (e *Engine) applyFlag(id ID, deleted bool) []Op {
	i, ok := e.index[id]
	if !ok {
		e.pendingFlags[id] = deleted
		return nil
	}
	if e.chars[i].Deleted == deleted {
		return nil
	}
	e.chars[i].Deleted = deleted
	t := OpDelete
	if !deleted {
		t = OpUndelete
	}
	return []Op{{Type: t, Char: Character{ID: id}}}
}

func (e *Engine) deleteByIDs(ids []ID) []Op {
	var ops []Op
	for _, id := range ids {
		ops = append(ops, e.applyFlag(id, true)...)
	}
	return ops
}

func (e *Engine) undeleteByIDs(ids []ID) []Op {
	var ops []Op
	for _, id := range ids {
		ops = append(ops, e.applyFlag(id, false)...)
	}
	return ops
}

// integrate places a character into the store. The scan starts right after
// the parent, skips over higher-priority siblings together with their
// subtrees, and stops either at the first sibling the character outranks or
// at the first character outside the parent's subtree. All replicas run the
// same scan, so all converge on the same placement.
func (e *Engine) integrate(c Character) {
	parentPos := -1
	if !c.Parent.IsHead() {
		parentPos = e.index[c.Parent]
	}
	i := parentPos + 1
	for i < len(e.chars) {
		d := e.chars[i]
		dParentPos := -1
		if !d.Parent.IsHead() {
			dParentPos = e.index[d.Parent]
		}
		if dParentPos < parentPos {
			break
		}
		if dParentPos == parentPos && c.ID.Before(d.ID) {
			break
		}
		i++
	}
	e.chars = append(e.chars, Character{})
	copy(e.chars[i+1:], e.chars[i:])
	e.chars[i] = c
	for j := i; j < len(e.chars); j++ {
		e.index[e.chars[j].ID] = j
	}
	if c.ID.Clock > e.clocks[c.ID.Origin] {
		e.clocks[c.ID.Origin] = c.ID.Clock
	}
}
