// Package crdt implements the replicated-text engine: a tombstoned character
// sequence with (origin, clock) identities that converges across replicas
// regardless of delivery order or duplication. Placement follows the RGA
// scheme: every character is addressed by the id of the character that
// visibly preceded it when it was typed, and concurrent inserts after the
// same predecessor are ordered by a fixed id comparison.
package crdt

// ID uniquely identifies one character across all replicas. Origin is the
// identity of the participant that created the character; Clock is that
// origin's strictly increasing counter. The zero ID is the head sentinel,
// the parent of characters inserted at position 0.
type ID struct {
	Origin string `json:"origin"`
	Clock  uint64 `json:"clock"`
}

// Head is the sentinel parent for inserts at the start of the document.
var Head = ID{}

func (a ID) IsHead() bool {
	return a.Origin == "" && a.Clock == 0
}

// Before reports whether a sorts before b under the fixed sibling order:
// higher clock first, ties broken by descending origin comparison. A later
// concurrent insert at the same spot therefore lands in front of an earlier
// one, which keeps sequential typing in visual order.
func (a ID) Before(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Origin > b.Origin
}

// Character is one unit of text. Deleted characters are tombstones: they stay
// in the store so concurrent operations referencing them remain well-defined,
// and are only filtered out of the visible text.
type Character struct {
	ID      ID     `json:"id"`
	Parent  ID     `json:"parent"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Operation types carried on the wire.
const (
	OpInsert   = "insert"
	OpDelete   = "delete"
	OpUndelete = "undelete"
)

// Op is a single commutative, idempotent operation. Insert carries the full
// character; delete and undelete reference an existing id through Char.ID.
// Position records the visible position the operation was issued at on the
// emitting replica; it is informational and plays no part in merging.
type Op struct {
	Type     string    `json:"type"`
	Char     Character `json:"char"`
	Position int       `json:"position,omitempty"`
}
