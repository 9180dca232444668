package crdt

import (
	"encoding/json"
	"fmt"
)

// State is the durable encoding of a replica: the full character store in
// document order (tombstones included) plus the origin clock table. It is
// what the Persistence Store writes and what a full sync carries.
type State struct {
	Chars  []Character       `json:"chars"`
	Clocks map[string]uint64 `json:"clocks"`
}

// Snapshot returns a deep copy of the engine's current state.
func (e *Engine) Snapshot() State {
	chars := make([]Character, len(e.chars))
	copy(chars, e.chars)
	return State{Chars: chars, Clocks: e.Clocks()}
}

// EncodeState serializes a state for persistence or full-state sync.
func EncodeState(s State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a previously encoded state.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}

// Validate reports whether a state received from the wire is well-formed
// enough to merge: every character must pass insert validation and every
// clock entry must name an origin.
func (s State) Validate() error {
	for _, c := range s.Chars {
		if err := (Op{Type: OpInsert, Char: c}).Validate(); err != nil {
			return err
		}
	}
	for origin := range s.Clocks {
		if origin == "" {
			return fmt.Errorf("clock entry without origin: %w", ErrMalformedOp)
		}
	}
	return nil
}

// Merge folds a full state into the engine: unknown characters are
// integrated (parents precede children in document order, so replay needs no
// buffering in the common case), known characters pick up tombstones, and
// the clock table takes the pairwise maximum. It returns the operations that
// actually changed the store, empty when the state brought nothing new.
func (e *Engine) Merge(s State) []Op {
	var applied []Op
	for _, c := range s.Chars {
		if i, ok := e.index[c.ID]; ok {
			if c.Deleted && !e.chars[i].Deleted {
				applied = append(applied, e.applyFlag(c.ID, true)...)
			}
			continue
		}
		applied = append(applied, e.applyInsert(c)...)
	}
	for origin, clock := range s.Clocks {
		if clock > e.clocks[origin] {
			e.clocks[origin] = clock
		}
	}
	return applied
}
