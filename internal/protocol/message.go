// Package protocol defines the JSON messages exchanged with editor sessions.
package protocol

import "coedit/server/internal/crdt"

// Client-to-server message types.
const (
	TypeJoin        = "join"
	TypeUpdate      = "update"
	TypeSyncRequest = "sync-request"
	TypeUndo        = "undo"
	TypeRedo        = "redo"
)

// Server-to-client message types.
const (
	TypeConnected       = "connected"
	TypeJoined          = "joined"
	TypeSync            = "sync"
	TypeUndoAck         = "undo-ack"
	TypeRedoAck         = "redo-ack"
	TypeError           = "error"
	TypeDocumentDeleted = "document-deleted"
)

// Patch is the update payload: an incremental operation set, a full encoded
// state, or both. Receivers merge whatever is present; merging is idempotent
// either way.
type Patch struct {
	Ops   []crdt.Op   `json:"ops,omitempty"`
	State *crdt.State `json:"state,omitempty"`
}

// DocStats is the read-only snapshot of one document.
type DocStats struct {
	DocID            string `json:"docId"`
	Sessions         int    `json:"attachedSessionCount"`
	VisibleLength    int    `json:"visibleLength"`
	EncodedStateSize int    `json:"encodedStateSize"`
}

// Message is the wire envelope. Type is always set; the rest is per-type.
type Message struct {
	Type        string            `json:"type"`
	DocID       string            `json:"docId,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Update      *Patch            `json:"update,omitempty"`
	VectorClock map[string]uint64 `json:"vectorClock,omitempty"`
	Stats       *DocStats         `json:"stats,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Error builds the error response sent to the offending session only.
func Error(text string) *Message {
	return &Message{Type: TypeError, Message: text}
}
