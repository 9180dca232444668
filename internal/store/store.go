// Package store persists document state: one canonical encoded state per
// document plus rotating crash-recovery snapshots, on the local filesystem or
// in Postgres.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrBadDocID = errors.New("invalid document id")
)

// Store is the persistence backend for document state. All methods take a
// context; implementations must be safe for concurrent use, since every open
// document persists independently.
type Store interface {
	// Load returns the canonical encoded state for a document, or
	// ErrNotFound when none has been persisted.
	Load(ctx context.Context, docID string) ([]byte, error)

	// Save overwrites the canonical encoded state. Last write wins.
	Save(ctx context.Context, docID string, state []byte) error

	// WriteSnapshot records a timestamped crash-recovery snapshot and prunes
	// older ones down to the retention count.
	WriteSnapshot(ctx context.Context, docID string, state []byte, at time.Time) error

	// LoadLatestSnapshot returns the newest snapshot and its timestamp, or
	// ErrNotFound when the document has no snapshots.
	LoadLatestSnapshot(ctx context.Context, docID string) ([]byte, time.Time, error)

	// Delete removes the canonical state and every snapshot for a document.
	Delete(ctx context.Context, docID string) error

	// List returns the ids of all documents with persisted state.
	List(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
