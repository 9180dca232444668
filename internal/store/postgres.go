package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists document state in two tables: documents holds the
// canonical state per doc_id, document_snapshots the rotating snapshots.
type PostgresStore struct {
	db   *sql.DB
	keep int
}

func OpenPostgres(ctx context.Context, databaseURL string, keep int) (*PostgresStore, error) {
	if keep < 1 {
		keep = 1
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &PostgresStore{db: db, keep: keep}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id     TEXT PRIMARY KEY,
	state      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS document_snapshots (
	doc_id   TEXT NOT NULL,
	taken_at TIMESTAMPTZ NOT NULL,
	state    BYTEA NOT NULL,
	PRIMARY KEY (doc_id, taken_at)
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, docID string) ([]byte, error) {
	if !ValidDocID(docID) {
		return nil, fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM documents WHERE doc_id = $1`, docID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%q: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", docID, err)
	}
	return state, nil
}

func (s *PostgresStore) Save(ctx context.Context, docID string, state []byte) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		docID, state)
	if err != nil {
		return fmt.Errorf("save %q: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) WriteSnapshot(ctx context.Context, docID string, state []byte, at time.Time) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (doc_id, taken_at, state) VALUES ($1, $2, $3)
		ON CONFLICT (doc_id, taken_at) DO UPDATE SET state = EXCLUDED.state`,
		docID, at, state)
	if err != nil {
		return fmt.Errorf("snapshot %q: %w", docID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM document_snapshots
		WHERE doc_id = $1 AND taken_at NOT IN (
			SELECT taken_at FROM document_snapshots
			WHERE doc_id = $1 ORDER BY taken_at DESC LIMIT $2
		)`, docID, s.keep)
	if err != nil {
		return fmt.Errorf("prune snapshots %q: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) LoadLatestSnapshot(ctx context.Context, docID string) ([]byte, time.Time, error) {
	if !ValidDocID(docID) {
		return nil, time.Time{}, fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	var state []byte
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT state, taken_at FROM document_snapshots
		WHERE doc_id = $1 ORDER BY taken_at DESC LIMIT 1`, docID).Scan(&state, &at)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, fmt.Errorf("%q: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot %q: %w", docID, err)
	}
	return state, at, nil
}

func (s *PostgresStore) Delete(ctx context.Context, docID string) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_snapshots WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("delete snapshots %q: %w", docID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("delete %q: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM documents ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
