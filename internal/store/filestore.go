package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	stateSuffix  = ".json"
	snapshotMark = ".snapshot."
)

// ValidDocID reports whether an id is acceptable as a document id. The
// charset is restricted so ids map directly onto filenames.
func ValidDocID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// FileStore keeps one canonical state file per document under a single
// directory, plus timestamp-suffixed snapshot files pruned to the newest
// keep.
type FileStore struct {
	dir  string
	keep int
}

func NewFileStore(dir string, keep int) (*FileStore, error) {
	if keep < 1 {
		keep = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir, keep: keep}, nil
}

func (s *FileStore) statePath(docID string) string {
	return filepath.Join(s.dir, docID+stateSuffix)
}

func (s *FileStore) snapshotPath(docID string, at time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%s%020d%s", docID, snapshotMark, at.UnixNano(), stateSuffix))
}

func (s *FileStore) Load(_ context.Context, docID string) ([]byte, error) {
	if !ValidDocID(docID) {
		return nil, fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	data, err := os.ReadFile(s.statePath(docID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%q: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", docID, err)
	}
	return data, nil
}

func (s *FileStore) Save(_ context.Context, docID string, state []byte) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	return s.writeAtomic(s.statePath(docID), state)
}

func (s *FileStore) WriteSnapshot(_ context.Context, docID string, state []byte, at time.Time) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	if err := s.writeAtomic(s.snapshotPath(docID, at), state); err != nil {
		return err
	}
	return s.prune(docID)
}

func (s *FileStore) LoadLatestSnapshot(_ context.Context, docID string) ([]byte, time.Time, error) {
	if !ValidDocID(docID) {
		return nil, time.Time{}, fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	names, err := s.snapshotNames(docID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(names) == 0 {
		return nil, time.Time{}, fmt.Errorf("%q: %w", docID, ErrNotFound)
	}
	// snapshotNames sorts newest first
	name := names[0]
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot %q: %w", name, err)
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, docID+snapshotMark), stateSuffix)
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("snapshot timestamp %q: %w", name, err)
	}
	return data, time.Unix(0, nanos), nil
}

func (s *FileStore) Delete(_ context.Context, docID string) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%q: %w", docID, ErrBadDocID)
	}
	if err := os.Remove(s.statePath(docID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", docID, err)
	}
	names, err := s.snapshotNames(docID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete snapshot %q: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateSuffix) || strings.Contains(name, snapshotMark) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, stateSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

func (s *FileStore) Close() error { return nil }

// writeAtomic writes through a temp file and renames it into place, so a
// crash mid-write never leaves a truncated state file.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

// snapshotNames returns the document's snapshot filenames, newest first.
// Timestamps are zero-padded, so lexicographic order is chronological.
func (s *FileStore) snapshotNames(docID string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, docID+snapshotMark) && strings.HasSuffix(name, stateSuffix) {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *FileStore) prune(docID string) error {
	names, err := s.snapshotNames(docID)
	if err != nil {
		return err
	}
	for _, name := range names[min(s.keep, len(names)):] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune snapshot %q: %w", name, err)
		}
	}
	return nil
}
