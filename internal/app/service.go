// Package app wires the document managers, the persistence store, and the
// session registry together behind the protocol and the admin HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"coedit/server/internal/config"
	"coedit/server/internal/crdt"
	"coedit/server/internal/doc"
	"coedit/server/internal/protocol"
	"coedit/server/internal/store"
	"coedit/server/internal/util"
)

// DocumentInfo is one row of the administrative document listing.
type DocumentInfo struct {
	DocID string `json:"docId"`
	Open  bool   `json:"open"`
}

// Service owns the table of open documents. The table mutex guards the map
// itself; merges run on each document's own goroutine and disk work (opening
// a document, flushing a closed one) runs outside the lock, so documents
// never block each other.
type Service struct {
	cfg     config.Config
	store   store.Store
	relay   doc.Relay
	started time.Time

	mu   sync.Mutex
	docs map[string]*doc.Manager
	// pending holds the ids of documents currently opening or flushing
	// closed; the channel is closed when that finishes. Lookups wait on it
	// instead of racing the disk, so a reopen always sees the flushed state.
	pending map[string]chan struct{}
}

func New(cfg config.Config, st store.Store, rl doc.Relay) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		relay:   rl,
		started: time.Now(),
		docs:    make(map[string]*doc.Manager),
		pending: make(map[string]chan struct{}),
	}
}

func (s *Service) Uptime() time.Duration { return time.Since(s.started) }

func (s *Service) OpenDocCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// manager returns the open manager for a document, opening it (and loading
// persisted state) on first use. The open itself runs outside the table
// lock; concurrent lookups for the same id wait on the pending entry.
func (s *Service) manager(ctx context.Context, docID string) (*doc.Manager, error) {
	for {
		s.mu.Lock()
		if m, ok := s.docs[docID]; ok {
			s.mu.Unlock()
			return m, nil
		}
		wait, busy := s.pending[docID]
		if !busy {
			wait = make(chan struct{})
			s.pending[docID] = wait
			s.mu.Unlock()

			m, err := doc.Open(ctx, docID, s.store, s.relay, s.cfg.SnapshotInterval)
			s.mu.Lock()
			delete(s.pending, docID)
			if err == nil {
				s.docs[docID] = m
			}
			s.mu.Unlock()
			close(wait)
			return m, err
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Join attaches a session to a document, creating the document on first
// join, and returns the stats plus the full-state sync payload.
func (s *Service) Join(sess doc.Session, docID string) (*protocol.DocStats, *protocol.Patch, error) {
	if !store.ValidDocID(docID) {
		return nil, nil, fmt.Errorf("Invalid docId")
	}
	// A manager can shut down between the lookup and the join when its last
	// session leaves concurrently; the shutdown holds a pending entry while
	// it flushes, so the retry reopens against the flushed state.
	for attempt := 0; attempt < 3; attempt++ {
		m, err := s.manager(context.Background(), docID)
		if err != nil {
			log.Printf("join %s: %v", docID, err)
			return nil, nil, fmt.Errorf("Failed to open document")
		}
		if stats, patch, ok := m.Join(sess); ok {
			return stats, patch, nil
		}
	}
	return nil, nil, fmt.Errorf("Failed to open document")
}

// Leave detaches a session. When the last session detaches, the document is
// flushed to the store and its in-memory record destroyed. The flush runs
// outside the table lock; the doc id stays in pending until it finishes.
func (s *Service) Leave(sess doc.Session, docID string) {
	s.mu.Lock()
	m, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if m.Detach(sess) > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.docs, docID)
	wait := make(chan struct{})
	s.pending[docID] = wait
	s.mu.Unlock()

	if err := m.Close(context.Background()); err != nil {
		log.Printf("doc %s: final flush failed: %v", docID, err)
	}

	s.mu.Lock()
	delete(s.pending, docID)
	s.mu.Unlock()
	close(wait)
}

// Update merges a session's edit into the canonical replica and broadcasts
// it to the document's other sessions.
func (s *Service) Update(sess doc.Session, docID string, patch *protocol.Patch) error {
	s.mu.Lock()
	m, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("Not in document")
	}
	m.ReceiveUpdate(sess.ID(), patch)
	return nil
}

// Sync returns the full canonical state for a reconnecting session.
func (s *Service) Sync(sess doc.Session, docID string) (*protocol.Patch, error) {
	s.mu.Lock()
	m, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("Not in document")
	}
	patch := m.RequestSync()
	if patch == nil {
		return nil, fmt.Errorf("Document closed")
	}
	return patch, nil
}

// ListDocuments returns every known document: the open ones plus those with
// persisted state.
func (s *Service) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	persisted, err := s.store.List(ctx)
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "LIST_FAILED", "Failed to list documents", nil)
	}
	s.mu.Lock()
	open := make(map[string]bool, len(s.docs))
	for id := range s.docs {
		open[id] = true
	}
	s.mu.Unlock()

	seen := make(map[string]bool)
	var infos []DocumentInfo
	for _, id := range persisted {
		seen[id] = true
		infos = append(infos, DocumentInfo{DocID: id, Open: open[id]})
	}
	for id := range open {
		if !seen[id] {
			infos = append(infos, DocumentInfo{DocID: id, Open: true})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DocID < infos[j].DocID })
	return infos, nil
}

// DocumentStats returns the stats snapshot for one document, whether open or
// only persisted.
func (s *Service) DocumentStats(ctx context.Context, docID string) (*protocol.DocStats, error) {
	if !store.ValidDocID(docID) {
		return nil, domainError(http.StatusBadRequest, "INVALID_DOC_ID", "Invalid document id", nil)
	}
	s.mu.Lock()
	m, ok := s.docs[docID]
	s.mu.Unlock()
	if ok {
		if stats := m.Stats(); stats != nil {
			return stats, nil
		}
	}
	data, err := s.store.Load(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "LOAD_FAILED", "Failed to load document", nil)
	}
	state, err := crdt.DecodeState(data)
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "LOAD_FAILED", "Stored state is corrupt", nil)
	}
	eng := crdt.NewEngine("stats")
	eng.Merge(state)
	return &protocol.DocStats{
		DocID:            docID,
		Sessions:         0,
		VisibleLength:    eng.VisibleLength(),
		EncodedStateSize: len(data),
	}, nil
}

// CreateDocument creates an empty document, generating an id when none is
// given, and persists its initial state.
func (s *Service) CreateDocument(ctx context.Context, docID string) (string, error) {
	if docID == "" {
		docID = util.NewID("doc")
	}
	if !store.ValidDocID(docID) {
		return "", domainError(http.StatusBadRequest, "INVALID_DOC_ID", "Invalid document id", nil)
	}
	s.mu.Lock()
	_, open := s.docs[docID]
	s.mu.Unlock()
	if open {
		return "", domainError(http.StatusConflict, "ALREADY_EXISTS", "Document already exists", nil)
	}
	if _, err := s.store.Load(ctx, docID); err == nil {
		return "", domainError(http.StatusConflict, "ALREADY_EXISTS", "Document already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", domainError(http.StatusInternalServerError, "CREATE_FAILED", "Failed to create document", nil)
	}
	data, err := crdt.EncodeState(crdt.NewEngine("server").Snapshot())
	if err != nil {
		return "", domainError(http.StatusInternalServerError, "CREATE_FAILED", "Failed to create document", nil)
	}
	if err := s.store.Save(ctx, docID, data); err != nil {
		log.Printf("create %s: %v", docID, err)
		return "", domainError(http.StatusInternalServerError, "CREATE_FAILED", "Failed to create document", nil)
	}
	return docID, nil
}

// DeleteDocument administratively destroys a document: attached sessions get
// a document-deleted message and a forced close, the in-memory record is
// dropped without a flush, and every persisted file is removed.
func (s *Service) DeleteDocument(ctx context.Context, docID string) error {
	if !store.ValidDocID(docID) {
		return domainError(http.StatusBadRequest, "INVALID_DOC_ID", "Invalid document id", nil)
	}
	s.mu.Lock()
	m, open := s.docs[docID]
	delete(s.docs, docID)
	s.mu.Unlock()

	persisted := true
	if _, err := s.store.Load(ctx, docID); errors.Is(err, store.ErrNotFound) {
		persisted = false
	}
	if !open && !persisted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}

	if open {
		m.NotifyDeleted()
		m.Shutdown()
	}
	if err := s.store.Delete(ctx, docID); err != nil {
		log.Printf("delete %s: %v", docID, err)
		return domainError(http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete persisted state", nil)
	}
	return nil
}

// Shutdown flushes every open document. The caller bounds it with a context;
// documents that miss the deadline are abandoned (their state is still
// consistent on disk from the last scheduled write).
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	managers := make([]*doc.Manager, 0, len(s.docs))
	for _, m := range s.docs {
		managers = append(managers, m)
	}
	s.docs = make(map[string]*doc.Manager)
	s.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown flush interrupted: %w", ctx.Err())
		}
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
