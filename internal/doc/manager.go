// Package doc owns the canonical replica of each open document: it serializes
// merges, persists state, and relays updates between attached sessions.
package doc

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"coedit/server/internal/crdt"
	"coedit/server/internal/protocol"
	"coedit/server/internal/store"
)

// Session is the document-facing view of a connected editor session. The
// manager holds sessions only to route messages; connection ownership stays
// with the transport layer.
type Session interface {
	ID() string
	// Send queues a message without blocking; false means the session is
	// overloaded or gone and the transport layer is tearing it down.
	Send(msg *protocol.Message) bool
	// Terminate force-closes the session's connection.
	Terminate(reason string)
}

// Relay is the optional cross-instance fan-out for merged updates.
type Relay interface {
	Publish(ctx context.Context, docID string, patch *protocol.Patch) error
	Subscribe(ctx context.Context, docID string, deliver func(*protocol.Patch)) (func(), error)
}

// Manager owns one document: the canonical engine, the attached sessions,
// persistence, and broadcast. All state is mutated on a single goroutine fed
// by a command channel, so merges for one document never interleave while
// separate documents proceed independently.
type Manager struct {
	docID         string
	eng           *crdt.Engine
	store         store.Store
	relay         Relay
	snapshotEvery time.Duration

	sessions map[string]Session
	cmds     chan func()
	saveCh   chan []byte
	snapCh   chan []byte
	quit     chan struct{}
	wg       sync.WaitGroup
	cancelSub func()
}

// Open creates the manager for a document and loads any persisted state. The
// load is merged under a synthetic origin: it is neither rebroadcast nor
// written back. A corrupt or unreadable canonical file falls back to the
// newest snapshot.
func Open(ctx context.Context, docID string, st store.Store, rl Relay, snapshotEvery time.Duration) (*Manager, error) {
	m := &Manager{
		docID:         docID,
		eng:           crdt.NewEngine("server"),
		store:         st,
		relay:         rl,
		snapshotEvery: snapshotEvery,
		sessions:      make(map[string]Session),
		cmds:          make(chan func()),
		saveCh:        make(chan []byte, 1),
		snapCh:        make(chan []byte, 1),
		quit:          make(chan struct{}),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}

	m.wg.Add(2)
	go m.run()
	go m.persistLoop()

	if rl != nil {
		cancel, err := rl.Subscribe(ctx, docID, m.applyRelayed)
		if err != nil {
			log.Printf("doc %s: relay subscribe failed, running standalone: %v", docID, err)
		} else {
			m.cancelSub = cancel
		}
	}
	return m, nil
}

func (m *Manager) DocID() string { return m.docID }

func (m *Manager) load(ctx context.Context) error {
	data, err := m.store.Load(ctx, m.docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if errors.Is(err, store.ErrBadDocID) {
			return err
		}
		log.Printf("doc %s: canonical load failed, trying snapshot: %v", m.docID, err)
		data, _, err = m.store.LoadLatestSnapshot(ctx, m.docID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	state, err := crdt.DecodeState(data)
	if err != nil {
		log.Printf("doc %s: canonical state corrupt, trying snapshot: %v", m.docID, err)
		data, _, serr := m.store.LoadLatestSnapshot(ctx, m.docID)
		if serr != nil {
			return err
		}
		if state, serr = crdt.DecodeState(data); serr != nil {
			return err
		}
	}
	m.eng.Merge(state)
	return nil
}

// run executes commands one at a time and drives the snapshot schedule.
func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.snapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-ticker.C:
			m.scheduleSnapshot()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the manager goroutine and waits for it. It reports false
// when the manager has already shut down and fn never ran.
func (m *Manager) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
		<-done
		return true
	case <-m.quit:
		return false
	}
}

// persistLoop writes canonical state and snapshots off the merge path. Both
// channels coalesce: only the newest pending state is ever written, and a
// slow write here never delays merges for this or any other document.
func (m *Manager) persistLoop() {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		select {
		case data := <-m.saveCh:
			if err := m.store.Save(ctx, m.docID, data); err != nil {
				log.Printf("doc %s: persist failed (will retry on next update): %v", m.docID, err)
			}
		case data := <-m.snapCh:
			if err := m.store.WriteSnapshot(ctx, m.docID, data, time.Now()); err != nil {
				log.Printf("doc %s: snapshot failed: %v", m.docID, err)
			}
		case <-m.quit:
			return
		}
	}
}

// enqueue replaces any pending write with the newer state.
func enqueue(ch chan []byte, data []byte) {
	for {
		select {
		case ch <- data:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (m *Manager) schedulePersist() {
	data, err := crdt.EncodeState(m.eng.Snapshot())
	if err != nil {
		log.Printf("doc %s: encode failed: %v", m.docID, err)
		return
	}
	enqueue(m.saveCh, data)
}

func (m *Manager) scheduleSnapshot() {
	data, err := crdt.EncodeState(m.eng.Snapshot())
	if err != nil {
		log.Printf("doc %s: encode failed: %v", m.docID, err)
		return
	}
	enqueue(m.snapCh, data)
}

// Join attaches a session and returns the stats plus the full-state patch
// for the one-shot synchronization message. ok is false when the manager has
// already shut down; the caller must reopen the document and join again.
func (m *Manager) Join(s Session) (stats *protocol.DocStats, patch *protocol.Patch, ok bool) {
	ok = m.do(func() {
		m.sessions[s.ID()] = s
		stats = m.statsLocked()
		patch = m.fullStateLocked()
	})
	return stats, patch, ok
}

// Detach removes a session and returns how many remain attached. The owner
// decides whether to flush and destroy the manager when zero remain.
func (m *Manager) Detach(s Session) int {
	remaining := 0
	m.do(func() {
		delete(m.sessions, s.ID())
		remaining = len(m.sessions)
	})
	return remaining
}

// ReceiveUpdate merges a session's update into the canonical replica,
// schedules persistence, broadcasts the integrated operations to every other
// attached session, and publishes them to the relay. Invalid operations are
// logged and dropped without touching the canonical state; duplicates
// integrate nothing and trigger no broadcast.
func (m *Manager) ReceiveUpdate(senderID string, patch *protocol.Patch) {
	m.do(func() {
		applied := m.mergeLocked(patch)
		if len(applied) == 0 {
			return
		}
		m.schedulePersist()
		out := &protocol.Patch{Ops: applied}
		m.broadcastLocked(senderID, &protocol.Message{
			Type:   protocol.TypeUpdate,
			DocID:  m.docID,
			Update: out,
		})
		if m.relay != nil {
			if err := m.relay.Publish(context.Background(), m.docID, out); err != nil {
				log.Printf("doc %s: relay publish failed: %v", m.docID, err)
			}
		}
	})
}

// applyRelayed merges a patch published by another instance: broadcast to
// all local sessions and persist, but never publish back to the relay.
func (m *Manager) applyRelayed(patch *protocol.Patch) {
	m.do(func() {
		applied := m.mergeLocked(patch)
		if len(applied) == 0 {
			return
		}
		m.schedulePersist()
		m.broadcastLocked("", &protocol.Message{
			Type:   protocol.TypeUpdate,
			DocID:  m.docID,
			Update: &protocol.Patch{Ops: applied},
		})
	})
}

func (m *Manager) mergeLocked(patch *protocol.Patch) []crdt.Op {
	if patch == nil {
		return nil
	}
	var applied []crdt.Op
	if patch.State != nil {
		if err := patch.State.Validate(); err != nil {
			log.Printf("doc %s: dropping state: %v", m.docID, err)
		} else {
			applied = append(applied, m.eng.Merge(*patch.State)...)
		}
	}
	valid := patch.Ops[:0:0]
	for _, op := range patch.Ops {
		if err := op.Validate(); err != nil {
			log.Printf("doc %s: dropping op: %v", m.docID, err)
			continue
		}
		valid = append(valid, op)
	}
	applied = append(applied, m.eng.ApplyRemote(valid)...)
	return applied
}

func (m *Manager) broadcastLocked(excludeID string, msg *protocol.Message) {
	for id, s := range m.sessions {
		if id == excludeID {
			continue
		}
		if !s.Send(msg) {
			log.Printf("doc %s: session %s not keeping up", m.docID, id)
		}
	}
}

// RequestSync returns the full canonical state. Diff-based resync is a
// deliberate non-feature; reconnecting clients merge the full state, which
// is idempotent.
func (m *Manager) RequestSync() *protocol.Patch {
	var patch *protocol.Patch
	m.do(func() { patch = m.fullStateLocked() })
	return patch
}

func (m *Manager) Stats() *protocol.DocStats {
	var stats *protocol.DocStats
	m.do(func() { stats = m.statsLocked() })
	return stats
}

func (m *Manager) statsLocked() *protocol.DocStats {
	size := 0
	if data, err := crdt.EncodeState(m.eng.Snapshot()); err == nil {
		size = len(data)
	}
	return &protocol.DocStats{
		DocID:            m.docID,
		Sessions:         len(m.sessions),
		VisibleLength:    m.eng.VisibleLength(),
		EncodedStateSize: size,
	}
}

func (m *Manager) fullStateLocked() *protocol.Patch {
	state := m.eng.Snapshot()
	return &protocol.Patch{State: &state}
}

// NotifyDeleted tells every attached session the document is gone and
// force-closes them. Used on administrative delete, before Shutdown.
func (m *Manager) NotifyDeleted() {
	m.do(func() {
		msg := &protocol.Message{Type: protocol.TypeDocumentDeleted, DocID: m.docID}
		for _, s := range m.sessions {
			s.Send(msg)
			s.Terminate("document deleted")
		}
		m.sessions = make(map[string]Session)
	})
}

// Flush synchronously writes the current canonical state.
func (m *Manager) Flush(ctx context.Context) error {
	var data []byte
	var err error
	if !m.do(func() { data, err = crdt.EncodeState(m.eng.Snapshot()) }) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.store.Save(ctx, m.docID, data)
}

// Shutdown stops the manager's goroutines without a final flush. Used on
// administrative delete, where the persisted files are about to be removed.
func (m *Manager) Shutdown() {
	if m.cancelSub != nil {
		m.cancelSub()
		m.cancelSub = nil
	}
	close(m.quit)
	m.wg.Wait()
}

// Close flushes the canonical state and stops the manager.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Flush(ctx)
	m.Shutdown()
	return err
}
