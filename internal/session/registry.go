// Package session tracks connected editor sessions, routes their protocol
// messages, and evicts the unresponsive ones.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coedit/server/internal/doc"
	"coedit/server/internal/protocol"
)

// Service is what the registry needs from the document side.
type Service interface {
	Join(sess doc.Session, docID string) (*protocol.DocStats, *protocol.Patch, error)
	Leave(sess doc.Session, docID string)
	Update(sess doc.Session, docID string, patch *protocol.Patch) error
	Sync(sess doc.Session, docID string) (*protocol.Patch, error)
}

// HandlerFunc handles one protocol message type for one client.
type HandlerFunc func(c *Client, msg *protocol.Message)

// Registry owns every connected session. It is constructed explicitly, wired
// to its collaborators, and torn down with Stop; nothing about it is
// process-global.
type Registry struct {
	svc        Service
	probeEvery time.Duration
	handlers   map[string]HandlerFunc

	mu      sync.Mutex
	clients map[string]*Client

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(svc Service, probeEvery time.Duration) *Registry {
	r := &Registry{
		svc:        svc,
		probeEvery: probeEvery,
		clients:    make(map[string]*Client),
		stop:       make(chan struct{}),
	}
	r.handlers = map[string]HandlerFunc{
		protocol.TypeJoin:        r.handleJoin,
		protocol.TypeUpdate:      r.handleUpdate,
		protocol.TypeSyncRequest: r.handleSyncRequest,
		protocol.TypeUndo:        r.handleUndo,
		protocol.TypeRedo:        r.handleRedo,
	}
	return r
}

// Start launches the liveness monitor.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.monitor()
}

// Stop halts the monitor and terminates every connected session.
func (r *Registry) Stop() {
	close(r.stop)
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.Terminate("server shutting down")
	}
	r.wg.Wait()
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Attach adopts an upgraded connection: registers it, greets it with a
// connected message, and starts its pumps.
func (r *Registry) Attach(conn *websocket.Conn) *Client {
	c := &Client{
		reg:  r,
		conn: conn,
		id:   uuid.NewString(),
		send: make(chan *protocol.Message, sendBuffer),
		done: make(chan struct{}),
		kill: make(chan struct{}),
	}
	c.alive.Store(true)

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()

	c.Send(&protocol.Message{
		Type:      protocol.TypeConnected,
		ClientID:  c.id,
		Timestamp: time.Now().UnixMilli(),
	})
	go c.writePump()
	go c.readPump()
	return c
}

// remove is the single detach path: deregister and leave any joined document.
func (r *Registry) remove(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()
	if docID := c.JoinedDoc(); docID != "" {
		c.setJoined("")
		r.svc.Leave(c, docID)
	}
}

// monitor probes every connected session on a fixed interval. A session that
// did not answer the previous probe (no pong, no traffic) is forcibly
// terminated, which triggers the normal detach cleanup.
func (r *Registry) monitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.probeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			clients := make([]*Client, 0, len(r.clients))
			for _, c := range r.clients {
				clients = append(clients, c)
			}
			r.mu.Unlock()
			for _, c := range clients {
				if !c.alive.Swap(false) {
					c.Terminate("liveness probe timeout")
					continue
				}
				c.ping()
			}
		case <-r.stop:
			return
		}
	}
}

// dispatch routes a message through the handler table. Unknown types are a
// protocol error reported to the sender only.
func (r *Registry) dispatch(c *Client, msg *protocol.Message) {
	handler, ok := r.handlers[msg.Type]
	if !ok {
		c.Send(protocol.Error("Unknown message type"))
		return
	}
	handler(c, msg)
}

func (r *Registry) handleJoin(c *Client, msg *protocol.Message) {
	if msg.DocID == "" {
		c.Send(protocol.Error("Missing docId"))
		return
	}
	// Re-joining a different document detaches from the previous one first.
	if prev := c.JoinedDoc(); prev != "" && prev != msg.DocID {
		c.setJoined("")
		r.svc.Leave(c, prev)
	}
	stats, patch, err := r.svc.Join(c, msg.DocID)
	if err != nil {
		c.Send(protocol.Error(err.Error()))
		return
	}
	c.setJoined(msg.DocID)
	c.Send(&protocol.Message{Type: protocol.TypeJoined, DocID: msg.DocID, Stats: stats})
	c.Send(&protocol.Message{Type: protocol.TypeSync, DocID: msg.DocID, Update: patch})
}

func (r *Registry) handleUpdate(c *Client, msg *protocol.Message) {
	if msg.DocID == "" {
		c.Send(protocol.Error("Missing docId"))
		return
	}
	if c.JoinedDoc() != msg.DocID {
		c.Send(protocol.Error("Not in document"))
		return
	}
	if msg.Update == nil {
		c.Send(protocol.Error("Missing update"))
		return
	}
	if err := r.svc.Update(c, msg.DocID, msg.Update); err != nil {
		c.Send(protocol.Error(err.Error()))
	}
}

func (r *Registry) handleSyncRequest(c *Client, msg *protocol.Message) {
	if msg.DocID == "" {
		c.Send(protocol.Error("Missing docId"))
		return
	}
	if c.JoinedDoc() != msg.DocID {
		c.Send(protocol.Error("Not in document"))
		return
	}
	patch, err := r.svc.Sync(c, msg.DocID)
	if err != nil {
		c.Send(protocol.Error(err.Error()))
		return
	}
	c.Send(&protocol.Message{Type: protocol.TypeSync, DocID: msg.DocID, Update: patch})
}

// Undo and redo state lives client-side in the engine's ledger; the server
// only acknowledges.
func (r *Registry) handleUndo(c *Client, msg *protocol.Message) {
	c.Send(&protocol.Message{Type: protocol.TypeUndoAck, DocID: msg.DocID})
}

func (r *Registry) handleRedo(c *Client, msg *protocol.Message) {
	c.Send(&protocol.Message{Type: protocol.TypeRedoAck, DocID: msg.DocID})
}
