// Package events streams sync run lifecycle events to WebSocket clients.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/xtxerr/possync/internal/logging"
	possync "github.com/xtxerr/possync/internal/sync"
)

var log = logging.Component("events")

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
)

// MessageType names a lifecycle event.
type MessageType string

const (
	TypeConnected   MessageType = "connected"
	TypeRunStarted  MessageType = "run_started"
	TypeTableSynced MessageType = "table_synced"
	TypeRunFinished MessageType = "run_finished"
)

// Message is one event sent to clients.
type Message struct {
	Type       MessageType `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	RunID      string      `json:"runId,omitempty"`
	DatabaseID string      `json:"databaseId,omitempty"`
	Data       any         `json:"data,omitempty"`
}

// Hub fans out run events to connected clients.
//
// Hub is a sync Observer and an http.Handler for the upgrade. Events are
// queued and dropped when the queue is full, so a slow client never
// stalls a sync.
type Hub struct {
	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	queue chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start before use.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		queue:   make(chan Message, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop disconnects every client and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Publish queues a message for all clients.
func (h *Hub) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case h.queue <- msg:
	case <-h.ctx.Done():
	default:
		log.Warn("event queue full, dropping message", "type", msg.Type)
	}
}

// =============================================================================
// Observer
// =============================================================================

func (h *Hub) OnRunStarted(run *possync.SyncRun) {
	h.Publish(Message{
		Type:       TypeRunStarted,
		RunID:      run.ID,
		DatabaseID: run.DatabaseID,
		Data: map[string]any{
			"invocationId": run.InvocationID,
			"syncType":     run.SyncType,
			"tables":       run.Tables,
			"trigger":      run.Trigger,
		},
	})
}

func (h *Hub) OnTableSynced(run *possync.SyncRun, res *possync.TableSyncResult) {
	h.Publish(Message{
		Type:       TypeTableSynced,
		RunID:      run.ID,
		DatabaseID: run.DatabaseID,
		Data:       res,
	})
}

func (h *Hub) OnRunFinished(run *possync.SyncRun) {
	h.Publish(Message{
		Type:       TypeRunFinished,
		RunID:      run.ID,
		DatabaseID: run.DatabaseID,
		Data:       run,
	})
}

// =============================================================================
// Transport
// =============================================================================

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.queue:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error("marshal event failed", "type", msg.Type, "error", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := h.write(conn, data); err != nil {
					log.Debug("send to client failed", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request to a WebSocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()

	log.Debug("client connected", "clients", count)

	hello, _ := json.Marshal(Message{Type: TypeConnected, Timestamp: time.Now().UTC()})
	if err := h.write(conn, hello); err != nil {
		h.removeClient(conn)
		return
	}

	h.readLoop(conn)
}

// readLoop keeps the connection alive until the client goes away.
// Client messages are ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Debug("client disconnected", "clients", count)
}
