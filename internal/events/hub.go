// Package events broadcasts task lifecycle events to WebSocket subscribers.
// Emitters never block: slow subscribers are dropped, not waited on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

// Event types published on the hub
const (
	TypeTaskCreated        = "task_created"
	TypeTaskClaimed        = "task_claimed"
	TypeTaskCompleted      = "task_completed"
	TypeTaskFailed         = "task_failed"
	TypeTaskNeedsDecision  = "task_needs_decision"
	TypeContinuationSeeded = "continuation_seeded"
)

// TaskEvent is one lifecycle event as delivered to subscribers
type TaskEvent struct {
	Type     string    `json:"type"`
	TaskID   string    `json:"task_id"`
	Status   string    `json:"status,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is the write side of the hub as seen by the coordinator
type Publisher interface {
	Publish(ev TaskEvent)
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) Publish(ev TaskEvent) {}

// Hub fans lifecycle events out to connected WebSocket subscribers and
// serves a JSON queue snapshot on /status.
type Hub struct {
	store    taskstore.Store
	port     int
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	server *http.Server
}

type subscriber struct {
	conn *websocket.Conn
	send chan TaskEvent
}

// NewHub creates an event hub serving on the given port
func NewHub(store taskstore.Store, port int) *Hub {
	return &Hub{
		store: store,
		port:  port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish delivers an event to every subscriber. A subscriber whose buffer
// is full is disconnected rather than allowed to stall the emitter.
func (h *Hub) Publish(ev TaskEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			delete(h.subs, sub)
			close(sub.send)
			log.Printf("events: dropping slow subscriber %s", sub.conn.RemoteAddr())
		}
	}
}

// HandleWebSocket upgrades a subscriber connection and streams events to it
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan TaskEvent, 64)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

func (h *Hub) writeLoop(sub *subscriber) {
	for ev := range sub.send {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(sub)
			return
		}
	}
	sub.conn.Close()
}

// readLoop exists only to notice the peer going away
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.remove(sub)
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	sub.conn.Close()
}

// HandleStatus returns a JSON snapshot of the queue
func (h *Hub) HandleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := h.store.CountActive()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	subscribers := len(h.subs)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"active_tasks": active,
		"subscribers":  subscribers,
	})
}

// Start serves /ws and /status until the server is stopped
func (h *Hub) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/status", h.HandleStatus)

	addr := fmt.Sprintf(":%d", h.port)
	h.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		h.server.Close()
	}()

	log.Printf("events hub listening on %s", addr)
	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the server
func (h *Hub) Stop() error {
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}

// SubscriberCount returns the number of connected subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
