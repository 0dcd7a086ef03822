package server

import (
	"encoding/json"
	"log"
	"sync"

	"realmcore/internal/domain"
)

const clientSendBuffer = 64

// client is one websocket session bound to an actor key.
type client struct {
	actorKey string
	send     chan []byte
}

// Hub fans committed events out to connected game sessions. An event with
// recipients goes only to those actor keys; an event without recipients goes
// to every session in its world. Slow sessions drop messages rather than
// stall the pipeline; the event log remains the source of truth.
type Hub struct {
	Logger *log.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	byActor map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: map[*client]struct{}{},
		byActor: map[string]map[*client]struct{}{},
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	set, ok := h.byActor[c.actorKey]
	if !ok {
		set = map[*client]struct{}{}
		h.byActor[c.actorKey] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if set, ok := h.byActor[c.actorKey]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byActor, c.actorKey)
		}
	}
	close(c.send)
}

type wireEvent struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Notify implements events.Subscriber.
func (h *Hub) Notify(e domain.Event) {
	data := json.RawMessage("{}")
	if e.PayloadJSON != "" && json.Valid([]byte(e.PayloadJSON)) {
		data = json.RawMessage(e.PayloadJSON)
	}
	msg, err := json.Marshal(wireEvent{ID: e.ID, Type: e.Type, Text: e.Text, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(e.Recipients) == 0 {
		for c := range h.clients {
			h.deliver(c, msg)
		}
		return
	}
	for _, key := range e.Recipients {
		for c := range h.byActor[key] {
			h.deliver(c, msg)
		}
	}
}

func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		if h.Logger != nil {
			h.Logger.Printf("dropping event for slow session %s", c.actorKey)
		}
	}
}
