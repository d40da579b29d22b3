package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Event is one message pushed to live clients
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans events out to subscribers. Slow subscribers are dropped rather
// than holding up the others.
type Hub struct {
	clients   map[chan Event]bool
	broadcast chan Event
	mu        sync.Mutex
}

// NewHub creates a hub; Run must be started for broadcasts to be delivered
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[chan Event]bool),
		broadcast: make(chan Event, 16),
	}
}

// Run delivers broadcasts until ctx is done, then closes every subscriber
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event; it is dropped when the queue is full
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// Subscribe registers a new client channel
func (h *Hub) Subscribe() chan Event {
	client := make(chan Event, 8)
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	return client
}

// Unsubscribe removes a client; it is a no-op for one already dropped
func (h *Hub) Unsubscribe(client chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client)
	}
}

func (s *Server) sseHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := s.hub.Subscribe()
	defer s.hub.Unsubscribe(client)

	// current state first so clients need not poll /api/status
	if job, err := s.load(); err == nil {
		writeSSE(w, Event{Type: "state", Data: statusFor(job)})
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-client:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
