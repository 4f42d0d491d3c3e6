package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fixora/sagacore/internal/ports"
)

// Streamer pushes saga and approval notifications to connected browsers
// over Server-Sent Events. It implements ports.Notifier.
type Streamer struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	bufferSize int
	heartbeat  time.Duration
}

// Client represents an SSE client connection
type Client struct {
	ID       string
	TenantID string
	Channel  chan []byte
	closed   bool
}

// Event is the envelope written to the stream.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time int64       `json:"time"`
}

// NewStreamer creates a new SSE streamer
func NewStreamer(bufferSize int, heartbeat time.Duration) *Streamer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Streamer{
		clients:    make(map[string]*Client),
		bufferSize: bufferSize,
		heartbeat:  heartbeat,
	}
}

// AddClient registers a client. An empty tenantID receives every tenant's notifications.
func (s *Streamer) AddClient(clientID, tenantID string) *Client {
	client := &Client{
		ID:       clientID,
		TenantID: tenantID,
		Channel:  make(chan []byte, s.bufferSize),
	}
	s.mu.Lock()
	if old, ok := s.clients[clientID]; ok {
		s.closeLocked(old)
	}
	s.clients[clientID] = client
	s.mu.Unlock()
	return client
}

// RemoveClient removes an SSE client
func (s *Streamer) RemoveClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[clientID]; ok {
		s.closeLocked(client)
		delete(s.clients, clientID)
	}
}

func (s *Streamer) closeLocked(c *Client) {
	if !c.closed {
		c.closed = true
		close(c.Channel)
	}
}

// Notify fans a notification out to the matching clients. Slow clients whose
// buffer is full miss the message rather than blocking the publisher.
func (s *Streamer) Notify(_ context.Context, n ports.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	message, err := json.Marshal(Event{Type: n.Type, Data: n, Time: n.CreatedAt.Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		if client.closed || (client.TenantID != "" && client.TenantID != n.TenantID) {
			continue
		}
		select {
		case client.Channel <- message:
		default:
		}
	}
	return nil
}

// ClientCount returns the number of connected clients
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleSSE handles SSE HTTP requests
func (s *Streamer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := s.AddClient(clientID, r.URL.Query().Get("tenant_id"))
	defer s.RemoveClient(clientID)

	if err := writeEvent(w, "connected", map[string]interface{}{"client_id": clientID}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case message, ok := <-client.Channel:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", message); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, eventType string, data interface{}) error {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Time: time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	return err
}
