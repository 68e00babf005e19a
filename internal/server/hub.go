package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/manash/imgstudio/internal/studio"
)

// Hub fans studio notifications out to SSE subscribers. Subscriber channels
// are owned by the handler that created them; the hub only sends on them.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}

	subscribe   chan chan []byte
	unsubscribe chan chan []byte
	publish     chan []byte
	stopped     chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs:        make(map[chan []byte]struct{}),
		subscribe:   make(chan chan []byte),
		unsubscribe: make(chan chan []byte),
		publish:     make(chan []byte, 100),
		stopped:     make(chan struct{}),
	}
}

// Run serializes subscription changes and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-h.subscribe:
			h.mu.Lock()
			h.subs[ch] = struct{}{}
			h.mu.Unlock()
		case ch := <-h.unsubscribe:
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		case msg := <-h.publish:
			h.mu.Lock()
			for ch := range h.subs {
				select {
				case ch <- msg:
				default:
					// slow reader
				}
			}
			h.mu.Unlock()
		}
	}
}

// Notify implements studio.Notifier. It never blocks the caller; messages
// are dropped when the publish buffer is full.
func (h *Hub) Notify(n studio.Notification) {
	msg, err := json.Marshal(n)
	if err != nil {
		return
	}
	select {
	case h.publish <- msg:
	default:
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Subscribe(ch chan []byte) {
	select {
	case h.subscribe <- ch:
	case <-h.stopped:
	}
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	select {
	case h.unsubscribe <- ch:
	case <-h.stopped:
	}
}

func (s *Server) events(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	msgCh := make(chan []byte, 16)
	s.hub.Subscribe(msgCh)
	defer s.hub.Unsubscribe(msgCh)

	done := c.Request.Context().Done()
	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-done:
			return
		case msg := <-msgCh:
			fmt.Fprintf(c.Writer, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
