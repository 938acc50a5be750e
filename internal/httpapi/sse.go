package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// Event types emitted on /events.
const (
	EventNewPrompt        = "new_prompt"
	EventSessionStarted   = "session_started"
	EventObservationQueue = "observation_queued"
	EventSummarizeQueued  = "summarize_queued"
	EventSessionCompleted = "session_completed"
	EventProcessingStatus = "processing_status"
)

// Broadcaster fans worker events out to SSE subscribers. Events per session
// are delivered in the order their triggering writes committed, because
// Broadcast is called after the commit on the same goroutine.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Subscribe registers a subscriber channel. The returned cancel func must
// be called when the client disconnects.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

// Broadcast sends one event to every subscriber. Slow subscribers drop
// events rather than blocking the write path.
func (b *Broadcaster) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// SubscriberCount returns the number of connected SSE clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// handleEvents streams SSE frames to the client.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	ch, cancel := s.broadcaster.Subscribe()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		// Initial comment so proxies flush the stream immediately.
		_, _ = w.WriteString(": connected\n\n")
		_ = w.Flush()

		for frame := range ch {
			if _, err := w.Write(frame); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))
	return nil
}
