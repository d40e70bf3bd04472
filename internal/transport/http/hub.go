package http

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub owns the set of live websocket connections and implements the core's
// Notifier: fan-out to everyone or a targeted push to one connection. Each
// connection drains its own buffered send channel from a writer goroutine, so
// a slow client drops its oldest pending event instead of blocking the rest.
type Hub struct {
	mu    sync.Mutex
	conns map[string]chan outboundMessage
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]chan outboundMessage)}
}

func (h *Hub) register(connectionID string) chan outboundMessage {
	send := make(chan outboundMessage, 32)
	h.mu.Lock()
	h.conns[connectionID] = send
	h.mu.Unlock()
	return send
}

func (h *Hub) unregister(connectionID string) {
	h.mu.Lock()
	if send, ok := h.conns[connectionID]; ok {
		delete(h.conns, connectionID)
		close(send)
	}
	h.mu.Unlock()
}

// Broadcast pushes an event to every live connection.
func (h *Hub) Broadcast(event string, payload any) {
	msg := outboundMessage{Type: event, Payload: payload}
	h.mu.Lock()
	for id, send := range h.conns {
		h.pushLocked(id, send, msg)
	}
	h.mu.Unlock()
}

// Send pushes an event to a single connection. Unknown ids are a no-op: the
// connection already went away.
func (h *Hub) Send(connectionID, event string, payload any) {
	msg := outboundMessage{Type: event, Payload: payload}
	h.mu.Lock()
	if send, ok := h.conns[connectionID]; ok {
		h.pushLocked(connectionID, send, msg)
	}
	h.mu.Unlock()
}

func (h *Hub) pushLocked(connectionID string, send chan outboundMessage, msg outboundMessage) {
	select {
	case send <- msg:
	default:
		// Drop the oldest queued event so the freshest state wins.
		select {
		case <-send:
		default:
		}
		select {
		case send <- msg:
		default:
			log.Warn().Str("connection_id", connectionID).Str("event", msg.Type).Msg("dropping event for saturated connection")
		}
	}
}
