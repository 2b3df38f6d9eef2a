package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/liveconsole/internal/bus"
)

// ErrSessionClosed is returned when writing to a session that has left the hub.
var ErrSessionClosed = errors.New("session closed")

var errServerClosing = errors.New("server shutting down")

const writeTimeout = 10 * time.Second

// Hub tracks the active sessions. Broadcasts travel through the bus, so each
// joined session owns a subscription and a forwarder goroutine; a session that
// joins after a publish never sees it.
type Hub struct {
	bus     *bus.Bus
	local   *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]*member
}

type member struct {
	session *Session
	sub     *bus.Subscription
}

// NewHub returns a hub over b. local receives delivery failures and must not
// publish on b.
func NewHub(b *bus.Bus, local *slog.Logger) *Hub {
	if local == nil {
		local = slog.Default()
	}
	return &Hub{bus: b, local: local, sessions: make(map[string]*member)}
}

// WithMetrics attaches session gauges. Call before the first Join.
func (h *Hub) WithMetrics(m *Metrics) *Hub {
	h.metrics = m
	return h
}

// Join subscribes s to every broadcast published from now on.
func (h *Hub) Join(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID()]; ok {
		h.mu.Unlock()
		return
	}
	m := &member{session: s, sub: h.bus.Subscribe("")}
	h.sessions[s.ID()] = m
	h.mu.Unlock()

	h.metrics.sessionJoined(context.Background())
	go h.forward(m)
}

// Leave unsubscribes s. Its forwarder exits once the buffered events drain.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	m, ok := h.sessions[s.ID()]
	if ok {
		delete(h.sessions, s.ID())
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.bus.Unsubscribe(m.sub)
	h.metrics.sessionLeft(context.Background())
}

// Broadcast publishes payload to every joined session as event.
func (h *Hub) Broadcast(event string, payload any) {
	h.bus.Publish(event, payload)
}

// Unicast writes one frame to s only.
func (h *Hub) Unicast(ctx context.Context, s *Session, f Frame) error {
	if !h.Has(s) {
		return ErrSessionClosed
	}
	return s.write(ctx, f)
}

// Has reports whether s is currently joined.
func (h *Hub) Has(s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[s.ID()]
	return ok
}

// Len returns the number of joined sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of the joined sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, m := range h.sessions {
		out = append(out, m.session)
	}
	return out
}

func (h *Hub) forward(m *member) {
	<-m.session.greeted
	for ev := range m.sub.Ch() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := m.session.write(ctx, Frame{Event: ev.Topic, Payload: ev.Payload})
		cancel()
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			// Must not publish on the bus.
			h.local.Debug("hub: broadcast write failed", "session", m.session.ID(), "event", ev.Topic, "error", err)
		}
	}
}
