package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const registrationBuffer = 16

// Registration is the live mapping from one connected client to its
// notification channel. It exists from connect to disconnect.
type Registration struct {
	ClientID string
	JoinedAt time.Time

	ch chan Event
}

// Events is the channel the transport drains for this client. It is
// closed when the registration is replaced or removed.
func (r *Registration) Events() <-chan Event { return r.ch }

// Hub tracks which connected client owns which channel and routes
// events to them. BulkComplete events target the submitting client and
// fall back to a broadcast when its registration is gone, so no result
// is silently dropped; refresh events always broadcast. Registrations
// are in-memory only and die with the process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Registration
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{clients: make(map[string]*Registration), log: log}
}

// Register creates the registration for a freshly connected client. A
// previous registration under the same id is closed and replaced, so at
// most one is live per client.
func (h *Hub) Register(clientID string) *Registration {
	reg := &Registration{
		ClientID: clientID,
		JoinedAt: time.Now().UTC(),
		ch:       make(chan Event, registrationBuffer),
	}

	h.mu.Lock()
	if prev, ok := h.clients[clientID]; ok {
		close(prev.ch)
	}
	h.clients[clientID] = reg
	h.mu.Unlock()

	h.log.Info("client registered", zap.String("client_id", clientID))
	return reg
}

// Unregister removes a registration at disconnect. A registration that
// was already replaced by a reconnect is left alone.
func (h *Hub) Unregister(reg *Registration) {
	h.mu.Lock()
	if cur, ok := h.clients[reg.ClientID]; ok && cur == reg {
		delete(h.clients, reg.ClientID)
		close(cur.ch)
	}
	h.mu.Unlock()

	h.log.Info("client unregistered", zap.String("client_id", reg.ClientID))
}

// Registered reports whether a client currently owns a live channel.
func (h *Hub) Registered(clientID string) bool {
	h.mu.RLock()
	_, ok := h.clients[clientID]
	h.mu.RUnlock()
	return ok
}

// Dispatch routes one event. Delivery is best-effort and at-most-once
// per registration: a client whose buffer is full misses the event.
func (h *Hub) Dispatch(ev Event) {
	bc, ok := ev.(BulkComplete)
	if !ok {
		h.broadcast(ev)
		return
	}

	h.mu.RLock()
	reg, found := h.clients[bc.Result.ClientID]
	if found {
		h.send(reg, ev)
	}
	h.mu.RUnlock()

	if !found {
		// routing miss: the client disconnected or reconnected under a
		// new id, broadcast so the result still lands somewhere
		h.log.Warn("no registration for client, broadcasting",
			zap.String("client_id", bc.Result.ClientID),
			zap.String("job_id", bc.Result.JobID),
		)
		h.broadcast(ev)
	}
}

// broadcast sends under the read lock: registrations close only under
// the write lock, so a send can never hit a closed channel.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	for _, reg := range h.clients {
		h.send(reg, ev)
	}
	h.mu.RUnlock()
}

func (h *Hub) send(reg *Registration, ev Event) {
	select {
	case reg.ch <- ev:
	default:
		h.log.Warn("dropping event for slow client",
			zap.String("client_id", reg.ClientID),
			zap.String("event", ev.Name()),
		)
	}
}
