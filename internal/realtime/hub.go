package realtime

import "sync"

// Hub is an in-process emitter: callbacks subscribed to a room are invoked
// synchronously on emit. It backs tests and single-process deployments; the
// socket tier subscribes through the Redis emitter instead when scaled out.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]func(Event)
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string][]func(Event))}
}

// Subscribe registers a callback for a room.
func (h *Hub) Subscribe(room string, fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[room] = append(h.subscribers[room], fn)
}

func (h *Hub) emit(room string, ev Event) {
	h.mu.RLock()
	subs := h.subscribers[room]
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Hub) EmitToTenant(id string, ev Event)    { h.emit(tenantRoom(id), ev) }
func (h *Hub) EmitToTicket(id string, ev Event)    { h.emit(ticketRoom(id), ev) }
func (h *Hub) EmitToAgreement(id string, ev Event) { h.emit(agreementRoom(id), ev) }
func (h *Hub) EmitToUser(id string, ev Event)      { h.emit(userRoom(id), ev) }
