package pep

import "sync"

// Subscriber receives broadcast notifications from the hub — normally
// a downstream transport's outbound channel.
type Subscriber interface {
	Notify(n *Notification)
}

// Hub fans a notification out to every subscriber except the one that
// originated it, so an upstream's own listChanged notification never
// echoes back to the connection that triggered the refresh that
// produced it.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]Subscriber)}
}

func (h *Hub) Subscribe(id string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = s
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// Broadcast sends n to every subscriber other than originID (originID
// may be "" when the notification didn't come from a subscriber, in
// which case everyone receives it).
func (h *Hub) Broadcast(originID string, n *Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subscribers {
		if id == originID {
			continue
		}
		s.Notify(n)
	}
}
