package network

import "sync"

// hub tracks authenticated sessions for chat relay.
type hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

func newHub() *hub {
	return &hub{sessions: make(map[*Session]struct{})}
}

func (h *hub) add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// broadcast relays a chat message to every authenticated session except the
// sender. Each recipient's relay goroutine seals and writes the frame with
// its own session key; the queue hand-off keeps a recipient that is mid-
// download (or otherwise slow) from stalling the sender's loop.
func (h *hub) broadcast(from *Session, msg ChatMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s != from {
			s.enqueueRelay(msg)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
}
