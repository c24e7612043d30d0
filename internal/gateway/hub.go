package gateway

import (
	"sync"
	"time"
)

// hub fans frames out to the sessions attached to each document.
type hub struct {
	mu        sync.RWMutex
	documents map[string]map[int64]*session
}

func newHub() *hub {
	return &hub{documents: make(map[string]map[int64]*session)}
}

func (h *hub) join(documentKey string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.documents[documentKey]; !ok {
		h.documents[documentKey] = make(map[int64]*session)
	}
	h.documents[documentKey][s.id] = s
}

func (h *hub) leave(documentKey string, sessionID int64) {
	h.mu.Lock()
	peers := h.documents[documentKey]
	if peers != nil {
		delete(peers, sessionID)
		if len(peers) == 0 {
			delete(h.documents, documentKey)
		}
	}
	h.mu.Unlock()
}

// relay enqueues frame on every peer of documentKey except the origin. A peer whose send
// buffer is full is disconnected; it catches up by state vector when it reconnects.
// It returns the number of peers the frame was queued for.
func (h *hub) relay(documentKey string, origin int64, frame Frame) int {
	h.mu.RLock()
	peers := h.documents[documentKey]
	if len(peers) == 0 {
		h.mu.RUnlock()
		return 0
	}
	copies := make([]*session, 0, len(peers))
	for id, peer := range peers {
		if id == origin {
			continue
		}
		copies = append(copies, peer)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, peer := range copies {
		if peer.enqueue(frame) {
			delivered++
			continue
		}
		peer.disconnectSlow()
		h.leave(documentKey, peer.id)
	}
	return delivered
}

func (h *hub) size(documentKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.documents[documentKey])
}

// registry indexes live sessions for membership invalidation and listing.
type registry struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[int64]*session)}
}

func (r *registry) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *registry) remove(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *registry) list() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) members(projectID, userID string) []*session {
	var out []*session
	for _, s := range r.list() {
		info := s.info()
		if info.ProjectID == projectID && info.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// alive returns sessions whose idle deadline is still ahead of now.
func (r *registry) alive(now time.Time) []SessionInfo {
	var out []SessionInfo
	for _, s := range r.list() {
		info := s.info()
		if info.State == StateClosed || !info.ExpiresAt.After(now) {
			continue
		}
		out = append(out, info)
	}
	return out
}
