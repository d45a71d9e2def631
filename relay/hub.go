package relay

import (
	"log"
	"sort"
	"sync"

	"roomdrop/signal"
)

// Hub owns the room registry. Rooms come into being on the first join and
// disappear with the last leave; the relay itself keeps no durable state.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	presence Presence
}

type room struct {
	code    string
	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a hub backed by the given presence mirror.
func NewHub(presence Presence) *Hub {
	if presence == nil {
		presence = noopPresence{}
	}
	return &Hub{
		rooms:    make(map[string]*room),
		presence: presence,
	}
}

func (h *Hub) getOrCreateRoom(code string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, exists := h.rooms[code]
	if !exists {
		r = &room{
			code:    code,
			clients: make(map[string]*client),
		}
		h.rooms[code] = r
		log.Printf("created room %s", code)
	}
	return r
}

// register adds a client to its room. A second join with the same peer id
// supersedes the first connection, which is closed.
func (h *Hub) register(c *client) {
	r := h.getOrCreateRoom(c.roomCode)

	r.mu.Lock()
	previous := r.clients[c.peerID]
	r.clients[c.peerID] = c
	r.mu.Unlock()

	if previous != nil {
		log.Printf("peer %s rejoined room %s, superseding old connection", c.peerID, c.roomCode)
		previous.closeSend()
	}

	h.presence.Add(c.roomCode, c.peerID)
	log.Printf("peer %s joined room %s", c.peerID, c.roomCode)
}

// unregister removes a client and tears the room down when it empties. It
// reports whether the client was still the room's current connection; a
// superseded connection must not broadcast a departure.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	r := h.rooms[c.roomCode]
	h.mu.Unlock()
	if r == nil {
		return false
	}

	r.mu.Lock()
	current := r.clients[c.peerID] == c
	if current {
		delete(r.clients, c.peerID)
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if !current {
		return false
	}

	if empty {
		h.mu.Lock()
		if r2 := h.rooms[c.roomCode]; r2 == r {
			delete(h.rooms, c.roomCode)
		}
		h.mu.Unlock()
		log.Printf("removed empty room %s", c.roomCode)
	}

	h.presence.Remove(c.roomCode, c.peerID)
	log.Printf("peer %s left room %s", c.peerID, c.roomCode)
	return true
}

// peerIDs lists the peers currently in a room, sorted for stable snapshots.
func (h *Hub) peerIDs(code string) []string {
	h.mu.RLock()
	r := h.rooms[code]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// broadcast sends a message to every room member except excludePeerID.
func (h *Hub) broadcast(code string, msg signal.Message, excludePeerID string) {
	h.mu.RLock()
	r := h.rooms[code]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	payload, err := signal.Encode(msg)
	if err != nil {
		log.Printf("encode broadcast for room %s: %v", code, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for peerID, member := range r.clients {
		if peerID != excludePeerID {
			member.enqueue(payload)
		}
	}
}

// sendTo delivers a message to one room member. It reports whether the
// target was present.
func (h *Hub) sendTo(code, targetPeerID string, msg signal.Message) bool {
	h.mu.RLock()
	r := h.rooms[code]
	h.mu.RUnlock()
	if r == nil {
		return false
	}

	r.mu.RLock()
	target := r.clients[targetPeerID]
	r.mu.RUnlock()
	if target == nil {
		return false
	}

	payload, err := signal.Encode(msg)
	if err != nil {
		log.Printf("encode message for peer %s: %v", targetPeerID, err)
		return false
	}
	target.enqueue(payload)
	return true
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// PeerCount reports the number of peers in one room.
func (h *Hub) PeerCount(code string) int {
	return len(h.peerIDs(code))
}
