package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
)

// Hub is the room broadcaster. It tracks live clients and, per room, the
// subscribed connections in subscription order.
type Hub struct {
	clients map[string]*Client // connectionID -> client
	rooms   map[string]*room   // roomID -> subscribers
	mu      sync.RWMutex
	config  config.WebSocketConfig
}

type room struct {
	// pinned rooms were created explicitly and survive while empty until
	// their first subscriber leaves.
	pinned  bool
	order   []string          // connectionIDs in subscription order
	members map[string]string // connectionID -> userID
}

func newRoom() *room {
	return &room{members: make(map[string]string)}
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]*room),
		config:  cfg,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldConnectionID, client.ID).Msg("client registered")
}

// Unregister drops the client and closes its send channel. Room membership
// is left to the session manager; publishes skip connections that are no
// longer registered.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		client.closeSend()
	}
	h.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldConnectionID, client.ID).Msg("client unregistered")
}

// Subscribe adds a connection to a room, creating the room if needed.
// Subscribing an already subscribed connection only updates its user id.
func (h *Hub) Subscribe(roomID, connectionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom()
		h.rooms[roomID] = r
	}
	if _, ok := r.members[connectionID]; !ok {
		r.order = append(r.order, connectionID)
	}
	r.members[connectionID] = userID
	r.pinned = false
}

// Unsubscribe removes a connection from a room and returns how many
// subscribers remain. The room is deleted when none remain.
func (h *Hub) Unsubscribe(roomID, connectionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(roomID, connectionID)
}

func (h *Hub) unsubscribeLocked(roomID, connectionID string) int {
	r, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	if _, ok := r.members[connectionID]; ok {
		delete(r.members, connectionID)
		for i, id := range r.order {
			if id == connectionID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	if len(r.members) == 0 && !r.pinned {
		delete(h.rooms, roomID)
	}
	return len(r.members)
}

// MembersOf returns the subscribed user ids in subscription order.
func (h *Hub) MembersOf(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(r.order))
	for _, connID := range r.order {
		out = append(out, r.members[connID])
	}
	return out
}

func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.rooms[roomID]; ok {
		return len(r.members)
	}
	return 0
}

// IsSubscribed reports whether connectionID is subscribed to roomID.
func (h *Hub) IsSubscribed(roomID, connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.rooms[roomID]; ok {
		_, ok := r.members[connectionID]
		return ok
	}
	return false
}

// CreateRoom registers an empty room. It returns false if the room exists.
func (h *Hub) CreateRoom(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomID]; ok {
		return false
	}
	r := newRoom()
	r.pinned = true
	h.rooms[roomID] = r
	return true
}

// Rooms lists live rooms ordered by id.
func (h *Hub) Rooms() []domain.RoomSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.RoomSummary, 0, len(h.rooms))
	for id, r := range h.rooms {
		out = append(out, domain.RoomSummary{RoomID: id, MemberCount: len(r.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Publish encodes the event once and queues it on every subscriber of the
// room except exclude, in subscription order. A subscriber whose send buffer
// is full is kicked; its disconnect is handled by the normal read-loop exit.
func (h *Hub) Publish(roomID, event string, payload interface{}, exclude string) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	for _, connID := range r.order {
		if connID == exclude {
			continue
		}
		client, ok := h.clients[connID]
		if !ok {
			continue
		}
		h.deliver(client, data)
	}
	return nil
}

// SendTo queues an event for a single connection.
func (h *Hub) SendTo(connectionID, event string, payload interface{}) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connectionID]
	if !ok {
		return fmt.Errorf("connection %s not registered", connectionID)
	}
	h.deliver(client, data)
	return nil
}

// CloseAll kicks every client. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		c.Kick()
	}
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		l := log.L()
		l.Warn().Str(log.FieldConnectionID, client.ID).Msg("send buffer full, closing slow client")
		client.Kick()
	}
}

func encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(&domain.Outbound{Type: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return data, nil
}
