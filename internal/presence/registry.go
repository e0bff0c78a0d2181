package presence

import (
	"sort"
	"sync"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
)

// Observer is notified after every presence change. Calls happen on the
// session actor and must not block.
type Observer interface {
	Upserted(entry domain.PresenceEntry)
	Removed(entry domain.PresenceEntry)
}

// Registry maps userId to its presence entry. Writes come from the session
// actor; reads may come from anywhere.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]domain.PresenceEntry
	observer Observer
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(observer Observer) *Registry {
	return &Registry{
		entries:  make(map[string]domain.PresenceEntry),
		observer: observer,
	}
}

func (r *Registry) Upsert(entry domain.PresenceEntry) {
	r.mu.Lock()
	r.entries[entry.UserID] = entry
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.Upserted(entry)
	}
}

// Remove deletes the entry for userID if it is still owned by connectionID.
// An entry already taken over by a newer connection is left alone.
func (r *Registry) Remove(userID, connectionID string) (domain.PresenceEntry, bool) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if ok && entry.ConnectionID == connectionID {
		delete(r.entries, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok && r.observer != nil {
		r.observer.Removed(entry)
	}
	return entry, ok
}

func (r *Registry) Get(userID string) (domain.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	return entry, ok
}

// ListByRoom returns the room's entries ordered by join time.
func (r *Registry) ListByRoom(roomID string) []domain.PresenceEntry {
	r.mu.RLock()
	out := make([]domain.PresenceEntry, 0)
	for _, e := range r.entries {
		if e.RoomID == roomID {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
