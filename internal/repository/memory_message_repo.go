package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
)

// MemoryMessageRepository keeps messages in process memory. Rooms hold their
// messages sorted by (timestamp, seq).
type MemoryMessageRepository struct {
	mu     sync.RWMutex
	seq    int64
	byID   map[string]*domain.Message
	byRoom map[string][]*domain.Message
}

// NewMemoryMessageRepository creates an empty in-memory store.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		byID:   make(map[string]*domain.Message),
		byRoom: make(map[string][]*domain.Message),
	}
}

func (r *MemoryMessageRepository) Save(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[msg.ID]; ok {
		return ErrDuplicateMessage
	}

	r.seq++
	msg.Seq = r.seq
	stored := msg.Clone()

	msgs := r.byRoom[msg.RoomID]
	i := sort.Search(len(msgs), func(i int) bool { return domain.Less(stored, msgs[i]) })
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = stored

	r.byRoom[msg.RoomID] = msgs
	r.byID[msg.ID] = stored
	return nil
}

func (r *MemoryMessageRepository) Get(ctx context.Context, id string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.byID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (r *MemoryMessageRepository) AddReader(ctx context.Context, messageID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.HasReader(userID) {
		return false, nil
	}
	msg.ReadBy = append(msg.ReadBy, userID)
	return true, nil
}

func (r *MemoryMessageRepository) Latest(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.byRoom[roomID]
	return cloneRange(msgs, len(msgs)-limit, len(msgs)), nil
}

func (r *MemoryMessageRepository) Before(ctx context.Context, roomID string, cursor domain.Cursor, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.byRoom[roomID]
	end := sort.Search(len(msgs), func(i int) bool { return !cursor.Before(msgs[i]) })
	return cloneRange(msgs, end-limit, end), nil
}

func (r *MemoryMessageRepository) Search(ctx context.Context, roomID, keyword string, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []*domain.Message{}
	msgs := r.byRoom[roomID]
	for i := len(msgs) - 1; i >= 0 && len(result) < limit; i-- {
		if msgs[i].MatchesKeyword(keyword) {
			result = append(result, msgs[i].Clone())
		}
	}
	return result, nil
}

func (r *MemoryMessageRepository) Close() error {
	return nil
}

func cloneRange(msgs []*domain.Message, start, end int) []*domain.Message {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return []*domain.Message{}
	}
	out := make([]*domain.Message, 0, end-start)
	for _, m := range msgs[start:end] {
		out = append(out, m.Clone())
	}
	return out
}
