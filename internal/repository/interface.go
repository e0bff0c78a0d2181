package repository

import (
	"context"
	"fmt"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
)

var (
	ErrMessageNotFound  = fmt.Errorf("message %w", domain.ErrNotFound)
	ErrDuplicateMessage = fmt.Errorf("%w: duplicate message id", domain.ErrInvalidRequest)
)

// MessageRepository is the Message Store. Implementations must make Save and
// AddReader atomic per record; reads return copies the caller may keep.
type MessageRepository interface {
	// Save appends msg and assigns msg.Seq.
	Save(ctx context.Context, msg *domain.Message) error
	Get(ctx context.Context, id string) (*domain.Message, error)
	// AddReader adds userID to the message's readBy set. added is false when
	// the user was already present.
	AddReader(ctx context.Context, messageID, userID string) (added bool, err error)
	// Latest returns up to limit most recent messages of a room, oldest first.
	Latest(ctx context.Context, roomID string, limit int) ([]*domain.Message, error)
	// Before returns up to limit messages strictly before cursor, oldest first.
	Before(ctx context.Context, roomID string, cursor domain.Cursor, limit int) ([]*domain.Message, error)
	// Search returns up to limit messages matching keyword, newest first.
	Search(ctx context.Context, roomID, keyword string, limit int) ([]*domain.Message, error)
	Close() error
}

func reverse(msgs []*domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
