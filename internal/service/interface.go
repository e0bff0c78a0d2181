package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/media"
)

// Broadcaster is the room subscriber registry and fan-out. *hub.Hub
// implements it.
type Broadcaster interface {
	Subscribe(roomID, connectionID, userID string)
	Unsubscribe(roomID, connectionID string) int
	MembersOf(roomID string) []string
	SubscriberCount(roomID string) int
	IsSubscribed(roomID, connectionID string) bool
	CreateRoom(roomID string) bool
	Rooms() []domain.RoomSummary
	Publish(roomID, event string, payload interface{}, exclude string) error
	SendTo(connectionID, event string, payload interface{}) error
}

// EventSink receives room events for downstream consumers. Emit must not
// block. *events.Forwarder implements it.
type EventSink interface {
	Emit(roomID, eventType string, payload interface{})
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(string, string, interface{}) {}

// MediaOffloader moves inline media into blob storage. *media.Offloader
// implements it.
type MediaOffloader interface {
	Offload(ctx context.Context, roomID, messageID, dataURL string) (*media.Upload, error)
	Discard(ctx context.Context, key string)
}

var (
	ErrRoomEmpty      = fmt.Errorf("%w: room has no subscribers", domain.ErrInvalidRequest)
	ErrNotInRoom      = fmt.Errorf("%w: connection is not subscribed to room", domain.ErrInvalidRequest)
	ErrNoSession      = fmt.Errorf("%w: connection has not joined a room", domain.ErrInvalidRequest)
	ErrManagerStopped = errors.New("session manager stopped")
)

// storeError classifies a Message Store failure. Taxonomy errors pass
// through; anything else becomes a persistence failure.
func storeError(op string, err error) error {
	if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistenceFailure, op, err)
}
