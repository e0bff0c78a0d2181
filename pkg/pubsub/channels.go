package pubsub

import "fmt"

// Channel naming conventions for chat events.
const (
	// Per-room stream of everything that happened in the room.
	ChannelRoomEvents = "chat:room:%s:events"
)

// Event types published on the room stream.
const (
	EventMessageCreated = "message.created"
	EventMessageRead    = "message.read"
	EventUserJoined     = "user.joined"
	EventUserLeft       = "user.left"
)

// RoomEventsChannel returns the channel name for a room's event stream.
func RoomEventsChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomEvents, roomID)
}

// MessageReadPayload is published when a reader is added to a message.
type MessageReadPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// PresencePayload is published when a user joins or leaves a room.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	OnlineCount int    `json:"online_count"`
}
