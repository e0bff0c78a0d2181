package domain

import (
	"fmt"
	"time"
)

// Session binds one live connection to one user in one room.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	RoomID       string    `json:"roomId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// PresenceEntry mirrors a live Session in the presence registry.
type PresenceEntry struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	RoomID       string    `json:"roomId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// OnlineUser is the public view of a presence entry.
type OnlineUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// RoomSummary is returned by the room listing.
type RoomSummary struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

// DefaultDisplayName is used when a join carries no display name.
func DefaultDisplayName(userID string) string {
	return fmt.Sprintf("User %s", userID)
}

func (s *Session) PresenceEntry() PresenceEntry {
	return PresenceEntry{
		UserID:       s.UserID,
		ConnectionID: s.ConnectionID,
		DisplayName:  s.DisplayName,
		RoomID:       s.RoomID,
		JoinedAt:     s.JoinedAt,
	}
}
