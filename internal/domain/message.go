package domain

import "strings"

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeAudio = "audio"
	MessageTypeVideo = "video"
)

// Message is a persisted chat message. Everything except ReadBy is immutable
// once stored; ReadBy only grows.
type Message struct {
	ID          string   `json:"id"`
	Seq         int64    `json:"seq"`
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	RoomID      string   `json:"roomId"`
	Content     string   `json:"content"`
	Type        string   `json:"type"`
	MediaURL    string   `json:"mediaUrl,omitempty"`
	MediaType   string   `json:"mediaType,omitempty"`
	Timestamp   int64    `json:"timestamp"` // unix ms, server-assigned
	ReadBy      []string `json:"readBy"`
}

// Clone returns a deep copy so callers never share the ReadBy backing array.
func (m *Message) Clone() *Message {
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return &c
}

// HasReader reports whether userID is already in ReadBy.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}

// IsMediaType reports whether t is one of the media message types.
func IsMediaType(t string) bool {
	switch t {
	case MessageTypeImage, MessageTypeAudio, MessageTypeVideo:
		return true
	}
	return false
}

// IsValidType reports whether t is a known message type.
func IsValidType(t string) bool {
	return t == MessageTypeText || IsMediaType(t)
}

// MatchesKeyword is the search predicate: case-insensitive substring match on
// content. Empty content never matches, so an empty keyword matches every
// message that has content.
func (m *Message) MatchesKeyword(keyword string) bool {
	if m.Content == "" {
		return false
	}
	return strings.Contains(strings.ToLower(m.Content), strings.ToLower(keyword))
}

// Cursor positions a history page. A zero Seq means "strictly before
// Timestamp"; a non-zero Seq means "strictly before (Timestamp, Seq)".
type Cursor struct {
	Timestamp int64
	Seq       int64
}

// Before reports whether m sorts strictly before the cursor.
func (c Cursor) Before(m *Message) bool {
	if c.Seq == 0 {
		return m.Timestamp < c.Timestamp
	}
	if m.Timestamp != c.Timestamp {
		return m.Timestamp < c.Timestamp
	}
	return m.Seq < c.Seq
}

// Less orders messages by (Timestamp, Seq).
func Less(a, b *Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}
