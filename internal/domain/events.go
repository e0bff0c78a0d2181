package domain

import "encoding/json"

// Client -> server event types.
const (
	EventJoin     = "join"
	EventMessage  = "message"
	EventMarkRead = "markRead"
	EventLoadMore = "loadMore"
	EventSearch   = "search"
	EventLeave    = "leave"
	EventPing     = "ping"
)

// Server -> client event types. EventMessage is also sent outbound.
const (
	EventHistory       = "history"
	EventMoreHistory   = "moreHistory"
	EventUserJoined    = "userJoined"
	EventUserLeft      = "userLeft"
	EventOnlineUsers   = "onlineUsers"
	EventMessageRead   = "messageRead"
	EventSearchResults = "searchResults"
	EventError         = "error"
	EventPong          = "pong"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is the server-side envelope before encoding.
type Outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client -> server payloads. "username" is accepted as an alias of
// "displayName" for older clients.

type JoinPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
	RoomID      string `json:"roomId"`
}

func (p *JoinPayload) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

type SendPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
	RoomID      string `json:"roomId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	MediaURL    string `json:"mediaUrl"`
	MediaType   string `json:"mediaType"`
}

func (p *SendPayload) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

type MarkReadPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type LoadMorePayload struct {
	RoomID          string `json:"roomId"`
	BeforeTimestamp int64  `json:"beforeTimestamp"`
	BeforeSeq       int64  `json:"beforeSeq"`
	Limit           int    `json:"limit"`
}

type SearchPayload struct {
	RoomID  string `json:"roomId"`
	Keyword string `json:"keyword"`
}

// Server -> client payloads.

type PresenceEvent struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
	OnlineCount int    `json:"onlineCount"`
}

type MessageReadEvent struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// NewErrorEvent builds the error frame for a failed inbound event.
func NewErrorEvent(event string, err error) *Outbound {
	return &Outbound{
		Type: EventError,
		Data: &ErrorEvent{
			Code:    ErrorCode(err),
			Message: err.Error(),
			Event:   event,
		},
	}
}
