package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/audit"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/generator"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/media"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/repository"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/pubsub"
)

// SubmitRequest is a validated-on-submit chat message from a connection.
type SubmitRequest struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	RoomID       string
	Content      string
	Type         string
	MediaURL     string
	MediaType    string
}

// MessageService stamps, persists and broadcasts messages and tracks read
// receipts. Work on one room runs in a single lane, so the room's publish
// order matches its persist order.
type MessageService struct {
	repo      repository.MessageRepository
	hub       Broadcaster
	ids       generator.Generator
	offloader MediaOffloader
	sink      EventSink
	lanes     *lanes
	now       func() time.Time

	tsMu   sync.Mutex
	lastTs map[string]int64 // roomID -> newest persisted timestamp
}

// NewMessageService wires the pipeline. offloader may be nil, in which case
// data: URLs are stored inline.
func NewMessageService(
	repo repository.MessageRepository,
	h Broadcaster,
	ids generator.Generator,
	offloader MediaOffloader,
	sink EventSink,
) *MessageService {
	if sink == nil {
		sink = NopSink{}
	}
	return &MessageService{
		repo:      repo,
		hub:       h,
		ids:       ids,
		offloader: offloader,
		sink:      sink,
		lanes:     newLanes(),
		now:       time.Now,
		lastTs:    make(map[string]int64),
	}
}

// Submit persists the message and then broadcasts it to every subscriber of
// the room, sender included. Sending to a room without subscribers is
// rejected and nothing is stored.
func (s *MessageService) Submit(ctx context.Context, req SubmitRequest) (*domain.Message, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	release := s.lanes.acquire(req.RoomID)
	defer release()

	if s.hub.SubscriberCount(req.RoomID) == 0 {
		return nil, ErrRoomEmpty
	}
	if req.ConnectionID != "" && !s.hub.IsSubscribed(req.RoomID, req.ConnectionID) {
		return nil, ErrNotInRoom
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:          id,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		RoomID:      req.RoomID,
		Content:     req.Content,
		Type:        req.Type,
		MediaURL:    req.MediaURL,
		MediaType:   req.MediaType,
		Timestamp:   s.stamp(ctx, req.RoomID),
		ReadBy:      []string{req.UserID},
	}

	var upload *media.Upload
	if s.offloader != nil && media.IsDataURL(msg.MediaURL) {
		upload, err = s.offloader.Offload(ctx, msg.RoomID, msg.ID, msg.MediaURL)
		if err != nil {
			return nil, err
		}
		msg.MediaURL = upload.URL
		if msg.MediaType == "" {
			msg.MediaType = upload.ContentType
		}
	}

	if err := s.repo.Save(ctx, msg); err != nil {
		if upload != nil {
			s.offloader.Discard(ctx, upload.Key)
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, msg.RoomID).Str(log.FieldMessageID, msg.ID).Msg("failed to persist message")
		return nil, storeError("save message", err)
	}
	s.tsMu.Lock()
	s.lastTs[msg.RoomID] = msg.Timestamp
	s.tsMu.Unlock()

	if err := s.hub.Publish(msg.RoomID, domain.EventMessage, msg, ""); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to broadcast message")
	}
	s.sink.Emit(msg.RoomID, pubsub.EventMessageCreated, msg)

	audit.LogWithTarget(ctx, audit.ActionSendMessage, msg.UserID, msg.ID, "message sent")
	return msg, nil
}

// MarkRead adds userID to the message's readers. Only a newly added reader
// is broadcast, to the room minus the marking connection. Unknown messages
// are ignored.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID, connectionID string) (bool, error) {
	if messageID == "" {
		return false, domain.InvalidRequest("messageId is required")
	}
	if userID == "" {
		return false, domain.InvalidRequest("userId is required")
	}

	msg, err := s.repo.Get(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldMessageID, messageID).Msg("markRead for unknown message ignored")
		return false, nil
	}
	if err != nil {
		return false, storeError("get message", err)
	}

	release := s.lanes.acquire(msg.RoomID)
	defer release()

	added, err := s.repo.AddReader(ctx, messageID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("add reader", err)
	}
	if !added {
		return false, nil
	}

	if err := s.hub.Publish(msg.RoomID, domain.EventMessageRead, &domain.MessageReadEvent{
		MessageID: messageID,
		UserID:    userID,
	}, connectionID); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldMessageID, messageID).Msg("failed to broadcast read receipt")
	}
	s.sink.Emit(msg.RoomID, pubsub.EventMessageRead, &pubsub.MessageReadPayload{MessageID: messageID, UserID: userID})

	audit.LogWithTarget(ctx, audit.ActionMarkRead, userID, messageID, "message marked read")
	return true, nil
}

func normalize(req *SubmitRequest) error {
	if req.UserID == "" {
		return domain.InvalidRequest("userId is required")
	}
	if req.RoomID == "" {
		return domain.InvalidRequest("roomId is required")
	}
	if req.DisplayName == "" {
		req.DisplayName = domain.DefaultDisplayName(req.UserID)
	}
	if req.Type == "" {
		req.Type = domain.MessageTypeText
	}
	if !domain.IsValidType(req.Type) {
		return domain.InvalidRequest("unknown message type %q", req.Type)
	}

	if req.Type == domain.MessageTypeText {
		if strings.TrimSpace(req.Content) == "" {
			return domain.InvalidRequest("content is required for text messages")
		}
		req.MediaURL = ""
		req.MediaType = ""
		return nil
	}

	if req.MediaURL == "" {
		return domain.InvalidRequest("mediaUrl is required for %s messages", req.Type)
	}
	return nil
}

// stamp returns the wall clock in millis, raised to the room's newest
// persisted timestamp when the clock has stepped backwards. It must run
// inside the room's lane.
func (s *MessageService) stamp(ctx context.Context, roomID string) int64 {
	s.tsMu.Lock()
	last, ok := s.lastTs[roomID]
	s.tsMu.Unlock()

	if !ok {
		if latest, err := s.repo.Latest(ctx, roomID, 1); err == nil && len(latest) > 0 {
			last = latest[0].Timestamp
		}
	}

	ts := s.now().UnixMilli()
	if ts < last {
		ts = last
	}
	return ts
}
