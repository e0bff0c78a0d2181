package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/hub"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/service"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler speaks the chat event protocol on /chat/ws. Each inbound frame
// is handled to completion before the next one from the same connection is
// read.
type WSHandler struct {
	hub      *hub.Hub
	sessions *service.SessionManager
	messages *service.MessageService
	history  *service.HistoryService
	search   *service.SearchService
	wsCfg    config.WebSocketConfig
}

func NewWSHandler(
	h *hub.Hub,
	sessions *service.SessionManager,
	messages *service.MessageService,
	history *service.HistoryService,
	search *service.SearchService,
	wsCfg config.WebSocketConfig,
) *WSHandler {
	return &WSHandler{
		hub:      h,
		sessions: sessions,
		messages: messages,
		history:  history,
		search:   search,
		wsCfg:    wsCfg,
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/chat/ws", h.HandleWebSocket)
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.New().String()
	logger := log.Ctx(log.WithConnection(c.Request.Context(), id, ""))
	client := hub.NewClient(id, h.hub, conn, h.wsCfg, logger)

	h.hub.Register(client)
	logger.Info().Msg("connection opened")

	go client.WritePump()
	go client.ReadPump(h.handleMessage, h.handleClose)
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	ctx := log.WithLogger(context.Background(), client.Logger)
	if session, ok := h.sessions.Lookup(client.ID); ok {
		ctx = log.WithRoom(ctx, session.RoomID)
	}

	var env domain.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		h.sendError(ctx, client, "", domain.InvalidRequest("malformed frame"))
		return
	}

	if err := h.dispatch(ctx, client, &env); err != nil {
		h.sendError(ctx, client, env.Type, err)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client *hub.Client, env *domain.Envelope) error {
	switch env.Type {
	case domain.EventJoin:
		var p domain.JoinPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		_, err := h.sessions.Join(ctx, client.ID, p.UserID, p.Name(), p.RoomID)
		return err

	case domain.EventMessage:
		var p domain.SendPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		session, err := h.session(client, p.UserID)
		if err != nil {
			return err
		}
		req := service.SubmitRequest{
			ConnectionID: client.ID,
			UserID:       session.UserID,
			DisplayName:  p.Name(),
			RoomID:       p.RoomID,
			Content:      p.Content,
			Type:         p.Type,
			MediaURL:     p.MediaURL,
			MediaType:    p.MediaType,
		}
		if req.DisplayName == "" {
			req.DisplayName = session.DisplayName
		}
		if req.RoomID == "" {
			req.RoomID = session.RoomID
		}
		_, err = h.messages.Submit(ctx, req)
		return err

	case domain.EventMarkRead:
		var p domain.MarkReadPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		session, err := h.session(client, p.UserID)
		if err != nil {
			return err
		}
		_, err = h.messages.MarkRead(ctx, p.MessageID, session.UserID, client.ID)
		return err

	case domain.EventLoadMore:
		var p domain.LoadMorePayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		roomID := h.roomOf(client, p.RoomID)
		msgs, err := h.history.Before(ctx, roomID, domain.Cursor{Timestamp: p.BeforeTimestamp, Seq: p.BeforeSeq}, p.Limit)
		if err != nil {
			return err
		}
		return h.hub.SendTo(client.ID, domain.EventMoreHistory, msgs)

	case domain.EventSearch:
		var p domain.SearchPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		msgs, err := h.search.Search(ctx, h.roomOf(client, p.RoomID), p.Keyword)
		if err != nil {
			return err
		}
		return h.hub.SendTo(client.ID, domain.EventSearchResults, msgs)

	case domain.EventLeave:
		return h.sessions.Disconnect(ctx, client.ID)

	case domain.EventPing:
		return h.hub.SendTo(client.ID, domain.EventPong, nil)

	default:
		return domain.InvalidRequest("unknown event %q", env.Type)
	}
}

// session returns the connection's session and checks that a userId given
// in the payload matches it.
func (h *WSHandler) session(client *hub.Client, userID string) (domain.Session, error) {
	session, ok := h.sessions.Lookup(client.ID)
	if !ok {
		return domain.Session{}, service.ErrNoSession
	}
	if userID != "" && userID != session.UserID {
		return domain.Session{}, domain.InvalidRequest("userId does not match the joined user")
	}
	return session, nil
}

func (h *WSHandler) roomOf(client *hub.Client, roomID string) string {
	if roomID != "" {
		return roomID
	}
	if session, ok := h.sessions.Lookup(client.ID); ok {
		return session.RoomID
	}
	return ""
}

func (h *WSHandler) handleClose(client *hub.Client) {
	ctx := log.WithLogger(context.Background(), client.Logger)

	if err := h.sessions.Disconnect(ctx, client.ID); err != nil && !errors.Is(err, service.ErrManagerStopped) {
		client.Logger.Error().Err(err).Msg("failed to end session")
	}
	h.hub.Unregister(client)
	client.Logger.Info().Msg("connection closed")
}

func (h *WSHandler) sendError(ctx context.Context, client *hub.Client, event string, err error) {
	l := log.Ctx(ctx)
	if errors.Is(err, domain.ErrInvalidRequest) {
		l.Debug().Err(err).Str(log.FieldEvent, event).Msg("rejected event")
	} else {
		l.Error().Err(err).Str(log.FieldEvent, event).Msg("event failed")
	}

	out := domain.NewErrorEvent(event, err)
	if sendErr := h.hub.SendTo(client.ID, out.Type, out.Data); sendErr != nil {
		l.Debug().Err(sendErr).Msg("failed to send error frame")
	}
}

// decode unmarshals an event payload. A missing payload decodes as empty.
func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.InvalidRequest("malformed payload: %v", err)
	}
	return nil
}
