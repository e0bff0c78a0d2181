package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/service"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/response"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/storage"
)

// Handler serves the administrative and read-only REST API.
type Handler struct {
	sessions *service.SessionManager
	history  *service.HistoryService
	search   *service.SearchService
}

func NewHandler(sessions *service.SessionManager, history *service.HistoryService, search *service.SearchService) *Handler {
	return &Handler{
		sessions: sessions,
		history:  history,
		search:   search,
	}
}

// CreateRoomRequest is the body of POST /api/rooms.
type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
}

// CreateRoomResponse keeps the room API's fixed {success, roomId?, message?}
// shape instead of the generic envelope.
type CreateRoomResponse struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message,omitempty"`
}

type historyQuery struct {
	Before    int64 `form:"before"`
	BeforeSeq int64 `form:"beforeSeq"`
	Limit     int   `form:"limit"`
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		rooms := api.Group("/rooms")
		{
			rooms.GET("", h.ListRooms)
			rooms.POST("", h.CreateRoom)
			rooms.GET("/:roomId/messages", h.GetMessages)
			rooms.GET("/:roomId/search", h.SearchMessages)
			rooms.GET("/:roomId/users", h.GetOnlineUsers)
		}
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.sessions.SessionCount(),
	})
}

// ListRooms returns [{roomId, memberCount}].
func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Rooms())
}

// CreateRoom creates an empty room.
func (h *Handler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind create room request")
		c.JSON(http.StatusBadRequest, CreateRoomResponse{Success: false, Message: "invalid request body"})
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" {
		c.JSON(http.StatusBadRequest, CreateRoomResponse{Success: false, Message: "roomId is required"})
		return
	}
	c.Set(log.FieldRoomID, req.RoomID)

	created, err := h.sessions.CreateRoom(ctx, req.RoomID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, req.RoomID).Msg("failed to create room")
		c.JSON(http.StatusServiceUnavailable, CreateRoomResponse{Success: false, Message: "room service unavailable"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, CreateRoomResponse{Success: false, Message: "room already exists"})
		return
	}

	c.JSON(http.StatusOK, CreateRoomResponse{Success: true, RoomID: req.RoomID})
}

// GetMessages returns a history page. Without before it is the latest page.
func (h *Handler) GetMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("roomId")
	c.Set(log.FieldRoomID, roomID)

	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var (
		msgs []*domain.Message
		err  error
	)
	if q.Before > 0 {
		msgs, err = h.history.Before(ctx, roomID, domain.Cursor{Timestamp: q.Before, Seq: q.BeforeSeq}, q.Limit)
	} else {
		msgs, err = h.history.InitialHistory(ctx, roomID, q.Limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, msgs)
}

func (h *Handler) SearchMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("roomId")
	c.Set(log.FieldRoomID, roomID)

	msgs, err := h.search.Search(ctx, roomID, c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, msgs)
}

func (h *Handler) GetOnlineUsers(c *gin.Context) {
	roomID := c.Param("roomId")
	c.Set(log.FieldRoomID, roomID)

	response.Success(c, h.sessions.OnlineUsers(roomID))
}

// MediaHandler serves offloaded media from local storage.
type MediaHandler struct {
	storage storage.Storage
	prefix  string
}

func NewMediaHandler(s storage.Storage, urlPrefix string) *MediaHandler {
	return &MediaHandler{storage: s, prefix: "/" + strings.Trim(urlPrefix, "/")}
}

func (h *MediaHandler) RegisterRoutes(r *gin.Engine) {
	r.GET(h.prefix+"/*key", h.ServeMedia)
}

func (h *MediaHandler) ServeMedia(c *gin.Context) {
	ctx := c.Request.Context()
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		response.NotFound(c, "media not found")
		return
	}

	rc, err := h.storage.Read(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		response.NotFound(c, "media not found")
		return
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str("key", key).Msg("failed to read media")
		response.InternalError(c, "failed to read media")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "public, max-age=86400")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str("key", key).Msg("media copy interrupted")
	}
}

// CORS allows the browser client to call the API from any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// writeError maps taxonomy errors to the standard error envelope.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		response.BadRequest(c, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrPersistenceFailure):
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("store unavailable")
		response.ServiceUnavailable(c, "message store unavailable")
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("request failed")
		response.InternalError(c, "internal error")
	}
}
