package service

import (
	"context"
	"sync"
	"time"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/audit"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/presence"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/pubsub"
)

// JoinResult describes a completed join.
type JoinResult struct {
	Session     domain.Session
	OnlineCount int
	// Displaced is the connection whose session for the same user was ended.
	Displaced string
}

type command struct {
	fn   func()
	done chan struct{}
}

// SessionManager binds connections to (user, room) pairs. All membership and
// presence mutation runs on the goroutine started by Run, one command at a
// time; lookups may run concurrently.
type SessionManager struct {
	hub      Broadcaster
	presence *presence.Registry
	history  *HistoryService
	sink     EventSink
	cfg      config.ChatConfig
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.Session // connectionID -> session
	byUser   map[string]string          // userID -> connectionID

	cmds    chan command
	stopped chan struct{}
}

func NewSessionManager(
	h Broadcaster,
	reg *presence.Registry,
	history *HistoryService,
	sink EventSink,
	cfg config.ChatConfig,
) *SessionManager {
	if sink == nil {
		sink = NopSink{}
	}
	return &SessionManager{
		hub:      h,
		presence: reg,
		history:  history,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*domain.Session),
		byUser:   make(map[string]string),
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
	}
}

// Run executes commands until ctx is cancelled.
func (m *SessionManager) Run(ctx context.Context) {
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			cmd.fn()
			close(cmd.done)
		}
	}
}

// do runs fn on the actor and waits for it to finish.
func (m *SessionManager) do(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case m.cmds <- cmd:
	case <-m.stopped:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

// Join binds connectionID to userID in roomID, then sends the connection the
// latest history page and the room's online users. A connection that already
// has a session is moved out of its current room first; another live
// session of the same user is displaced.
func (m *SessionManager) Join(ctx context.Context, connectionID, userID, displayName, roomID string) (*JoinResult, error) {
	if connectionID == "" {
		return nil, domain.InvalidRequest("connectionId is required")
	}
	if userID == "" {
		return nil, domain.InvalidRequest("userId is required")
	}
	if roomID == "" {
		roomID = m.cfg.DefaultRoom
	}
	if displayName == "" {
		displayName = domain.DefaultDisplayName(userID)
	}

	var result *JoinResult
	err := m.do(ctx, func() {
		result = m.join(ctx, connectionID, userID, displayName, roomID)
	})
	if err != nil {
		return nil, err
	}

	history, err := m.history.InitialHistory(ctx, roomID, m.cfg.HistoryLimit)
	if err != nil {
		return result, err
	}
	m.send(ctx, connectionID, domain.EventHistory, history)
	m.send(ctx, connectionID, domain.EventOnlineUsers, m.OnlineUsers(roomID))

	return result, nil
}

func (m *SessionManager) join(ctx context.Context, connectionID, userID, displayName, roomID string) *JoinResult {
	result := &JoinResult{}

	if _, ok := m.sessions[connectionID]; ok {
		m.leave(ctx, connectionID, audit.ActionLeave)
	}
	if prior, ok := m.byUser[userID]; ok && prior != connectionID {
		m.leave(ctx, prior, audit.ActionDisplace)
		result.Displaced = prior
	}

	session := &domain.Session{
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		RoomID:       roomID,
		JoinedAt:     m.now(),
	}

	m.mu.Lock()
	m.sessions[connectionID] = session
	m.byUser[userID] = connectionID
	m.mu.Unlock()

	m.hub.Subscribe(roomID, connectionID, userID)
	m.presence.Upsert(session.PresenceEntry())

	count := m.hub.SubscriberCount(roomID)
	m.publish(ctx, roomID, domain.EventUserJoined, &domain.PresenceEvent{
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   session.JoinedAt.UnixMilli(),
		OnlineCount: count,
	}, connectionID)
	m.sink.Emit(roomID, pubsub.EventUserJoined, &pubsub.PresencePayload{
		UserID:      userID,
		DisplayName: displayName,
		OnlineCount: count,
	})

	audit.LogWithTarget(ctx, audit.ActionJoin, userID, roomID, "joined room")

	result.Session = *session
	result.OnlineCount = count
	return result
}

// Disconnect ends the connection's session, if any. Calling it again is a
// no-op.
func (m *SessionManager) Disconnect(ctx context.Context, connectionID string) error {
	return m.do(ctx, func() {
		m.leave(ctx, connectionID, audit.ActionLeave)
	})
}

// SwitchRoom moves the connection's session to roomID. It is a disconnect
// followed by a join with the same user and display name.
func (m *SessionManager) SwitchRoom(ctx context.Context, connectionID, roomID string) (*JoinResult, error) {
	session, ok := m.Lookup(connectionID)
	if !ok {
		return nil, ErrNoSession
	}
	if err := m.Disconnect(ctx, connectionID); err != nil {
		return nil, err
	}
	return m.Join(ctx, connectionID, session.UserID, session.DisplayName, roomID)
}

// CreateRoom registers an empty room. It reports false if the room exists.
func (m *SessionManager) CreateRoom(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, domain.InvalidRequest("roomId is required")
	}

	var created bool
	if err := m.do(ctx, func() {
		created = m.hub.CreateRoom(roomID)
	}); err != nil {
		return false, err
	}
	if created {
		audit.LogWithTarget(ctx, audit.ActionCreateRoom, "", roomID, "room created")
	}
	return created, nil
}

// leave must run on the actor.
func (m *SessionManager) leave(ctx context.Context, connectionID, action string) {
	m.mu.Lock()
	session, ok := m.sessions[connectionID]
	if ok {
		delete(m.sessions, connectionID)
		if m.byUser[session.UserID] == connectionID {
			delete(m.byUser, session.UserID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	remaining := m.hub.Unsubscribe(session.RoomID, connectionID)
	m.presence.Remove(session.UserID, connectionID)

	if remaining > 0 {
		m.publish(ctx, session.RoomID, domain.EventUserLeft, &domain.PresenceEvent{
			UserID:      session.UserID,
			DisplayName: session.DisplayName,
			Timestamp:   m.now().UnixMilli(),
			OnlineCount: remaining,
		}, "")
	}
	m.sink.Emit(session.RoomID, pubsub.EventUserLeft, &pubsub.PresencePayload{
		UserID:      session.UserID,
		DisplayName: session.DisplayName,
		OnlineCount: remaining,
	})

	audit.LogWithTarget(ctx, action, session.UserID, session.RoomID, "left room")
}

// Lookup returns the connection's current session.
func (m *SessionManager) Lookup(connectionID string) (domain.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[connectionID]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// OnlineUsers lists the room's present users in join order.
func (m *SessionManager) OnlineUsers(roomID string) []domain.OnlineUser {
	entries := m.presence.ListByRoom(roomID)
	out := make([]domain.OnlineUser, len(entries))
	for i, e := range entries {
		out[i] = domain.OnlineUser{UserID: e.UserID, DisplayName: e.DisplayName}
	}
	return out
}

// Rooms lists live rooms with their member counts.
func (m *SessionManager) Rooms() []domain.RoomSummary {
	return m.hub.Rooms()
}

// SessionCount is the number of live sessions.
func (m *SessionManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *SessionManager) publish(ctx context.Context, roomID, event string, payload interface{}, exclude string) {
	if err := m.hub.Publish(roomID, event, payload, exclude); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldEvent, event).Msg("failed to publish")
	}
}

func (m *SessionManager) send(ctx context.Context, connectionID, event string, payload interface{}) {
	if err := m.hub.SendTo(connectionID, event, payload); err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldConnectionID, connectionID).Str(log.FieldEvent, event).Msg("failed to send")
	}
}
