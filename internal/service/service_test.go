package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/generator"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/hub"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/media"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/presence"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/repository"
)

var testChatConfig = config.ChatConfig{
	DefaultRoom:   "default",
	HistoryLimit:  50,
	LoadMoreLimit: 20,
	MaxPageLimit:  100,
	SearchLimit:   100,
}

var testWSConfig = config.WebSocketConfig{SendBuffer: 64}

type fixture struct {
	hub      *hub.Hub
	repo     repository.MessageRepository
	presence *presence.Registry
	sessions *SessionManager
	messages *MessageService
	history  *HistoryService
	search   *SearchService
	clients  map[string]*hub.Client
}

func newFixture(t *testing.T, repo repository.MessageRepository, offloader MediaOffloader) *fixture {
	t.Helper()
	if repo == nil {
		repo = repository.NewMemoryMessageRepository()
	}

	h := hub.NewHub(testWSConfig)
	reg := presence.NewRegistry(nil)
	history := NewHistoryService(repo, testChatConfig)
	sessions := NewSessionManager(h, reg, history, nil, testChatConfig)

	ctx, cancel := context.WithCancel(context.Background())
	go sessions.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{
		hub:      h,
		repo:     repo,
		presence: reg,
		sessions: sessions,
		messages: NewMessageService(repo, h, generator.Random(), offloader, nil),
		history:  history,
		search:   NewSearchService(repo, testChatConfig.SearchLimit),
		clients:  make(map[string]*hub.Client),
	}
}

func (f *fixture) connect(id string) *hub.Client {
	c := hub.NewClient(id, f.hub, nil, testWSConfig, zerolog.Nop())
	f.hub.Register(c)
	f.clients[id] = c
	return c
}

func (f *fixture) join(t *testing.T, connID, userID, roomID string) *JoinResult {
	t.Helper()
	if _, ok := f.clients[connID]; !ok {
		f.connect(connID)
	}
	res, err := f.sessions.Join(context.Background(), connID, userID, "", roomID)
	require.NoError(t, err)
	return res
}

func drain(t *testing.T, c *hub.Client) []domain.Envelope {
	t.Helper()
	var out []domain.Envelope
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return out
			}
			var env domain.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func decode(t *testing.T, env domain.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func types(envs []domain.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func TestLobbyScenario(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res := f.join(t, "c1", "u1", "lobby")
	assert.Equal(t, 1, res.OnlineCount)
	assert.Equal(t, []domain.RoomSummary{{RoomID: "lobby", MemberCount: 1}}, f.sessions.Rooms())
	c1 := f.clients["c1"]
	assert.Equal(t, []string{domain.EventHistory, domain.EventOnlineUsers}, types(drain(t, c1)))

	f.join(t, "c2", "u2", "lobby")
	c2 := f.clients["c2"]

	envs := drain(t, c1)
	require.Equal(t, []string{domain.EventUserJoined}, types(envs))
	var joined domain.PresenceEvent
	decode(t, envs[0], &joined)
	assert.Equal(t, "u2", joined.UserID)
	assert.Equal(t, 2, joined.OnlineCount)

	envs = drain(t, c2)
	require.Equal(t, []string{domain.EventHistory, domain.EventOnlineUsers}, types(envs))
	var online []domain.OnlineUser
	decode(t, envs[1], &online)
	assert.Equal(t, []domain.OnlineUser{{UserID: "u1", DisplayName: "User u1"}, {UserID: "u2", DisplayName: "User u2"}}, online)

	msg, err := f.messages.Submit(ctx, SubmitRequest{ConnectionID: "c1", UserID: "u1", RoomID: "lobby", Content: "hi", Type: "text"})
	require.NoError(t, err)

	for _, c := range []*hub.Client{c1, c2} {
		envs := drain(t, c)
		require.Equal(t, []string{domain.EventMessage}, types(envs))
		var got domain.Message
		decode(t, envs[0], &got)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, []string{"u1"}, got.ReadBy)
		assert.Equal(t, "hi", got.Content)
	}

	added, err := f.messages.MarkRead(ctx, msg.ID, "u2", "c2")
	require.NoError(t, err)
	assert.True(t, added)
	envs = drain(t, c1)
	require.Equal(t, []string{domain.EventMessageRead}, types(envs))
	var read domain.MessageReadEvent
	decode(t, envs[0], &read)
	assert.Equal(t, domain.MessageReadEvent{MessageID: msg.ID, UserID: "u2"}, read)
	assert.Empty(t, drain(t, c2))

	added, err = f.messages.MarkRead(ctx, msg.ID, "u2", "c2")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, drain(t, c1), "repeated markRead is silent")

	stored, err := f.repo.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, stored.ReadBy)

	require.NoError(t, f.sessions.Disconnect(ctx, "c2"))
	envs = drain(t, c1)
	require.Equal(t, []string{domain.EventUserLeft}, types(envs))
	var left domain.PresenceEvent
	decode(t, envs[0], &left)
	assert.Equal(t, "u2", left.UserID)
	assert.Equal(t, 1, left.OnlineCount)
	assert.Equal(t, []domain.RoomSummary{{RoomID: "lobby", MemberCount: 1}}, f.sessions.Rooms())

	require.NoError(t, f.sessions.Disconnect(ctx, "c2"))
	assert.Empty(t, drain(t, c1), "second disconnect is a no-op")

	require.NoError(t, f.sessions.Disconnect(ctx, "c1"))
	assert.Empty(t, f.sessions.Rooms(), "last leave deletes the room")
	assert.Equal(t, 0, f.presence.Count())
}

func TestJoinRequiresUserID(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect("c1")

	_, err := f.sessions.Join(context.Background(), "c1", "", "", "lobby")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
	assert.Equal(t, 0, f.sessions.SessionCount())
	assert.Empty(t, f.sessions.Rooms())
	assert.Empty(t, drain(t, f.clients["c1"]))
}

func TestJoinDefaults(t *testing.T) {
	f := newFixture(t, nil, nil)
	res := f.join(t, "c1", "u1", "")

	assert.Equal(t, "default", res.Session.RoomID)
	assert.Equal(t, "User u1", res.Session.DisplayName)

	entry, ok := f.presence.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "c1", entry.ConnectionID)
	assert.Equal(t, "default", entry.RoomID)
}

func TestDuplicateJoinDisplacesPriorSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.join(t, "c1", "u1", "lobby")
	f.join(t, "c3", "u3", "lobby")
	drain(t, f.clients["c1"])
	drain(t, f.clients["c3"])

	res := f.join(t, "c2", "u1", "other")
	assert.Equal(t, "c1", res.Displaced)

	envs := drain(t, f.clients["c3"])
	require.Equal(t, []string{domain.EventUserLeft}, types(envs))
	var left domain.PresenceEvent
	decode(t, envs[0], &left)
	assert.Equal(t, "u1", left.UserID)
	assert.Equal(t, 1, left.OnlineCount)

	_, ok := f.sessions.Lookup("c1")
	assert.False(t, ok)
	assert.Equal(t, []string{"u3"}, f.hub.MembersOf("lobby"))
	assert.Equal(t, []string{"u1"}, f.hub.MembersOf("other"))

	entry, ok := f.presence.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "c2", entry.ConnectionID)

	// The displaced connection closing later must not touch the new session.
	require.NoError(t, f.sessions.Disconnect(ctx, "c1"))
	assert.Equal(t, []string{"u1"}, f.hub.MembersOf("other"))
	_, ok = f.presence.Get("u1")
	assert.True(t, ok)
}

func TestSwitchRoom(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.join(t, "c1", "u1", "lobby")
	f.join(t, "c2", "u2", "lobby")
	drain(t, f.clients["c2"])

	res, err := f.sessions.SwitchRoom(ctx, "c1", "garden")
	require.NoError(t, err)
	assert.Equal(t, "garden", res.Session.RoomID)
	assert.Equal(t, 1, res.OnlineCount)

	assert.Equal(t, []string{domain.EventUserLeft}, types(drain(t, f.clients["c2"])))
	assert.Equal(t, []string{"u2"}, f.hub.MembersOf("lobby"))
	assert.Equal(t, []string{"u1"}, f.hub.MembersOf("garden"))

	_, err = f.sessions.SwitchRoom(ctx, "nobody", "garden")
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestMembershipMatchesLiveSessions(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		f.connect(fmt.Sprintf("c%d", i))
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := "even"
			if i%2 == 1 {
				room = "odd"
			}
			_, err := f.sessions.Join(ctx, fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), "", room)
			assert.NoError(t, err)
			if i%4 == 0 {
				assert.NoError(t, f.sessions.Disconnect(ctx, fmt.Sprintf("c%d", i)))
			}
		}(i)
	}
	wg.Wait()

	counts := map[string]int{}
	for i := 0; i < 20; i++ {
		if s, ok := f.sessions.Lookup(fmt.Sprintf("c%d", i)); ok {
			counts[s.RoomID]++
		}
	}
	assert.Equal(t, counts["even"], len(f.hub.MembersOf("even")))
	assert.Equal(t, counts["odd"], len(f.hub.MembersOf("odd")))
	assert.Equal(t, counts["even"], len(f.sessions.OnlineUsers("even")))
	assert.Equal(t, 5, counts["even"])
	assert.Equal(t, 10, counts["odd"])
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	created, err := f.sessions.CreateRoom(ctx, "general")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.sessions.CreateRoom(ctx, "general")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = f.sessions.CreateRoom(ctx, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestStoppedManagerRejectsCommands(t *testing.T) {
	h := hub.NewHub(testWSConfig)
	repo := repository.NewMemoryMessageRepository()
	m := NewSessionManager(h, presence.NewRegistry(nil), NewHistoryService(repo, testChatConfig), nil, testChatConfig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := m.Join(context.Background(), "c1", "u1", "", "lobby")
	assert.True(t, errors.Is(err, ErrManagerStopped))
}

func TestSubmitRejectsEmptyRoom(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.messages.Submit(ctx, SubmitRequest{UserID: "u1", RoomID: "ghost", Content: "hello?"})
	assert.True(t, errors.Is(err, ErrRoomEmpty))
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	msgs, err := f.repo.Latest(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSubmitRequiresMembership(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.join(t, "c1", "u1", "lobby")
	f.connect("c2")

	_, err := f.messages.Submit(context.Background(), SubmitRequest{ConnectionID: "c2", UserID: "u2", RoomID: "lobby", Content: "hi"})
	assert.True(t, errors.Is(err, ErrNotInRoom))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.join(t, "c1", "u1", "lobby")
	ctx := context.Background()

	cases := []SubmitRequest{
		{RoomID: "lobby", Content: "x"},
		{UserID: "u1", Content: "x"},
		{UserID: "u1", RoomID: "lobby", Content: "x", Type: "sticker"},
		{UserID: "u1", RoomID: "lobby", Content: "   "},
		{UserID: "u1", RoomID: "lobby", Type: domain.MessageTypeImage},
	}
	for _, req := range cases {
		_, err := f.messages.Submit(ctx, req)
		assert.True(t, errors.Is(err, domain.ErrInvalidRequest), "%+v", req)
	}

	msg, err := f.messages.Submit(ctx, SubmitRequest{UserID: "u1", RoomID: "lobby", Content: "x", MediaURL: "/ignored.png"})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeText, msg.Type)
	assert.Empty(t, msg.MediaURL)
	assert.Equal(t, "User u1", msg.DisplayName)
}

type failingSaveRepo struct {
	repository.MessageRepository
}

func (failingSaveRepo) Save(context.Context, *domain.Message) error {
	return errors.New("disk full")
}

type fakeOffloader struct {
	discarded []string
}

func (o *fakeOffloader) Offload(_ context.Context, roomID, messageID, dataURL string) (*media.Upload, error) {
	ct, _, err := media.ParseDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	key := roomID + "/" + messageID
	return &media.Upload{Key: key, URL: "/media/" + key, ContentType: ct}, nil
}

func (o *fakeOffloader) Discard(_ context.Context, key string) {
	o.discarded = append(o.discarded, key)
}

func TestSubmitPersistenceFailureIsNotBroadcast(t *testing.T) {
	off := &fakeOffloader{}
	f := newFixture(t, failingSaveRepo{repository.NewMemoryMessageRepository()}, off)
	f.join(t, "c1", "u1", "lobby")
	f.join(t, "c2", "u2", "lobby")
	drain(t, f.clients["c1"])
	drain(t, f.clients["c2"])

	_, err := f.messages.Submit(context.Background(), SubmitRequest{
		ConnectionID: "c1", UserID: "u1", RoomID: "lobby",
		Type: domain.MessageTypeImage, MediaURL: "data:image/png;base64,aGVsbG8=",
	})
	assert.True(t, errors.Is(err, domain.ErrPersistenceFailure))
	assert.Equal(t, domain.ErrCodePersistenceFailure, domain.ErrorCode(err))
	assert.Empty(t, drain(t, f.clients["c1"]))
	assert.Empty(t, drain(t, f.clients["c2"]))
	assert.Len(t, off.discarded, 1, "offloaded media is removed again")
}

func TestSubmitOffloadsDataURL(t *testing.T) {
	off := &fakeOffloader{}
	f := newFixture(t, nil, off)
	f.join(t, "c1", "u1", "lobby")

	msg, err := f.messages.Submit(context.Background(), SubmitRequest{
		ConnectionID: "c1", UserID: "u1", RoomID: "lobby",
		Type: domain.MessageTypeAudio, MediaURL: "data:audio/mpeg;base64,AA==",
	})
	require.NoError(t, err)
	assert.Equal(t, "/media/lobby/"+msg.ID, msg.MediaURL)
	assert.Equal(t, "audio/mpeg", msg.MediaType)
	assert.Empty(t, off.discarded)

	plain, err := f.messages.Submit(context.Background(), SubmitRequest{
		ConnectionID: "c1", UserID: "u1", RoomID: "lobby",
		Type: domain.MessageTypeImage, MediaURL: "https://cdn.example.com/a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.png", plain.MediaURL)
}

func stepClock(times ...time.Time) func() time.Time {
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := times[i]
		if i < len(times)-1 {
			i++
		}
		return ts
	}
}

func TestSubmitClockStepBackKeepsPersistOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.join(t, "c1", "u1", "lobby")
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	f.messages.now = stepClock(base, base.Add(-5*time.Millisecond))

	first, err := f.messages.Submit(ctx, SubmitRequest{ConnectionID: "c1", UserID: "u1", RoomID: "lobby", Content: "first"})
	require.NoError(t, err)
	second, err := f.messages.Submit(ctx, SubmitRequest{ConnectionID: "c1", UserID: "u1", RoomID: "lobby", Content: "second"})
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, second.Timestamp)

	page, err := f.history.InitialHistory(ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "first", page[0].Content)
	assert.Equal(t, "second", page[1].Content)

	older, err := f.history.Before(ctx, "lobby", domain.Cursor{Timestamp: second.Timestamp, Seq: second.Seq}, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "first", older[0].Content)
}

func TestSubmitClampsToStoredTimestampAfterRestart(t *testing.T) {
	repo := repository.NewMemoryMessageRepository()
	ctx := context.Background()
	future := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, repo.Save(ctx, &domain.Message{
		ID: "old", UserID: "u9", RoomID: "lobby", Content: "before restart",
		Type: domain.MessageTypeText, Timestamp: future.UnixMilli(), ReadBy: []string{"u9"},
	}))

	f := newFixture(t, repo, nil)
	f.join(t, "c1", "u1", "lobby")
	f.messages.now = stepClock(future.Add(-time.Second))

	msg, err := f.messages.Submit(ctx, SubmitRequest{ConnectionID: "c1", UserID: "u1", RoomID: "lobby", Content: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, future.UnixMilli(), msg.Timestamp)

	page, err := f.history.InitialHistory(ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "old", page[0].ID)
	assert.Equal(t, msg.ID, page[1].ID)
}

func TestMarkReadUnknownMessageIsNoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	added, err := f.messages.MarkRead(context.Background(), "missing", "u1", "c1")
	assert.NoError(t, err)
	assert.False(t, added)

	_, err = f.messages.MarkRead(context.Background(), "", "u1", "c1")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestSubmitKeepsPerRoomOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.join(t, "c1", "u1", "lobby")
	c1 := f.clients["c1"]
	drain(t, c1)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.messages.Submit(context.Background(), SubmitRequest{UserID: "u1", RoomID: "lobby", Content: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	envs := drain(t, c1)
	require.Len(t, envs, 30)
	var broadcast []string
	for _, env := range envs {
		var m domain.Message
		decode(t, env, &m)
		broadcast = append(broadcast, m.ID)
	}

	stored, err := f.history.InitialHistory(context.Background(), "lobby", 100)
	require.NoError(t, err)
	var persisted []string
	for _, m := range stored {
		persisted = append(persisted, m.ID)
	}
	assert.Equal(t, persisted, broadcast, "publish order equals persist order")
	assert.Equal(t, 0, f.messages.lanes.size())
}

func seed(t *testing.T, repo repository.MessageRepository, roomID string, n int) []*domain.Message {
	t.Helper()
	out := make([]*domain.Message, 0, n)
	for i := 0; i < n; i++ {
		m := &domain.Message{
			ID:        fmt.Sprintf("%s-%03d", roomID, i),
			UserID:    "u1",
			RoomID:    roomID,
			Content:   fmt.Sprintf("message %d", i),
			Type:      domain.MessageTypeText,
			Timestamp: int64(1000 + i/3), // three messages per millisecond
			ReadBy:    []string{"u1"},
		}
		require.NoError(t, repo.Save(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func TestLoadMoreTerminates(t *testing.T) {
	repo := repository.NewMemoryMessageRepository()
	all := seed(t, repo, "lobby", 45)
	history := NewHistoryService(repo, testChatConfig)
	ctx := context.Background()

	page, err := history.InitialHistory(ctx, "lobby", 20)
	require.NoError(t, err)
	require.Len(t, page, 20)
	seen := append([]*domain.Message(nil), page...)

	pages := 1
	for len(page) == 20 {
		oldest := page[0]
		page, err = history.Before(ctx, "lobby", domain.Cursor{Timestamp: oldest.Timestamp, Seq: oldest.Seq}, 20)
		require.NoError(t, err)
		pages++
		seen = append(page, seen...)
		require.Less(t, pages, 10)
	}
	assert.Equal(t, 3, pages)

	require.Len(t, seen, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, seen[i].ID)
	}
}

func TestLoadMoreStrictTimestamp(t *testing.T) {
	repo := repository.NewMemoryMessageRepository()
	seed(t, repo, "lobby", 9)
	history := NewHistoryService(repo, testChatConfig)
	ctx := context.Background()

	page, err := history.InitialHistory(ctx, "lobby", 3)
	require.NoError(t, err)
	oldest := page[0]

	older, err := history.Before(ctx, "lobby", domain.Cursor{Timestamp: oldest.Timestamp}, 20)
	require.NoError(t, err)
	for _, m := range older {
		assert.NotEqual(t, oldest.ID, m.ID)
		assert.Less(t, m.Timestamp, oldest.Timestamp)
	}

	_, err = history.Before(ctx, "lobby", domain.Cursor{}, 20)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestHistoryLimits(t *testing.T) {
	repo := repository.NewMemoryMessageRepository()
	seed(t, repo, "lobby", 150)
	history := NewHistoryService(repo, testChatConfig)
	ctx := context.Background()

	page, err := history.InitialHistory(ctx, "lobby", 0)
	require.NoError(t, err)
	assert.Len(t, page, 50)

	page, err = history.InitialHistory(ctx, "lobby", 500)
	require.NoError(t, err)
	assert.Len(t, page, 100)

	page, err = history.Before(ctx, "lobby", domain.Cursor{Timestamp: 2000}, 0)
	require.NoError(t, err)
	assert.Len(t, page, 20)
}

func TestSearch(t *testing.T) {
	repo := repository.NewMemoryMessageRepository()
	seed(t, repo, "lobby", 5)
	search := NewSearchService(repo, 0)
	ctx := context.Background()

	all, err := search.Search(ctx, "lobby", "")
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, "lobby-004", all[0].ID)

	none, err := search.Search(ctx, "lobby", "zzz_missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	got, err := search.Search(ctx, "lobby", "MESSAGE 3")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lobby-003", got[0].ID)

	_, err = search.Search(ctx, "", "x")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestSearchIsCapped(t *testing.T) {
	repo := repository.NewMemoryMessageRepository()
	seed(t, repo, "lobby", 120)
	got, err := NewSearchService(repo, 500).Search(context.Background(), "lobby", "message")
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestLanesSerializeSameKey(t *testing.T) {
	l := newLanes()
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.acquire("room")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 0, l.size())
}
