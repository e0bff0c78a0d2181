package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/pubsub"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []*pubsub.Event
	failNext bool
	closed   bool
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, event *pubsub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("bus down")
	}
	p.channels = append(p.channels, channel)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestForwarderPublishesInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	f := NewForwarder(pub, 16)
	f.Start()

	f.Emit("lobby", pubsub.EventUserJoined, &pubsub.PresencePayload{UserID: "u1", OnlineCount: 1})
	f.Emit("lobby", pubsub.EventMessageRead, &pubsub.MessageReadPayload{MessageID: "m1", UserID: "u2"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Close(ctx))

	require.Len(t, pub.events, 2)
	assert.Equal(t, []string{"chat:room:lobby:events", "chat:room:lobby:events"}, pub.channels)
	assert.Equal(t, pubsub.EventUserJoined, pub.events[0].Type)
	assert.Equal(t, pubsub.EventMessageRead, pub.events[1].Type)

	var read pubsub.MessageReadPayload
	require.NoError(t, pub.events[1].UnmarshalPayload(&read))
	assert.Equal(t, "m1", read.MessageID)
	assert.True(t, pub.closed)
}

func TestForwarderSurvivesPublishError(t *testing.T) {
	pub := &recordingPublisher{failNext: true}
	f := NewForwarder(pub, 16)
	f.Start()

	f.Emit("lobby", pubsub.EventUserLeft, &pubsub.PresencePayload{UserID: "u1"})
	f.Emit("lobby", pubsub.EventUserLeft, &pubsub.PresencePayload{UserID: "u2"})
	require.NoError(t, f.Close(context.Background()))

	require.Len(t, pub.events, 1)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	pub := &recordingPublisher{}
	f := NewForwarder(pub, 1)
	f.Start()
	require.NoError(t, f.Close(context.Background()))
	require.NoError(t, f.Close(context.Background()))

	f.Emit("lobby", pubsub.EventUserLeft, nil)
	assert.Empty(t, pub.events)
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	f := NewForwarder(&recordingPublisher{}, 2)
	for i := 0; i < 5; i++ {
		f.Emit("lobby", pubsub.EventUserLeft, nil)
	}
	assert.Len(t, f.queue, 2)
}
