package events

import (
	"context"
	"sync"
	"time"

	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/pubsub"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 5 * time.Second
)

// Forwarder streams room events to the configured bus from a single
// goroutine, so events keep their emit order. Emit never blocks; when the
// queue is full the event is dropped and logged.
type Forwarder struct {
	publisher pubsub.Publisher
	queue     chan *pubsub.Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewForwarder(publisher pubsub.Publisher, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Forwarder{
		publisher: publisher,
		queue:     make(chan *pubsub.Event, queueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the publishing worker.
func (f *Forwarder) Start() {
	go f.run()
}

// Emit queues an event for roomID.
func (f *Forwarder) Emit(roomID, eventType string, payload interface{}) {
	l := log.L()

	event, err := pubsub.NewEvent(eventType, roomID, payload)
	if err != nil {
		l.Error().Err(err).Str(log.FieldEvent, eventType).Msg("failed to encode event")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	select {
	case f.queue <- event:
	default:
		l.Warn().Str(log.FieldEvent, eventType).Str(log.FieldRoomID, roomID).Msg("event queue full, dropping event")
	}
}

func (f *Forwarder) run() {
	defer close(f.done)

	for event := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := f.publisher.Publish(ctx, pubsub.RoomEventsChannel(event.RoomID), event); err != nil {
			l := log.L()
			l.Error().Err(err).Str(log.FieldEvent, event.Type).Str(log.FieldRoomID, event.RoomID).Msg("failed to publish event")
		}
		cancel()
	}
}

// Close stops accepting events, waits for the queue to drain (or ctx to
// expire) and closes the publisher. The worker must have been started.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		l := log.L()
		l.Warn().Int("pending", len(f.queue)).Msg("event forwarder closed before queue drained")
	}
	return f.publisher.Close()
}
