package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
)

const queueSize = 1024

type opKind int

const (
	opSet opKind = iota
	opDel
)

type op struct {
	kind  opKind
	key   string
	value string
}

// RedisMirror copies the in-process presence registry into redis so other
// processes can see who is online. Keys carry a TTL and are refreshed by a
// heartbeat while the entry is live, so a crashed instance ages out.
//
// It implements presence.Observer. Callbacks only enqueue; redis I/O happens
// on a single worker goroutine, which preserves per-key operation order.
type RedisMirror struct {
	client            *redis.Client
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration

	managedKeys map[string]string // key -> encoded entry
	mu          sync.RWMutex

	queue  chan op
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisMirror(cfg config.PresenceRedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisMirror(client, cfg), nil
}

func newRedisMirror(client *redis.Client, cfg config.PresenceRedisConfig) *RedisMirror {
	return &RedisMirror{
		client:            client,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]string),
		queue:             make(chan op, queueSize),
		done:              make(chan struct{}),
	}
}

func (r *RedisMirror) keyFor(roomID, userID string) string {
	return fmt.Sprintf("%s:room:%s:user:%s", r.prefix, roomID, userID)
}

// Upserted records the entry under its room key.
func (r *RedisMirror) Upserted(entry domain.PresenceEntry) {
	data, err := json.Marshal(&entry)
	if err != nil {
		return
	}
	key := r.keyFor(entry.RoomID, entry.UserID)

	r.mu.Lock()
	r.managedKeys[key] = string(data)
	r.mu.Unlock()

	r.enqueue(op{kind: opSet, key: key, value: string(data)})
}

// Removed drops the entry's room key.
func (r *RedisMirror) Removed(entry domain.PresenceEntry) {
	key := r.keyFor(entry.RoomID, entry.UserID)

	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()

	r.enqueue(op{kind: opDel, key: key})
}

// enqueue never blocks the caller. A dropped set is repaired by the next
// heartbeat; a dropped delete ages out with the key TTL.
func (r *RedisMirror) enqueue(o op) {
	select {
	case r.queue <- o:
	default:
		l := log.L()
		l.Warn().Str("key", o.key).Msg("presence mirror queue full, dropping update")
	}
}

// Start launches the worker and heartbeat loops. They stop when ctx is
// cancelled or Close is called.
func (r *RedisMirror) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(ctx)
	l := log.L()
	l.Info().Dur("interval", r.heartbeatInterval).Dur("ttl", r.keyTTL).Msg("presence mirror started")
}

func (r *RedisMirror) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.cleanup()
			return
		case o := <-r.queue:
			r.apply(ctx, o)
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisMirror) apply(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opSet:
		err = r.client.Set(ctx, o.key, o.value, r.keyTTL).Err()
	case opDel:
		err = r.client.Del(ctx, o.key).Err()
	}
	if err != nil {
		l := log.L()
		l.Error().Str("key", o.key).Err(err).Msg("failed to mirror presence")
	}
}

func (r *RedisMirror) refreshKeys(ctx context.Context) {
	for key, value := range r.snapshot() {
		if err := r.client.Set(ctx, key, value, r.keyTTL).Err(); err != nil {
			l := log.L()
			l.Error().Str("key", key).Err(err).Msg("failed to refresh key")
		}
	}
}

// cleanup removes every key this instance still owns.
func (r *RedisMirror) cleanup() {
	keys := r.snapshot()
	if len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	if err := r.client.Del(ctx, names...).Err(); err != nil {
		l := log.L()
		l.Error().Err(err).Int("keys", len(names)).Msg("failed to clean up presence keys")
	}
}

func (r *RedisMirror) snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.managedKeys))
	for k, v := range r.managedKeys {
		out[k] = v
	}
	return out
}

// Close stops the loops, deletes owned keys and closes the client.
func (r *RedisMirror) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.client.Close()
}
