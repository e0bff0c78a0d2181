package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
)

var cassandraSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_room (
		room_id text, ts bigint, seq bigint,
		message_id text, user_id text, display_name text,
		content text, type text, media_url text, media_type text,
		PRIMARY KEY ((room_id), ts, seq)
	) WITH CLUSTERING ORDER BY (ts DESC, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		message_id text PRIMARY KEY, room_id text, ts bigint, seq bigint,
		user_id text, display_name text,
		content text, type text, media_url text, media_type text
	)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id text, user_id text, read_at bigint,
		PRIMARY KEY ((message_id), user_id)
	)`,
}

const messageColumns = `message_id, room_id, ts, seq, user_id, display_name, content, type, media_url, media_type`

// CassandraMessageRepository implements MessageRepository on Cassandra.
// Messages are written to a per-room partition and an id lookup table; readers
// live in message_reads and are added with a lightweight transaction. The
// sender is implicit in every read set.
//
// Seq is a per-process hybrid clock (unix nanos, bumped on collision), so ties
// are only broken by insertion order within one writer process.
type CassandraMessageRepository struct {
	session *gocql.Session

	mu      sync.Mutex
	lastSeq int64
}

// NewCassandraSession creates a gocql session from config.
func NewCassandraSession(cfg config.CassandraConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return session, nil
}

// NewCassandraMessageRepository wraps an open session.
func NewCassandraMessageRepository(session *gocql.Session) *CassandraMessageRepository {
	return &CassandraMessageRepository{session: session}
}

// EnsureSchema creates the tables in the session keyspace if missing.
func (r *CassandraMessageRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range cassandraSchema {
		if err := r.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply cassandra schema: %w", err)
		}
	}
	return nil
}

func (r *CassandraMessageRepository) nextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= r.lastSeq {
		now = r.lastSeq + 1
	}
	r.lastSeq = now
	return now
}

func (r *CassandraMessageRepository) Save(ctx context.Context, msg *domain.Message) error {
	l := log.Ctx(ctx)

	msg.Seq = r.nextSeq()

	batch := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages_by_room (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, messageValues(msg)...)
	batch.Query(`INSERT INTO messages_by_id (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, messageValues(msg)...)

	if err := r.session.ExecuteBatch(batch); err != nil {
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Str(log.FieldRoomID, msg.RoomID).Msg("failed to save message in cassandra")
		return fmt.Errorf("failed to save message: %w", err)
	}

	now := time.Now().UnixNano()
	for _, userID := range msg.ReadBy {
		if userID == msg.UserID {
			continue
		}
		if _, err := r.insertReader(ctx, msg.ID, userID, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *CassandraMessageRepository) Get(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := scanMessage(r.session.Query(
		`SELECT `+messageColumns+` FROM messages_by_id WHERE message_id = ?`, id,
	).WithContext(ctx))
	if err == gocql.ErrNotFound {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	if err := r.attachReaders(ctx, []*domain.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *CassandraMessageRepository) AddReader(ctx context.Context, messageID, userID string) (bool, error) {
	var sender string
	err := r.session.Query(`SELECT user_id FROM messages_by_id WHERE message_id = ?`, messageID).
		WithContext(ctx).Scan(&sender)
	if err == gocql.ErrNotFound {
		return false, ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up message: %w", err)
	}
	if sender == userID {
		return false, nil
	}

	return r.insertReader(ctx, messageID, userID, time.Now().UnixNano())
}

func (r *CassandraMessageRepository) insertReader(ctx context.Context, messageID, userID string, readAt int64) (bool, error) {
	applied, err := r.session.Query(
		`INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		messageID, userID, readAt,
	).WithContext(ctx).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldMessageID, messageID).Str(log.FieldUserID, userID).Msg("failed to add reader in cassandra")
		return false, fmt.Errorf("failed to add reader: %w", err)
	}
	return applied, nil
}

func (r *CassandraMessageRepository) Latest(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}
	msgs, err := r.query(ctx, limit, nil,
		`SELECT `+messageColumns+` FROM messages_by_room WHERE room_id = ? LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, r.attachReaders(ctx, msgs)
}

func (r *CassandraMessageRepository) Before(ctx context.Context, roomID string, cursor domain.Cursor, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}

	var (
		msgs []*domain.Message
		err  error
	)
	if cursor.Seq == 0 {
		msgs, err = r.query(ctx, limit, nil,
			`SELECT `+messageColumns+` FROM messages_by_room WHERE room_id = ? AND ts < ? LIMIT ?`,
			roomID, cursor.Timestamp, limit)
	} else {
		msgs, err = r.query(ctx, limit, nil,
			`SELECT `+messageColumns+` FROM messages_by_room WHERE room_id = ? AND (ts, seq) < (?, ?) LIMIT ?`,
			roomID, cursor.Timestamp, cursor.Seq, limit)
	}
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, r.attachReaders(ctx, msgs)
}

// Search pages through the room partition newest first and filters in process.
func (r *CassandraMessageRepository) Search(ctx context.Context, roomID, keyword string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}
	msgs, err := r.query(ctx, limit, func(m *domain.Message) bool { return m.MatchesKeyword(keyword) },
		`SELECT `+messageColumns+` FROM messages_by_room WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	return msgs, r.attachReaders(ctx, msgs)
}

func (r *CassandraMessageRepository) Close() error {
	r.session.Close()
	return nil
}

// query collects up to limit rows accepted by keep (all rows when keep is nil).
func (r *CassandraMessageRepository) query(ctx context.Context, limit int, keep func(*domain.Message) bool, stmt string, args ...interface{}) ([]*domain.Message, error) {
	iter := r.session.Query(stmt, args...).WithContext(ctx).PageSize(searchBatchSize).Iter()

	msgs := []*domain.Message{}
	for len(msgs) < limit {
		msg := &domain.Message{}
		if !iter.Scan(messageDest(msg)...) {
			break
		}
		if keep == nil || keep(msg) {
			msgs = append(msgs, msg)
		}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

func (r *CassandraMessageRepository) attachReaders(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	readers := make(map[string][]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		readers[m.ID] = []string{m.UserID}
	}

	iter := r.session.Query(`SELECT message_id, user_id FROM message_reads WHERE message_id IN ?`, ids).
		WithContext(ctx).Iter()
	var messageID, userID string
	for iter.Scan(&messageID, &userID) {
		readers[messageID] = append(readers[messageID], userID)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to load readers: %w", err)
	}

	for _, m := range msgs {
		m.ReadBy = readers[m.ID]
	}
	return nil
}

func messageValues(m *domain.Message) []interface{} {
	return []interface{}{m.ID, m.RoomID, m.Timestamp, m.Seq, m.UserID, m.DisplayName, m.Content, m.Type, m.MediaURL, m.MediaType}
}

func messageDest(m *domain.Message) []interface{} {
	return []interface{}{&m.ID, &m.RoomID, &m.Timestamp, &m.Seq, &m.UserID, &m.DisplayName, &m.Content, &m.Type, &m.MediaURL, &m.MediaType}
}

func scanMessage(q *gocql.Query) (*domain.Message, error) {
	msg := &domain.Message{}
	if err := q.Scan(messageDest(msg)...); err != nil {
		return nil, err
	}
	return msg, nil
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}
