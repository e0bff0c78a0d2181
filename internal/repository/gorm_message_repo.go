package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/database"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
)

const searchBatchSize = 500

// GormMessageRepository implements MessageRepository on a SQL database via GORM.
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository creates a new GORM-based message repository.
// The caller is expected to have migrated MessageModel and MessageReadModel.
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// Save inserts the message row and the sender's read entries in one transaction.
func (r *GormMessageRepository) Save(ctx context.Context, msg *domain.Message) error {
	l := log.Ctx(ctx)

	model := domain.MessageToModel(msg)
	model.Seq = 0
	now := time.Now().UnixNano()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		for i, userID := range msg.ReadBy {
			read := &domain.MessageReadModel{MessageID: msg.ID, UserID: userID, ReadAt: now + int64(i)}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(read).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Str(log.FieldRoomID, msg.RoomID).Msg("failed to save message in db")
		return err
	}

	msg.Seq = model.Seq
	l.Debug().Str(log.FieldMessageID, msg.ID).Int64("seq", msg.Seq).Msg("message saved in db")
	return nil
}

func (r *GormMessageRepository) Get(ctx context.Context, id string) (*domain.Message, error) {
	var msg *domain.Message
	err := r.readTx(ctx, func(tx *gorm.DB) error {
		var model domain.MessageModel
		if err := tx.First(&model, "message_id = ?", id).Error; err != nil {
			return err
		}
		msgs, err := withReaders(tx, []domain.MessageModel{model})
		if err != nil {
			return err
		}
		msg = msgs[0]
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AddReader relies on the (message_id, user_id) primary key: the insert is
// skipped on conflict and RowsAffected tells whether the reader was new.
func (r *GormMessageRepository) AddReader(ctx context.Context, messageID, userID string) (bool, error) {
	l := log.Ctx(ctx)

	var exists int64
	if err := r.db.WithContext(ctx).Model(&domain.MessageModel{}).
		Where("message_id = ?", messageID).
		Count(&exists).Error; err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrMessageNotFound
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.MessageReadModel{MessageID: messageID, UserID: userID, ReadAt: time.Now().UnixNano()})
	if result.Error != nil {
		l.Error().Err(result.Error).Str(log.FieldMessageID, messageID).Str(log.FieldUserID, userID).Msg("failed to add reader in db")
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormMessageRepository) Latest(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}

	var out []*domain.Message
	err := r.readTx(ctx, func(tx *gorm.DB) error {
		var models []domain.MessageModel
		if err := tx.Where("room_id = ?", roomID).
			Order("ts DESC, seq DESC").
			Limit(limit).
			Find(&models).Error; err != nil {
			return err
		}
		msgs, err := withReaders(tx, models)
		if err != nil {
			return err
		}
		reverse(msgs)
		out = msgs
		return nil
	})
	return out, err
}

func (r *GormMessageRepository) Before(ctx context.Context, roomID string, cursor domain.Cursor, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}

	var out []*domain.Message
	err := r.readTx(ctx, func(tx *gorm.DB) error {
		var models []domain.MessageModel
		if err := beforeCursor(tx.Where("room_id = ?", roomID), cursor).
			Order("ts DESC, seq DESC").
			Limit(limit).
			Find(&models).Error; err != nil {
			return err
		}
		msgs, err := withReaders(tx, models)
		if err != nil {
			return err
		}
		reverse(msgs)
		out = msgs
		return nil
	})
	return out, err
}

// Search scans the room newest first in keyset batches and applies the same
// case-insensitive predicate as the other stores. SQL LIKE/LOWER semantics
// differ across drivers for non-ASCII text.
func (r *GormMessageRepository) Search(ctx context.Context, roomID, keyword string, limit int) ([]*domain.Message, error) {
	out := []*domain.Message{}
	if limit <= 0 {
		return out, nil
	}

	err := r.readTx(ctx, func(tx *gorm.DB) error {
		var matched []domain.MessageModel
		var cursor *domain.Cursor
		for len(matched) < limit {
			q := tx.Where("room_id = ? AND content <> ''", roomID)
			if cursor != nil {
				q = beforeCursor(q, *cursor)
			}
			var batch []domain.MessageModel
			if err := q.Order("ts DESC, seq DESC").Limit(searchBatchSize).Find(&batch).Error; err != nil {
				return err
			}
			for i := range batch {
				m := batch[i].ToDomain(nil)
				if m.MatchesKeyword(keyword) {
					matched = append(matched, batch[i])
					if len(matched) == limit {
						break
					}
				}
			}
			if len(batch) < searchBatchSize {
				break
			}
			last := batch[len(batch)-1]
			cursor = &domain.Cursor{Timestamp: last.Timestamp, Seq: last.Seq}
		}
		msgs, err := withReaders(tx, matched)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}

func (r *GormMessageRepository) Close() error {
	return database.Close(r.db)
}

// readTx runs fn in a read-only transaction so multi-statement reads see one
// snapshot. sqlite only supports its default isolation level.
func (r *GormMessageRepository) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts *sql.TxOptions
	if r.db.Dialector.Name() != "sqlite" {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	if err := r.db.WithContext(ctx).Transaction(fn, opts); err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			l := log.Ctx(ctx)
			l.Error().Err(err).Msg("message read transaction failed")
		}
		return err
	}
	return nil
}

func beforeCursor(q *gorm.DB, cursor domain.Cursor) *gorm.DB {
	if cursor.Seq == 0 {
		return q.Where("ts < ?", cursor.Timestamp)
	}
	return q.Where("(ts < ? OR (ts = ? AND seq < ?))", cursor.Timestamp, cursor.Timestamp, cursor.Seq)
}

// withReaders loads the read sets for models and converts them, keeping order.
func withReaders(tx *gorm.DB, models []domain.MessageModel) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0, len(models))
	if len(models) == 0 {
		return out, nil
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].MessageID
	}

	var reads []domain.MessageReadModel
	if err := tx.Where("message_id IN ?", ids).Order("read_at ASC").Find(&reads).Error; err != nil {
		return nil, fmt.Errorf("failed to load readers: %w", err)
	}
	readers := make(map[string][]string, len(models))
	for _, rd := range reads {
		readers[rd.MessageID] = append(readers[rd.MessageID], rd.UserID)
	}

	for i := range models {
		out = append(out, models[i].ToDomain(readers[models[i].MessageID]))
	}
	return out, nil
}
