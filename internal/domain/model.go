package domain

// MessageModel is the GORM model for the messages table. Seq is the
// auto-increment insertion order and breaks timestamp ties.
type MessageModel struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement;index:idx_messages_room_ts_seq,priority:3"`
	MessageID   string `gorm:"type:varchar(64);uniqueIndex;not null"`
	RoomID      string `gorm:"type:varchar(191);not null;index:idx_messages_room_ts_seq,priority:1"`
	Timestamp   int64  `gorm:"column:ts;not null;index:idx_messages_room_ts_seq,priority:2"`
	UserID      string `gorm:"type:varchar(191);not null"`
	DisplayName string `gorm:"type:varchar(191)"`
	Content     string `gorm:"type:text"`
	Type        string `gorm:"type:varchar(16);not null"`
	MediaURL    string `gorm:"type:text"`
	MediaType   string `gorm:"type:varchar(128)"`
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "messages"
}

// MessageReadModel is one (message, reader) pair. The composite primary key
// makes adding a reader an atomic insert-if-absent.
type MessageReadModel struct {
	MessageID string `gorm:"type:varchar(64);primaryKey"`
	UserID    string `gorm:"type:varchar(191);primaryKey"`
	ReadAt    int64  `gorm:"not null"`
}

// TableName specifies the table name for MessageReadModel.
func (MessageReadModel) TableName() string {
	return "message_reads"
}

// ToDomain converts MessageModel to a domain Message with the given readers.
func (m *MessageModel) ToDomain(readBy []string) *Message {
	if readBy == nil {
		readBy = []string{}
	}
	return &Message{
		ID:          m.MessageID,
		Seq:         m.Seq,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		RoomID:      m.RoomID,
		Content:     m.Content,
		Type:        m.Type,
		MediaURL:    m.MediaURL,
		MediaType:   m.MediaType,
		Timestamp:   m.Timestamp,
		ReadBy:      readBy,
	}
}

// MessageToModel converts a domain Message to MessageModel.
func MessageToModel(msg *Message) *MessageModel {
	return &MessageModel{
		Seq:         msg.Seq,
		MessageID:   msg.ID,
		RoomID:      msg.RoomID,
		Timestamp:   msg.Timestamp,
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Content:     msg.Content,
		Type:        msg.Type,
		MediaURL:    msg.MediaURL,
		MediaType:   msg.MediaType,
	}
}
