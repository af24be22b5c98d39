package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sqlMessage rows are never updated. The unique index allows at most one
// message per role and turn; untagged messages keep a NULL turn id.
type sqlMessage struct {
	ID                string    `gorm:"primaryKey;size:26"`
	ConversationID    string    `gorm:"size:64;not null;index:idx_conversation;uniqueIndex:idx_turn_role,priority:1"`
	TurnCorrelationID *string   `gorm:"size:64;uniqueIndex:idx_turn_role,priority:2"`
	Role              string    `gorm:"size:16;not null;uniqueIndex:idx_turn_role,priority:3"`
	Content           string    `gorm:"type:text;not null"`
	Status            string    `gorm:"size:16;not null"`
	ContentHash       string    `gorm:"size:64"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (sqlMessage) TableName() string { return "conversation_messages" }

func toRow(m Message) sqlMessage {
	row := sqlMessage{
		ID:             m.MessageID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		Status:         m.Status,
		ContentHash:    m.ContentHash,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.TurnCorrelationID != "" {
		turn := m.TurnCorrelationID
		row.TurnCorrelationID = &turn
	}
	return row
}

func (r sqlMessage) toMessage() Message {
	m := Message{
		ConversationID: r.ConversationID,
		MessageID:      r.ID,
		Role:           r.Role,
		Content:        r.Content,
		Status:         r.Status,
		ContentHash:    r.ContentHash,
		CreatedAt:      r.CreatedAt,
	}
	if r.TurnCorrelationID != nil {
		m.TurnCorrelationID = *r.TurnCorrelationID
	}
	return m
}

// SQLStore keeps conversation logs in one relational table through gorm.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sqlMessage{})
}

func (s *SQLStore) AppendUser(ctx context.Context, m Message) error {
	row := toRow(m)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendAssistant inserts the reply unless the turn already has one.
// It returns false with a nil error when the stored reply is identical.
func (s *SQLStore) AppendAssistant(ctx context.Context, m Message) (bool, error) {
	row := toRow(m)
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tx.Error != nil {
		return false, fmt.Errorf("insert reply: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	existing, err := s.TurnReply(ctx, m.ConversationID, m.TurnCorrelationID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("reply for turn %s was ignored but not found", m.TurnCorrelationID)
	}
	if existing.ContentHash == m.ContentHash {
		return false, nil
	}
	return false, ErrTurnAnswered
}

func (s *SQLStore) TurnReply(ctx context.Context, conversationID, turnID string) (*Message, error) {
	var row sqlMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND turn_correlation_id = ? AND role = ?", conversationID, turnID, RoleAssistant).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reply: %w", err)
	}
	m := row.toMessage()
	return &m, nil
}

func (s *SQLStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var rows []sqlMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return toMessages(rows), nil
}

// Recent fetches newest first and reverses into append order.
func (s *SQLStore) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []sqlMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return toMessages(rows), nil
}

func toMessages(rows []sqlMessage) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out
}
