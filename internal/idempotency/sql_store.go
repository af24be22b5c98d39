package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sqlKey struct {
	Key           string `gorm:"column:idempotency_key;primaryKey;size:255"`
	RequestHash   string `gorm:"size:64;not null"`
	Status        string `gorm:"size:16;not null"`
	CorrelationID string `gorm:"size:64;not null"`
	Note          string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     int64 `gorm:"index"`
}

func (sqlKey) TableName() string { return "idempotency_keys" }

// SQLStore is the relational twin of DynamoStore.
type SQLStore struct {
	db        *gorm.DB
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewSQLStore(db *gorm.DB, ttlWindow time.Duration) *SQLStore {
	return &SQLStore{db: db, ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sqlKey{})
}

func (s *SQLStore) Claim(ctx context.Context, key, requestHash, correlationID string) (*Record, bool, error) {
	now := s.nowFunc().UTC()
	db := s.db.WithContext(ctx)

	// expired keys are forgotten
	if err := db.Where("idempotency_key = ? AND expires_at < ?", key, now.Unix()).Delete(&sqlKey{}).Error; err != nil {
		return nil, false, fmt.Errorf("expire key: %w", err)
	}

	row := sqlKey{
		Key:           key,
		RequestHash:   requestHash,
		Status:        StatusInProgress,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.ttlWindow).Unix(),
	}
	tx := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tx.Error != nil {
		return nil, false, fmt.Errorf("insert key: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return row.toRecord(), true, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil || existing == nil {
		return existing, false, err
	}
	if existing.Status != StatusFailed || existing.RequestHash != requestHash {
		return existing, false, nil
	}

	tx = db.Model(&sqlKey{}).
		Where("idempotency_key = ? AND status = ? AND request_hash = ?", key, StatusFailed, requestHash).
		Updates(map[string]interface{}{"status": StatusInProgress, "updated_at": now})
	if tx.Error != nil {
		return nil, false, fmt.Errorf("reclaim: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		current, err := s.Get(ctx, key)
		return current, false, err
	}
	existing.Status = StatusInProgress
	existing.UpdatedAt = now
	return existing, true, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Record, error) {
	var row sqlKey
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return row.toRecord(), nil
}

func (s *SQLStore) MarkDone(ctx context.Context, key string) error {
	return s.finish(ctx, key, StatusDone, "")
}

func (s *SQLStore) MarkFailed(ctx context.Context, key, note string) error {
	return s.finish(ctx, key, StatusFailed, note)
}

func (s *SQLStore) finish(ctx context.Context, key, status, note string) error {
	err := s.db.WithContext(ctx).Model(&sqlKey{}).
		Where("idempotency_key = ? AND status = ?", key, StatusInProgress).
		Updates(map[string]interface{}{"status": status, "note": note, "updated_at": s.nowFunc().UTC()}).Error
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return nil
}

func (r sqlKey) toRecord() *Record {
	return &Record{
		Key:           r.Key,
		RequestHash:   r.RequestHash,
		Status:        r.Status,
		CorrelationID: r.CorrelationID,
		Note:          r.Note,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		ExpiresAt:     r.ExpiresAt,
	}
}
