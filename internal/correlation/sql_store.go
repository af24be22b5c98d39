package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sqlRecord struct {
	CorrelationID string     `gorm:"primaryKey;size:64"`
	Status        string     `gorm:"size:16;not null;index"`
	OriginalInput string     `gorm:"type:text"`
	ResultJSON    string     `gorm:"type:text"`
	ResultText    string     `gorm:"type:text"`
	ResultHash    string     `gorm:"size:64;not null;default:''"`
	Auxiliary     string     `gorm:"type:text"`
	CallbackData  string     `gorm:"type:text"`
	Created       *time.Time `gorm:"column:created_at;index"`
	ReceivedAt    *time.Time `gorm:"index"`
}

func (sqlRecord) TableName() string { return "analyses" }

// SQLStore keeps correlation records in a relational table through gorm.
// Every mutation is a single statement keyed by correlation_id.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates or updates the analyses table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sqlRecord{})
}

func (s *SQLStore) CreatePending(ctx context.Context, p Pending) error {
	aux, err := encodeMap(p.Auxiliary)
	if err != nil {
		return err
	}
	created := p.CreatedAt.UTC()
	row := sqlRecord{
		CorrelationID: p.CorrelationID,
		Status:        StatusPending,
		OriginalInput: p.OriginalInput,
		Auxiliary:     aux,
		Created:       &created,
	}

	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "correlation_id"}}, DoNothing: true}).
		Create(&row)
	if tx.Error != nil {
		return fmt.Errorf("create pending: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	// the callback got here first: backfill the submission fields, once
	err = s.db.WithContext(ctx).Model(&sqlRecord{}).
		Where("correlation_id = ? AND (original_input IS NULL OR original_input = '')", p.CorrelationID).
		Updates(map[string]interface{}{
			"original_input": p.OriginalInput,
			"auxiliary":      aux,
			"created_at":     created,
		}).Error
	if err != nil {
		return fmt.Errorf("backfill pending: %w", err)
	}
	return nil
}

// Finalize inserts a terminal row or conditionally updates the existing
// one. It returns false with a nil error for an identical replay.
func (s *SQLStore) Finalize(ctx context.Context, c Completion) (bool, error) {
	cd, err := encodeMap(c.CallbackData)
	if err != nil {
		return false, err
	}
	received := c.ReceivedAt.UTC()
	row := sqlRecord{
		CorrelationID: c.CorrelationID,
		Status:        c.Status,
		ResultJSON:    c.ResultJSON,
		ResultText:    c.ResultText,
		ResultHash:    c.Hash,
		CallbackData:  cd,
		ReceivedAt:    &received,
	}

	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "correlation_id"}}, DoNothing: true}).
		Create(&row)
	if tx.Error != nil {
		return false, fmt.Errorf("finalize insert: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	q := s.db.WithContext(ctx).Model(&sqlRecord{}).Where("correlation_id = ?", c.CorrelationID)
	if c.Overwrite {
		q = q.Where("result_hash <> ?", c.Hash)
	} else {
		q = q.Where("status = ?", StatusPending)
	}
	tx = q.Updates(map[string]interface{}{
		"status":        c.Status,
		"result_json":   c.ResultJSON,
		"result_text":   c.ResultText,
		"result_hash":   c.Hash,
		"callback_data": cd,
		"received_at":   received,
	})
	if tx.Error != nil {
		return false, fmt.Errorf("finalize update: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	existing, err := s.Get(ctx, c.CorrelationID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.ResultHash == c.Hash {
		return false, nil
	}
	return false, ErrAlreadyFinalized
}

// Get returns (nil, nil) if the record does not exist.
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var row sqlRecord
	err := s.db.WithContext(ctx).Where("correlation_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return row.toRecord()
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Record, error) {
	var rows []sqlRecord
	q := s.db.WithContext(ctx).Order("COALESCE(received_at, created_at) DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r sqlRecord) toRecord() (*Record, error) {
	aux, err := decodeMap(r.Auxiliary)
	if err != nil {
		return nil, fmt.Errorf("decode auxiliary for %s: %w", r.CorrelationID, err)
	}
	cd, err := decodeMap(r.CallbackData)
	if err != nil {
		return nil, fmt.Errorf("decode callback data for %s: %w", r.CorrelationID, err)
	}
	return &Record{
		CorrelationID: r.CorrelationID,
		Status:        r.Status,
		OriginalInput: r.OriginalInput,
		ResultJSON:    r.ResultJSON,
		ResultText:    r.ResultText,
		ResultHash:    r.ResultHash,
		Auxiliary:     aux,
		CallbackData:  cd,
		CreatedAt:     r.Created,
		ReceivedAt:    r.ReceivedAt,
	}, nil
}

func encodeMap(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
