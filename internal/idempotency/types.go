package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record ties a client supplied Idempotency-Key to the correlation id
// minted for the first request that used it.
type Record struct {
	Key           string    `dynamodbav:"idempotency_key"` // PK
	RequestHash   string    `dynamodbav:"request_hash"`
	Status        string    `dynamodbav:"status"`
	CorrelationID string    `dynamodbav:"correlation_id"`
	Note          string    `dynamodbav:"note,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
	ExpiresAt     int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// RequestHash fingerprints a request body so a key reused for a
// different request can be told apart from a retry.
func RequestHash(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
