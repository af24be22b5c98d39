package correlation

import (
	"errors"
	"time"
)

// Status values for a correlation record.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusError   = "error"
)

// IsTerminal reports whether status is ready or error.
func IsTerminal(status string) bool {
	return status == StatusReady || status == StatusError
}

// ErrAlreadyFinalized is returned when a terminal record receives a second,
// different completion and the store was asked not to overwrite it.
var ErrAlreadyFinalized = errors.New("record already finalized with a different result")

// Record is the shape persisted per correlation id.
type Record struct {
	CorrelationID string                 `dynamodbav:"correlation_id"` // PK
	Status        string                 `dynamodbav:"status"`
	OriginalInput string                 `dynamodbav:"original_input,omitempty"` // written once
	ResultJSON    string                 `dynamodbav:"result_json,omitempty"`    // raw worker result
	ResultText    string                 `dynamodbav:"result_text,omitempty"`
	ResultHash    string                 `dynamodbav:"result_hash,omitempty"`
	Auxiliary     map[string]interface{} `dynamodbav:"auxiliary,omitempty"`     // from submission
	CallbackData  map[string]interface{} `dynamodbav:"callback_data,omitempty"` // extra callback fields
	CreatedAt     *time.Time             `dynamodbav:"created_at,omitempty"`    // absent when the callback won the race
	ReceivedAt    *time.Time             `dynamodbav:"received_at,omitempty"`
}

// SortTime is received_at for finished records and created_at otherwise.
func (r *Record) SortTime() time.Time {
	if r.ReceivedAt != nil {
		return *r.ReceivedAt
	}
	if r.CreatedAt != nil {
		return *r.CreatedAt
	}
	return time.Time{}
}

// Pending is what the submitter persists before dispatch.
type Pending struct {
	CorrelationID string
	OriginalInput string
	Auxiliary     map[string]interface{}
	CreatedAt     time.Time
}

// Completion is one callback, ready to merge.
type Completion struct {
	CorrelationID string
	Status        string // ready or error
	ResultJSON    string
	ResultText    string
	CallbackData  map[string]interface{}
	Hash          string
	ReceivedAt    time.Time
	// Overwrite lets a different completion replace a terminal record.
	Overwrite bool
}
