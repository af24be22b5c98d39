package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses. A user message is ready as soon as it is stored.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// ErrTurnAnswered means the turn already has a different assistant reply.
var ErrTurnAnswered = errors.New("turn already answered with a different reply")

// Message is one append-only entry in a conversation log.
type Message struct {
	ConversationID    string    `dynamodbav:"conversation_id" json:"conversationId"`
	MessageID         string    `dynamodbav:"message_id" json:"messageId"` // ULID, append order
	Role              string    `dynamodbav:"role" json:"role"`
	Content           string    `dynamodbav:"content" json:"content"`
	TurnCorrelationID string    `dynamodbav:"turn_correlation_id,omitempty" json:"turnCorrelationId,omitempty"`
	Status            string    `dynamodbav:"status" json:"status"`
	ContentHash       string    `dynamodbav:"content_hash,omitempty" json:"-"`
	CreatedAt         time.Time `dynamodbav:"created_at" json:"createdAt"`
}

// ContentHash fingerprints a reply so replays can be told from conflicts.
func ContentHash(status, content string) string {
	sum := sha256.Sum256([]byte(status + "\x00" + content))
	return hex.EncodeToString(sum[:])
}
