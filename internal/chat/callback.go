package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/apperr"
	"github.com/alvaroprs8/vitascience/internal/conversation"
	"github.com/alvaroprs8/vitascience/internal/extract"
)

// Reply is a decoded chat callback.
type Reply struct {
	ConversationID    string
	TurnCorrelationID string
	Status            string
	Content           string
}

// DecodeReply reads a chat callback body. messageCorrelationId and
// correlationId are accepted for the turn id as older workers send them.
func DecodeReply(body []byte) (Reply, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return Reply{}, apperr.Validation("callback body must be a JSON object")
	}
	r := Reply{
		ConversationID: gjson.GetBytes(body, "conversationId").String(),
		Status:         gjson.GetBytes(body, "status").String(),
		Content:        extract.ReplyText(body),
	}
	for _, p := range []string{"turnCorrelationId", "messageCorrelationId", "correlationId"} {
		if v := gjson.GetBytes(body, p); v.Type == gjson.String && v.Str != "" {
			r.TurnCorrelationID = v.Str
			break
		}
	}
	return r, nil
}

// Complete appends the assistant reply for a turn. Replays are no-ops; a
// different reply for an answered turn is a conflict.
func (s *Service) Complete(ctx context.Context, r Reply) (bool, error) {
	convID := strings.TrimSpace(r.ConversationID)
	turnID := strings.TrimSpace(r.TurnCorrelationID)
	if convID == "" || turnID == "" {
		return false, apperr.Validation("conversationId and turnCorrelationId are required")
	}
	status := strings.ToLower(strings.TrimSpace(r.Status))
	if status == "" {
		status = conversation.StatusReady
	}
	if status != conversation.StatusReady && status != conversation.StatusError {
		return false, apperr.Validation("status must be ready or error")
	}
	if status == conversation.StatusReady && strings.TrimSpace(r.Content) == "" {
		return false, apperr.Validation("reply is required")
	}

	log := s.log.With(zap.String("conversation_id", convID), zap.String("turn_correlation_id", turnID))
	applied, err := s.store.AppendAssistant(ctx, conversation.Message{
		ConversationID:    convID,
		MessageID:         s.newID(),
		Role:              conversation.RoleAssistant,
		Content:           r.Content,
		TurnCorrelationID: turnID,
		Status:            status,
		ContentHash:       conversation.ContentHash(status, r.Content),
		CreatedAt:         s.now(),
	})
	switch {
	case errors.Is(err, conversation.ErrTurnAnswered):
		log.Warn("rejected second distinct reply")
		s.metrics.Count(ctx, "CallbackConflict", dims)
		return false, apperr.Conflict("turn already answered").WithOp("chat callback")
	case err != nil:
		log.Error("append reply failed", zap.Error(err))
		return false, apperr.Store("failed to store reply", err).WithOp("chat callback")
	}
	if !applied {
		log.Info("duplicate reply ignored")
		s.metrics.Count(ctx, "CallbackDuplicate", dims)
		return false, nil
	}
	log.Info("chat turn answered")
	s.metrics.Count(ctx, "CallbackFinalized", dims)
	return true, nil
}
