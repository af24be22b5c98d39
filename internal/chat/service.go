package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/apperr"
	"github.com/alvaroprs8/vitascience/internal/conversation"
	"github.com/alvaroprs8/vitascience/internal/correlation"
	"github.com/alvaroprs8/vitascience/internal/dispatch"
)

const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 500
)

type MessageStore interface {
	AppendUser(ctx context.Context, m conversation.Message) error
	AppendAssistant(ctx context.Context, m conversation.Message) (bool, error)
	TurnReply(ctx context.Context, conversationID, turnID string) (*conversation.Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	Recent(ctx context.Context, conversationID string, n int) ([]conversation.Message, error)
}

// Anchors resolves the analysis a conversation is about.
type Anchors interface {
	Get(ctx context.Context, id string) (*correlation.Record, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, env dispatch.Envelope) error
}

type Metrics interface {
	Count(ctx context.Context, name string, dims map[string]string)
}

type Options struct {
	CallbackURL string
	// ContextWindow is how many prior messages go out with a turn when the
	// caller sends none. Zero disables it.
	ContextWindow int
	// Anchors, when set, requires every conversation id to name an
	// existing analysis.
	Anchors Anchors
	Metrics Metrics
	Logger  *zap.Logger
}

type Service struct {
	store       MessageStore
	dispatcher  Dispatcher
	anchors     Anchors
	callbackURL string
	window      int
	metrics     Metrics
	log         *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store MessageStore, dispatcher Dispatcher, opts Options) *Service {
	s := &Service{
		store:       store,
		dispatcher:  dispatcher,
		anchors:     opts.Anchors,
		callbackURL: opts.CallbackURL,
		window:      opts.ContextWindow,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return ulid.Make().String() },
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

type nopMetrics struct{}

func (nopMetrics) Count(context.Context, string, map[string]string) {}

var dims = map[string]string{"kind": string(dispatch.KindChat)}

// ContextMessage is one prior message sent to the worker with a turn.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type SendInput struct {
	ConversationID string
	Message        string
	// Context overrides the stored window when non-empty.
	Context []ContextMessage
}

type SendResult struct {
	TurnCorrelationID string `json:"turnCorrelationId"`
	MessageID         string `json:"messageId"`
}

// Send appends the user message, then dispatches the turn. The reply
// arrives later through Complete.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, apperr.Validation("message is required")
	}

	var analysis string
	if s.anchors != nil {
		rec, err := s.anchors.Get(ctx, convID)
		if err != nil {
			return nil, apperr.Store("failed to load conversation", err).WithOp("chat send")
		}
		if rec == nil {
			return nil, apperr.NotFound("conversation not found")
		}
		analysis = rec.ResultText
	}

	history := in.Context
	if len(history) == 0 && s.window > 0 {
		recent, err := s.store.Recent(ctx, convID, s.window)
		if err != nil {
			return nil, apperr.Store("failed to load context", err).WithOp("chat send")
		}
		for _, m := range recent {
			history = append(history, ContextMessage{Role: m.Role, Content: m.Content})
		}
	}

	turnID := s.newID()
	log := s.log.With(zap.String("conversation_id", convID), zap.String("turn_correlation_id", turnID))

	user := conversation.Message{
		ConversationID:    convID,
		MessageID:         s.newID(),
		Role:              conversation.RoleUser,
		Content:           in.Message,
		TurnCorrelationID: turnID,
		Status:            conversation.StatusReady,
		CreatedAt:         s.now(),
	}
	if err := s.store.AppendUser(ctx, user); err != nil {
		log.Error("append user message failed", zap.Error(err))
		return nil, apperr.Store("failed to record message", err).WithOp("chat send")
	}

	if history == nil {
		history = []ContextMessage{}
	}
	payload := map[string]interface{}{
		"type":              "chat",
		"conversationId":    convID,
		"message":           in.Message,
		"turnCorrelationId": turnID,
		"callbackUrl":       s.callbackURL,
		"context":           history,
	}
	if analysis != "" {
		payload["analysis"] = analysis
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to encode dispatch payload", err)
	}

	if err := s.dispatcher.Dispatch(ctx, dispatch.Envelope{Kind: dispatch.KindChat, CorrelationID: turnID, Payload: raw}); err != nil {
		log.Warn("chat dispatch failed, user message kept", zap.Error(err))
		s.metrics.Count(ctx, "DispatchFailed", dims)
		var se *dispatch.StatusError
		if errors.As(err, &se) && se.Message != "" {
			return nil, apperr.Dispatch(se.Message, err).WithOp("chat send")
		}
		return nil, apperr.Dispatch("worker unreachable", err).WithOp("chat send")
	}

	log.Info("chat turn dispatched")
	s.metrics.Count(ctx, "SubmitAccepted", dims)
	return &SendResult{TurnCorrelationID: turnID, MessageID: user.MessageID}, nil
}

// History returns the conversation oldest first.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	msgs, err := s.store.History(ctx, conversationID, limit)
	if err != nil {
		return nil, apperr.Store("failed to load history", err).WithOp("chat history")
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return msgs, nil
}

// TurnView is what a poller waiting on one turn sees.
type TurnView struct {
	Status    string     `json:"status"`
	Reply     string     `json:"reply,omitempty"`
	MessageID string     `json:"messageId,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// TurnStatus reads the reply for one turn; no reply reads as pending.
func (s *Service) TurnStatus(ctx context.Context, conversationID, turnID string) (*TurnView, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(turnID) == "" {
		return nil, apperr.Validation("conversationId and turnCorrelationId are required")
	}
	m, err := s.store.TurnReply(ctx, conversationID, turnID)
	if err != nil {
		return nil, apperr.Store("failed to read turn", err).WithOp("turn status")
	}
	if m == nil {
		return &TurnView{Status: correlation.StatusPending}, nil
	}
	created := m.CreatedAt
	return &TurnView{Status: m.Status, Reply: m.Content, MessageID: m.MessageID, CreatedAt: &created}, nil
}
