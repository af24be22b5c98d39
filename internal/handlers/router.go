package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alvaroprs8/vitascience/internal/analysis"
	"github.com/alvaroprs8/vitascience/internal/chat"
	"github.com/alvaroprs8/vitascience/internal/conversation"
	"github.com/alvaroprs8/vitascience/internal/logging"
	"github.com/alvaroprs8/vitascience/internal/validation"
)

// Analyses is the analysis surface the routes call.
type Analyses interface {
	Submit(ctx context.Context, in analysis.SubmitInput) (string, error)
	Complete(ctx context.Context, cb analysis.Callback) (analysis.Outcome, error)
	Status(ctx context.Context, id string) (*analysis.StatusView, error)
	List(ctx context.Context, limit int) ([]analysis.Summary, error)
}

// Conversations is the chat surface the routes call.
type Conversations interface {
	Send(ctx context.Context, in chat.SendInput) (*chat.SendResult, error)
	Complete(ctx context.Context, r chat.Reply) (bool, error)
	History(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	TurnStatus(ctx context.Context, conversationID, turnID string) (*chat.TurnView, error)
}

// RouterConfig groups dependencies for the HTTP surface.
type RouterConfig struct {
	Analyses       Analyses
	Conversations  Conversations // nil disables the chat routes
	CallbackSecret string
	Transport      string
	Logger         *zap.Logger

	// PollRate limits status, turn and history reads per client IP.
	// Zero disables limiting.
	PollRate  rate.Limit
	PollBurst int
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "transport": cfg.Transport})
	})

	poll := func(c *gin.Context) { c.Next() }
	if cfg.PollRate > 0 {
		poll = RateLimit(cfg.PollRate, cfg.PollBurst)
	}
	auth := CallbackAuth(cfg.CallbackSecret, log)
	v := validation.New()

	v1 := r.Group("/v1")
	ah := &analysisHandler{svc: cfg.Analyses, v: v, log: log}
	v1.POST("/analyses", ah.submit)
	v1.GET("/analyses", poll, ah.list)
	v1.GET("/analyses/status", poll, ah.status)
	v1.POST("/callbacks/analysis", auth, ah.callback)

	if cfg.Conversations != nil {
		ch := &chatHandler{svc: cfg.Conversations, v: v, log: log}
		v1.POST("/conversations/:conversation_id/messages", ch.send)
		v1.GET("/conversations/:conversation_id/messages", poll, ch.history)
		v1.GET("/conversations/:conversation_id/turns/:turn_id", poll, ch.turn)
		v1.POST("/callbacks/chat", auth, ch.callback)
	}

	return r
}
