package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/chat"
	"github.com/alvaroprs8/vitascience/internal/validation"
)

type chatHandler struct {
	svc Conversations
	v   *validatorv10.Validate
	log *zap.Logger
}

func (h *chatHandler) send(c *gin.Context) {
	var req validation.ChatSendRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	in := chat.SendInput{ConversationID: c.Param("conversation_id"), Message: req.Message}
	for _, e := range req.Context {
		in.Context = append(in.Context, chat.ContextMessage{Role: e.Role, Content: e.Content})
	}

	res, err := h.svc.Send(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"conversationId":    in.ConversationID,
		"turnCorrelationId": res.TurnCorrelationID,
		"messageId":         res.MessageID,
		"status":            "pending",
	})
}

func (h *chatHandler) history(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	msgs, err := h.svc.History(c.Request.Context(), c.Param("conversation_id"), limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *chatHandler) turn(c *gin.Context) {
	view, err := h.svc.TurnStatus(c.Request.Context(), c.Param("conversation_id"), c.Param("turn_id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *chatHandler) callback(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	reply, err := chat.DecodeReply(body)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	applied, err := h.svc.Complete(c.Request.Context(), reply)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "applied": applied})
}
