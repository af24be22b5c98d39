package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/analysis"
	"github.com/alvaroprs8/vitascience/internal/apperr"
	"github.com/alvaroprs8/vitascience/internal/validation"
)

const maxCallbackBody = 1 << 20

type analysisHandler struct {
	svc Analyses
	v   *validatorv10.Validate
	log *zap.Logger
}

func (h *analysisHandler) submit(c *gin.Context) {
	var req validation.SubmitRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	id, err := h.svc.Submit(c.Request.Context(), analysis.SubmitInput{
		Input:          req.Input,
		Title:          req.Title,
		Metadata:       req.Metadata,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Header("Location", "/v1/analyses/status?correlationId="+id)
	c.JSON(http.StatusAccepted, gin.H{"correlationId": id, "status": "pending"})
}

func (h *analysisHandler) status(c *gin.Context) {
	id := c.Query("correlationId")
	if id == "" {
		id = c.Query("id")
	}
	view, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *analysisHandler) list(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	items, err := h.svc.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *analysisHandler) callback(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	cb, err := analysis.DecodeCallback(body)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	out, err := h.svc.Complete(c.Request.Context(), cb)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "applied": out.Applied})
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody+1))
	if err != nil {
		return nil, apperr.Validation("could not read request body")
	}
	if len(body) > maxCallbackBody {
		return nil, apperr.Validation("request body too large")
	}
	return body, nil
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("limit must be a non-negative integer")
	}
	return n, nil
}
