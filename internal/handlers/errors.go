package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/apperr"
)

// writeError maps an error to its status and a {error} body. Unknown
// errors are reported as 500 without detail.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	_ = c.Error(err)
	ae, ok := apperr.As(err)
	if !ok {
		log.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("op", ae.Op), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": ae.Message})
}
