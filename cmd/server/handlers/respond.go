// Package handlers provides the gin handlers of the homestock sync server.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// respondError writes err as {"error", "code"} with the status of its code.
func respondError(c *gin.Context, log *logging.Logger, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		log.ErrorWithCode("request failed", string(code), err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
		message = "internal server error"
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message, "code": apperrors.ErrInvalid})
}

// pathID returns the :id path parameter.
func pathID(c *gin.Context) models.UUID {
	return models.UUID(c.Param("id"))
}

// RequestLogger logs one line per request.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request completed", fields)
			return
		}
		log.Debug("request completed", fields)
	}
}
